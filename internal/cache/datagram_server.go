package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cachehop/cachehop/internal/config"
	"github.com/cachehop/cachehop/internal/logging"
	"github.com/cachehop/cachehop/internal/metrics"
	"github.com/cachehop/cachehop/internal/protocol"
	"github.com/cachehop/cachehop/internal/transport/snw"
)

// DatagramServer 以串行的 receive-command-respond 循环服务停等协议请求。
type DatagramServer struct {
	coord  *Coordinator
	logger *logrus.Logger
}

// NewDatagramServer 构造数据报服务循环。
func NewDatagramServer(coord *Coordinator, logger *logrus.Logger) *DatagramServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DatagramServer{coord: coord, logger: logger}
}

// Serve 循环处理命令直到 ctx 取消或 endpoint 关闭。单个事务失败只中止该事务。
func (s *DatagramServer) Serve(ctx context.Context, ep *snw.Endpoint) error {
	stop := context.AfterFunc(ctx, func() { _ = ep.Close() })
	defer stop()

	idle := false
	for {
		text, peer, err := ep.ReceiveMessage()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrTimeout):
				if !idle {
					s.logger.WithField("action", "idle").Info("socket timed out, waiting for another packet")
					idle = true
				}
				continue
			case errors.Is(err, net.ErrClosed) || ctx.Err() != nil:
				return nil
			default:
				return err
			}
		}
		idle = false
		if text == protocol.Ack || text == protocol.Fin {
			s.logger.WithFields(logrus.Fields{"action": "stray_datagram", "peer": peer.String()}).Debug(text)
			continue
		}
		s.handle(ctx, ep, text, peer)
	}
}

func (s *DatagramServer) handle(ctx context.Context, ep *snw.Endpoint, text string, peer *net.UDPAddr) {
	started := time.Now()
	fields := logging.TransactionFields(string(config.RoleCache), config.ProtocolSNW, logging.NewTransactionID())
	fields["peer"] = peer.String()

	err := s.serveCommand(ctx, ep, text, peer, fields)
	metrics.ObserveTransaction(string(config.RoleCache), config.ProtocolSNW, started, err)

	entry := s.logger.WithFields(fields).WithField("result", protocol.Classify(err)).WithField("elapsed_ms", time.Since(started).Milliseconds())
	switch {
	case err == nil:
		entry.Info("request served")
	case errors.Is(err, protocol.ErrNotFound):
		entry.Info("file not found")
	default:
		entry.WithError(err).Warn("transaction aborted")
	}
}

func (s *DatagramServer) serveCommand(ctx context.Context, ep *snw.Endpoint, text string, peer *net.UDPAddr, fields logrus.Fields) error {
	cmd, err := protocol.ParseDatagram(text)
	if err != nil {
		_ = ep.SendMessage(protocol.ProtocolError, peer)
		return err
	}
	fields["verb"] = string(cmd.Verb)
	fields["file"] = cmd.Filename
	if cmd.Verb != protocol.VerbGet {
		_ = ep.SendMessage(protocol.ProtocolError, peer)
		return fmt.Errorf("%w: cache does not accept %s", protocol.ErrProtocol, cmd.Verb)
	}

	res, err := s.coord.Resolve(ctx, cmd.Filename)
	if err != nil {
		reply := protocol.DeliveryFailed
		if errors.Is(err, protocol.ErrNotFound) {
			reply = protocol.FileNotFound
		}
		if sendErr := ep.SendMessage(reply, peer); sendErr != nil {
			return errors.Join(err, sendErr)
		}
		return err
	}
	fields["source"] = string(res.Source)

	if err := ep.SendMessage(protocol.FormatLength(len(res.Data)), peer); err != nil {
		return err
	}
	session, err := ep.SendFile(res.Data, peer)
	metrics.ObserveSession(session)
	if err != nil {
		return err
	}

	reply, err := ep.ReceiveFrom(peer)
	if err != nil {
		return fmt.Errorf("%w: await %s: %w", protocol.ErrTransferAborted, protocol.Fin, err)
	}
	if reply != protocol.Fin {
		return fmt.Errorf("%w: expected %s, got %q", protocol.ErrProtocol, protocol.Fin, reply)
	}

	message := protocol.MessageFromCache
	if res.Source == SourceOrigin {
		message = protocol.MessageFromServer
	}
	return ep.SendMessage(message, peer)
}
