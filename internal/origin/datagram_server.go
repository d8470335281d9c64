package origin

import (
	"bytes"
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
	agent  *Agent
	logger *logrus.Logger
}

// NewDatagramServer 构造源站的数据报服务循环。
func NewDatagramServer(agent *Agent, logger *logrus.Logger) *DatagramServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DatagramServer{agent: agent, logger: logger}
}

// Serve 循环处理命令直到 ctx 取消或 endpoint 关闭。
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

		started := time.Now()
		fields := logging.TransactionFields(string(config.RoleOrigin), config.ProtocolSNW, logging.NewTransactionID())
		fields["peer"] = peer.String()
		err = s.serveCommand(ctx, ep, text, peer, fields)
		metrics.ObserveTransaction(string(config.RoleOrigin), config.ProtocolSNW, started, err)

		entry := s.logger.WithFields(fields).WithField("result", protocol.Classify(err))
		switch {
		case err == nil:
			entry.Info("request served")
		case errors.Is(err, protocol.ErrNotFound):
			entry.Info("file not found")
		default:
			entry.WithError(err).Warn("transaction aborted")
		}
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

	if cmd.Verb == protocol.VerbPut {
		return s.receiveUpload(ctx, ep, cmd.Filename, peer)
	}
	return s.sendFile(ctx, ep, cmd.Filename, peer)
}

// sendFile 发送 LEN 头与全部数据块，等待对端 FIN；之后不再发送 Message。
func (s *DatagramServer) sendFile(ctx context.Context, ep *snw.Endpoint, name string, peer *net.UDPAddr) error {
	data, err := s.agent.Read(ctx, name)
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

	if err := ep.SendMessage(protocol.FormatLength(len(data)), peer); err != nil {
		return err
	}
	session, err := ep.SendFile(data, peer)
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
	return nil
}

// receiveUpload 等待同一对端的 LEN 头，接收全部数据块后落盘并回复 FIN 与 Message。
func (s *DatagramServer) receiveUpload(ctx context.Context, ep *snw.Endpoint, name string, peer *net.UDPAddr) error {
	header, err := ep.ReceiveFrom(peer)
	if err != nil {
		return fmt.Errorf("await length header: %w", err)
	}
	size, err := protocol.ParseLength(header)
	if err != nil {
		_ = ep.SendMessage(protocol.ProtocolError, peer)
		return err
	}

	data, session, err := ep.ReceiveFile(size)
	metrics.ObserveSession(session)
	if err != nil {
		return err
	}
	if _, err := s.agent.Accept(ctx, name, bytes.NewReader(data)); err != nil {
		_ = ep.SendMessage(protocol.DeliveryFailed, peer)
		return err
	}

	if err := ep.SendFin(peer); err != nil {
		return err
	}
	return ep.SendMessage(protocol.MessageUploaded, peer)
}
