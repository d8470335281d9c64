package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cachehop/cachehop/internal/config"
	"github.com/cachehop/cachehop/internal/logging"
	"github.com/cachehop/cachehop/internal/metrics"
	"github.com/cachehop/cachehop/internal/protocol"
	"github.com/cachehop/cachehop/internal/transport/stream"
)

// StreamServer 以 accept-handle-close 循环服务 TCP 请求。
type StreamServer struct {
	coord  *Coordinator
	logger *logrus.Logger
	// Concurrent 为 true 时每条连接在独立 goroutine 中处理。
	Concurrent bool
}

// NewStreamServer 构造 TCP 服务循环。
func NewStreamServer(coord *Coordinator, logger *logrus.Logger) *StreamServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &StreamServer{coord: coord, logger: logger}
}

// Serve 持续接受连接直到 ctx 取消或监听器关闭；返回前等待所有在途连接结束。
func (s *StreamServer) Serve(ctx context.Context, ln *stream.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, stream.ErrListenerClosed) {
				return nil
			}
			return err
		}
		if !s.Concurrent {
			s.handle(ctx, conn)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *StreamServer) handle(ctx context.Context, conn *stream.Conn) {
	started := time.Now()
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	fields := logging.TransactionFields(string(config.RoleCache), config.ProtocolTCP, logging.NewTransactionID())
	fields["peer"] = conn.RemoteAddr()

	err := s.serveConn(ctx, conn, fields)
	metrics.ObserveTransaction(string(config.RoleCache), config.ProtocolTCP, started, err)

	entry := s.logger.WithFields(fields).WithField("result", protocol.Classify(err)).WithField("elapsed_ms", time.Since(started).Milliseconds())
	switch {
	case err == nil:
		entry.Info("request served")
	case errors.Is(err, protocol.ErrNotFound):
		entry.Info("file not found")
	default:
		entry.WithError(err).Warn("request failed")
	}
}

func (s *StreamServer) serveConn(ctx context.Context, conn *stream.Conn, fields logrus.Fields) error {
	text, err := conn.ReceiveMessage()
	if err != nil {
		return fmt.Errorf("read command: %w", err)
	}
	cmd, err := protocol.ParseStream(text)
	if err != nil {
		_ = conn.SendMessage(protocol.ProtocolError)
		return err
	}
	fields["verb"] = string(cmd.Verb)
	fields["file"] = cmd.Filename
	if cmd.Verb != protocol.VerbGet {
		_ = conn.SendMessage(protocol.ProtocolError)
		return fmt.Errorf("%w: cache does not accept %s", protocol.ErrProtocol, cmd.Verb)
	}

	res, err := s.coord.Resolve(ctx, cmd.Filename)
	if err != nil {
		reply := protocol.DeliveryFailed
		if errors.Is(err, protocol.ErrNotFound) {
			reply = protocol.FileNotFound
		}
		if sendErr := conn.SendMessage(reply); sendErr != nil {
			return errors.Join(err, sendErr)
		}
		return err
	}
	fields["source"] = string(res.Source)

	status := protocol.StatusFromCache
	if res.Source == SourceOrigin {
		status = protocol.StatusFromServer
	}
	if err := conn.SendMessage(status); err != nil {
		return err
	}
	if err := conn.SendFile(bytes.NewReader(res.Data), int64(len(res.Data))); err != nil {
		return err
	}
	metrics.ObserveStreamBytes("sent", int64(len(res.Data)))
	return nil
}
