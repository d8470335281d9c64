package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
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
	agent  *Agent
	logger *logrus.Logger
	// Concurrent 为 true 时每条连接在独立 goroutine 中处理。
	Concurrent bool
}

// NewStreamServer 构造源站的 TCP 服务循环。
func NewStreamServer(agent *Agent, logger *logrus.Logger) *StreamServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &StreamServer{agent: agent, logger: logger}
}

// Serve 持续接受连接直到 ctx 取消或监听器关闭。
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

	fields := logging.TransactionFields(string(config.RoleOrigin), config.ProtocolTCP, logging.NewTransactionID())
	fields["peer"] = conn.RemoteAddr()

	err := s.serveConn(ctx, conn, fields)
	metrics.ObserveTransaction(string(config.RoleOrigin), config.ProtocolTCP, started, err)

	entry := s.logger.WithFields(fields).WithField("result", protocol.Classify(err))
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

	if cmd.Verb == protocol.VerbPut {
		return s.receiveUpload(ctx, conn, cmd.Filename)
	}
	return s.sendFile(ctx, conn, cmd.Filename)
}

func (s *StreamServer) sendFile(ctx context.Context, conn *stream.Conn, name string) error {
	result, err := s.agent.Open(ctx, name)
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
	defer result.Reader.Close()

	if err := conn.SendMessage(protocol.StatusFromOrigin); err != nil {
		return err
	}
	if err := conn.SendFile(result.Reader, result.Entry.SizeBytes); err != nil {
		return err
	}
	metrics.ObserveStreamBytes("sent", result.Entry.SizeBytes)
	return nil
}

// receiveUpload 将文件帧直接接入 Store.Put，传输中断时临时文件被丢弃。
func (s *StreamServer) receiveUpload(ctx context.Context, conn *stream.Conn, name string) error {
	pr, pw := io.Pipe()
	received := make(chan int64, 1)
	go func() {
		n, err := conn.ReceiveFile(pw)
		_ = pw.CloseWithError(err)
		received <- n
	}()

	_, err := s.agent.Accept(ctx, name, pr)
	_ = pr.CloseWithError(err)
	n := <-received
	metrics.ObserveStreamBytes("received", n)
	if err != nil {
		if !errors.Is(err, protocol.ErrTransferAborted) && !errors.Is(err, protocol.ErrConnection) && !errors.Is(err, protocol.ErrTimeout) {
			_ = conn.SendMessage(protocol.DeliveryFailed)
		}
		return fmt.Errorf("receive upload %s: %w", name, err)
	}
	return conn.SendMessage(protocol.StatusUploaded)
}
