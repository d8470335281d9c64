package cache

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cachehop/cachehop/internal/metrics"
	"github.com/cachehop/cachehop/internal/protocol"
	"github.com/cachehop/cachehop/internal/transport/snw"
	"github.com/cachehop/cachehop/internal/transport/stream"
)

// StreamFetcher 每次回源都新建一条到源站的 TCP 连接。
type StreamFetcher struct {
	Origin  string
	Options stream.Options
}

// Fetch 发送 "get <name>"，读取状态行后接收文件正文。
func (f *StreamFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	conn, err := stream.Dial(ctx, f.Origin, f.Options)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	cmd := protocol.Command{Verb: protocol.VerbGet, Filename: name}
	if err := conn.SendMessage(cmd.Stream()); err != nil {
		return nil, err
	}
	status, err := conn.ReceiveMessage()
	if err != nil {
		return nil, err
	}
	if err := protocol.StatusError(status); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	n, err := conn.ReceiveFile(&body)
	metrics.ObserveStreamBytes("received", n)
	if err != nil {
		return nil, err
	}
	return body.Bytes(), nil
}

// DatagramFetcher 每次回源使用一个临时端口，避免与缓存的监听端口混用。
type DatagramFetcher struct {
	Origin  string
	Options snw.Options
}

// Fetch 发送 "GET:<name>"，等待 LEN 头，停等接收完整文件后回 FIN。
func (f *DatagramFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	peer, err := snw.ResolvePeer(f.Origin)
	if err != nil {
		return nil, err
	}
	ep, err := snw.Open(f.Options)
	if err != nil {
		return nil, err
	}
	defer ep.Close()
	stop := context.AfterFunc(ctx, func() { _ = ep.Close() })
	defer stop()

	cmd := protocol.Command{Verb: protocol.VerbGet, Filename: name}
	if err := ep.SendMessage(cmd.Datagram(), peer); err != nil {
		return nil, err
	}
	header, err := ep.ReceiveFrom(peer)
	if err != nil {
		return nil, fmt.Errorf("await length header: %w", err)
	}
	if err := protocol.StatusError(header); err != nil {
		return nil, err
	}
	size, err := protocol.ParseLength(header)
	if err != nil {
		return nil, err
	}

	data, session, err := ep.ReceiveFile(size)
	metrics.ObserveSession(session)
	if err != nil {
		return nil, err
	}
	if err := ep.SendFin(peer); err != nil {
		return nil, err
	}
	return data, nil
}
