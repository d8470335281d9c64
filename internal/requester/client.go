package requester

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
	"github.com/cachehop/cachehop/internal/store"
	"github.com/cachehop/cachehop/internal/transport/snw"
	"github.com/cachehop/cachehop/internal/transport/stream"
)

// Options 汇总两种传输的参数，仅与 Protocol 对应的一项生效。
type Options struct {
	Stream   stream.Options
	Datagram snw.Options
	// ResponseTimeout 限制数据报命令等待首个回复的时间，0 表示只受 ctx 约束。
	// 缓存未命中时要等回源结束才会回复，逐块超时 Datagram.Timeout 不适用于这里。
	ResponseTimeout time.Duration
}

// Result 是一次命令的可读结果。
type Result struct {
	Status string
	Size   int64
}

// Client 在本地 Store 与缓存/源站之间搬运文件。
type Client struct {
	store      store.Store
	protocol   string
	cacheAddr  string
	originAddr string
	opts       Options
	logger     *logrus.Logger
}

// NewClient 构造请求方。proto 取 config.ProtocolTCP 或 config.ProtocolSNW。
func NewClient(st store.Store, proto, cacheAddr, originAddr string, opts Options, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		store:      st,
		protocol:   proto,
		cacheAddr:  cacheAddr,
		originAddr: originAddr,
		opts:       opts,
		logger:     logger,
	}
}

// Get 通过缓存下载 name，完整收到后才写入本地 Store。
func (c *Client) Get(ctx context.Context, name string) (*Result, error) {
	return c.run(ctx, protocol.VerbGet, name, func() (*Result, error) {
		if c.protocol == config.ProtocolSNW {
			return c.getDatagram(ctx, name)
		}
		return c.getStream(ctx, name)
	})
}

// Put 将本地 name 上传到源站；本地不存在时返回 ErrNotFound 且不发起连接。
func (c *Client) Put(ctx context.Context, name string) (*Result, error) {
	return c.run(ctx, protocol.VerbPut, name, func() (*Result, error) {
		data, err := store.ReadAll(ctx, c.store, name)
		if err != nil {
			return nil, fmt.Errorf("local file %s: %w", name, err)
		}
		if c.protocol == config.ProtocolSNW {
			return c.putDatagram(ctx, name, data)
		}
		return c.putStream(ctx, name, data)
	})
}

func (c *Client) run(ctx context.Context, verb protocol.Verb, name string, fn func() (*Result, error)) (*Result, error) {
	started := time.Now()
	fields := logging.CommandFields(
		logging.TransactionFields(string(config.RoleClient), c.protocol, logging.NewTransactionID()),
		string(verb), name,
	)
	if err := protocol.ValidateName(name); err != nil {
		return nil, err
	}

	res, err := fn()
	metrics.ObserveTransaction(string(config.RoleClient), c.protocol, started, err)
	entry := c.logger.WithFields(fields).WithField("result", protocol.Classify(err))
	if err != nil {
		entry.WithError(err).Warn("command failed")
		return nil, err
	}
	entry.WithField("bytes", res.Size).Info(res.Status)
	return res, nil
}

func (c *Client) getStream(ctx context.Context, name string) (*Result, error) {
	conn, err := stream.Dial(ctx, c.cacheAddr, c.opts.Stream)
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
		return nil, fmt.Errorf("get %s: %w", name, err)
	}

	var body bytes.Buffer
	n, err := conn.ReceiveFile(&body)
	metrics.ObserveStreamBytes("received", n)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.Put(ctx, name, &body); err != nil {
		return nil, err
	}
	return &Result{Status: status, Size: n}, nil
}

func (c *Client) getDatagram(ctx context.Context, name string) (*Result, error) {
	ep, peer, closeFn, err := c.openDatagram(ctx, c.cacheAddr)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	cmd := protocol.Command{Verb: protocol.VerbGet, Filename: name}
	if err := ep.SendMessage(cmd.Datagram(), peer); err != nil {
		return nil, err
	}
	header, err := ep.ReceiveFromUntil(peer, c.responseDeadline())
	if err != nil {
		return nil, fmt.Errorf("await length header: %w", err)
	}
	if err := protocol.StatusError(header); err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
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
	if _, err := c.store.Put(ctx, name, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if err := ep.SendFin(peer); err != nil {
		return nil, err
	}
	return &Result{Status: c.finalMessage(ep, peer), Size: int64(len(data))}, nil
}

func (c *Client) putStream(ctx context.Context, name string, data []byte) (*Result, error) {
	conn, err := stream.Dial(ctx, c.originAddr, c.opts.Stream)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	cmd := protocol.Command{Verb: protocol.VerbPut, Filename: name}
	if err := conn.SendMessage(cmd.Stream()); err != nil {
		return nil, err
	}
	if err := conn.SendFile(bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, err
	}
	metrics.ObserveStreamBytes("sent", int64(len(data)))
	status, err := conn.ReceiveMessage()
	if err != nil {
		return nil, fmt.Errorf("await upload response: %w", err)
	}
	if err := protocol.StatusError(status); err != nil {
		return nil, fmt.Errorf("put %s: %w", name, err)
	}
	return &Result{Status: status, Size: int64(len(data))}, nil
}

func (c *Client) putDatagram(ctx context.Context, name string, data []byte) (*Result, error) {
	ep, peer, closeFn, err := c.openDatagram(ctx, c.originAddr)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	cmd := protocol.Command{Verb: protocol.VerbPut, Filename: name}
	if err := ep.SendMessage(cmd.Datagram(), peer); err != nil {
		return nil, err
	}
	if err := ep.SendMessage(protocol.FormatLength(len(data)), peer); err != nil {
		return nil, err
	}
	session, err := ep.SendFile(data, peer)
	metrics.ObserveSession(session)
	if err != nil {
		return nil, err
	}

	reply, err := ep.ReceiveFromUntil(peer, c.responseDeadline())
	if err != nil {
		return nil, fmt.Errorf("await %s: %w", protocol.Fin, err)
	}
	if err := protocol.StatusError(reply); err != nil {
		return nil, fmt.Errorf("put %s: %w", name, err)
	}
	if reply != protocol.Fin {
		return nil, fmt.Errorf("%w: expected %s, got %q", protocol.ErrProtocol, protocol.Fin, reply)
	}
	return &Result{Status: c.finalMessage(ep, peer), Size: int64(len(data))}, nil
}

// finalMessage 读取 FIN 之后的 "Message:" 状态。文件此时已完整落地，缺失的状态只记录日志。
func (c *Client) finalMessage(ep *snw.Endpoint, peer *net.UDPAddr) string {
	text, err := ep.ReceiveFrom(peer)
	if err != nil {
		c.logger.WithError(err).WithField("action", "await_status").Warn("no final status from peer")
		return ""
	}
	if status, ok := protocol.UnwrapMessage(text); ok {
		return status
	}
	return text
}

func (c *Client) responseDeadline() time.Time {
	if c.opts.ResponseTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.opts.ResponseTimeout)
}

// openDatagram 绑定临时端口；返回的 closeFn 同时解除 ctx 取消回调。
func (c *Client) openDatagram(ctx context.Context, addr string) (*snw.Endpoint, *net.UDPAddr, func(), error) {
	peer, err := snw.ResolvePeer(addr)
	if err != nil {
		return nil, nil, nil, err
	}
	ep, err := snw.Open(c.opts.Datagram)
	if err != nil {
		return nil, nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = ep.Close() })
	return ep, peer, func() {
		stop()
		_ = ep.Close()
	}, nil
}

// IsNotFound 判断错误是否表示缓存与源站都没有该文件。
func IsNotFound(err error) bool {
	return errors.Is(err, protocol.ErrNotFound)
}
