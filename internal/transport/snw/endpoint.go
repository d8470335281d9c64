package snw

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cachehop/cachehop/internal/protocol"
)

const (
	// MaxDatagramSize 是单个数据报的接收缓冲上限。
	MaxDatagramSize = 1024
	// ChunkSize 是文件分块大小，最后一块可能更短。
	ChunkSize = 1000
	// DefaultTimeout 是默认接收超时。
	DefaultTimeout = time.Second

	// initialReceiveChunks 限制接收缓冲的预分配，更大的文件随数据到达再增长。
	initialReceiveChunks = 64
)

// Options 控制接收超时与重传策略。
type Options struct {
	Timeout time.Duration
	// MaxRetries 为每块允许的重传次数，0 表示只发送一次并等待一次。
	MaxRetries int
	// ChunkSize 为 0 时使用默认的 1000 字节。
	ChunkSize int
}

func (o Options) normalized() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.ChunkSize <= 0 || o.ChunkSize > MaxDatagramSize {
		o.ChunkSize = ChunkSize
	}
	return o
}

// Endpoint 包装一个无连接的 UDP socket。
type Endpoint struct {
	conn *net.UDPConn
	opts Options

	closeOnce sync.Once
	closeErr  error
}

// Listen 创建并绑定到 addr。
func Listen(addr string, opts Options) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", protocol.ErrConnection, addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %v", protocol.ErrConnection, addr, err)
	}
	return &Endpoint{conn: conn, opts: opts.normalized()}, nil
}

// Open 绑定一个临时端口，适合作为发起方使用。
func Open(opts Options) (*Endpoint, error) {
	return Listen(":0", opts)
}

// ResolvePeer 将 host:port 解析为对端地址。
func ResolvePeer(addr string) (*net.UDPAddr, error) {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", protocol.ErrConnection, addr, err)
	}
	return peer, nil
}

// LocalAddr 返回绑定地址。
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	addr, _ := e.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Timeout 返回当前接收超时。
func (e *Endpoint) Timeout() time.Duration {
	return e.opts.Timeout
}

// SendMessage 向 peer 发送一条控制消息。
func (e *Endpoint) SendMessage(text string, peer *net.UDPAddr) error {
	if len(text) > MaxDatagramSize {
		return fmt.Errorf("%w: message of %d bytes exceeds %d", protocol.ErrProtocol, len(text), MaxDatagramSize)
	}
	return e.write([]byte(text), peer)
}

// SendFin 通知发送方所有块已被消费，本次传输关闭。
func (e *Endpoint) SendFin(peer *net.UDPAddr) error {
	return e.SendMessage(protocol.Fin, peer)
}

// ReceiveMessage 在超时时间内接收任意来源的一条消息；超时返回 ErrTimeout。
func (e *Endpoint) ReceiveMessage() (string, *net.UDPAddr, error) {
	buf := make([]byte, MaxDatagramSize)
	n, addr, err := e.read(buf, time.Now().Add(e.opts.Timeout))
	if err != nil {
		return "", nil, err
	}
	return string(buf[:n]), addr, nil
}

// ReceiveFrom 只接受来自 peer 的消息，其余数据报被丢弃，截止时间不因此顺延。
func (e *Endpoint) ReceiveFrom(peer *net.UDPAddr) (string, error) {
	return e.ReceiveFromUntil(peer, time.Now().Add(e.opts.Timeout))
}

// ReceiveFromUntil 与 ReceiveFrom 相同，但使用调用方给出的截止时间；零值表示不设截止时间，
// 只能通过 Close 打断。用于等待对端处理命令，区别于传输中途的逐块超时。
func (e *Endpoint) ReceiveFromUntil(peer *net.UDPAddr, deadline time.Time) (string, error) {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := e.read(buf, deadline)
		if err != nil {
			return "", err
		}
		if sameAddr(addr, peer) {
			return string(buf[:n]), nil
		}
	}
}

// SendFile 以停等方式逐块发送 data，每块都必须收到 peer 的 ACK。
func (e *Endpoint) SendFile(data []byte, peer *net.UDPAddr) (*Session, error) {
	session := newSession(RoleSender, len(data))
	for offset := 0; offset < len(data); {
		end := min(offset+e.opts.ChunkSize, len(data))
		if err := e.sendChunk(session, data[offset:end], peer); err != nil {
			session.abort()
			return session, err
		}
		offset = end
		session.Position = end
	}
	session.transition(StateComplete)
	return session, nil
}

func (e *Endpoint) sendChunk(session *Session, chunk []byte, peer *net.UDPAddr) error {
	for attempt := 0; ; attempt++ {
		session.transition(StateSending)
		if attempt == 0 {
			session.Chunks++
		} else {
			session.Retransmits++
		}
		if err := e.write(chunk, peer); err != nil {
			return err
		}

		session.transition(StateAwaitingAck)
		reply, err := e.ReceiveFrom(peer)
		if err == nil {
			if reply != protocol.Ack {
				return fmt.Errorf("%w: expected %s for chunk %d, got %q", protocol.ErrProtocol, protocol.Ack, session.Chunks, reply)
			}
			session.Acks++
			return nil
		}
		if !errors.Is(err, protocol.ErrTimeout) || attempt >= e.opts.MaxRetries {
			return fmt.Errorf("%w: chunk %d not acknowledged after %d attempt(s): %w",
				protocol.ErrTransferAborted, session.Chunks, attempt+1, err)
		}
	}
}

// ReceiveFile 接收 expected 字节，每收到一块就向其发送方回 ACK。
// 首块的来源被固定为本次会话的发送方，其它来源的数据报会被忽略。
func (e *Endpoint) ReceiveFile(expected int) ([]byte, *Session, error) {
	if err := protocol.CheckFileSize(int64(expected)); err != nil {
		return nil, nil, err
	}
	session := newSession(RoleReceiver, expected)
	if expected == 0 {
		session.transition(StateComplete)
		return []byte{}, session, nil
	}
	session.transition(StateReceiving)

	var (
		data   = make([]byte, 0, min(expected, initialReceiveChunks*e.opts.ChunkSize))
		buf    = make([]byte, MaxDatagramSize)
		sender *net.UDPAddr
	)
	for len(data) < expected {
		deadline := time.Now().Add(e.opts.Timeout)
		n, addr, err := e.read(buf, deadline)
		for err == nil && sender != nil && !sameAddr(addr, sender) {
			n, addr, err = e.read(buf, deadline)
		}
		if err != nil {
			session.abort()
			return nil, session, fmt.Errorf("%w: received %d of %d bytes: %w",
				protocol.ErrTransferAborted, len(data), expected, err)
		}
		if sender == nil {
			sender = addr
		}
		if len(data)+n > expected {
			session.abort()
			return nil, session, fmt.Errorf("%w: chunk overruns declared length %d", protocol.ErrProtocol, expected)
		}

		data = append(data, buf[:n]...)
		session.Chunks++
		session.Position = len(data)
		if err := e.SendMessage(protocol.Ack, sender); err != nil {
			session.abort()
			return nil, session, err
		}
		session.Acks++
	}
	session.transition(StateComplete)
	return data, session, nil
}

// Close 关闭 socket，可重复调用；阻塞中的接收会立即返回。
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}

func (e *Endpoint) read(buf []byte, deadline time.Time) (int, *net.UDPAddr, error) {
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", protocol.ErrConnection, err)
	}
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, fmt.Errorf("%w: no datagram before %s", protocol.ErrTimeout, deadline.Format(time.RFC3339Nano))
		}
		return 0, nil, fmt.Errorf("%w: %w", protocol.ErrConnection, err)
	}
	return n, addr, nil
}

func (e *Endpoint) write(p []byte, peer *net.UDPAddr) error {
	if peer == nil {
		return fmt.Errorf("%w: peer address required", protocol.ErrConnection)
	}
	if _, err := e.conn.WriteToUDP(p, peer); err != nil {
		return fmt.Errorf("%w: send to %s: %w", protocol.ErrConnection, peer, err)
	}
	return nil
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
