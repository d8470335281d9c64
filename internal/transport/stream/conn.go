package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cachehop/cachehop/internal/protocol"
)

// Framing 选择文件与控制消息的分帧方式。
type Framing string

const (
	FramingLength Framing = "length"
	FramingMarker Framing = "marker"
)

const (
	// MaxMessageSize 是单条控制消息的接收缓冲上限。
	MaxMessageSize = 1024
	// ChunkSize 是文件发送时每次写入的块大小。
	ChunkSize = 1024
)

// EOFMarker 标记 marker 分帧下文件的结束。
var EOFMarker = []byte("EOF_MARKER")

// Options 控制连接的分帧方式与读写超时。
type Options struct {
	Framing Framing
	// IOTimeout 为单次读写设置截止时间，0 表示一直阻塞。
	IOTimeout time.Duration
}

func (o Options) normalized() Options {
	if o.Framing == "" {
		o.Framing = FramingLength
	}
	return o
}

// Conn 包装一条 TCP 连接，提供控制消息与整文件收发。
type Conn struct {
	conn net.Conn
	opts Options

	// pending 保存 marker 之后已读入但尚未消费的字节。
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

// Dial 连接到 addr，失败时返回 ErrConnection。
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	var dialer net.Dialer
	if opts.IOTimeout > 0 {
		dialer.Timeout = opts.IOTimeout
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrConnection, addr, err)
	}
	return newConn(conn, opts), nil
}

func newConn(conn net.Conn, opts Options) *Conn {
	return &Conn{conn: conn, opts: opts.normalized()}
}

// RemoteAddr 返回对端地址字符串，便于日志输出。
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Framing 返回连接使用的分帧方式。
func (c *Conn) Framing() Framing {
	return c.opts.Framing
}

// SendMessage 发送一条控制消息。
func (c *Conn) SendMessage(text string) error {
	if len(text) > MaxMessageSize {
		return fmt.Errorf("%w: message of %d bytes exceeds %d", protocol.ErrProtocol, len(text), MaxMessageSize)
	}
	if c.opts.Framing == FramingMarker {
		return c.write([]byte(text))
	}
	frame := make([]byte, 4+len(text))
	binary.BigEndian.PutUint32(frame, uint32(len(text)))
	copy(frame[4:], text)
	return c.write(frame)
}

// ReceiveMessage 读取一条控制消息。marker 分帧下信任一次读取即包含完整消息。
func (c *Conn) ReceiveMessage() (string, error) {
	if c.opts.Framing == FramingMarker {
		buf := make([]byte, MaxMessageSize)
		n, err := c.read(buf)
		if n > 0 {
			return string(buf[:n]), nil
		}
		return "", c.messageError(err)
	}

	var header [4]byte
	if _, err := io.ReadFull(connReader{c}, header[:]); err != nil {
		return "", c.messageError(err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxMessageSize {
		return "", fmt.Errorf("%w: message of %d bytes exceeds %d", protocol.ErrProtocol, size, MaxMessageSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(connReader{c}, body); err != nil {
		return "", c.messageError(err)
	}
	return string(body), nil
}

// SendFile 以 ChunkSize 为单位发送 size 字节，并写入结束帧。
func (c *Conn) SendFile(r io.Reader, size int64) error {
	if c.opts.Framing == FramingLength {
		var header [8]byte
		binary.BigEndian.PutUint64(header[:], uint64(size))
		if err := c.write(header[:]); err != nil {
			return err
		}
	}

	buf := make([]byte, ChunkSize)
	copied, err := io.CopyBuffer(connWriter{c}, io.LimitReader(r, size), buf)
	if err != nil {
		return err
	}
	if copied != size {
		return fmt.Errorf("%w: source ended after %d of %d bytes", protocol.ErrTransferAborted, copied, size)
	}

	if c.opts.Framing == FramingMarker {
		return c.write(EOFMarker)
	}
	return nil
}

// ReceiveFile 将完整文件写入 w 并返回字节数；对端在结束帧之前关闭时返回 ErrTransferAborted。
func (c *Conn) ReceiveFile(w io.Writer) (int64, error) {
	if c.opts.Framing == FramingMarker {
		return c.receiveUntilMarker(w)
	}

	var header [8]byte
	if _, err := io.ReadFull(connReader{c}, header[:]); err != nil {
		return 0, c.fileError(err)
	}
	size := int64(binary.BigEndian.Uint64(header[:]))
	if err := protocol.CheckFileSize(size); err != nil {
		return 0, err
	}
	written, err := io.CopyN(w, connReader{c}, size)
	if err != nil {
		return written, c.fileError(err)
	}
	return written, nil
}

// receiveUntilMarker 在累积窗口中查找 EOFMarker，以支持跨多次读取被拆分的结束标记。
func (c *Conn) receiveUntilMarker(w io.Writer) (int64, error) {
	var (
		written int64
		window  []byte
		keep    = len(EOFMarker) - 1
		buf     = make([]byte, ChunkSize)
	)
	for {
		n, err := c.read(buf)
		if n > 0 {
			window = append(window, buf[:n]...)
			if idx := bytes.Index(window, EOFMarker); idx >= 0 {
				m, wErr := w.Write(window[:idx])
				written += int64(m)
				c.pending = append([]byte(nil), window[idx+len(EOFMarker):]...)
				return written, wErr
			}
			if len(window) > keep {
				flush := len(window) - keep
				m, wErr := w.Write(window[:flush])
				written += int64(m)
				if wErr != nil {
					return written, wErr
				}
				window = append(window[:0], window[flush:]...)
			}
		}
		if err != nil {
			return written, c.fileError(err)
		}
	}
}

// Close 释放连接，可重复调用。
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Conn) read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	if c.opts.IOTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.IOTimeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Read(p)
}

func (c *Conn) write(p []byte) error {
	if c.opts.IOTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.IOTimeout)); err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrConnection, err)
		}
	}
	if _, err := c.conn.Write(p); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: write to %s: %v", protocol.ErrTimeout, c.RemoteAddr(), err)
		}
		return fmt.Errorf("%w: write to %s: %v", protocol.ErrConnection, c.RemoteAddr(), err)
	}
	return nil
}

func (c *Conn) messageError(err error) error {
	switch {
	case err == nil:
		return fmt.Errorf("%w: empty read from %s", protocol.ErrConnection, c.RemoteAddr())
	case isTimeout(err):
		return fmt.Errorf("%w: read from %s: %v", protocol.ErrTimeout, c.RemoteAddr(), err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %s closed the connection", protocol.ErrConnection, c.RemoteAddr())
	default:
		return fmt.Errorf("%w: read from %s: %v", protocol.ErrConnection, c.RemoteAddr(), err)
	}
}

func (c *Conn) fileError(err error) error {
	switch {
	case isTimeout(err):
		return fmt.Errorf("%w: read from %s: %v", protocol.ErrTimeout, c.RemoteAddr(), err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %s closed before end of file", protocol.ErrTransferAborted, c.RemoteAddr())
	default:
		return fmt.Errorf("%w: read from %s: %v", protocol.ErrTransferAborted, c.RemoteAddr(), err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type connReader struct{ c *Conn }

func (r connReader) Read(p []byte) (int, error) { return r.c.read(p) }

type connWriter struct{ c *Conn }

func (w connWriter) Write(p []byte) (int, error) {
	if err := w.c.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
