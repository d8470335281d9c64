package stream

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cachehop/cachehop/internal/protocol"
)

// ErrListenerClosed 表示监听器已关闭，服务循环应据此退出。
var ErrListenerClosed = errors.New("listener closed")

// Listener 接受入站连接，并为每条连接套用相同的 Options。
type Listener struct {
	ln   net.Listener
	opts Options

	closeOnce sync.Once
	closeErr  error
}

// Listen 在 addr 上绑定并监听。
func Listen(addr string, opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", protocol.ErrConnection, addr, err)
	}
	return &Listener{ln: ln, opts: opts.normalized()}, nil
}

// Accept 阻塞直到有新连接；监听器关闭后返回 ErrListenerClosed。
func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, fmt.Errorf("%w: accept: %v", protocol.ErrConnection, err)
	}
	return newConn(conn, l.opts), nil
}

// Addr 返回实际监听地址（绑定 :0 时可获取随机端口）。
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close 关闭监听器，可重复调用。
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
	})
	return l.closeErr
}
