package origin

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/cachehop/cachehop/internal/logging"
	"github.com/cachehop/cachehop/internal/protocol"
	"github.com/cachehop/cachehop/internal/store"
)

// Agent 封装源站存储，供两种传输的服务循环共用。
type Agent struct {
	store  store.Store
	logger *logrus.Logger
}

// NewAgent 构造源站；logger 为 nil 时丢弃日志。
func NewAgent(st store.Store, logger *logrus.Logger) *Agent {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Agent{store: st, logger: logger}
}

// Store 返回源站存储，供诊断接口列出条目。
func (a *Agent) Store() store.Store {
	return a.store
}

// Open 打开 name 的正文；不存在时返回满足 protocol.ErrNotFound 的错误。
func (a *Agent) Open(ctx context.Context, name string) (*store.ReadResult, error) {
	if err := protocol.ValidateName(name); err != nil {
		return nil, err
	}
	return a.store.Get(ctx, name)
}

// Read 读取 name 的完整正文，用于按块发送的数据报传输。
func (a *Agent) Read(ctx context.Context, name string) ([]byte, error) {
	if err := protocol.ValidateName(name); err != nil {
		return nil, err
	}
	return store.ReadAll(ctx, a.store, name)
}

// Accept 将上传的正文写入存储；body 未完整读完时不会留下可见文件。
func (a *Agent) Accept(ctx context.Context, name string, body io.Reader) (*store.Entry, error) {
	if err := protocol.ValidateName(name); err != nil {
		return nil, err
	}
	entry, err := a.store.Put(ctx, name, body)
	if err != nil {
		return nil, err
	}
	a.logger.WithFields(logrus.Fields{
		"action": "upload_stored",
		"file":   name,
		"bytes":  entry.SizeBytes,
	}).Info("received and saved file")
	return entry, nil
}
