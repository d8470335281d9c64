package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cachehop/cachehop/internal/protocol"
)

// Store 负责单个命名空间内 blob 的读写。目录布局遵循：
//
//	<StoragePath>/<filename>    # 无子目录、无元数据旁路文件
//
// 条目存在即代表缓存命中，没有 TTL 与淘汰。
type Store interface {
	// Exists 判断 name 是否存在，是缓存命中的唯一判定依据。
	Exists(ctx context.Context, name string) (bool, error)

	// Get 返回可流式读取的条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, name string) (*ReadResult, error)

	// Put 写入完整正文并产出 Entry。实现需保证写入原子性，失败时不留下任何可见条目。
	Put(ctx context.Context, name string, body io.Reader) (*Entry, error)

	// List 按文件名排序返回所有条目，供诊断接口使用。
	List(ctx context.Context) ([]Entry, error)

	// Remove 删除条目，仅用于运维与测试；协议流程从不调用。
	Remove(ctx context.Context, name string) error

	Close() error
}

// Entry 描述一个 blob。
type Entry struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责关闭。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

// ErrNotFound 表示条目不存在，同时满足 errors.Is(err, protocol.ErrNotFound)。
var ErrNotFound = fmt.Errorf("store: %w", protocol.ErrNotFound)

// ReadAll 读取完整条目内容。
func ReadAll(ctx context.Context, s Store, name string) ([]byte, error) {
	result, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer result.Reader.Close()
	return io.ReadAll(result.Reader)
}
