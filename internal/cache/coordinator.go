package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/cachehop/cachehop/internal/logging"
	"github.com/cachehop/cachehop/internal/metrics"
	"github.com/cachehop/cachehop/internal/protocol"
	"github.com/cachehop/cachehop/internal/store"
)

// Source 标识文件来自本地缓存还是回源。
type Source string

const (
	SourceCache  Source = "cache"
	SourceOrigin Source = "origin"
)

// Resolution 是一次 GET 的结果。
type Resolution struct {
	Source Source
	Data   []byte
}

// Fetcher 从源站拉取完整文件。源站不存在该文件时返回的错误需满足 errors.Is(err, protocol.ErrNotFound)。
type Fetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// Coordinator 负责 “命中 → 直接返回 / 未命中 → 回源写缓存” 的决策。
type Coordinator struct {
	store   store.Store
	fetcher Fetcher
	logger  *logrus.Logger
	group   singleflight.Group

	// FillTimeout 限制一次回源（含写缓存）的总时长，0 表示只依赖传输层超时。
	FillTimeout time.Duration
}

// NewCoordinator 构造缓存协调器；logger 为 nil 时丢弃日志。
func NewCoordinator(st store.Store, fetcher Fetcher, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{store: st, fetcher: fetcher, logger: logger}
}

// Store 返回缓存所用的 Store，供诊断接口列出条目。
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Resolve 查找 name。命中时不会联系源站；未命中时同名请求只回源一次。
// 源站不存在返回 ErrNotFound，回源失败返回 ErrDeliveryFailed，两种情况都不写缓存。
func (c *Coordinator) Resolve(ctx context.Context, name string) (*Resolution, error) {
	if err := protocol.ValidateName(name); err != nil {
		return nil, err
	}

	data, err := store.ReadAll(ctx, c.store, name)
	switch {
	case err == nil:
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return &Resolution{Source: SourceCache, Data: data}, nil
	case !errors.Is(err, store.ErrNotFound):
		metrics.CacheLookups.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("read cache entry %s: %w", name, err)
	}

	// 回源由所有等待者共享，不能随首个调用方的 ctx 一起取消。
	value, err, shared := c.group.Do(name, func() (interface{}, error) {
		fillCtx, cancel := c.fillContext(ctx)
		defer cancel()
		return c.fill(fillCtx, name)
	})
	if err != nil {
		return nil, err
	}
	res := value.(*Resolution)
	if shared {
		c.logger.WithFields(logrus.Fields{"action": "cache_fill_shared", "file": name}).Debug("reuse in-flight fill")
	}
	return res, nil
}

func (c *Coordinator) fillContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if c.FillTimeout > 0 {
		return context.WithTimeout(detached, c.FillTimeout)
	}
	return context.WithCancel(detached)
}

func (c *Coordinator) fill(ctx context.Context, name string) (*Resolution, error) {
	// 另一个回源可能刚刚写入。
	if data, err := store.ReadAll(ctx, c.store, name); err == nil {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return &Resolution{Source: SourceCache, Data: data}, nil
	}

	data, err := c.fetcher.Fetch(ctx, name)
	if err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			metrics.CacheLookups.WithLabelValues("not_found").Inc()
			return nil, fmt.Errorf("origin has no %s: %w", name, protocol.ErrNotFound)
		}
		metrics.CacheLookups.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: fetch %s: %w", protocol.ErrDeliveryFailed, name, err)
	}

	if _, err := c.store.Put(ctx, name, bytes.NewReader(data)); err != nil {
		metrics.CacheLookups.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: store %s: %w", protocol.ErrDeliveryFailed, name, err)
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	c.logger.WithFields(logrus.Fields{
		"action": "cache_fill",
		"file":   name,
		"bytes":  len(data),
	}).Info("cached file from origin")
	return &Resolution{Source: SourceOrigin, Data: data}, nil
}
