package integration

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachehop/cachehop/internal/cache"
	"github.com/cachehop/cachehop/internal/config"
	"github.com/cachehop/cachehop/internal/origin"
	"github.com/cachehop/cachehop/internal/requester"
	"github.com/cachehop/cachehop/internal/store"
	"github.com/cachehop/cachehop/internal/transport/snw"
	"github.com/cachehop/cachehop/internal/transport/stream"
)

// clusterOptions 描述一次集成测试中三方的传输与存储配置。
type clusterOptions struct {
	Protocol     string
	Framing      stream.Framing
	CacheBackend string
	Concurrent   bool
}

// cluster 在进程内运行 origin 与 cache，并提供一个连到二者的 requester。
type cluster struct {
	opts clusterOptions

	originStore *countingStore
	cacheStore  store.Store
	clientStore store.Store
	client      *requester.Client

	originAddr string
	cacheAddr  string

	stopOrigin func()
}

func newCluster(t *testing.T, opts clusterOptions) *cluster {
	t.Helper()

	c := &cluster{
		opts:        opts,
		originStore: &countingStore{Store: newFSStore(t)},
		cacheStore:  newBackendStore(t, opts.CacheBackend),
		clientStore: newFSStore(t),
	}

	streamOpts := stream.Options{Framing: opts.Framing}
	snwOpts := snw.Options{Timeout: time.Second}

	if opts.Protocol == config.ProtocolSNW {
		originEP, err := snw.Listen("127.0.0.1:0", snwOpts)
		if err != nil {
			t.Fatalf("listen origin: %v", err)
		}
		cacheEP, err := snw.Listen("127.0.0.1:0", snwOpts)
		if err != nil {
			t.Fatalf("listen cache: %v", err)
		}
		c.originAddr = originEP.LocalAddr().String()
		c.cacheAddr = cacheEP.LocalAddr().String()

		originSrv := origin.NewDatagramServer(origin.NewAgent(c.originStore, nil), nil)
		fetcher := &cache.DatagramFetcher{Origin: c.originAddr, Options: snwOpts}
		cacheSrv := cache.NewDatagramServer(cache.NewCoordinator(c.cacheStore, fetcher, nil), nil)

		c.stopOrigin = serveUntilCleanup(t, func(ctx context.Context) error { return originSrv.Serve(ctx, originEP) })
		serveUntilCleanup(t, func(ctx context.Context) error { return cacheSrv.Serve(ctx, cacheEP) })
	} else {
		originLn, err := stream.Listen("127.0.0.1:0", streamOpts)
		if err != nil {
			t.Fatalf("listen origin: %v", err)
		}
		cacheLn, err := stream.Listen("127.0.0.1:0", streamOpts)
		if err != nil {
			t.Fatalf("listen cache: %v", err)
		}
		c.originAddr = originLn.Addr()
		c.cacheAddr = cacheLn.Addr()

		originSrv := origin.NewStreamServer(origin.NewAgent(c.originStore, nil), nil)
		fetcher := &cache.StreamFetcher{Origin: c.originAddr, Options: streamOpts}
		cacheSrv := cache.NewStreamServer(cache.NewCoordinator(c.cacheStore, fetcher, nil), nil)
		cacheSrv.Concurrent = opts.Concurrent

		c.stopOrigin = serveUntilCleanup(t, func(ctx context.Context) error { return originSrv.Serve(ctx, originLn) })
		serveUntilCleanup(t, func(ctx context.Context) error { return cacheSrv.Serve(ctx, cacheLn) })
	}

	c.client = c.newClient(t, c.clientStore)
	return c
}

// newClient 为同一集群创建额外的 requester（各自拥有本地命名空间）。
func (c *cluster) newClient(t *testing.T, local store.Store) *requester.Client {
	t.Helper()
	return requester.NewClient(local, c.opts.Protocol, c.cacheAddr, c.originAddr, requester.Options{
		Stream:   stream.Options{Framing: c.opts.Framing},
		Datagram: snw.Options{Timeout: time.Second},
	}, nil)
}

// serveUntilCleanup 在后台运行 serve；返回的 stop 可提前停止，测试结束时总会停止并校验返回值。
func serveUntilCleanup(t *testing.T, serve func(ctx context.Context) error) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx) }()

	var stopped atomic.Bool
	var result error
	stop := func() {
		if stopped.Swap(true) {
			return
		}
		cancel()
		result = <-done
	}
	t.Cleanup(func() {
		stop()
		if result != nil {
			t.Errorf("serve returned error: %v", result)
		}
	})
	return stop
}

// countingStore 统计 Get 次数，用于断言缓存命中时源站未被访问。
type countingStore struct {
	store.Store
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, name string) (*store.ReadResult, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, name)
}

func newFSStore(t *testing.T) store.Store {
	t.Helper()
	return newBackendStore(t, config.BackendFS)
}

func newBackendStore(t *testing.T, backend string) store.Store {
	t.Helper()
	var (
		st  store.Store
		err error
	)
	if backend == config.BackendBadger {
		st, err = store.NewBadgerStore("")
	} else {
		st, err = store.NewStore(t.TempDir())
	}
	if err != nil {
		t.Fatalf("create %s store: %v", backend, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st store.Store, name, body string) {
	t.Helper()
	if _, err := st.Put(context.Background(), name, strings.NewReader(body)); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
}

func readEntry(t *testing.T, st store.Store, name string) string {
	t.Helper()
	body, err := store.ReadAll(context.Background(), st, name)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(body)
}

func assertAbsent(t *testing.T, st store.Store, name string) {
	t.Helper()
	ok, err := st.Exists(context.Background(), name)
	if err != nil {
		t.Fatalf("exists %s: %v", name, err)
	}
	if ok {
		t.Fatalf("%s must not exist", name)
	}
}
