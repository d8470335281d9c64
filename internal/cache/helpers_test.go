package cache

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/cachehop/cachehop/internal/origin"
	"github.com/cachehop/cachehop/internal/store"
	"github.com/cachehop/cachehop/internal/transport/snw"
	"github.com/cachehop/cachehop/internal/transport/stream"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func putFile(t *testing.T, st store.Store, name, body string) {
	t.Helper()
	if _, err := st.Put(context.Background(), name, strings.NewReader(body)); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
}

func assertEmptyStore(t *testing.T, st store.Store) {
	t.Helper()
	entries, err := st.List(context.Background())
	if err != nil {
		t.Fatalf("list store: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("store should be unchanged, got %+v", entries)
	}
}

// serveInBackground 运行 serve 直到测试结束，并等待其返回。
func serveInBackground(t *testing.T, serve func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve returned error: %v", err)
		}
	})
}

func startStreamOrigin(t *testing.T, st store.Store) string {
	t.Helper()
	ln, err := stream.Listen("127.0.0.1:0", stream.Options{})
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	srv := origin.NewStreamServer(origin.NewAgent(st, nil), nil)
	serveInBackground(t, func(ctx context.Context) error { return srv.Serve(ctx, ln) })
	return ln.Addr()
}

func startStreamCache(t *testing.T, st store.Store, originAddr string) string {
	t.Helper()
	ln, err := stream.Listen("127.0.0.1:0", stream.Options{})
	if err != nil {
		t.Fatalf("listen cache: %v", err)
	}
	coord := NewCoordinator(st, &StreamFetcher{Origin: originAddr}, nil)
	srv := NewStreamServer(coord, nil)
	serveInBackground(t, func(ctx context.Context) error { return srv.Serve(ctx, ln) })
	return ln.Addr()
}

func startDatagramOrigin(t *testing.T, st store.Store, opts snw.Options) string {
	t.Helper()
	ep, err := snw.Listen("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	srv := origin.NewDatagramServer(origin.NewAgent(st, nil), nil)
	serveInBackground(t, func(ctx context.Context) error { return srv.Serve(ctx, ep) })
	return ep.LocalAddr().String()
}

func startDatagramCache(t *testing.T, st store.Store, originAddr string, opts snw.Options) *snw.Endpoint {
	t.Helper()
	ep, err := snw.Listen("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("listen cache: %v", err)
	}
	coord := NewCoordinator(st, &DatagramFetcher{Origin: originAddr, Options: opts}, nil)
	srv := NewDatagramServer(coord, nil)
	serveInBackground(t, func(ctx context.Context) error { return srv.Serve(ctx, ep) })
	return ep
}

// closedUDPAddr 返回一个刚释放的本地端口，发往它的数据报不会得到应答。
func closedUDPAddr(t *testing.T) string {
	t.Helper()
	ep, err := snw.Open(snw.Options{})
	if err != nil {
		t.Fatalf("open endpoint: %v", err)
	}
	addr := "127.0.0.1:" + strconv.Itoa(ep.LocalAddr().Port)
	_ = ep.Close()
	return addr
}

func closedTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := stream.Listen("127.0.0.1:0", stream.Options{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr()
	_ = ln.Close()
	return addr
}
