package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cachehop/cachehop/internal/cache"
	"github.com/cachehop/cachehop/internal/config"
	"github.com/cachehop/cachehop/internal/origin"
	"github.com/cachehop/cachehop/internal/protocol"
	"github.com/cachehop/cachehop/internal/store"
	"github.com/cachehop/cachehop/internal/transport/snw"
	"github.com/cachehop/cachehop/internal/transport/stream"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("CACHEHOP_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{"--role", "cache"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" || !opts.configExplicit {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--role", "cache", "--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestParseCLIFlagsDefaultsConfigPath(t *testing.T) {
	t.Setenv("CACHEHOP_CONFIG", "")

	opts, err := parseCLIFlags([]string{"--role", "origin", "--protocol", "snw", "--listen", "127.0.0.1:9101"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "config.toml" || opts.configExplicit {
		t.Fatalf("未指定时应使用可缺省的 config.toml，得到 %+v", opts)
	}
	if opts.role != config.RoleOrigin || opts.overrides.Protocol != "snw" || opts.overrides.Listen != "127.0.0.1:9101" {
		t.Fatalf("标志未解析: %+v", opts)
	}
}

func TestParseCLIFlagsClientCommand(t *testing.T) {
	opts, err := parseCLIFlags([]string{"--role", "client", "get", "report.txt"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.command != (protocol.Command{Verb: protocol.VerbGet, Filename: "report.txt"}) {
		t.Fatalf("命令解析错误: %+v", opts.command)
	}

	invalid := [][]string{
		{"--role", "client"},
		{"--role", "client", "get"},
		{"--role", "client", "delete", "report.txt"},
		{"--role", "client", "get", "../report.txt"},
		{"--role", "cache", "get", "report.txt"},
		{"--role", "proxy"},
		{"get", "report.txt"},
		{"--unknown"},
	}
	for _, args := range invalid {
		if _, err := parseCLIFlags(args); err == nil {
			t.Fatalf("%v 应返回用法错误", args)
		}
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), configExplicit: true, role: config.RoleCache, checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (%s)", code, stdErrBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), `"action":"check_config"`) {
		t.Fatalf("应输出 check_config 日志，得到 %s", stdOutBuffer().String())
	}
	if !strings.Contains(stdOutBuffer().String(), `"action":"retry_duplicates"`) {
		t.Fatalf("开启重传时应输出告警，得到 %s", stdOutBuffer().String())
	}
}

func TestRunRejectsRetriesWithoutAcknowledgement(t *testing.T) {
	useBufferWriters(t)
	path := writeConfigFile(t, `
Protocol = "snw"
MaxRetries = 2
`)
	code := run(cliOptions{configPath: path, configExplicit: true, role: config.RoleCache, checkOnly: true})
	if code != 1 {
		t.Fatalf("未确认重复块风险时应拒绝重传配置，得到 %d", code)
	}
	if !strings.Contains(stdErrBuffer().String(), "AcceptDuplicateChunks") {
		t.Fatalf("错误信息应提示 AcceptDuplicateChunks，得到 %s", stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), configExplicit: true, role: config.RoleCache, checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}

	code = run(cliOptions{configPath: configFixture(t, "invalid.toml"), configExplicit: true, role: config.RoleCache, checkOnly: true})
	if code == 0 {
		t.Fatalf("非法协议应返回非零退出码")
	}
}

func TestRunRejectsInvalidOverride(t *testing.T) {
	useBufferWriters(t)
	opts := cliOptions{
		configPath:     configFixture(t, "valid.toml"),
		configExplicit: true,
		role:           config.RoleCache,
		overrides:      config.Overrides{Protocol: "quic"},
		checkOnly:      true,
	}
	if code := run(opts); code != 1 {
		t.Fatalf("非法覆盖应返回 1，得到 %d", code)
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "cachehop") {
		t.Fatalf("version 输出应包含 cachehop 标识")
	}
}

func TestRunClientGetThroughCache(t *testing.T) {
	for _, proto := range []string{config.ProtocolTCP, config.ProtocolSNW} {
		t.Run(proto, func(t *testing.T) {
			originStore := newStore(t, t.TempDir())
			if _, err := originStore.Put(context.Background(), "report.txt", strings.NewReader("hello")); err != nil {
				t.Fatalf("seed origin: %v", err)
			}
			cacheDir := t.TempDir()
			cacheAddr := startCacheAndOrigin(t, proto, newStore(t, cacheDir), originStore)

			clientDir := t.TempDir()
			configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"
Protocol = "%s"

[Client]
StoragePath = "%s"
Cache = "%s"
Origin = "127.0.0.1:1"
`, proto, clientDir, cacheAddr))

			useBufferWriters(t)
			opts := cliOptions{
				configPath:     configPath,
				configExplicit: true,
				role:           config.RoleClient,
				command:        protocol.Command{Verb: protocol.VerbGet, Filename: "report.txt"},
			}
			if code := run(opts); code != 0 {
				t.Fatalf("get 应成功，得到 %d (%s)", code, stdErrBuffer().String())
			}
			if !strings.Contains(strings.ToLower(stdOutBuffer().String()), "file delivered from server") {
				t.Fatalf("首次获取应来自源站，得到 %q", stdOutBuffer().String())
			}
			for _, dir := range []string{clientDir, cacheDir} {
				body, err := os.ReadFile(filepath.Join(dir, "report.txt"))
				if err != nil || string(body) != "hello" {
					t.Fatalf("%s 中应有 report.txt，得到 %q %v", dir, body, err)
				}
			}

			opts.command.Filename = "missing.txt"
			if code := run(opts); code != 1 {
				t.Fatalf("缺失文件应返回 1，得到 %d", code)
			}
			if !strings.Contains(stdErrBuffer().String(), "File not found on cache or server!") {
				t.Fatalf("应提示文件不存在，得到 %q", stdErrBuffer().String())
			}
			if _, err := os.Stat(filepath.Join(clientDir, "missing.txt")); !os.IsNotExist(err) {
				t.Fatalf("不应创建 missing.txt: %v", err)
			}
		})
	}
}

func TestRunClientPutMissingLocalFile(t *testing.T) {
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"

[Client]
StoragePath = "%s"
`, t.TempDir()))

	useBufferWriters(t)
	code := run(cliOptions{
		configPath:     configPath,
		configExplicit: true,
		role:           config.RoleClient,
		command:        protocol.Command{Verb: protocol.VerbPut, Filename: "absent.bin"},
	})
	if code != 1 {
		t.Fatalf("本地文件缺失应返回 1，得到 %d", code)
	}
	if !strings.Contains(stdErrBuffer().String(), "File 'absent.bin' not found!") {
		t.Fatalf("应提示本地文件不存在，得到 %q", stdErrBuffer().String())
	}
}

func TestRunServerStopsOnCancel(t *testing.T) {
	for _, proto := range []string{config.ProtocolTCP, config.ProtocolSNW} {
		for _, role := range []config.Role{config.RoleCache, config.RoleOrigin} {
			t.Run(proto+"/"+string(role), func(t *testing.T) {
				cfg := &config.Config{
					Global: config.GlobalConfig{
						LogLevel:      "error",
						Protocol:      proto,
						StreamFraming: config.FramingLength,
						Timeout:       config.Duration(100 * time.Millisecond),
						StoreBackend:  config.BackendFS,
					},
					Cache:  config.CacheConfig{Listen: "127.0.0.1:0", StoragePath: t.TempDir(), Origin: "127.0.0.1:1"},
					Origin: config.OriginConfig{Listen: "127.0.0.1:0", StoragePath: t.TempDir()},
				}

				ctx, cancel := context.WithCancel(context.Background())
				done := make(chan error, 1)
				go func() { done <- runServer(ctx, cfg, role, discardLogger()) }()
				time.Sleep(50 * time.Millisecond)
				cancel()

				select {
				case err := <-done:
					if err != nil {
						t.Fatalf("取消后应正常退出，得到 %v", err)
					}
				case <-time.After(3 * time.Second):
					t.Fatalf("runServer 未在取消后退出")
				}
			})
		}
	}
}

func TestOpenStoreBadgerBackend(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{StoreBackend: config.BackendBadger},
		Cache:  config.CacheConfig{StoragePath: filepath.Join(t.TempDir(), "badger")},
	}
	st, err := openStore(cfg, config.RoleCache)
	if err != nil {
		t.Fatalf("打开 badger 存储失败: %v", err)
	}
	defer st.Close()
	if _, err := st.Put(context.Background(), "a.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := loadDotEnv(); err != nil {
		t.Fatalf("缺失 .env 应被忽略: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CACHEHOP_DOTENV_PROBE=loaded\n"), 0o600); err != nil {
		t.Fatalf("写入 .env 失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("CACHEHOP_DOTENV_PROBE") })
	if err := loadDotEnv(); err != nil {
		t.Fatalf("读取 .env 失败: %v", err)
	}
	if got := os.Getenv("CACHEHOP_DOTENV_PROBE"); got != "loaded" {
		t.Fatalf(".env 未生效，得到 %q", got)
	}
}

func startCacheAndOrigin(t *testing.T, proto string, cacheStore, originStore store.Store) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	t.Cleanup(func() {
		cancel()
		for i := 0; i < 2; i++ {
			if err := <-done; err != nil {
				t.Errorf("serve error: %v", err)
			}
		}
	})

	if proto == config.ProtocolSNW {
		opts := snw.Options{Timeout: time.Second}
		originEP, err := snw.Listen("127.0.0.1:0", opts)
		if err != nil {
			t.Fatalf("listen origin: %v", err)
		}
		cacheEP, err := snw.Listen("127.0.0.1:0", opts)
		if err != nil {
			t.Fatalf("listen cache: %v", err)
		}
		originSrv := origin.NewDatagramServer(origin.NewAgent(originStore, nil), nil)
		fetcher := &cache.DatagramFetcher{Origin: originEP.LocalAddr().String(), Options: opts}
		cacheSrv := cache.NewDatagramServer(cache.NewCoordinator(cacheStore, fetcher, nil), nil)
		go func() { done <- originSrv.Serve(ctx, originEP) }()
		go func() { done <- cacheSrv.Serve(ctx, cacheEP) }()
		return cacheEP.LocalAddr().String()
	}

	originLn, err := stream.Listen("127.0.0.1:0", stream.Options{})
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	cacheLn, err := stream.Listen("127.0.0.1:0", stream.Options{})
	if err != nil {
		t.Fatalf("listen cache: %v", err)
	}
	originSrv := origin.NewStreamServer(origin.NewAgent(originStore, nil), nil)
	cacheSrv := cache.NewStreamServer(cache.NewCoordinator(cacheStore, &cache.StreamFetcher{Origin: originLn.Addr()}, nil), nil)
	go func() { done <- originSrv.Serve(ctx, originLn) }()
	go func() { done <- cacheSrv.Serve(ctx, cacheLn) }()
	return cacheLn.Addr()
}

func newStore(t *testing.T, dir string) store.Store {
	t.Helper()
	st, err := store.NewStore(dir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}
