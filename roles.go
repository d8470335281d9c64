package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cachehop/cachehop/internal/cache"
	"github.com/cachehop/cachehop/internal/config"
	"github.com/cachehop/cachehop/internal/origin"
	"github.com/cachehop/cachehop/internal/protocol"
	"github.com/cachehop/cachehop/internal/requester"
	"github.com/cachehop/cachehop/internal/server"
	"github.com/cachehop/cachehop/internal/server/routes"
	"github.com/cachehop/cachehop/internal/store"
	"github.com/cachehop/cachehop/internal/transport/snw"
	"github.com/cachehop/cachehop/internal/transport/stream"
)

// serveFunc 运行某个角色的传输循环，ctx 取消后关闭监听并返回。
type serveFunc func(ctx context.Context) error

// runServer 启动 cache/origin 的传输循环与可选的诊断接口，任一失败都会让另一方退出。
func runServer(ctx context.Context, cfg *config.Config, role config.Role, logger *logrus.Logger) error {
	st, err := openStore(cfg, role)
	if err != nil {
		return fmt.Errorf("初始化存储失败: %w", err)
	}
	defer st.Close()

	var app *fiber.App
	if cfg.Global.DiagnosticsPort > 0 {
		if app, err = newDiagnosticsApp(cfg, role, st, logger); err != nil {
			return err
		}
	}

	serve, err := buildServe(cfg, role, st, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx) })

	if app != nil {
		addr := ":" + strconv.Itoa(cfg.Global.DiagnosticsPort)
		g.Go(func() error {
			logger.WithFields(logrus.Fields{"action": "listen", "addr": addr}).Info("诊断接口启动")
			return app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
		})
		g.Go(func() error {
			<-gctx.Done()
			if err := app.Shutdown(); err != nil {
				logger.WithError(err).WithField("action", "shutdown").Warn("诊断接口关闭失败")
			}
			return nil
		})
	}
	return g.Wait()
}

func buildServe(cfg *config.Config, role config.Role, st store.Store, logger *logrus.Logger) (serveFunc, error) {
	addr := cfg.ListenAddr(role)
	streamOpts := stream.Options{Framing: stream.Framing(cfg.Global.StreamFraming)}
	snwOpts := datagramOptions(cfg)

	if cfg.Global.Protocol == config.ProtocolSNW {
		ep, err := snw.Listen(addr, snwOpts)
		if err != nil {
			return nil, err
		}
		if role == config.RoleCache {
			fetcher := &cache.DatagramFetcher{Origin: cfg.Cache.Origin, Options: snwOpts}
			srv := cache.NewDatagramServer(newCoordinator(cfg, st, fetcher, logger), logger)
			return func(ctx context.Context) error { return srv.Serve(ctx, ep) }, nil
		}
		srv := origin.NewDatagramServer(origin.NewAgent(st, logger), logger)
		return func(ctx context.Context) error { return srv.Serve(ctx, ep) }, nil
	}

	ln, err := stream.Listen(addr, streamOpts)
	if err != nil {
		return nil, err
	}
	if role == config.RoleCache {
		fetchOpts := streamOpts
		fetchOpts.IOTimeout = cfg.Global.Timeout.DurationValue()
		fetcher := &cache.StreamFetcher{Origin: cfg.Cache.Origin, Options: fetchOpts}
		srv := cache.NewStreamServer(newCoordinator(cfg, st, fetcher, logger), logger)
		srv.Concurrent = cfg.Cache.Concurrent
		return func(ctx context.Context) error { return srv.Serve(ctx, ln) }, nil
	}
	srv := origin.NewStreamServer(origin.NewAgent(st, logger), logger)
	return func(ctx context.Context) error { return srv.Serve(ctx, ln) }, nil
}

func newCoordinator(cfg *config.Config, st store.Store, fetcher cache.Fetcher, logger *logrus.Logger) *cache.Coordinator {
	coord := cache.NewCoordinator(st, fetcher, logger)
	coord.FillTimeout = cfg.Cache.FillTimeout.DurationValue()
	return coord
}

func newDiagnosticsApp(cfg *config.Config, role config.Role, st store.Store, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Role:     string(role),
		Protocol: cfg.Global.Protocol,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterEntryRoutes(app, st)
	return app, nil
}

// runClient 执行一次 get/put 并把状态行打印到 stdout。
func runClient(ctx context.Context, cfg *config.Config, cmd protocol.Command, logger *logrus.Logger) int {
	st, err := openStore(cfg, config.RoleClient)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化存储失败: %v\n", err)
		return 1
	}
	defer st.Close()

	client := requester.NewClient(st, cfg.Global.Protocol, cfg.Client.Cache, cfg.Client.Origin, requester.Options{
		Stream:          stream.Options{Framing: stream.Framing(cfg.Global.StreamFraming)},
		Datagram:        datagramOptions(cfg),
		ResponseTimeout: cfg.Client.ResponseTimeout.DurationValue(),
	}, logger)

	var res *requester.Result
	if cmd.Verb == protocol.VerbPut {
		res, err = client.Put(ctx, cmd.Filename)
	} else {
		res, err = client.Get(ctx, cmd.Filename)
	}
	if err != nil {
		fmt.Fprintln(stdErr, describeFailure(cmd, err))
		return 1
	}
	fmt.Fprintln(stdOut, res.Status)
	return 0
}

func describeFailure(cmd protocol.Command, err error) string {
	switch {
	case requester.IsNotFound(err) && cmd.Verb == protocol.VerbPut:
		return fmt.Sprintf("File '%s' not found!", cmd.Filename)
	case requester.IsNotFound(err):
		return "File not found on cache or server!"
	case errors.Is(err, protocol.ErrDeliveryFailed):
		return fmt.Sprintf("Cache could not deliver '%s': %v", cmd.Filename, err)
	default:
		return fmt.Sprintf("%s failed: %v", cmd, err)
	}
}

func datagramOptions(cfg *config.Config) snw.Options {
	return snw.Options{
		Timeout:    cfg.Global.Timeout.DurationValue(),
		MaxRetries: cfg.Global.MaxRetries,
	}
}

// openStore 按 StoreBackend 打开角色对应的命名空间。
func openStore(cfg *config.Config, role config.Role) (store.Store, error) {
	path := cfg.StoragePath(role)
	if cfg.Global.StoreBackend == config.BackendBadger {
		return store.NewBadgerStore(path)
	}
	return store.NewStore(path)
}
