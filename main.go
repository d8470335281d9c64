package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/cachehop/cachehop/internal/config"
	"github.com/cachehop/cachehop/internal/logging"
	"github.com/cachehop/cachehop/internal/protocol"
	"github.com/cachehop/cachehop/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	// configExplicit 为 true 时配置文件必须存在，否则缺失时退回默认值。
	configExplicit bool
	role           config.Role
	overrides      config.Overrides
	command        protocol.Command
	checkOnly      bool
	showVersion    bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	if err := loadDotEnv(); err != nil {
		fmt.Fprintf(stdErr, "读取 .env 失败: %v\n", err)
		os.Exit(1)
	}
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		fmt.Fprintln(stdErr, usage)
		os.Exit(1)
	}
	os.Exit(run(opts))
}

const usage = `usage: cachehop --role origin|cache [--protocol tcp|snw] [--listen host:port] [--peer host:port] [--config path]
       cachehop --role client [--protocol tcp|snw] [--peer cache-host:port] get|put <filename>`

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}
	if err := cfg.ApplyOverrides(opts.role, opts.overrides); err != nil {
		fmt.Fprintf(stdErr, "参数无效: %v\n", err)
		return 1
	}

	// client 的 stdout 只保留状态行，日志写到 stderr。
	console := stdOut
	if opts.role == config.RoleClient {
		console = stdErr
	}
	logger, err := logging.InitLogger(cfg.Global, console)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if cfg.Global.Protocol == config.ProtocolSNW && cfg.Global.MaxRetries > 0 {
		logger.WithFields(logrus.Fields{
			"action":      "retry_duplicates",
			"max_retries": cfg.Global.MaxRetries,
		}).Warn("已开启重传：ACK 丢失时接收方会把重传块再次追加，长度恰好对齐时文件内容可能错误")
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["role"] = string(opts.role)
		fields["protocol"] = cfg.Global.Protocol
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.role == config.RoleClient {
		return runClient(ctx, cfg, opts.command, logger)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["role"] = string(opts.role)
	fields["protocol"] = cfg.Global.Protocol
	fields["listen"] = cfg.ListenAddr(opts.role)
	fields["storage"] = cfg.StoragePath(opts.role)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := runServer(ctx, cfg, opts.role, logger); err != nil {
		fmt.Fprintf(stdErr, "服务异常退出: %v\n", err)
		return 1
	}
	logger.WithFields(logrus.Fields{"action": "shutdown", "role": string(opts.role)}).Info("服务已停止")
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	flags := flag.NewFlagSet("cachehop", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	var (
		configFlag string
		roleFlag   string
		overrides  config.Overrides
		checkOnly  bool
		showVer    bool
	)

	flags.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 CACHEHOP_CONFIG 覆盖）")
	flags.StringVar(&roleFlag, "role", "", "进程角色：origin|cache|client")
	flags.StringVar(&overrides.Protocol, "protocol", "", "传输协议：tcp|snw，覆盖配置文件")
	flags.StringVar(&overrides.Listen, "listen", "", "监听地址 host:port，覆盖配置文件")
	flags.StringVar(&overrides.Peer, "peer", "", "对端地址：cache 的回源地址或 client 的缓存地址")
	flags.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	flags.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := flags.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	opts := cliOptions{
		overrides:   overrides,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}
	if showVer {
		return opts, nil
	}

	role, err := config.ParseRole(roleFlag)
	if err != nil {
		return cliOptions{}, err
	}
	opts.role = role

	rest := flags.Args()
	switch {
	case role == config.RoleClient && !checkOnly:
		if len(rest) != 2 {
			return cliOptions{}, errors.New("client 需要命令参数：get|put <filename>")
		}
		cmd, err := protocol.ParseStream(strings.Join(rest, " "))
		if err != nil {
			return cliOptions{}, err
		}
		opts.command = cmd
	case len(rest) > 0:
		return cliOptions{}, fmt.Errorf("未知参数: %s", strings.Join(rest, " "))
	}

	path := os.Getenv("CACHEHOP_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	opts.configExplicit = path != ""
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path

	return opts, nil
}

func loadConfig(opts cliOptions) (*config.Config, error) {
	if opts.configExplicit {
		return config.Load(opts.configPath)
	}
	return config.LoadOrDefault(opts.configPath)
}

// loadDotEnv 读取工作目录下的 .env，文件不存在时忽略。
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
