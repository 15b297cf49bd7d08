package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
)

// 子命令名称。
const (
	commandServe   = "serve"
	commandCheck   = "check"
	commandCaches  = "caches"
	commandVersion = "version"
	commandHelp    = "help"
)

// cliOptions 汇总 CLI 参数解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	command    string
	watch      bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	switch opts.command {
	case commandHelp:
		return 0
	case commandVersion:
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	switch opts.command {
	case commandCheck:
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_name"] = cfg.App.CacheName()
		fields["manifest_count"] = len(cfg.App.Manifest)
		fields["external_manifest"] = cfg.App.ExternalManifestCount()
		fields["backend"] = cfg.Global.CacheBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	case commandCaches:
		if err := listCaches(context.Background(), cfg); err != nil {
			fmt.Fprintf(stdErr, "读取缓存失败: %v\n", err)
			return 1
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, opts, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
// 不带子命令时等同于 serve。
func parseCLIFlags(args []string) (cliOptions, error) {
	var (
		configFlag string
		watch      bool
		selected   string
	)

	pick := func(name string) func(*cobra.Command, []string) error {
		return func(*cobra.Command, []string) error {
			selected = name
			return nil
		}
	}

	root := &cobra.Command{
		Use:           "shellcache",
		Short:         "离线优先的 app shell 缓存代理",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          pick(commandServe),
	}
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(io.Discard)
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	root.Flags().BoolVar(&watch, "watch", false, "监听配置变更并注册新版本")

	serveCmd := &cobra.Command{
		Use:   commandServe,
		Short: "启动代理并接管请求",
		Args:  cobra.NoArgs,
		RunE:  pick(commandServe),
	}
	serveCmd.Flags().BoolVar(&watch, "watch", false, "监听配置变更并注册新版本")

	root.AddCommand(
		serveCmd,
		&cobra.Command{Use: commandCheck, Short: "仅校验配置后退出", Args: cobra.NoArgs, RunE: pick(commandCheck)},
		&cobra.Command{Use: commandCaches, Short: "列出缓存及条目数量", Args: cobra.NoArgs, RunE: pick(commandCaches)},
		&cobra.Command{Use: commandVersion, Short: "显示版本信息", Args: cobra.NoArgs, RunE: pick(commandVersion)},
	)

	if err := root.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if selected == "" {
		// --help 只输出帮助，不执行任何子命令。
		selected = commandHelp
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath: path,
		command:    selected,
		watch:      watch,
	}, nil
}
