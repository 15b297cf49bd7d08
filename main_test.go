package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("SHELLCACHE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}
	if opts.command != commandServe {
		t.Fatalf("无子命令时应为 serve，得到 %s", opts.command)
	}

	opts, err = parseCLIFlags([]string{"check", "--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
	if opts.command != commandCheck {
		t.Fatalf("期望 check 子命令，得到 %s", opts.command)
	}
}

func TestParseCLIFlagsDefaults(t *testing.T) {
	t.Setenv("SHELLCACHE_CONFIG", "")

	opts, err := parseCLIFlags([]string{"serve", "--watch"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "config.toml" {
		t.Fatalf("默认配置路径应为 config.toml，得到 %s", opts.configPath)
	}
	if !opts.watch {
		t.Fatalf("--watch 应被识别")
	}
}

func TestParseCLIFlagsRejectsUnknownCommand(t *testing.T) {
	if _, err := parseCLIFlags([]string{"bogus"}); err == nil {
		t.Fatalf("未知子命令应返回错误")
	}
	if _, err := parseCLIFlags([]string{"--no-such-flag"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), command: commandCheck})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), command: commandCheck})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "加载配置失败") {
		t.Fatalf("stderr 应包含错误信息，得到 %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{command: commandVersion})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "shellcache") {
		t.Fatalf("version 输出应包含 shellcache 标识")
	}
}

func TestRunCachesListsState(t *testing.T) {
	dir := t.TempDir()
	storagePath := filepath.Join(dir, "storage")

	storage, err := cache.NewFSStorage(storagePath)
	if err != nil {
		t.Fatalf("初始化存储失败: %v", err)
	}
	ctx := context.Background()
	for _, name := range []string{"app-v1", "app-v2", "other-v1"} {
		store, err := storage.Open(ctx, name)
		if err != nil {
			t.Fatalf("打开缓存失败: %v", err)
		}
		if name == "app-v2" {
			resp := &cache.Response{URL: "http://127.0.0.1:8080/", StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("shell")}
			if err := store.Put(ctx, "http://127.0.0.1:8080/", resp); err != nil {
				t.Fatalf("写入缓存失败: %v", err)
			}
		}
	}

	configPath := writeConfigFile(t, fmt.Sprintf(`
StoragePath = "%s"
CacheBackend = "fs"

[App]
Prefix = "app"
Version = "2"
Origin = "http://127.0.0.1:8080/"
Manifest = ["./"]
FallbackDocument = "./"
`, storagePath))

	useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, command: commandCaches})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
	out := stdOutBuffer().String()
	for _, want := range []string{"app-v1\t0\tstale", "app-v2\t1\tcurrent", "other-v1\t0\tother"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q: %s", want, out)
		}
	}
}

func TestNewStorageRejectsUnknownBackend(t *testing.T) {
	_, err := newStorage(config.GlobalConfig{CacheBackend: "redis", StoragePath: t.TempDir()})
	if err == nil {
		t.Fatalf("未知后端应返回错误")
	}
}
