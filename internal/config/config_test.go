package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 应解析为 15s，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应被转换为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Global.InstallConcurrency != 4 {
		t.Fatalf("InstallConcurrency 应填充默认值 4，得到 %d", cfg.Global.InstallConcurrency)
	}
	if len(cfg.App.Manifest) != 9 {
		t.Fatalf("Manifest 条目数量不符: %d", len(cfg.App.Manifest))
	}
	if len(cfg.App.IgnoredSchemes) != 1 || cfg.App.IgnoredSchemes[0] != "chrome-extension" {
		t.Fatalf("IgnoredSchemes 应默认为 chrome-extension，得到 %v", cfg.App.IgnoredSchemes)
	}
	if cfg.App.CacheName() != "cuet-command-center-v3.0.1" {
		t.Fatalf("缓存名不符: %s", cfg.App.CacheName())
	}
	if cfg.App.ExternalManifestCount() != 3 {
		t.Fatalf("外部清单条目应为 3，得到 %d", cfg.App.ExternalManifestCount())
	}
}

func TestValidateRejectsMissingVersion(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Version 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestBackendValidation(t *testing.T) {
	testCases := []struct {
		name        string
		backend     string
		storagePath string
		shouldErr   bool
	}{
		{"fs ok", BackendFS, "./data", false},
		{"sqlite ok", BackendSQLite, "./data", false},
		{"memory without path", BackendMemory, "", false},
		{"fs without path", BackendFS, "", true},
		{"unsupported backend", "redis", "./data", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.CacheBackend = tc.backend
			cfg.Global.StoragePath = tc.storagePath
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for backend %q", tc.backend)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for backend %q: %v", tc.backend, err)
			}
		})
	}
}

func TestManifestEntryValidation(t *testing.T) {
	testCases := []struct {
		name      string
		entry     string
		shouldErr bool
	}{
		{"relative", "./index.html", false},
		{"root", "./", false},
		{"absolute https", "https://cdn.example.com/app.css", false},
		{"empty", "", true},
		{"unsupported scheme", "ftp://files.example.com/app.css", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.App.Manifest = []string{"./", tc.entry}
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for entry %q", tc.entry)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for entry %q: %v", tc.entry, err)
			}
		})
	}
}

func TestValidateRejectsPrefixWithSlash(t *testing.T) {
	cfg := validConfig()
	cfg.App.Prefix = "bad/prefix"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("Prefix 包含斜杠时应报错")
	}
	fieldErr, ok := err.(FieldError)
	if !ok || fieldErr.Field != "App.Prefix" {
		t.Fatalf("应返回 App.Prefix 字段错误，得到 %v", err)
	}
}

func TestValidateRejectsIgnoringHTTP(t *testing.T) {
	cfg := validConfig()
	cfg.App.IgnoredSchemes = []string{"https"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("忽略 https 的配置应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:         5000,
			LogLevel:           "info",
			StoragePath:        "./data",
			CacheBackend:       BackendFS,
			UpstreamTimeout:    Duration(time.Second),
			InstallConcurrency: 2,
		},
		App: AppConfig{
			Prefix:           "demo",
			Version:          "1",
			Origin:           "http://127.0.0.1:8080/",
			Manifest:         []string{"./", "./index.html"},
			FallbackDocument: "./index.html",
			IgnoredSchemes:   []string{"chrome-extension"},
		},
	}
}
