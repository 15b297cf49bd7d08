package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectMultipleApps(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAppDefaults(&cfg.App)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.CacheBackend != BackendMemory {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

// Watch 监听配置文件变更，每次变更都会重新执行 Load 并把结果交给 onChange。
// 监听在进程生命周期内持续有效。
func Watch(path string, onChange func(*Config, error)) error {
	if onChange == nil {
		return fmt.Errorf("onChange 回调不能为空")
	}
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(path)
		onChange(cfg, err)
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("LogFormat", "json")
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheBackend", BackendFS)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("InstallConcurrency", 4)
	v.SetDefault("App.FallbackDocument", "./index.html")
	v.SetDefault("App.IgnoredSchemes", []string{"chrome-extension"})
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InstallConcurrency == 0 {
		g.InstallConcurrency = 4
	}
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.LogFormat == "" {
		g.LogFormat = "json"
	}
	g.CacheBackend = strings.ToLower(strings.TrimSpace(g.CacheBackend))
	if g.CacheBackend == "" {
		g.CacheBackend = BackendFS
	}
}

func applyAppDefaults(a *AppConfig) {
	a.Prefix = strings.TrimSpace(a.Prefix)
	a.Version = strings.TrimSpace(a.Version)
	a.Origin = strings.TrimSpace(a.Origin)
	if strings.TrimSpace(a.FallbackDocument) == "" {
		a.FallbackDocument = "./index.html"
	}

	manifest := make([]string, 0, len(a.Manifest))
	for _, entry := range a.Manifest {
		manifest = append(manifest, strings.TrimSpace(entry))
	}
	a.Manifest = manifest

	schemes := make([]string, 0, len(a.IgnoredSchemes))
	for _, scheme := range a.IgnoredSchemes {
		scheme = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(scheme), "://"))
		if scheme != "" {
			schemes = append(schemes, scheme)
		}
	}
	a.IgnoredSchemes = schemes
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectMultipleApps 拒绝 [[App]] 数组写法：一个进程只管理一个应用的缓存。
func rejectMultipleApps(v *viper.Viper) error {
	if _, ok := v.Get("App").([]interface{}); ok {
		return newFieldError("App", "仅支持单个 [App] 表，请拆分为多个进程")
	}
	return nil
}
