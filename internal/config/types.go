package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存后端。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存存储与上游超时。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	LogFormat          string   `mapstructure:"LogFormat"`
	StoragePath        string   `mapstructure:"StoragePath"`
	CacheBackend       string   `mapstructure:"CacheBackend"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
}

// AppConfig 描述被缓存的单页应用：缓存命名、源站、预缓存清单与离线回退文档。
type AppConfig struct {
	Prefix           string   `mapstructure:"Prefix"`
	Version          string   `mapstructure:"Version"`
	Origin           string   `mapstructure:"Origin"`
	Proxy            string   `mapstructure:"Proxy"`
	Manifest         []string `mapstructure:"Manifest"`
	FallbackDocument string   `mapstructure:"FallbackDocument"`
	IgnoredSchemes   []string `mapstructure:"IgnoredSchemes"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	App    AppConfig    `mapstructure:"App"`
}

// CacheName 返回当前版本对应的缓存名，格式为 {Prefix}-v{Version}。
func (a AppConfig) CacheName() string {
	return fmt.Sprintf("%s-v%s", a.Prefix, a.Version)
}

// ExternalManifestCount 统计清单中指向其它源站的绝对地址数量，供启动日志使用。
func (a AppConfig) ExternalManifestCount() int {
	count := 0
	for _, entry := range a.Manifest {
		lower := strings.ToLower(strings.TrimSpace(entry))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			count++
		}
	}
	return count
}
