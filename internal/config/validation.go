package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedBackends = map[string]struct{}{
	BackendFS:     {},
	BackendSQLite: {},
	BackendMemory: {},
}

const supportedBackendList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.LogFormat != "" && g.LogFormat != "json" && g.LogFormat != "text" {
		return newFieldError("Global.LogFormat", "仅支持 json|text")
	}
	if _, ok := supportedBackends[g.CacheBackend]; !ok {
		return newFieldError("Global.CacheBackend", "仅支持 "+supportedBackendList)
	}
	if g.CacheBackend != BackendMemory && strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}

	return c.App.validate()
}

func (a AppConfig) validate() error {
	if a.Prefix == "" {
		return newFieldError("App.Prefix", "不能为空")
	}
	if strings.ContainsAny(a.Prefix, "/\\ ") {
		return newFieldError("App.Prefix", "不允许包含斜杠或空格")
	}
	if a.Version == "" {
		return newFieldError("App.Version", "不能为空")
	}
	if strings.ContainsAny(a.Version, "/\\ ") {
		return newFieldError("App.Version", "不允许包含斜杠或空格")
	}

	if err := validateUpstream(a.Origin); err != nil {
		return fmt.Errorf("App.Origin: %w", err)
	}
	if a.Proxy != "" {
		if err := validateUpstream(a.Proxy); err != nil {
			return fmt.Errorf("App.Proxy: %w", err)
		}
	}

	for idx, entry := range a.Manifest {
		if err := validateManifestEntry(entry); err != nil {
			return fmt.Errorf("%s: %w", manifestField(idx), err)
		}
	}
	if err := validateManifestEntry(a.FallbackDocument); err != nil {
		return fmt.Errorf("App.FallbackDocument: %w", err)
	}

	for _, scheme := range a.IgnoredSchemes {
		if scheme == "http" || scheme == "https" {
			return newFieldError("App.IgnoredSchemes", "不能忽略 http/https")
		}
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateManifestEntry 允许相对路径（相对 Origin 解析）或 http/https 绝对地址。
func validateManifestEntry(raw string) error {
	if raw == "" {
		return errors.New("条目不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !parsed.IsAbs() {
		return nil
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("绝对地址仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("绝对地址缺少 Host: %s", raw)
	}
	return nil
}
