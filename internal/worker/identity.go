package worker

import (
	"fmt"
	"strings"
)

// Identity 决定缓存名称，版本号变化即产生新的缓存。
type Identity struct {
	Prefix  string
	Version string
}

// CacheName 返回 {prefix}-v{version}。
func (id Identity) CacheName() string {
	return fmt.Sprintf("%s-v%s", id.Prefix, id.Version)
}

// IsStale 判断 name 是否为同前缀的旧缓存。前缀匹配不做边界检查，
// "app" 会匹配 "application-v1"。
func (id Identity) IsStale(name string) bool {
	return strings.HasPrefix(name, id.Prefix) && name != id.CacheName()
}

func (id Identity) validate() error {
	if strings.TrimSpace(id.Prefix) == "" {
		return fmt.Errorf("identity prefix required")
	}
	if strings.TrimSpace(id.Version) == "" {
		return fmt.Errorf("identity version required")
	}
	return nil
}
