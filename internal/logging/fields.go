package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存名、请求方法/地址、请求模式与响应来源字段，供代理请求日志复用。
func RequestFields(cacheName, method, url, mode, source string) logrus.Fields {
	return logrus.Fields{
		"cache":  cacheName,
		"method": method,
		"url":    url,
		"mode":   mode,
		"source": source,
	}
}

// CacheFields 提供生命周期日志使用的缓存名与版本字段。
func CacheFields(action, cacheName, version string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"cache":   cacheName,
		"version": version,
	}
}
