package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// PolicyFields 提供当前缓存名与请求策略字段，供生命周期与清理日志复用。
func PolicyFields(action, cacheName, policy string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"cache_name": cacheName,
		"policy":     policy,
	}
}

// RequestFields 提供单次请求的方法/URL/来源/命中状态字段，供请求处理日志复用。
func RequestFields(cacheName, policy, method, url, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":     "handle_request",
		"cache_name": cacheName,
		"policy":     policy,
		"method":     method,
		"url":        url,
		"source":     source,
		"cache_hit":  cacheHit,
	}
}
