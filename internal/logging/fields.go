package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// WorkerFields 描述一个 Worker 实例：脚本、版本与当前缓存库。
func WorkerFields(script string, version int, store string) logrus.Fields {
	return logrus.Fields{
		"script":  script,
		"version": version,
		"store":   store,
	}
}

// RequestFields 提供 url/资源类型/响应来源字段，供代理请求日志复用。
func RequestFields(method, url, class, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"url":       url,
		"class":     class,
		"source":    source,
		"cache_hit": cacheHit,
	}
}
