package logging

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供命名空间/域名/命中状态字段，供代理请求日志复用。
func RequestFields(namespace, domain, backendKey, key string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"namespace": namespace,
		"domain":    domain,
		"backend":   backendKey,
		"key":       key,
		"cache_hit": cacheHit,
	}
}

// FetchFields 描述一次上游拉取，供下载协调器在状态迁移时记录。
func FetchFields(key, upstream string, state string) logrus.Fields {
	return logrus.Fields{
		"action":   "fetch",
		"key":      key,
		"upstream": upstream,
		"state":    state,
	}
}

// WithBytes 附加原始字节数与人类可读形式。
func WithBytes(fields logrus.Fields, n int64) logrus.Fields {
	fields["bytes"] = n
	if n >= 0 {
		fields["size"] = humanize.IBytes(uint64(n))
	}
	return fields
}
