package config

import (
	"fmt"

	"github.com/any-hub/lfs-cache/internal/backend"
)

// NamespaceRuntime 将命名空间配置与后端 Profile 合并，方便运行时快速取用策略。
type NamespaceRuntime struct {
	Config  NamespaceConfig
	Backend backend.Profile
	Proxy   string
}

// BuildNamespaceRuntime 根据配置解析后端并计算生效的出站代理（假定 Validate 已经通过）。
func (c *Config) BuildNamespaceRuntime(ns NamespaceConfig) (NamespaceRuntime, error) {
	profile, ok := backend.Resolve(ns.Backend)
	if !ok {
		return NamespaceRuntime{}, fmt.Errorf("namespace %s: unknown backend %q", ns.Name, ns.Backend)
	}
	return NamespaceRuntime{
		Config:  ns,
		Backend: profile,
		Proxy:   c.EffectiveProxy(ns),
	}, nil
}
