package server

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/any-hub/lfs-cache/internal/backend"
	"github.com/any-hub/lfs-cache/internal/config"
)

// NamespaceRoute 将命名空间配置与派生属性（后端 Profile、生效的出站代理）聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type NamespaceRoute struct {
	// Config 是用户在 config.toml 中声明的命名空间副本，避免外部修改。
	Config config.NamespaceConfig
	// Backend 决定内容标签、摘要推导与新鲜度策略。
	Backend backend.Profile
	// Proxy 为生效的出站代理，空字符串表示直连。
	Proxy string
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int

	domains map[string]struct{}
}

// Name 返回命名空间名称，也是缓存键的第一段。
func (r *NamespaceRoute) Name() string {
	return r.Config.Name
}

// AllowsHost 判断 host（可带端口）是否属于该命名空间的镜像域名白名单。
func (r *NamespaceRoute) AllowsHost(host string) bool {
	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return false
	}
	_, ok := r.domains[normalized]
	return ok
}

// NamespaceRegistry 提供命名空间名称与镜像域名两种查询方式，所有命名空间共享同一个监听端口。
type NamespaceRegistry struct {
	byName   map[string]*NamespaceRoute
	byDomain map[string]*NamespaceRoute
	ordered  []*NamespaceRoute
}

// NewNamespaceRegistry 根据配置构建域名到命名空间的映射。调用方应在启动阶段创建一次并复用。
func NewNamespaceRegistry(cfg *config.Config) (*NamespaceRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &NamespaceRegistry{
		byName:   make(map[string]*NamespaceRoute, len(cfg.Namespaces)),
		byDomain: make(map[string]*NamespaceRoute),
	}

	for _, ns := range cfg.Namespaces {
		if _, exists := registry.byName[ns.Name]; exists {
			return nil, fmt.Errorf("duplicate namespace %s", ns.Name)
		}
		runtime, err := cfg.BuildNamespaceRuntime(ns)
		if err != nil {
			return nil, err
		}

		route := &NamespaceRoute{
			Config:     ns,
			Backend:    runtime.Backend,
			Proxy:      runtime.Proxy,
			ListenPort: cfg.Global.ListenPort,
			domains:    make(map[string]struct{}, len(ns.Domains)),
		}
		for _, domain := range ns.Domains {
			host := normalizeDomain(domain)
			if host == "" {
				return nil, fmt.Errorf("invalid domain for namespace %s", ns.Name)
			}
			if _, exists := registry.byDomain[host]; exists {
				return nil, fmt.Errorf("duplicate domain mapping detected for %s", host)
			}
			route.domains[host] = struct{}{}
			registry.byDomain[host] = route
		}

		registry.byName[ns.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据命名空间名称查找。
func (r *NamespaceRegistry) Lookup(name string) (*NamespaceRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[strings.TrimSpace(name)]
	return route, ok
}

// LookupDomain 根据镜像域名（可带端口）查找所属命名空间。
func (r *NamespaceRegistry) LookupDomain(host string) (*NamespaceRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.byDomain[normalizedHost]
	return route, ok
}

// List 返回当前注册的命名空间（按配置定义的顺序），用于 /-/namespaces 输出。
func (r *NamespaceRegistry) List() []NamespaceRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]NamespaceRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

// Domains 返回排好序的镜像域名列表。
func (r *NamespaceRoute) Domains() []string {
	out := make([]string, 0, len(r.domains))
	for host := range r.domains {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
