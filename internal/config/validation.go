package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/any-hub/lfs-cache/internal/backend"
)

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

const (
	minChunkSize = 4 * humanize.KiByte
	maxChunkSize = 64 * humanize.MiByte
)

var supportedLogLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "warning": {}, "error": {}, "fatal": {}, "panic": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.LogLevel != "" {
		if _, ok := supportedLogLevels[g.LogLevel]; !ok {
			return newFieldError("Global.LogLevel", "不支持的日志级别: "+g.LogLevel)
		}
	}
	switch g.LogFormat {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 json|text")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.UpstreamReadTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamReadTimeout", "必须大于 0")
	}
	if g.ChunkSize < minChunkSize || g.ChunkSize > maxChunkSize {
		return newFieldError("Global.ChunkSize", fmt.Sprintf("必须在 %s-%s 之间",
			humanize.IBytes(minChunkSize), humanize.IBytes(maxChunkSize)))
	}
	if g.OutcomeRetention.DurationValue() < 0 {
		return newFieldError("Global.OutcomeRetention", "不能为负数")
	}
	if g.OutboundProxy != "" {
		if err := validateProxy(g.OutboundProxy); err != nil {
			return fmt.Errorf("Global.OutboundProxy: %w", err)
		}
	}

	if len(c.Namespaces) == 0 {
		return errors.New("至少需要配置一个 Namespace")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Namespaces {
		ns := &c.Namespaces[i]
		if ns.Name == "" {
			return newFieldError("Namespace[].Name", "不能为空")
		}
		if !namespacePattern.MatchString(ns.Name) {
			return newFieldError(namespaceField(ns.Name, "Name"), "仅允许字母、数字、点、下划线与连字符")
		}
		if _, exists := seenNames[ns.Name]; exists {
			return newFieldError(namespaceField(ns.Name, "Name"), "重复")
		}
		seenNames[ns.Name] = struct{}{}

		if len(ns.Domains) == 0 {
			return newFieldError(namespaceField(ns.Name, "Domains"), "至少需要一个域名")
		}
		for _, domain := range ns.Domains {
			if err := validateDomain(domain); err != nil {
				return fmt.Errorf("%s: %w", namespaceField(ns.Name, "Domains"), err)
			}
			if owner, exists := seenDomains[domain]; exists {
				return newFieldError(namespaceField(ns.Name, "Domains"),
					fmt.Sprintf("域名 %s 已属于 %s", domain, owner))
			}
			seenDomains[domain] = ns.Name
		}

		if _, ok := backend.Resolve(ns.Backend); !ok {
			return newFieldError(namespaceField(ns.Name, "Backend"),
				fmt.Sprintf("未注册后端: %s，仅支持 %s", ns.Backend, strings.Join(backend.Keys(), "|")))
		}
		if ns.Proxy != "" {
			if err := validateProxy(ns.Proxy); err != nil {
				return fmt.Errorf("%s: %w", namespaceField(ns.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http:") || strings.HasPrefix(domain, "https:") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateProxy(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("仅支持 http/https/socks5 代理: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("代理缺少 Host: %s", raw)
	}
	return nil
}
