package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
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

// ByteSize 接受 "1MiB"、"512KB" 或纯字节数。
type ByteSize int64

// UnmarshalText 通过 go-humanize 解析人类可读的容量写法。
func (b *ByteSize) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*b = 0
		return nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid byte size value: %s", raw)
	}
	*b = ByteSize(n)
	return nil
}

// Int 返回字节数。
func (b ByteSize) Int() int {
	return int(b)
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有命名空间共享同一份参数。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFormat           string   `mapstructure:"LogFormat"` // json | text
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath"`
	OutboundProxy       string   `mapstructure:"OutboundProxy"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	UpstreamReadTimeout Duration `mapstructure:"UpstreamReadTimeout"`
	ChunkSize           ByteSize `mapstructure:"ChunkSize"`
	ResumePartial       bool     `mapstructure:"ResumePartial"`
	OutcomeRetention    Duration `mapstructure:"OutcomeRetention"`
	MetricsEnabled      bool     `mapstructure:"MetricsEnabled"`
}

// NamespaceConfig 描述一个上游后端：它拥有哪些镜像域名、走哪个出站代理。
type NamespaceConfig struct {
	Name    string   `mapstructure:"Name"`
	Domains []string `mapstructure:"Domains"`
	Backend string   `mapstructure:"Backend"`
	Proxy   string   `mapstructure:"Proxy"`
	// VerifyChecksum 为空时默认开启。
	VerifyChecksum *bool `mapstructure:"VerifyChecksum"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig      `mapstructure:",squash"`
	Namespaces []NamespaceConfig `mapstructure:"Namespace"`
}

// ChecksumEnabled 返回是否对该命名空间执行摘要校验。
func (n NamespaceConfig) ChecksumEnabled() bool {
	return n.VerifyChecksum == nil || *n.VerifyChecksum
}

// EffectiveProxy 返回命名空间生效的出站代理，未覆盖时回退至全局值。
func (c *Config) EffectiveProxy(n NamespaceConfig) string {
	if strings.TrimSpace(n.Proxy) != "" {
		return n.Proxy
	}
	return c.Global.OutboundProxy
}

// ProxyModes 返回所有命名空间的出站方式摘要，例如 hf:proxied，供启动日志使用。
func (c *Config) ProxyModes() []string {
	if len(c.Namespaces) == 0 {
		return nil
	}
	result := make([]string, len(c.Namespaces))
	for i, ns := range c.Namespaces {
		mode := "direct"
		if c.EffectiveProxy(ns) != "" {
			mode = "proxied"
		}
		result[i] = fmt.Sprintf("%s:%s", ns.Name, mode)
	}
	return result
}
