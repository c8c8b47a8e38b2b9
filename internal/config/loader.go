package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// envBindings 列出可由环境变量覆盖的键；后面的名字兼容早期部署脚本。
var envBindings = map[string][]string{
	"ListenPort":    {"LFS_CACHE_LISTEN_PORT", "CACHE_PROXY_PORT"},
	"StoragePath":   {"LFS_CACHE_STORAGE_PATH", "CACHE_ROOT"},
	"OutboundProxy": {"LFS_CACHE_OUTBOUND_PROXY", "OUTBOUND_PROXY"},
	"LogLevel":      {"LFS_CACHE_LOG_LEVEL"},
	"LogFilePath":   {"LFS_CACHE_LOG_FILE"},
	"LogFormat":     {"LFS_CACHE_LOG_FORMAT"},
}

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	for key, names := range envBindings {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		byteSizeDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Namespaces {
		applyNamespaceDefaults(&cfg.Namespaces[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 50001)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./hf_cache")
	v.SetDefault("OutboundProxy", "")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("UpstreamReadTimeout", "60s")
	v.SetDefault("ChunkSize", "1MiB")
	v.SetDefault("ResumePartial", false)
	v.SetDefault("OutcomeRetention", "10m")
	v.SetDefault("MetricsEnabled", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 50001
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.UpstreamReadTimeout.DurationValue() == 0 {
		g.UpstreamReadTimeout = Duration(60 * time.Second)
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = ByteSize(humanize.MiByte)
	}
	if g.OutcomeRetention.DurationValue() == 0 {
		g.OutcomeRetention = Duration(10 * time.Minute)
	}
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
}

func applyNamespaceDefaults(n *NamespaceConfig) {
	n.Name = strings.TrimSpace(n.Name)
	n.Backend = strings.ToLower(strings.TrimSpace(n.Backend))
	domains := make([]string, 0, len(n.Domains))
	for _, d := range n.Domains {
		if d = normalizeDomain(d); d != "" {
			domains = append(domains, d)
		}
	}
	n.Domains = domains
	if n.VerifyChecksum == nil {
		enabled := true
		n.VerifyChecksum = &enabled
	}
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			var b ByteSize
			if err := b.UnmarshalText([]byte(v)); err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %s", v)
			}
			return b, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
