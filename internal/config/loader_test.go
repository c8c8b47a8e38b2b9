package config

import (
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"
UpstreamReadTimeout = "boom"

[[Namespace]]
Name = "hf"
Domains = ["cdn.example"]
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsInvalidChunkSize(t *testing.T) {
	cfg := `
ChunkSize = "lots"

[[Namespace]]
Name = "hf"
Domains = ["cdn.example"]
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 ChunkSize 应失败")
	}
}

func TestLoadNumericDurationAsSeconds(t *testing.T) {
	cfg := `
UpstreamTimeout = 5

[[Namespace]]
Name = "hf"
Domains = ["cdn.example"]
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.UpstreamTimeout.DurationValue().Seconds() != 5 {
		t.Fatalf("纯数字应按秒解析: %v", loaded.Global.UpstreamTimeout.DurationValue())
	}
}

func TestLoadHonoursLegacyEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CACHE_ROOT", dir)
	t.Setenv("CACHE_PROXY_PORT", "6001")
	t.Setenv("OUTBOUND_PROXY", "http://127.0.0.1:8080")

	cfg := `
[[Namespace]]
Name = "hf"
Domains = ["cdn.example"]
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.StoragePath != dir {
		t.Fatalf("CACHE_ROOT 未生效: %s", loaded.Global.StoragePath)
	}
	if loaded.Global.ListenPort != 6001 {
		t.Fatalf("CACHE_PROXY_PORT 未生效: %d", loaded.Global.ListenPort)
	}
	if loaded.EffectiveProxy(loaded.Namespaces[0]) != "http://127.0.0.1:8080" {
		t.Fatalf("OUTBOUND_PROXY 未生效")
	}
}

func TestPrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("CACHE_PROXY_PORT", "6001")
	t.Setenv("LFS_CACHE_LISTEN_PORT", "7001")

	cfg := `
[[Namespace]]
Name = "hf"
Domains = ["cdn.example"]
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.ListenPort != 7001 {
		t.Fatalf("LFS_CACHE_LISTEN_PORT 应优先: %d", loaded.Global.ListenPort)
	}
}
