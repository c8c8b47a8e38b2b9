package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 把内联 TOML 写入临时目录并返回路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// validConfig 返回一份可通过 Validate 的最小配置，供各用例在其基础上破坏单个字段。
func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:          50001,
			StoragePath:         "./data",
			UpstreamTimeout:     Duration(time.Second),
			UpstreamReadTimeout: Duration(time.Second),
			ChunkSize:           ByteSize(1 << 20),
		},
		Namespaces: []NamespaceConfig{
			{Name: "hf", Domains: []string{"cdn.example"}, Backend: "hf-lfs"},
		},
	}
}
