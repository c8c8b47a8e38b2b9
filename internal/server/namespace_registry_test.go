package server

import (
	"testing"

	"github.com/any-hub/lfs-cache/internal/config"
)

func testRegistryConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:    5000,
			OutboundProxy: "http://proxy.internal:3128",
		},
		Namespaces: []config.NamespaceConfig{
			{
				Name:    "hf",
				Domains: []string{"cdn-lfs.hf.co", "CAS-Bridge.xethub.hf.co"},
				Backend: "hf-lfs",
			},
			{
				Name:    "files",
				Domains: []string{"files.example.com"},
				Backend: "generic",
				Proxy:   "socks5://127.0.0.1:1080",
			},
		},
	}
}

func TestNamespaceRegistryLookupByDomain(t *testing.T) {
	cfg := testRegistryConfig()
	registry, err := NewNamespaceRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.LookupDomain("cas-bridge.xethub.hf.co")
	if !ok {
		t.Fatalf("expected hf route")
	}
	if route.Name() != "hf" {
		t.Errorf("wrong namespace returned: %s", route.Name())
	}
	if route.Backend.Key != "hf-lfs" {
		t.Errorf("expected hf-lfs backend, got %s", route.Backend.Key)
	}
	if route.Proxy != cfg.Global.OutboundProxy {
		t.Errorf("expected global proxy fallback, got %s", route.Proxy)
	}
	if route.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}

	files, ok := registry.Lookup("files")
	if !ok {
		t.Fatalf("expected files route by name")
	}
	if files.Proxy != "socks5://127.0.0.1:1080" {
		t.Errorf("namespace proxy override ignored: %s", files.Proxy)
	}

	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
	if domains := route.Domains(); len(domains) != 2 || domains[0] != "cas-bridge.xethub.hf.co" {
		t.Fatalf("unexpected domains: %v", domains)
	}
}

func TestNamespaceRegistryIgnoresHostPort(t *testing.T) {
	registry, err := NewNamespaceRegistry(testRegistryConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := registry.LookupDomain("cdn-lfs.hf.co:443"); !ok {
		t.Fatalf("expected lookup to ignore port")
	}
	route, _ := registry.Lookup("hf")
	if !route.AllowsHost("CDN-LFS.hf.co.") {
		t.Fatalf("expected case-insensitive allow-list match")
	}
	if route.AllowsHost("files.example.com") {
		t.Fatalf("domain of another namespace must not be allowed")
	}
	if _, ok := registry.LookupDomain("evil.example.com"); ok {
		t.Fatalf("unknown domain must not resolve")
	}
}

func TestNamespaceRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.Namespaces[1].Domains = []string{"cdn-lfs.hf.co"}

	if _, err := NewNamespaceRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestNamespaceRegistryRejectsUnknownBackend(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.Namespaces[0].Backend = "nope"

	if _, err := NewNamespaceRegistry(cfg); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}
