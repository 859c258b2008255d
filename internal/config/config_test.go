package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Addr == "" {
		t.Fatalf("expected a default listen address")
	}
	if cfg.SessionIDMode != "lenient" && cfg.SessionIDMode != "strict" {
		t.Fatalf("unexpected session id mode %q", cfg.SessionIDMode)
	}
	if cfg.InteractiveTimeout <= 0 || cfg.ReconciliationTimeout <= 0 {
		t.Fatalf("timeouts must default to positive values")
	}
}

func TestStrictSessionIDs(t *testing.T) {
	t.Setenv("SESSION_ID_MODE", "strict")
	if !Load().StrictSessionIDs() {
		t.Fatalf("expected strict mode")
	}
	t.Setenv("SESSION_ID_MODE", "lenient")
	if Load().StrictSessionIDs() {
		t.Fatalf("expected lenient mode")
	}
}

func TestMCPAllowedHostsParsesCommaList(t *testing.T) {
	t.Setenv("MCP_ALLOWED_HOSTS", "api.example.com, localhost:8080")
	cfg := Load()
	if len(cfg.MCPAllowedHosts) != 2 || cfg.MCPAllowedHosts[1] != "localhost:8080" {
		t.Fatalf("unexpected allow-list: %v", cfg.MCPAllowedHosts)
	}
}
