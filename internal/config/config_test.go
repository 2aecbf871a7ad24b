package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
registry:
  url: http://registry:4000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Gateway.Port != 8443 {
		t.Errorf("Expected default port 8443, got %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.AdminPort != 9090 {
		t.Errorf("Expected default admin port 9090, got %d", cfg.Gateway.AdminPort)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("Expected memory cache default, got %s", cfg.Cache.Backend)
	}
	if cfg.Upstream.MaxBodyBytes != 4<<20 {
		t.Errorf("Expected 4 MiB body limit default, got %d", cfg.Upstream.MaxBodyBytes)
	}
	if cfg.Smart.TAllow != 0.4 || cfg.Smart.TBlock != 0.6 {
		t.Errorf("Expected smart zone defaults 0.4/0.6, got %.2f/%.2f", cfg.Smart.TAllow, cfg.Smart.TBlock)
	}
	if cfg.Policy.FailOpen {
		t.Error("Fail-open must default to off")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_REGISTRY_KEY", "expanded-secret")
	path := writeConfig(t, `
registry:
  url: http://registry:4000
  api_key: ${TEST_REGISTRY_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Registry.APIKey != "expanded-secret" {
		t.Errorf("Expected env expansion, got %q", cfg.Registry.APIKey)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("REGISTRY_URL", "http://override:5000")
	t.Setenv("POLICY_FAIL_OPEN", "true")
	path := writeConfig(t, `
registry:
  url: http://file:4000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Registry.URL != "http://override:5000" {
		t.Errorf("Expected env override, got %s", cfg.Registry.URL)
	}
	if !cfg.Policy.FailOpen {
		t.Error("Expected POLICY_FAIL_OPEN to enable fail-open")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing registry url",
			yaml:    `gateway: {port: 8443}`,
			wantErr: "registry.url",
		},
		{
			name: "redis backend without url",
			yaml: `
registry: {url: http://registry:4000}
cache: {backend: redis}
`,
			wantErr: "redis_url",
		},
		{
			name: "unknown cache backend",
			yaml: `
registry: {url: http://registry:4000}
cache: {backend: memcached}
`,
			wantErr: "cache.backend",
		},
		{
			name: "inverted smart zones",
			yaml: `
registry: {url: http://registry:4000}
smart: {t_allow: 0.8, t_block: 0.3}
`,
			wantErr: "t_allow",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
