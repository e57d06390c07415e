package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadClientConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
project_id = "abc123"

[metadata]
description = "test wallet"
`)
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "walletwire" || cfg.RelayURL != DefaultRelayURL || cfg.LogLevel != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Metadata.Name != "walletwire" {
		t.Fatalf("metadata name must default to client name")
	}
}

func TestLoadClientConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing project", `name = "x"`, "project_id"},
		{"bad relay", "project_id = \"p\"\nrelay_url = \"http://relay\"", "websocket"},
		{"bad level", "project_id = \"p\"\nlog_level = \"loud\"", "log_level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			_, err := LoadClientConfig(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadClientConfigMissingFile(t *testing.T) {
	if _, err := LoadClientConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("missing file must fail")
	}
}
