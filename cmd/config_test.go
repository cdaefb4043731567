package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigShowPrintsNormalizedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grokgate.toml")
	raw := "api_key = \"sk-test\"\n\n[grok]\nproxy_url = \"socks5h://127.0.0.1:1080\"\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(os.Stdout)
	rootCmd.SetArgs([]string{"config", "show", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config show: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "sk-test") {
		t.Fatalf("expected api key in output, got:\n%s", got)
	}
	// Normalize rewrites the proxy scheme before display.
	if !strings.Contains(got, "socks5://127.0.0.1:1080") {
		t.Fatalf("expected normalized proxy url, got:\n%s", got)
	}
}

func TestConfigShowFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(os.Stdout)
	rootCmd.SetArgs([]string{"config", "show", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config show: %v", err)
	}

	if !strings.Contains(out.String(), "127.0.0.1:8180") {
		t.Fatalf("expected default listen address, got:\n%s", out.String())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("show must not create the config file")
	}
}
