package cmd

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestVersionCommandPrintsComponent(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(os.Stdout)
	rootCmd.SetArgs([]string{"version"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "grokgate ") {
		t.Fatalf("unexpected version output: %q", out.String())
	}
}
