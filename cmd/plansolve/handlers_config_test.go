package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "session:\n  signed_state_secret: test-secret\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestRunConfigSnapshot(t *testing.T) {
	path := writeTestConfig(t)
	var out bytes.Buffer
	if err := runConfigSnapshot(context.Background(), path, &out); err != nil {
		t.Fatalf("runConfigSnapshot: %v", err)
	}
	if !strings.Contains(out.String(), "hash:") {
		t.Errorf("output missing hash line: %q", out.String())
	}
	if !strings.Contains(out.String(), path) {
		t.Errorf("output missing config path: %q", out.String())
	}
}

func TestRunConfigSchema(t *testing.T) {
	path := writeTestConfig(t)
	var out bytes.Buffer
	if err := runConfigSchema(context.Background(), path, &out); err != nil {
		t.Fatalf("runConfigSchema: %v", err)
	}
	if !strings.Contains(out.String(), "\"$schema\"") && !strings.Contains(out.String(), "properties") {
		t.Errorf("output doesn't look like a JSON Schema: %q", out.String())
	}
}

func TestRunConfigValidate(t *testing.T) {
	path := writeTestConfig(t)
	if err := runConfigValidate(path); err != nil {
		t.Fatalf("runConfigValidate: %v", err)
	}
}

func TestRunConfigValidateRejectsMissingSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  host: 127.0.0.1\n"), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	if err := runConfigValidate(path); err == nil {
		t.Error("expected error for config missing session.signed_state_secret")
	}
}
