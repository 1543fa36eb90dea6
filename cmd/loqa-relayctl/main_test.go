package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	data := "store:\n  path: " + filepath.Join(dir, "relay.db") + "\n" +
		"endpoints:\n  host: app.example.com\n  primary: wss://a.example.com\n  alias: wss://b.example.com\n  staging: wss://s.example.com\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestEndpointsCommand(t *testing.T) {
	var out bytes.Buffer
	if err := runEndpoints(&out, []string{"-config", writeConfig(t)}); err != nil {
		t.Fatalf("endpoints: %v", err)
	}
	want := "environment: production\n1. wss://a.example.com/ws\n2. wss://b.example.com/ws\n3. wss://s.example.com/ws\n"
	if out.String() != want {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestCredentialsCommands(t *testing.T) {
	ctx := context.Background()
	cfg := writeConfig(t)
	var out bytes.Buffer

	if err := runCredentials(ctx, &out, []string{"set", "-config", cfg, "-user", "u1", "-token", "secret-token"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	out.Reset()
	if err := runCredentials(ctx, &out, []string{"get", "-config", cfg, "-user", "u1"}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.HasPrefix(out.String(), "u1\t********oken\t") {
		t.Fatalf("unexpected get output %q", out.String())
	}
	if err := runCredentials(ctx, &out, []string{"delete", "-config", cfg, "-user", "u1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := runCredentials(ctx, &out, []string{"get", "-config", cfg, "-user", "u1"}); err == nil {
		t.Fatal("expected not found after delete")
	}
	if err := runCredentials(ctx, &out, []string{"set", "-config", cfg, "-user", "u1"}); err == nil {
		t.Fatal("set without token should fail")
	}
}
