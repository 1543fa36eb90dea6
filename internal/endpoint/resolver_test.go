package endpoint

import (
	"strings"
	"testing"

	"github.com/loqalabs/loqa-relay/internal/config"
)

func testEndpoints() config.EndpointsConfig {
	return config.EndpointsConfig{
		Primary:     "wss://assistant.example.com",
		Alias:       "wss://assistant-eu.example.com/",
		Staging:     "wss://staging.example.com",
		Development: "ws://localhost:8000",
		LegacyPath:  "/ws",
		NextGenPath: "/v2/ws",
	}
}

func TestEnvironment(t *testing.T) {
	cases := map[string]Env{
		"localhost":              Development,
		"127.0.0.1:3000":         Development,
		"[::1]:8080":             Development,
		"laptop.local":           Development,
		"staging.app.example":    Staging,
		"pr-12.preview.example":  Staging,
		"app.example.com":        Production,
		"APP.EXAMPLE.COM":        Production,
	}
	for host, want := range cases {
		if got := Environment(host); got != want {
			t.Fatalf("Environment(%q) = %s, want %s", host, got, want)
		}
	}
}

func TestResolveProductionOrder(t *testing.T) {
	got := Resolve(testEndpoints(), "app.example.com", false)
	want := []string{
		"wss://assistant.example.com/ws",
		"wss://assistant-eu.example.com/ws",
		"wss://staging.example.com/ws",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestResolveProtocolFlag(t *testing.T) {
	cfg := testEndpoints()
	legacy := Resolve(cfg, "app.example.com", false)
	next := Resolve(cfg, "app.example.com", true)
	if !strings.HasSuffix(legacy[0], "/ws") || strings.HasSuffix(legacy[0], "/v2/ws") {
		t.Fatalf("expected legacy path, got %s", legacy[0])
	}
	if !strings.HasSuffix(next[0], "/v2/ws") {
		t.Fatalf("expected next gen path, got %s", next[0])
	}
}

func TestResolveStagingAndDevelopment(t *testing.T) {
	cfg := testEndpoints()
	staging := Resolve(cfg, "staging.example.com", false)
	if staging[0] != "wss://staging.example.com/ws" {
		t.Fatalf("expected staging first, got %v", staging)
	}
	dev := Resolve(cfg, "localhost", false)
	if dev[0] != "ws://localhost:8000/ws" || len(dev) != 4 {
		t.Fatalf("expected development first, got %v", dev)
	}
}

func TestResolveSkipsEmptyAndDuplicates(t *testing.T) {
	cfg := testEndpoints()
	cfg.Alias = cfg.Primary
	cfg.Staging = ""
	got := Resolve(cfg, "app.example.com", false)
	if len(got) != 1 {
		t.Fatalf("expected a single candidate, got %v", got)
	}
}

func TestBuildURL(t *testing.T) {
	legacy, err := BuildURL("wss://assistant.example.com/ws", "user 1", "tok", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if legacy != "wss://assistant.example.com/ws/user%201?token=tok" {
		t.Fatalf("unexpected legacy url %s", legacy)
	}
	next, err := BuildURL("wss://assistant.example.com/v2/ws", "u1", "tok", true)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if next != "wss://assistant.example.com/v2/ws/u1" {
		t.Fatalf("token must not appear in next gen url: %s", next)
	}
	if _, err := BuildURL("https://assistant.example.com", "u1", "tok", false); err == nil {
		t.Fatal("expected scheme error")
	}
	if _, err := BuildURL("wss://assistant.example.com", "", "tok", false); err == nil {
		t.Fatal("expected missing user error")
	}
}

func TestHealthURL(t *testing.T) {
	got, err := HealthURL("wss://assistant.example.com/ws/u1?token=x", "/health")
	if err != nil {
		t.Fatalf("health url: %v", err)
	}
	if got != "https://assistant.example.com/health" {
		t.Fatalf("unexpected health url %s", got)
	}
}
