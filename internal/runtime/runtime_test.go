package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/store"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// assistantServer accepts WebSocket sessions and runs onConn for each one.
type assistantServer struct {
	srv     *httptest.Server
	reject  int
	onConn  func(*websocket.Conn)
	mu      sync.Mutex
	queries []string
}

func newAssistantServer(t *testing.T, reject int, onConn func(*websocket.Conn)) *assistantServer {
	t.Helper()
	a := &assistantServer{reject: reject, onConn: onConn}
	upgrader := websocket.Upgrader{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.queries = append(a.queries, r.URL.RawQuery)
		a.mu.Unlock()
		if a.reject != 0 {
			http.Error(w, "no", a.reject)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if a.onConn != nil {
			a.onConn(conn)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *assistantServer) wsURL() string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http")
}

func testConfig(backend string) config.Config {
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.Store.RetentionMode = "ephemeral"
	cfg.Endpoints = config.EndpointsConfig{
		Host:        "localhost",
		Development: backend,
		LegacyPath:  "/ws",
		NextGenPath: "/v2/ws",
	}
	cfg.Connection.BaseDelayMS = 10
	cfg.Connection.MaxDelayMS = 40
	cfg.Connection.OpenTimeoutMS = 2000
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := New(cfg, newLogger())
	if err := r.setup(ctx); err != nil {
		cancel()
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		r.wg.Wait()
		r.teardown()
	})
	return r, ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStatusAndReadiness(t *testing.T) {
	r, _ := startRuntime(t, testConfig("ws://127.0.0.1:1"))
	h := r.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", rec.Code)
	}
	r.ready.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d", rec.Code)
	}
	var body struct {
		Connection struct {
			State       string `json:"state"`
			Backend     string `json:"backend"`
			HealthScore int    `json:"health_score"`
		} `json:"connection"`
		Providers []string `json:"tts_providers"`
		Audio     struct {
			Enabled bool `json:"enabled"`
		} `json:"audio"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Connection.State != "idle" || body.Connection.Backend != "offline" || body.Connection.HealthScore != 50 {
		t.Fatalf("unexpected connection status %+v", body.Connection)
	}
	if len(body.Providers) != 1 || body.Providers[0] != "mock" || !body.Audio.Enabled {
		t.Fatalf("unexpected status body %+v", body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestAutoConnectUsesStoredToken(t *testing.T) {
	backend := newAssistantServer(t, 0, nil)
	cfg := testConfig(backend.wsURL())
	cfg.Session = config.SessionConfig{UserID: "u1", AutoConnect: true}
	r, ctx := startRuntime(t, cfg)

	if err := r.store.Save(ctx, store.Credential{UserID: "u1", Token: "stored-token"}); err != nil {
		t.Fatalf("save credential: %v", err)
	}
	r.autoConnect(ctx)
	waitFor(t, "connection open", func() bool { return r.conn.Status().IsConnected })

	backend.mu.Lock()
	query := backend.queries[0]
	backend.mu.Unlock()
	if !strings.Contains(query, "token=stored-token") {
		t.Fatalf("expected stored token on legacy url, got %q", query)
	}

	waitFor(t, "timeline entry", func() bool {
		events, err := r.store.ListEvents(ctx, "u1", 10)
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.State == "open" {
				return true
			}
		}
		return false
	})
}

func TestRejectedCredentialsAreForgotten(t *testing.T) {
	backend := newAssistantServer(t, http.StatusUnauthorized, nil)
	cfg := testConfig(backend.wsURL())
	cfg.Session = config.SessionConfig{UserID: "u1", AutoConnect: true}
	r, ctx := startRuntime(t, cfg)

	if err := r.store.Save(ctx, store.Credential{UserID: "u1", Token: "revoked"}); err != nil {
		t.Fatalf("save credential: %v", err)
	}
	r.autoConnect(ctx)
	waitFor(t, "credential removal", func() bool {
		_, err := r.store.Select(ctx, "u1")
		return errors.Is(err, store.ErrNotFound)
	})
	if s := r.conn.Status(); s.IsConnected || s.ErrorKind != "permanent" {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestAutoSpeakInboundMessages(t *testing.T) {
	backend := newAssistantServer(t, 0, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]string{"kind": "notification", "message": "Your flight is delayed"})
	})
	cfg := testConfig(backend.wsURL())
	cfg.Audio.AutoSpeak = true
	r, ctx := startRuntime(t, cfg)

	queued := make(chan audio.Event, 8)
	unsub := r.audio.SubscribeEvents(func(e audio.Event) {
		if e.Type == audio.EventQueued {
			queued <- e
		}
	})
	defer unsub()

	if _, err := r.conn.Connect(ctx, "u1", "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case e := <-queued:
		if e.Text != "Your flight is delayed" {
			t.Fatalf("unexpected spoken text %q", e.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("inbound message was not spoken")
	}
}
