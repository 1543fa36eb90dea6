package connection

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
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// fakeBackend is an assistant server double: a WebSocket endpoint that
// answers chat messages plus an HTTP health endpoint.
type fakeBackend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	dials        atomic.Int32
	rejectStatus atomic.Int32
	healthStatus atomic.Int32
	replyDelay   time.Duration

	mu         sync.Mutex
	paths      []string
	queries    []string
	auths      []string
	outbound   []protocol.Outbound
	closeCodes []int
	gate       chan struct{}
	onConn     func(n int, conn *websocket.Conn)
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	b.healthStatus.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(b.healthStatus.Load()))
	})
	mux.HandleFunc("/", b.handleSocket)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBackend) handleSocket(w http.ResponseWriter, r *http.Request) {
	n := int(b.dials.Add(1))
	b.mu.Lock()
	b.paths = append(b.paths, r.URL.Path)
	b.queries = append(b.queries, r.URL.RawQuery)
	b.auths = append(b.auths, r.Header.Get("Authorization"))
	gate := b.gate
	onConn := b.onConn
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if status := b.rejectStatus.Load(); status != 0 {
		http.Error(w, "rejected", int(status))
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if onConn != nil {
		onConn(n, conn)
		return
	}
	b.serveChat(conn)
}

// serveChat answers every chat message with a response echoing it.
func (b *fakeBackend) serveChat(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				b.mu.Lock()
				b.closeCodes = append(b.closeCodes, ce.Code)
				b.mu.Unlock()
			}
			return
		}
		var out protocol.Outbound
		if err := json.Unmarshal(data, &out); err != nil || out.Kind != protocol.KindChat {
			continue
		}
		b.mu.Lock()
		b.outbound = append(b.outbound, out)
		b.mu.Unlock()
		if b.replyDelay > 0 {
			time.Sleep(b.replyDelay)
		}
		_ = conn.WriteJSON(map[string]any{"kind": "response", "content": "echo: " + out.Message})
	}
}

func (b *fakeBackend) setOnConn(fn func(n int, conn *websocket.Conn)) {
	b.mu.Lock()
	b.onConn = fn
	b.mu.Unlock()
}

func (b *fakeBackend) lastOutbound() (protocol.Outbound, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outbound) == 0 {
		return protocol.Outbound{}, false
	}
	return b.outbound[len(b.outbound)-1], true
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConnectionConfig() config.ConnectionConfig {
	return config.ConnectionConfig{
		MaxAttempts:      5,
		BaseDelayMS:      10,
		MaxDelayMS:       40,
		OpenTimeoutMS:    2000,
		RequestTimeoutMS: 2000,
		HealthPath:       "/health",
	}
}

func newTestManager(t *testing.T, b *fakeBackend, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Config: testConnectionConfig(),
		Endpoints: config.EndpointsConfig{
			Development: b.wsURL(),
			LegacyPath:  "/ws",
			NextGenPath: "/v2/ws",
		},
		Host:   "localhost",
		Logger: newLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m := NewManager(context.Background(), opts)
	t.Cleanup(m.Close)
	return m
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
