package location

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSafeAbsorbsErrors(t *testing.T) {
	s := NewSafe(LookupFunc(func(context.Context, string) (*Descriptor, error) {
		return &Descriptor{City: "ignored"}, errors.New("geocoder down")
	}), time.Second, newLogger())
	if d := s.Context(context.Background(), "u1"); d != nil {
		t.Fatalf("expected nil on error, got %+v", d)
	}
}

func TestSafeAbsorbsPanics(t *testing.T) {
	s := NewSafe(LookupFunc(func(context.Context, string) (*Descriptor, error) {
		panic("nil map")
	}), time.Second, newLogger())
	if d := s.Context(context.Background(), "u1"); d != nil {
		t.Fatalf("expected nil on panic, got %+v", d)
	}
}

func TestSafeTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := NewSafe(LookupFunc(func(ctx context.Context, _ string) (*Descriptor, error) {
		<-release
		return &Descriptor{City: "late"}, nil
	}), 20*time.Millisecond, newLogger())

	start := time.Now()
	if d := s.Context(context.Background(), "u1"); d != nil {
		t.Fatalf("expected nil on timeout, got %+v", d)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not honoured: %s", elapsed)
	}
}

func TestStaticMap(t *testing.T) {
	enricher := FromConfig(config.LocationConfig{Mode: "static", City: "Lisbon", Country: "PT", Latitude: 38.7, Longitude: -9.1}, nil, newLogger())
	d := enricher.Context(context.Background(), "u1")
	if d == nil {
		t.Fatal("expected descriptor")
	}
	m := d.Map()
	if m["city"] != "Lisbon" || m["latitude"] != 38.7 || m["source"] != "static" {
		t.Fatalf("unexpected map %v", m)
	}
	if _, ok := m["region"]; ok {
		t.Fatal("empty fields must be omitted")
	}
}

func TestHTTPLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("user_id") {
		case "u1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"city":"Porto","country":"PT"}`)
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	enricher := FromConfig(config.LocationConfig{Mode: "http", Endpoint: srv.URL, TimeoutMS: 1000}, srv.Client(), newLogger())
	d := enricher.Context(context.Background(), "u1")
	if d == nil || d.City != "Porto" || d.Source != "service" {
		t.Fatalf("unexpected descriptor %+v", d)
	}
	if d := enricher.Context(context.Background(), "missing"); d != nil {
		t.Fatalf("expected nil for unknown user, got %+v", d)
	}
	if d := enricher.Context(context.Background(), "broken"); d != nil {
		t.Fatalf("expected nil on server error, got %+v", d)
	}
}

func TestDisabled(t *testing.T) {
	if d := FromConfig(config.LocationConfig{Mode: "disabled"}, nil, newLogger()).Context(context.Background(), "u1"); d != nil {
		t.Fatal("disabled enricher must return nil")
	}
}
