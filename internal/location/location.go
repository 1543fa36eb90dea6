// Package location supplies best-effort geographic context for outbound
// chat requests. Lookups never fail the request: errors, panics and slow
// providers all degrade to no context.
package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
)

// Descriptor is the location attached to a request.
type Descriptor struct {
	City      string    `json:"city,omitempty"`
	Region    string    `json:"region,omitempty"`
	Country   string    `json:"country,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	Source    string    `json:"source,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Map renders the descriptor for a request context payload.
func (d *Descriptor) Map() map[string]any {
	if d == nil {
		return nil
	}
	m := make(map[string]any, 8)
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	put("city", d.City)
	put("region", d.Region)
	put("country", d.Country)
	put("timezone", d.Timezone)
	put("source", d.Source)
	if d.Latitude != 0 || d.Longitude != 0 {
		m["latitude"] = d.Latitude
		m["longitude"] = d.Longitude
	}
	return m
}

// Enricher returns context for a user, or nil. It must not block past the
// caller's context and must not panic.
type Enricher interface {
	Context(ctx context.Context, userID string) *Descriptor
}

// Lookup is a provider that may fail.
type Lookup interface {
	Lookup(ctx context.Context, userID string) (*Descriptor, error)
}

type LookupFunc func(ctx context.Context, userID string) (*Descriptor, error)

func (f LookupFunc) Lookup(ctx context.Context, userID string) (*Descriptor, error) {
	return f(ctx, userID)
}

// Safe adapts a Lookup into an Enricher bounded by timeout.
type Safe struct {
	lookup  Lookup
	timeout time.Duration
	logger  *slog.Logger
}

func NewSafe(lookup Lookup, timeout time.Duration, logger *slog.Logger) *Safe {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Safe{lookup: lookup, timeout: timeout, logger: logger.With(slog.String("component", "location"))}
}

func (s *Safe) Context(ctx context.Context, userID string) *Descriptor {
	if s == nil || s.lookup == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan *Descriptor, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Warn("location lookup panicked", slog.Any("panic", r))
				done <- nil
			}
		}()
		d, err := s.lookup.Lookup(ctx, userID)
		if err != nil {
			s.logger.Debug("location lookup failed", slog.String("error", err.Error()))
			d = nil
		}
		done <- d
	}()

	select {
	case d := <-done:
		return d
	case <-ctx.Done():
		s.logger.Debug("location lookup timed out", slog.Duration("timeout", s.timeout))
		return nil
	}
}

// Disabled never returns context.
type Disabled struct{}

func (Disabled) Context(context.Context, string) *Descriptor { return nil }

// Static returns the same descriptor for every user.
type Static struct {
	d Descriptor
}

func NewStatic(d Descriptor) *Static {
	if d.Source == "" {
		d.Source = "static"
	}
	return &Static{d: d}
}

func (s *Static) Lookup(context.Context, string) (*Descriptor, error) {
	d := s.d
	return &d, nil
}

// HTTPLookup asks a JSON service for the user's last known location.
type HTTPLookup struct {
	endpoint string
	client   *http.Client
}

func NewHTTPLookup(endpoint string, client *http.Client) *HTTPLookup {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLookup{endpoint: endpoint, client: client}
}

func (h *HTTPLookup) Lookup(ctx context.Context, userID string) (*Descriptor, error) {
	u, err := url.Parse(h.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse location endpoint: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("location service returned %s", resp.Status)
	}
	var d Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode location: %w", err)
	}
	if d.Source == "" {
		d.Source = "service"
	}
	return &d, nil
}

// FromConfig builds the enricher selected by cfg.Mode.
func FromConfig(cfg config.LocationConfig, client *http.Client, logger *slog.Logger) Enricher {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "static":
		return NewSafe(NewStatic(Descriptor{
			City:      cfg.City,
			Region:    cfg.Region,
			Country:   cfg.Country,
			Timezone:  cfg.Timezone,
			Latitude:  cfg.Latitude,
			Longitude: cfg.Longitude,
		}), timeout, logger)
	case "http":
		return NewSafe(NewHTTPLookup(cfg.Endpoint, client), timeout, logger)
	default:
		return Disabled{}
	}
}
