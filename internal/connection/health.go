package connection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// healthLoop probes url on a single ticker while generation gen is open.
// Probes run one after another on this goroutine, so they never overlap.
func (m *Manager) healthLoop(ctx context.Context, gen uint64, url string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		err := m.probe(ctx, url)
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.metrics.LastHealthCheck = time.Now().UTC()
		if err == nil {
			m.health = clampHealth(m.health + healthOnProbe)
			m.latency = time.Since(start)
			m.publishLocked()
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Warn("health probe failed", slog.String("url", url), slogError(err))
			m.handleFailure(gen, err)
			return
		}
	}
}

func (m *Manager) probe(ctx context.Context, url string) *Error {
	timeout := m.cfg.HealthInterval()
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{Kind: Transient, Op: "health", Err: err}
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return &Error{Kind: Transient, Op: "health", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		return &Error{Kind: RateLimited, Op: "health", StatusCode: resp.StatusCode, Err: fmt.Errorf("rate limited")}
	}
	if resp.StatusCode >= 300 {
		return &Error{Kind: Transient, Op: "health", StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	return nil
}
