// Package endpoint maps the running host and protocol generation to the
// ordered list of assistant backend addresses to try.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/config"
)

type Env string

const (
	Production  Env = "production"
	Staging     Env = "staging"
	Development Env = "development"
)

// Environment classifies a hostname. Loopback and .local hosts are
// development; hosts mentioning staging or preview are staging.
func Environment(host string) Env {
	h := strings.ToLower(strings.TrimSpace(host))
	if hostname, _, err := net.SplitHostPort(h); err == nil {
		h = hostname
	}
	h = strings.Trim(h, "[]")
	switch {
	case h == "", h == "localhost", h == "::1", strings.HasPrefix(h, "127."), strings.HasSuffix(h, ".local"):
		return Development
	case strings.Contains(h, "staging"), strings.Contains(h, "preview"), strings.HasPrefix(h, "dev."):
		return Staging
	default:
		return Production
	}
}

// Resolve returns candidate WebSocket URLs, most preferred first. It has no
// side effects and is meant to be called on every connection attempt.
func Resolve(cfg config.EndpointsConfig, host string, nextGen bool) []string {
	path := cfg.LegacyPath
	if nextGen {
		path = cfg.NextGenPath
	}

	var order []string
	switch Environment(host) {
	case Staging:
		order = []string{cfg.Staging, cfg.Primary, cfg.Alias}
	case Development:
		order = []string{cfg.Development, cfg.Primary, cfg.Alias, cfg.Staging}
	default:
		order = []string{cfg.Primary, cfg.Alias, cfg.Staging}
	}

	seen := make(map[string]bool, len(order))
	out := make([]string, 0, len(order))
	for _, base := range order {
		base = strings.TrimRight(strings.TrimSpace(base), "/")
		if base == "" {
			continue
		}
		candidate := base + path
		if seen[candidate] {
			continue
		}
		seen[candidate] = true
		out = append(out, candidate)
	}
	return out
}

// BuildURL appends the user id as a path segment. The legacy protocol
// carries the token as a query parameter; the next generation protocol
// sends it as a bearer header instead.
func BuildURL(base, userID, token string, nextGen bool) (string, error) {
	if userID == "" {
		return "", errors.New("user id required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", base, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", base, u.Scheme)
	}
	u = u.JoinPath(userID)
	if !nextGen && token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// HealthURL derives the HTTP health endpoint served next to a WebSocket
// address.
func HealthURL(wsURL, healthPath string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = healthPath
	u.RawPath = ""
	u.RawQuery = ""
	return u.String(), nil
}
