package connection

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateRetrying   State = "retrying"
)

type Backend string

const (
	BackendPrimary  Backend = "primary"
	BackendFallback Backend = "fallback"
	BackendOffline  Backend = "offline"
)

// Status is an immutable snapshot of the connection. IsConnected and
// IsConnecting are derived from State and are never both true.
type Status struct {
	State        State         `json:"state"`
	IsConnected  bool          `json:"is_connected"`
	IsConnecting bool          `json:"is_connecting"`
	LastError    string        `json:"last_error,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	RetryCount   int           `json:"retry_count"`
	NextRetryAt  time.Time     `json:"next_retry_at,omitempty"`
	Backend      Backend       `json:"backend"`
	HealthScore  int           `json:"health_score"`
	Latency      time.Duration `json:"latency_ns,omitempty"`
	Endpoint     string        `json:"endpoint,omitempty"`
	UserID       string        `json:"user_id,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Metrics accumulate for the life of the process.
type Metrics struct {
	RequestCount    int64         `json:"request_count"`
	SuccessCount    int64         `json:"success_count"`
	FailureCount    int64         `json:"failure_count"`
	AverageLatency  time.Duration `json:"average_latency_ns"`
	LastHealthCheck time.Time     `json:"last_health_check,omitempty"`
}

func (m *Metrics) record(ok bool, latency time.Duration) {
	m.RequestCount++
	if !ok {
		m.FailureCount++
		return
	}
	m.SuccessCount++
	m.AverageLatency += (latency - m.AverageLatency) / time.Duration(m.SuccessCount)
}

const (
	initialHealth   = 50
	healthOnOpen    = 20
	healthOnProbe   = 5
	healthOnSuccess = 2
	healthOnFailure = -5
	healthOnDrop    = -20
	maxHealth       = 100
)

func clampHealth(v int) int {
	switch {
	case v < 0:
		return 0
	case v > maxHealth:
		return maxHealth
	}
	return v
}

// newBackOff returns a jitter-free exponential schedule: the k-th call to
// NextBackOff yields base*2^k, capped at max.
func newBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
	}
	b.Reset()
	return b
}
