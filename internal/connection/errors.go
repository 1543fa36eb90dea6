package connection

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tells the retry controller what to do with a failure.
type Kind int

const (
	// Transient failures are retried with backoff.
	Transient Kind = iota
	// Permanent failures (bad or missing credentials) are never retried.
	Permanent
	// RateLimited failures stop every timer until a manual Connect.
	RateLimited
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case RateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified connection failure.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrMissingCredentials = errors.New("user id and token are required")
	ErrNotConnected       = errors.New("not connected")
	ErrDisconnected       = errors.New("disconnected")
	ErrConnectionLost     = errors.New("connection lost")
	ErrNoEndpoints        = errors.New("no endpoints configured")
	ErrRejected           = errors.New("rejected by server")
)

// KindOf returns the kind carried by err. Unclassified errors are
// transient.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Transient
}

// classifyStatus maps an HTTP status seen on the handshake or the health
// probe to an error kind.
func classifyStatus(op string, code int, err error) *Error {
	if err == nil {
		err = ErrRejected
	}
	kind := Transient
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = Permanent
	case http.StatusTooManyRequests:
		kind = RateLimited
	}
	return &Error{Kind: kind, Op: op, StatusCode: code, Err: err}
}

// Application close codes used by the assistant backend.
const (
	closeUnauthorized = 4001
	closeForbidden    = 4003
	closeRateLimited  = 4029
)

func classifyCloseCode(code int, err error) *Error {
	switch code {
	case closeUnauthorized, closeForbidden, 1008:
		return &Error{Kind: Permanent, Op: "read", Err: err}
	case closeRateLimited:
		return &Error{Kind: RateLimited, Op: "read", Err: err}
	default:
		return &Error{Kind: Transient, Op: "read", Err: err}
	}
}
