// Package correlator pairs outbound chat requests with their replies.
//
// Every request is stamped with a correlation id. Replies that echo an id
// are routed to that request; replies without one go to the oldest waiter.
// Unless the server is known to echo ids, only one request is in flight at
// a time so the id-less fallback cannot hand a reply to the wrong caller.
package correlator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// ErrTimeout is returned when no reply arrives in time. The connection is
// left alone; only the request fails.
var ErrTimeout = errors.New("reply timeout")

type Options struct {
	Timeout time.Duration
	// EchoIDs allows concurrent requests; set it only when the server
	// echoes correlationId on every reply.
	EchoIDs bool
	NewID   func() string
}

type result struct {
	msg protocol.Inbound
	err error
}

type waiter struct {
	id string
	ch chan result
}

type Correlator struct {
	timeout  time.Duration
	newID    func() string
	inflight chan struct{}

	mu      sync.Mutex
	waiters []*waiter
}

func New(opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	c := &Correlator{timeout: opts.Timeout, newID: opts.NewID}
	if !opts.EchoIDs {
		c.inflight = make(chan struct{}, 1)
	}
	return c
}

// Do registers a waiter, calls send with the request's correlation id and
// blocks until a reply, the timeout, or ctx ends. The waiter is removed on
// every path.
func (c *Correlator) Do(ctx context.Context, send func(id string) error) (protocol.Inbound, error) {
	if c.inflight != nil {
		select {
		case c.inflight <- struct{}{}:
		case <-ctx.Done():
			return protocol.Inbound{}, ctx.Err()
		}
		defer func() { <-c.inflight }()
	}

	w := &waiter{id: c.newID(), ch: make(chan result, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	defer c.remove(w)

	if err := send(w.id); err != nil {
		return protocol.Inbound{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		return r.msg, r.err
	case <-timer.C:
		return protocol.Inbound{}, ErrTimeout
	case <-ctx.Done():
		return protocol.Inbound{}, ctx.Err()
	}
}

// Deliver offers an inbound frame to the waiters and reports whether one
// took it. A frame that echoes an unknown id is dropped rather than handed
// to another request.
func (c *Correlator) Deliver(msg protocol.Inbound) bool {
	if msg.IsPing() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	if msg.CorrelationID != "" {
		for i, w := range c.waiters {
			if w.id == msg.CorrelationID {
				idx = i
				break
			}
		}
	} else if msg.IsReply() && len(c.waiters) > 0 {
		idx = 0
	}
	if idx < 0 {
		return false
	}
	w := c.waiters[idx]
	c.waiters = append(c.waiters[:idx], c.waiters[idx+1:]...)
	w.ch <- result{msg: msg}
	return true
}

// FailAll rejects every pending request with err.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		w.ch <- result{err: err}
	}
}

// Pending reports the number of registered waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Correlator) remove(target *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}
