package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrNoProviders = errors.New("no tts providers registered")
	ErrEmptyText   = errors.New("text is empty")
)

// Registration pairs a provider with its priority. Lower values are tried
// first.
type Registration struct {
	Provider Provider
	Priority int
}

// Attempt records one provider failure during a synthesis call.
type Attempt struct {
	Provider string
	Err      error
}

// ExhaustedError is returned when every provider failed for one request.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all tts providers failed"
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("all %d tts providers failed; last %s: %v", len(e.Attempts), last.Provider, last.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

type ChainOptions struct {
	// Timeout bounds each provider attempt. Zero means no per-attempt bound.
	Timeout       time.Duration
	CacheSize     int
	MaxTextLength int
	Logger        *slog.Logger

	// OnFailover is called after a provider fails and the next is tried.
	OnFailover func(from, to string, err error)
}

// Chain synthesizes speech through an ordered list of providers, preferring
// whichever one succeeded last.
type Chain struct {
	regs      []Registration
	opts      ChainOptions
	logger    *slog.Logger
	cache     *lru.Cache[string, Audio]
	mu        sync.Mutex
	preferred int
}

func NewChain(regs []Registration, opts ChainOptions) (*Chain, error) {
	if len(regs) == 0 {
		return nil, ErrNoProviders
	}
	sorted := append([]Registration(nil), regs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Chain{
		regs:   sorted,
		opts:   opts,
		logger: logger.With(slog.String("component", "tts")),
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, Audio](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create tts cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Providers lists provider names in priority order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.regs))
	for i, r := range c.regs {
		names[i] = r.Provider.Name()
	}
	return names
}

// Preferred returns the name of the provider the next call starts with.
func (c *Chain) Preferred() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[c.preferred].Provider.Name()
}

// Synthesize tries each provider once, starting from the last one that
// succeeded and wrapping around.
func (c *Chain) Synthesize(ctx context.Context, req Request) (Audio, error) {
	req.Text = PrepareText(req.Text, c.opts.MaxTextLength)
	if req.Text == "" {
		return Audio{}, ErrEmptyText
	}

	key := cacheKey(req)
	if c.cache != nil {
		if a, ok := c.cache.Get(key); ok {
			return a, nil
		}
	}

	c.mu.Lock()
	start := c.preferred
	c.mu.Unlock()

	n := len(c.regs)
	var attempts []Attempt
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		p := c.regs[idx].Provider
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Provider: p.Name(), Err: err})
			break
		}

		a, err := c.try(ctx, p, req)
		if err == nil {
			if a.Provider == "" {
				a.Provider = p.Name()
			}
			c.mu.Lock()
			c.preferred = idx
			c.mu.Unlock()
			if c.cache != nil {
				c.cache.Add(key, a)
			}
			return a, nil
		}

		attempts = append(attempts, Attempt{Provider: p.Name(), Err: err})
		c.logger.Warn("tts provider failed", slog.String("provider", p.Name()), slog.String("error", err.Error()))
		if i+1 < n && c.opts.OnFailover != nil {
			c.opts.OnFailover(p.Name(), c.regs[(idx+1)%n].Provider.Name(), err)
		}
	}
	return Audio{}, &ExhaustedError{Attempts: attempts}
}

func (c *Chain) try(ctx context.Context, p Provider, req Request) (Audio, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	a, err := p.Synthesize(ctx, req)
	if err != nil {
		return Audio{}, err
	}
	if len(a.Data) == 0 {
		return Audio{}, errors.New("provider returned no audio")
	}
	return a, nil
}

// Test smoke-tests the highest-priority provider, using its Tester when it
// has one and a short synthesis otherwise.
func (c *Chain) Test(ctx context.Context) error {
	p := c.regs[0].Provider
	if t, ok := p.(Tester); ok {
		if err := t.Test(ctx); err != nil {
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
		return nil
	}
	if _, err := c.try(ctx, p, Request{Text: "Test."}); err != nil {
		return fmt.Errorf("%s: %w", p.Name(), err)
	}
	return nil
}

func cacheKey(req Request) string {
	return strings.Join([]string{req.Voice, strconv.FormatFloat(req.Speed, 'f', 2, 64), req.Format, req.Text}, "|")
}
