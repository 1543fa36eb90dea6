package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingProvider struct {
	name  string
	fail  atomic.Bool
	calls atomic.Int32
}

func (p *countingProvider) Name() string { return p.name }

func (p *countingProvider) Synthesize(_ context.Context, req Request) (Audio, error) {
	p.calls.Add(1)
	if p.fail.Load() {
		return Audio{}, errors.New(p.name + " unavailable")
	}
	return Audio{Data: []byte(p.name + ":" + req.Text), Format: FormatMP3}, nil
}

func TestChainFallsBackAndRemembersProvider(t *testing.T) {
	a := &countingProvider{name: "a"}
	b := &countingProvider{name: "b"}
	a.fail.Store(true)

	var failovers []string
	chain, err := NewChain([]Registration{{Provider: b, Priority: 20}, {Provider: a, Priority: 10}}, ChainOptions{
		Logger:     discardLogger(),
		OnFailover: func(from, to string, _ error) {
			failovers = append(failovers, from+"->"+to)
		},
	})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	if got := strings.Join(chain.Providers(), ","); got != "a,b" {
		t.Fatalf("providers not sorted by priority: %s", got)
	}

	out, err := chain.Synthesize(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.Provider != "b" || string(out.Data) != "b:hello." {
		t.Fatalf("expected b's audio, got provider=%s data=%q", out.Provider, out.Data)
	}
	if len(failovers) != 1 || failovers[0] != "a->b" {
		t.Fatalf("unexpected failovers %v", failovers)
	}
	if chain.Preferred() != "b" {
		t.Fatalf("expected b preferred, got %s", chain.Preferred())
	}

	a.fail.Store(false)
	if _, err := chain.Synthesize(context.Background(), Request{Text: "again"}); err != nil {
		t.Fatalf("second Synthesize: %v", err)
	}
	if a.calls.Load() != 1 {
		t.Fatalf("second call should start at b; a called %d times", a.calls.Load())
	}
}

func TestChainRoundRobinWrapsOnce(t *testing.T) {
	a := &countingProvider{name: "a"}
	b := &countingProvider{name: "b"}
	c := &countingProvider{name: "c"}
	chain, err := NewChain([]Registration{{Provider: a, Priority: 1}, {Provider: b, Priority: 2}, {Provider: c, Priority: 3}}, ChainOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	a.fail.Store(true)
	b.fail.Store(true)
	if out, err := chain.Synthesize(context.Background(), Request{Text: "one"}); err != nil || out.Provider != "c" {
		t.Fatalf("expected c, got %v %v", out.Provider, err)
	}

	c.fail.Store(true)
	a.fail.Store(false)
	out, err := chain.Synthesize(context.Background(), Request{Text: "two"})
	if err != nil || out.Provider != "a" {
		t.Fatalf("expected wrap-around to a, got %v %v", out.Provider, err)
	}
	if c.calls.Load() != 2 || a.calls.Load() != 2 || b.calls.Load() != 1 {
		t.Fatalf("unexpected call counts a=%d b=%d c=%d", a.calls.Load(), b.calls.Load(), c.calls.Load())
	}
}

func TestChainExhaustedNamesLastFailure(t *testing.T) {
	a := &countingProvider{name: "a"}
	b := &countingProvider{name: "b"}
	a.fail.Store(true)
	b.fail.Store(true)
	chain, err := NewChain([]Registration{{Provider: a, Priority: 1}, {Provider: b, Priority: 2}}, ChainOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	_, err = chain.Synthesize(context.Background(), Request{Text: "hello"})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if len(exhausted.Attempts) != 2 {
		t.Fatalf("expected one attempt per provider, got %d", len(exhausted.Attempts))
	}
	if !strings.Contains(err.Error(), "b unavailable") {
		t.Fatalf("error should name last failure: %v", err)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Fatalf("each provider should be tried exactly once")
	}
}

func TestChainTimeoutPerAttempt(t *testing.T) {
	slow := FuncProvider{ProviderName: "slow", Fn: func(ctx context.Context, _ Request) (Audio, error) {
		<-ctx.Done()
		return Audio{}, ctx.Err()
	}}
	fast := FuncProvider{ProviderName: "fast", Fn: func(context.Context, Request) (Audio, error) {
		return Audio{Data: []byte{1, 2}, Format: FormatPCM, SampleRate: 16000, Channels: 1}, nil
	}}
	chain, err := NewChain([]Registration{{Provider: slow, Priority: 1}, {Provider: fast, Priority: 2}}, ChainOptions{
		Timeout: 20 * time.Millisecond,
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	out, err := chain.Synthesize(context.Background(), Request{Text: "hi"})
	if err != nil || out.Provider != "fast" {
		t.Fatalf("expected fast provider after timeout, got %v %v", out.Provider, err)
	}
}

func TestChainCache(t *testing.T) {
	p := &countingProvider{name: "a"}
	chain, err := NewChain([]Registration{{Provider: p}}, ChainOptions{CacheSize: 4, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := chain.Synthesize(context.Background(), Request{Text: "same", Voice: "alloy"}); err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
	}
	if p.calls.Load() != 1 {
		t.Fatalf("expected cached audio, provider called %d times", p.calls.Load())
	}
	if _, err := chain.Synthesize(context.Background(), Request{Text: "same", Voice: "nova"}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if p.calls.Load() != 2 {
		t.Fatalf("different voice must miss the cache")
	}
}

func TestChainRejectsEmptyText(t *testing.T) {
	chain, err := NewChain([]Registration{{Provider: &countingProvider{name: "a"}}}, ChainOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	if _, err := chain.Synthesize(context.Background(), Request{Text: " \n\t "}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if _, err := NewChain(nil, ChainOptions{}); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}

func TestChainTestUsesHighestPriority(t *testing.T) {
	var used string
	first := FuncProvider{ProviderName: "first", Fn: func(context.Context, Request) (Audio, error) {
		used = "first"
		return Audio{}, errors.New("down")
	}}
	second := FuncProvider{ProviderName: "second", Fn: func(context.Context, Request) (Audio, error) {
		used = "second"
		return Audio{Data: []byte{1}}, nil
	}}
	chain, err := NewChain([]Registration{{Provider: second, Priority: 5}, {Provider: first, Priority: 1}}, ChainOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	if err := chain.Test(context.Background()); err == nil || !strings.Contains(err.Error(), "first") {
		t.Fatalf("expected first provider failure, got %v", err)
	}
	if used != "first" {
		t.Fatalf("smoke test should only touch the first provider, used %s", used)
	}
}
