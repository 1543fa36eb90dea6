package tts

import (
	"context"
	"strings"
	"time"
)

type mockProvider struct {
	name       string
	sampleRate int
	channels   int
	latency    time.Duration
}

// NewMockProvider returns a provider that produces silence sized to the
// text, roughly one tenth of a second per word.
func NewMockProvider(name string, sampleRate, channels int) Provider {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockProvider{name: name, sampleRate: sampleRate, channels: channels, latency: 20 * time.Millisecond}
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Synthesize(ctx context.Context, req Request) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(m.latency):
	}
	words := len(strings.Fields(req.Text))
	frames := m.sampleRate / 10 * words
	return Audio{
		Data:       make([]byte, frames*m.channels*2),
		Format:     FormatPCM,
		SampleRate: m.sampleRate,
		Channels:   m.channels,
		Provider:   m.name,
	}, nil
}

func (m *mockProvider) Test(context.Context) error { return nil }

// FuncProvider adapts a function into a Provider.
type FuncProvider struct {
	ProviderName string
	Fn           func(ctx context.Context, req Request) (Audio, error)
}

func (f FuncProvider) Name() string { return f.ProviderName }

func (f FuncProvider) Synthesize(ctx context.Context, req Request) (Audio, error) {
	a, err := f.Fn(ctx, req)
	if err == nil && a.Provider == "" {
		a.Provider = f.ProviderName
	}
	return a, err
}
