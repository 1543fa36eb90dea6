package tts

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
)

// FromConfig builds the provider chain described by cfg. A provider that
// cannot be constructed is skipped with a warning so one bad entry does not
// take speech down entirely.
func FromConfig(cfg config.TTSConfig, logger *slog.Logger, onFailover func(from, to string, err error)) (*Chain, error) {
	var regs []Registration
	for _, pc := range cfg.Providers {
		p, err := newProvider(pc, cfg)
		if err != nil {
			logger.Warn("skipping tts provider", slog.String("provider", pc.Name), slog.String("error", err.Error()))
			continue
		}
		regs = append(regs, Registration{Provider: p, Priority: pc.Priority})
	}
	if len(regs) == 0 {
		return nil, ErrNoProviders
	}
	return NewChain(regs, ChainOptions{
		Timeout:       time.Duration(cfg.TimeoutMS) * time.Millisecond,
		CacheSize:     cfg.CacheSize,
		MaxTextLength: cfg.MaxTextLength,
		Logger:        logger,
		OnFailover:    onFailover,
	})
}

func newProvider(pc config.TTSProviderConfig, cfg config.TTSConfig) (Provider, error) {
	switch pc.Kind {
	case "openai":
		key := pc.APIKey
		if key == "" {
			key = cfg.OpenAIAPIKey
		}
		return NewOpenAIProvider(pc.Name, OpenAIOptions{
			APIKey:  key,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Voice:   pc.Voice,
			Format:  pc.Format,
			Speed:   pc.Speed,
		})
	case "exec":
		return NewExecProvider(pc.Name, pc.Command, pc.SampleRate, pc.Channels)
	case "mock":
		return NewMockProvider(pc.Name, pc.SampleRate, pc.Channels), nil
	default:
		return nil, fmt.Errorf("unknown tts provider kind %q", pc.Kind)
	}
}
