package tts

import (
	"context"
	"time"
)

// Request describes one utterance to synthesize.
type Request struct {
	Text   string
	Voice  string
	Speed  float64
	Format string
}

// Audio formats produced by providers.
const (
	FormatPCM = "pcm_s16le"
	FormatWAV = "wav"
	FormatMP3 = "mp3"
)

// Audio is a complete synthesized utterance.
type Audio struct {
	Data       []byte
	Format     string
	SampleRate int
	Channels   int
	Provider   string
}

// Duration estimates playback length. Only raw PCM has a known length.
func (a Audio) Duration() time.Duration {
	if a.Format != FormatPCM || a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	frames := len(a.Data) / (2 * a.Channels)
	return time.Duration(frames) * time.Second / time.Duration(a.SampleRate)
}

// Provider is one speech synthesis backend.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// Tester is implemented by providers with a cheaper health check than a
// full synthesis.
type Tester interface {
	Test(ctx context.Context) error
}
