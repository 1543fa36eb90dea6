package tts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configures the hosted speech provider.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	Format  string
	Speed   float64
}

type openAIProvider struct {
	name   string
	client openai.Client
	opts   OpenAIOptions
}

func NewOpenAIProvider(name string, opts OpenAIOptions) (Provider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai api key required")
	}
	if opts.Model == "" {
		opts.Model = "tts-1"
	}
	if opts.Voice == "" {
		opts.Voice = "alloy"
	}
	if opts.Format == "" {
		opts.Format = FormatMP3
	}
	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &openAIProvider{
		name:   name,
		client: openai.NewClient(clientOpts...),
		opts:   opts,
	}, nil
}

func (p *openAIProvider) Name() string { return p.name }

func (p *openAIProvider) Synthesize(ctx context.Context, req Request) (Audio, error) {
	voice := req.Voice
	if voice == "" {
		voice = p.opts.Voice
	}
	format := req.Format
	if format == "" || format == FormatPCM {
		format = p.opts.Format
	}
	speed := req.Speed
	if speed == 0 {
		speed = p.opts.Speed
	}

	params := openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(p.opts.Model),
		Input:          req.Text,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(format),
	}
	if speed > 0 && speed != 1.0 {
		params.Speed = openai.Float(speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return Audio{}, fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, errors.New("empty audio response")
	}
	if format == "pcm" {
		// 24kHz signed 16-bit little-endian mono
		return Audio{Data: data, Format: FormatPCM, SampleRate: 24000, Channels: 1, Provider: p.name}, nil
	}
	return Audio{Data: data, Format: format, Channels: 1, Provider: p.name}, nil
}
