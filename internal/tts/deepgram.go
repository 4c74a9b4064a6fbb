package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
)

const deepgramSpeakURL = "https://api.deepgram.com/v1/speak"

// DeepgramClient implements Synthesizer using Deepgram Aura
type DeepgramClient struct {
	httpSynth
	apiKey     string
	apiURL     string
	model      string
	sampleRate int
	logger     zerolog.Logger
}

// NewDeepgramClient creates a new Deepgram TTS client
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	return NewDeepgramClientWithURL(cfg, deepgramSpeakURL)
}

// NewDeepgramClientWithURL creates a client for a non-default endpoint
func NewDeepgramClientWithURL(cfg *config.Config, url string) *DeepgramClient {
	cb := observability.NewCircuitBreaker("deepgram_tts", cfg.CircuitBreakerMaxFailures, config.Seconds(cfg.CircuitBreakerResetTimeout))
	return &DeepgramClient{
		httpSynth:  newHTTPSynth(cfg, cb),
		apiKey:     cfg.DeepgramAPIKey,
		apiURL:     url,
		model:      cfg.DeepgramVoice,
		sampleRate: cfg.TTSSampleRate,
		logger:     observability.ComponentLogger("tts.deepgram"),
	}
}

// Synthesize converts text to raw linear16 audio. voice.ID overrides the model.
func (c *DeepgramClient) Synthesize(ctx context.Context, text string, voice Voice) (*Audio, error) {
	model := voice.ID
	if model == "" {
		model = c.model
	}
	q := url.Values{}
	q.Set("model", model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(c.sampleRate))
	q.Set("container", "none")

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	pcm, err := c.post(ctx, c.apiURL+"?"+q.Encode(), map[string]string{
		"Authorization": "Token " + c.apiKey,
	}, body)
	if err != nil {
		return nil, fmt.Errorf("deepgram speak: %w", err)
	}

	c.logger.Debug().Int("bytes", len(pcm)).Str("model", model).Msg("Synthesized sentence")
	return &Audio{PCM: pcm, SampleRate: c.sampleRate}, nil
}
