package tts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
)

const (
	cartesiaURL     = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion = "2024-06-10"
)

// CartesiaClient implements Synthesizer using Cartesia's bytes endpoint
type CartesiaClient struct {
	httpSynth
	apiKey     string
	apiURL     string
	voiceID    string
	modelID    string
	sampleRate int
	logger     zerolog.Logger
}

// cartesiaRequest represents the request payload for Cartesia TTS API
type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	return NewCartesiaClientWithURL(cfg, cartesiaURL)
}

// NewCartesiaClientWithURL creates a client for a non-default endpoint
func NewCartesiaClientWithURL(cfg *config.Config, url string) *CartesiaClient {
	cb := observability.NewCircuitBreaker("cartesia", cfg.CircuitBreakerMaxFailures, config.Seconds(cfg.CircuitBreakerResetTimeout))
	return &CartesiaClient{
		httpSynth:  newHTTPSynth(cfg, cb),
		apiKey:     cfg.CartesiaAPIKey,
		apiURL:     url,
		voiceID:    cfg.CartesiaVoiceID,
		modelID:    cfg.CartesiaModelID,
		sampleRate: cfg.TTSSampleRate,
		logger:     observability.ComponentLogger("tts.cartesia"),
	}
}

// Synthesize converts text to raw PCM16 audio
func (c *CartesiaClient) Synthesize(ctx context.Context, text string, voice Voice) (*Audio, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = c.voiceID
	}
	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: voiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.sampleRate,
		},
		Language: baseLanguage(voice.Language),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	pcm, err := c.post(ctx, c.apiURL, map[string]string{
		"X-API-Key":        c.apiKey,
		"Cartesia-Version": cartesiaVersion,
	}, body)
	if err != nil {
		return nil, fmt.Errorf("cartesia: %w", err)
	}

	c.logger.Debug().Int("bytes", len(pcm)).Int("chars", len(text)).Msg("Synthesized sentence")
	return &Audio{PCM: pcm, SampleRate: c.sampleRate}, nil
}

// baseLanguage reduces a tag like "es-MX" to "es".
func baseLanguage(tag string) string {
	for i := 0; i < len(tag); i++ {
		if tag[i] == '-' || tag[i] == '_' {
			return tag[:i]
		}
	}
	return tag
}
