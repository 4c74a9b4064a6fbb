package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/tutor-gateway/internal/audio"
	"github.com/lexiqai/tutor-gateway/internal/config"
)

// ErrEmptyAudio is returned when a provider answered with no audio.
var ErrEmptyAudio = errors.New("tts returned empty audio")

// Voice selects how text is spoken. Empty fields use the provider default.
type Voice struct {
	ID       string
	Language string
}

// Audio is synthesized PCM16 little-endian mono audio.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Duration returns the playback length of the audio
func (a *Audio) Duration() time.Duration {
	return audio.Duration(len(a.PCM), a.SampleRate)
}

// Synthesizer converts one sentence to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice Voice) (*Audio, error)
}

// NewSynthesizer returns the synthesizer for the configured provider
func NewSynthesizer(cfg *config.Config) (Synthesizer, error) {
	switch cfg.TTSProvider {
	case "cartesia":
		return NewCartesiaClient(cfg), nil
	case "deepgram":
		return NewDeepgramClient(cfg), nil
	}
	return nil, fmt.Errorf("unknown tts provider %q", cfg.TTSProvider)
}
