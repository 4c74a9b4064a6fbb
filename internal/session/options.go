package session

import (
	"time"

	"github.com/lexiqai/tutor-gateway/internal/audio"
	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/protocol"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
	"github.com/lexiqai/tutor-gateway/internal/stt"
	"github.com/lexiqai/tutor-gateway/internal/tts"
	"github.com/lexiqai/tutor-gateway/internal/turn"
)

// Options configures one tutoring session.
type Options struct {
	SessionID string
	UserID    string
	GradeBand string
	Language  string
	Mode      string

	Policy   turn.PolicyConfig
	Debounce time.Duration
	Echo     turn.EchoConfig
	BargeIn  turn.BargeInConfig

	ProcessingWatchdog time.Duration
	PreResponseDelay   time.Duration
	InterruptPacing    time.Duration
	PlaybackGrace      time.Duration

	InactivityCheck   time.Duration
	InactivityWarning time.Duration
	InactivityTimeout time.Duration

	MaxWarnings int

	STT        stt.Options
	FrameBytes int // Audio is forwarded to STT in frames of this size

	Voice            tts.Voice
	OutputSampleRate int
	ChunkBytes       int

	Reconnect resilience.ReconnectConfig
}

// NewOptions derives session options from the service configuration and the
// grade band policy.
func NewOptions(cfg *config.Config, band config.GradeBandPolicy, bandName, language, mode string) Options {
	if language == "" {
		language = cfg.DeepgramLanguage
	}
	if !protocol.ValidMode(mode) {
		mode = protocol.ModeVoice
	}
	debounce := band.Debounce
	if debounce <= 0 {
		debounce = config.Millis(cfg.AccumulatorDebounceMs)
	}
	voiceID := cfg.CartesiaVoiceID
	if cfg.TTSProvider == "deepgram" {
		voiceID = cfg.DeepgramVoice
	}

	return Options{
		GradeBand: bandName,
		Language:  language,
		Mode:      mode,
		Policy: turn.PolicyConfig{
			HesitationGuard: band.HesitationGuard,
			MinConfidence:   band.MinConfidence,
			MinWords:        band.MinWords,
			MaxSilence:      band.MaxSilence,
			StallPrompt:     band.StallPrompt,
		},
		Debounce: debounce,
		Echo: turn.EchoConfig{
			SimilarityThreshold: cfg.EchoSimilarity,
			TailWindow:          config.Millis(cfg.EchoTailMs),
			MaxAge:              config.Millis(cfg.EchoMaxAgeMs),
			MinWords:            cfg.EchoMinWords,
			MinChars:            cfg.EchoMinChars,
		},
		BargeIn: turn.BargeInConfig{
			PlausibleWindow: config.Millis(cfg.BargeInWindowMs),
			MinChars:        cfg.BargeInMinChars,
		},
		ProcessingWatchdog: config.Millis(cfg.ProcessingWatchdogMs),
		PreResponseDelay:   config.Millis(cfg.PreResponseDelayMs),
		InterruptPacing:    config.Millis(cfg.InterruptPacingMs),
		PlaybackGrace:      config.Millis(cfg.PlaybackGraceMs),
		InactivityCheck:    config.Seconds(cfg.InactivityCheckSeconds),
		InactivityWarning:  config.Seconds(cfg.InactivityWarnSeconds),
		InactivityTimeout:  config.Seconds(cfg.InactivityEndSeconds),
		MaxWarnings:        cfg.ModerationMaxWarnings,
		STT: stt.Options{
			SampleRate: cfg.STTSampleRate,
			Language:   language,
			Encoding:   "linear16",
		},
		FrameBytes:       audio.BytesFor(config.Millis(cfg.STTFrameMs), cfg.STTSampleRate),
		Voice:            tts.Voice{ID: voiceID, Language: language},
		OutputSampleRate: cfg.OutputSampleRate,
		ChunkBytes:       cfg.AudioChunkBytes,
		Reconnect: resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     config.Millis(cfg.ReconnectBackoff),
			Multiplier:  2.0,
			MaxBackoff:  config.Millis(cfg.ReconnectMaxBackoff),
		},
	}
}
