package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/tutor-gateway/internal/config"
)

// ErrStreamClosed is returned when audio is sent on a closed stream.
var ErrStreamClosed = errors.New("stt stream closed")

// Event is one transcript update from a streaming provider.
type Event struct {
	// Text is the transcript of the current segment. Interim events replace
	// the previous interim text of the same segment.
	Text string

	// IsFinal indicates the segment text will not change
	IsFinal bool

	// EndOfTurn indicates the provider believes the speaker finished
	EndOfTurn bool

	// Confidence is the provider confidence (0.0 to 1.0); end-of-turn
	// confidence where the provider reports one
	Confidence float64

	ReceivedAt time.Time
}

// Options configures a streaming transcription session.
type Options struct {
	SampleRate int
	Language   string
	Encoding   string // linear16 unless the provider needs otherwise
}

// Stream is a live transcription connection.
type Stream interface {
	// SendAudio forwards PCM16 mono audio
	SendAudio(audio []byte) error

	// Events delivers transcript updates. The channel is closed when the
	// stream ends, after which Err reports why.
	Events() <-chan Event

	// Err returns the error that ended the stream, or nil after a clean Close
	Err() error

	// Close ends the stream
	Close() error
}

// Dialer opens transcription streams.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, opts Options) (Stream, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, opts Options) (Stream, error) {
	return f(ctx, opts)
}

// NewDialer returns the dialer for the configured provider
func NewDialer(cfg *config.Config) (Dialer, error) {
	switch cfg.STTProvider {
	case "deepgram":
		return NewDeepgramDialer(cfg), nil
	case "assemblyai":
		return NewAssemblyAIDialer(cfg), nil
	}
	return nil, fmt.Errorf("unknown stt provider %q", cfg.STTProvider)
}
