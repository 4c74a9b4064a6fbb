package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
)

// DeepgramDialer opens Deepgram live transcription streams.
type DeepgramDialer struct {
	apiKey         string
	model          string
	language       string
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramDialer creates a dialer from the service configuration
func NewDeepgramDialer(cfg *config.Config) *DeepgramDialer {
	return &DeepgramDialer{
		apiKey:   cfg.DeepgramAPIKey,
		model:    cfg.DeepgramModel,
		language: cfg.DeepgramLanguage,
		circuitBreaker: observability.NewCircuitBreaker(
			"deepgram_stt",
			cfg.CircuitBreakerMaxFailures,
			config.Seconds(cfg.CircuitBreakerResetTimeout),
		),
		logger: observability.ComponentLogger("stt.deepgram"),
	}
}

// Dial connects a new streaming session
func (d *DeepgramDialer) Dial(ctx context.Context, opts Options) (Stream, error) {
	language := opts.Language
	if language == "" {
		language = d.language
	}
	encoding := opts.Encoding
	if encoding == "" {
		encoding = "linear16"
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000", // string in v3
		VadEvents:      true,
		Encoding:       encoding,
		Channels:       1,
		SampleRate:     opts.SampleRate,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		events: make(chan Event, 100),
		cancel: cancel,
		logger: d.logger,
	}

	// Embed the default handler and override only what we translate
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 s,
	}

	err := d.circuitBreaker.Call(func() error {
		client, err := listenClient.NewWSUsingCallback(streamCtx, d.apiKey, &interfaces.ClientOptions{EnableKeepAlive: true}, tOptions, callback)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return resilience.NewRetryableError(errors.New("deepgram connection failed"))
		}
		s.client = client
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}

	d.logger.Info().
		Str("model", d.model).
		Str("language", language).
		Int("sample_rate", opts.SampleRate).
		Msg("Deepgram streaming client started")
	return s, nil
}

// messageCallbackHandler implements the LiveMessageCallback interface
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

// Message translates transcription results into events
func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	m.stream.handleResults(msg)
	return nil
}

// UtteranceEnd marks the end of a turn after trailing silence
func (m *messageCallbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	m.stream.emit(Event{EndOfTurn: true, IsFinal: true, Confidence: 1, ReceivedAt: time.Now()})
	return nil
}

// Error ends the stream with the provider error
func (m *messageCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	m.stream.finish(fmt.Errorf("deepgram error %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

// Close ends the stream when the provider closes the socket
func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.stream.finish(errors.New("deepgram connection closed"))
	return nil
}

type deepgramStream struct {
	client *listenClient.WSCallback
	events chan Event
	cancel context.CancelFunc
	logger zerolog.Logger

	mu       sync.Mutex
	closed   bool
	err      error
	stopOnce sync.Once
}

func (s *deepgramStream) handleResults(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" && !msg.SpeechFinal {
		return
	}
	s.emit(Event{
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal || msg.SpeechFinal,
		EndOfTurn:  msg.SpeechFinal,
		Confidence: alt.Confidence,
		ReceivedAt: time.Now(),
	})
}

func (s *deepgramStream) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("text", ev.Text).Msg("Transcript channel full, dropping transcription")
	}
}

func (s *deepgramStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

// SendAudio sends an audio chunk to Deepgram
func (s *deepgramStream) SendAudio(audio []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.client == nil {
		return ErrStreamClosed
	}
	if _, err := s.client.Write(audio); err != nil {
		s.finish(fmt.Errorf("failed to send audio to Deepgram: %w", err))
		return err
	}
	return nil
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the session; later provider callbacks are ignored
func (s *deepgramStream) Close() error {
	s.finish(nil)
	s.stopOnce.Do(func() {
		if s.client != nil {
			s.client.Stop()
		}
		s.cancel()
	})
	return nil
}
