package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
)

const (
	assemblyAIStreamingURL = "wss://streaming.assemblyai.com/v3/ws"
	assemblyAITokenURL     = "https://streaming.assemblyai.com"
)

// AssemblyAIDialer opens AssemblyAI universal streaming sessions. Each Turn
// message carries the whole turn so far, so interim events replace in place.
type AssemblyAIDialer struct {
	endpoint       string
	tokens         *TokenCache
	dialer         *websocket.Dialer
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewAssemblyAIDialer creates a dialer from the service configuration
func NewAssemblyAIDialer(cfg *config.Config) *AssemblyAIDialer {
	ttl := config.Seconds(cfg.STTTokenTTL)
	// Tokens are requested with a little more lifetime than they are cached for
	fetch := AssemblyAITokenFetcher(nil, assemblyAITokenURL, cfg.AssemblyAIAPIKey, ttl+time.Minute)
	return NewAssemblyAIDialerWithTokens(assemblyAIStreamingURL, NewTokenCache(fetch, ttl),
		observability.NewCircuitBreaker("assemblyai_stt", cfg.CircuitBreakerMaxFailures, config.Seconds(cfg.CircuitBreakerResetTimeout)))
}

// NewAssemblyAIDialerWithTokens creates a dialer for endpoint using an existing token cache
func NewAssemblyAIDialerWithTokens(endpoint string, tokens *TokenCache, cb *resilience.CircuitBreaker) *AssemblyAIDialer {
	return &AssemblyAIDialer{
		endpoint:       endpoint,
		tokens:         tokens,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		circuitBreaker: cb,
		logger:         observability.ComponentLogger("stt.assemblyai"),
	}
}

// Dial connects a new streaming session
func (d *AssemblyAIDialer) Dial(ctx context.Context, opts Options) (Stream, error) {
	token, err := d.tokens.Get(ctx)
	if err != nil {
		return nil, resilience.NewRetryableError(err)
	}

	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("encoding", "pcm_s16le")
	q.Set("token", token)
	target := d.endpoint + "?" + q.Encode()

	var conn *websocket.Conn
	err = d.circuitBreaker.Call(func() error {
		c, resp, err := d.dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == 401 {
				d.tokens.Invalidate()
			}
			return resilience.NewRetryableError(fmt.Errorf("failed to connect to AssemblyAI: %w", err))
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := &assemblyAIStream{
		conn:   conn,
		events: make(chan Event, 100),
		done:   make(chan struct{}),
		logger: d.logger,
	}
	go s.readLoop()

	d.logger.Info().Int("sample_rate", opts.SampleRate).Msg("AssemblyAI streaming client started")
	return s, nil
}

// assemblyAIMessage covers the server message types we read.
type assemblyAIMessage struct {
	Type                string  `json:"type"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	TurnOrder           int     `json:"turn_order"`
	Error               string  `json:"error"`
}

type assemblyAIStream struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	closing bool
	err     error
}

func (s *assemblyAIStream) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.finish(nil)
			} else {
				s.finish(fmt.Errorf("assemblyai read: %w", err))
			}
			return
		}

		var msg assemblyAIMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Undecodable AssemblyAI message")
			continue
		}
		if ev, ok := translateAssemblyAI(msg, time.Now()); ok {
			s.emit(ev)
			continue
		}
		switch msg.Type {
		case "Termination":
			s.finish(nil)
			return
		case "Error":
			s.finish(fmt.Errorf("assemblyai error: %s", msg.Error))
			return
		}
	}
}

// translateAssemblyAI converts a Turn message into an event.
func translateAssemblyAI(msg assemblyAIMessage, now time.Time) (Event, bool) {
	if msg.Type != "Turn" {
		return Event{}, false
	}
	if msg.Transcript == "" && !msg.EndOfTurn {
		return Event{}, false
	}
	return Event{
		Text:       msg.Transcript,
		IsFinal:    msg.EndOfTurn,
		EndOfTurn:  msg.EndOfTurn,
		Confidence: msg.EndOfTurnConfidence,
		ReceivedAt: now,
	}, true
}

func (s *assemblyAIStream) emit(ev Event) {
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

func (s *assemblyAIStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

// SendAudio sends a binary PCM frame
func (s *assemblyAIStream) SendAudio(audio []byte) error {
	s.mu.Lock()
	closed := s.closed || s.closing
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to send audio to AssemblyAI: %w", err)
	}
	return nil
}

func (s *assemblyAIStream) Events() <-chan Event { return s.events }

func (s *assemblyAIStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close asks the server to terminate and waits briefly for it to hang up
func (s *assemblyAIStream) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Terminate"}`))
	s.writeMu.Unlock()

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
	}
	closeErr := s.conn.Close()
	<-s.done
	s.finish(nil)

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return closeErr
}
