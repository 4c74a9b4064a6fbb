// Package session runs one tutoring conversation over a WebSocket.
//
// Each session is an actor: a single goroutine owns all session state and
// consumes events from the client, the STT stream, timers and the turn
// goroutines. Nothing else mutates the state, so no locks are needed for it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/audio"
	"github.com/lexiqai/tutor-gateway/internal/llm"
	"github.com/lexiqai/tutor-gateway/internal/moderation"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/protocol"
	"github.com/lexiqai/tutor-gateway/internal/store"
	"github.com/lexiqai/tutor-gateway/internal/stt"
	"github.com/lexiqai/tutor-gateway/internal/tts"
	"github.com/lexiqai/tutor-gateway/internal/turn"
)

const (
	eventBuffer  = 256
	outboxBuffer = 512
	writeWait    = 10 * time.Second
	storeTimeout = 5 * time.Second
)

// InactivityWarningText is spoken once when the student has been quiet for a while.
const InactivityWarningText = "Are you still there? Take your time, I'm here whenever you're ready."

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Dialer    stt.Dialer
	LLM       llm.Client
	TTS       tts.Synthesizer
	Moderator moderation.Moderator
	Store     store.Store
	Clock     turn.Clock
}

// Phase is the externally visible state of a session.
type Phase int

const (
	PhaseIdle       Phase = iota // Nothing heard, nothing pending
	PhaseListening               // Speech is being accumulated
	PhaseGuarded                 // Hesitation guard is holding a transcript
	PhaseProcessing              // A tutor turn holds the single-flight lock
	PhaseEnded                   // Finalized
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseGuarded:
		return "guarded"
	case PhaseProcessing:
		return "processing"
	case PhaseEnded:
		return "ended"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func phaseOf(ended, processing, guarded, listening bool) Phase {
	switch {
	case ended:
		return PhaseEnded
	case processing:
		return PhaseProcessing
	case guarded:
		return PhaseGuarded
	case listening:
		return PhaseListening
	}
	return PhaseIdle
}

// Session is the state of one tutoring conversation.
type Session struct {
	opts    Options
	deps    Deps
	clock   turn.Clock
	conn    Conn
	logger  zerolog.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	events     chan any
	done       chan struct{}
	outbox     chan []byte
	writerDone chan struct{}
	outClosed  bool

	mode       string
	transcript Transcript
	queue      Queue
	policy     *turn.Policy
	acc        *turn.Accumulator
	echo       *turn.EchoGuard
	ladder     *moderation.Ladder
	frames     *audio.FrameBuffer

	current   *activeTurn
	turnCount int

	tutorSpeaking   bool
	lastAudioSentAt time.Time
	playbackUntil   time.Time
	playbackEndedAt time.Time // When client playback last closed
	playbackTimer   turn.Timer
	playbackGen     uint64
	wasInterrupted  bool
	interruptedAt   time.Time

	stream       stt.Stream
	sttGen       uint64
	reconnecting bool

	startedAt           time.Time
	lastActivity        time.Time
	inactivityTimer     turn.Timer
	inactivityWarned    bool
	violationCategories []string

	ended     bool
	endReason string
}

// New creates a session for an authenticated connection. Run starts it.
func New(conn Conn, opts Options, deps Deps, correlationID string) *Session {
	if deps.Clock == nil {
		deps.Clock = turn.RealClock()
	}
	if deps.Moderator == nil {
		deps.Moderator = moderation.Noop{}
	}
	s := &Session{
		opts:       opts,
		deps:       deps,
		clock:      deps.Clock,
		conn:       conn,
		logger:     observability.SessionLogger(correlationID, opts.SessionID, opts.UserID),
		metrics:    observability.NewSessionMetrics(opts.SessionID),
		events:     make(chan any, eventBuffer),
		done:       make(chan struct{}),
		outbox:     make(chan []byte, outboxBuffer),
		writerDone: make(chan struct{}),
		mode:       opts.Mode,
		echo:       turn.NewEchoGuard(opts.Echo),
		ladder:     moderation.NewLadder(opts.MaxWarnings),
		frames:     audio.NewFrameBuffer(opts.FrameBytes*40, opts.FrameBytes),
	}
	s.policy = turn.NewPolicy(opts.Policy, s.clock, func(gen uint64) { s.post(stallFired{gen: gen}) })
	s.acc = turn.NewAccumulator(opts.Debounce, s.clock, func(gen uint64) { s.post(debounceFired{gen: gen}) })
	return s
}

// Run drives the session until it ends and returns the end reason.
func (s *Session) Run(ctx context.Context) string {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	now := s.clock.Now()
	s.startedAt = now
	s.lastActivity = now
	s.metrics.RecordSessionStart()

	go s.writeLoop()
	go s.readLoop()

	s.logger.Info().
		Str("grade_band", s.opts.GradeBand).
		Str("language", s.opts.Language).
		Str("mode", s.mode).
		Msg("Tutoring session started")

	s.send(protocol.Ready{
		Type:       protocol.TypeReady,
		SessionID:  s.opts.SessionID,
		Mode:       s.mode,
		SampleRate: s.opts.OutputSampleRate,
	})
	if s.mode == protocol.ModeVoice {
		s.dialSTT()
	}
	s.armInactivity()

	for !s.ended {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-ctx.Done():
			s.finalize(protocol.ReasonNormal)
		}
	}
	<-s.writerDone
	return s.endReason
}

// Phase reports the current phase. Only meaningful from the session loop.
func (s *Session) Phase() Phase {
	listening := s.acc.Pending() != "" || s.queue.Len() > 0
	return phaseOf(s.ended, s.current != nil, s.policy.Guarded(), listening)
}

func (s *Session) handle(ev any) {
	switch e := ev.(type) {
	case clientMessage:
		s.onClientMessage(e.msg)
	case badMessage:
		s.logger.Warn().Err(e.err).Msg("Invalid client message")
		s.metrics.RecordError("bad_message", "session")
		s.sendError(protocol.CodeBadMessage, e.err.Error(), false)
	case connClosed:
		s.onConnClosed(e.err)
	case sttConnected:
		s.onSTTConnected(e)
	case sttEvent:
		if e.gen == s.sttGen {
			s.onTranscript(e.ev)
		}
	case sttClosed:
		s.onSTTClosed(e)
	case debounceFired:
		if text, ok := s.acc.OnTimer(e.gen); ok {
			s.enqueue(text)
		}
	case stallFired:
		s.applyDecision(s.policy.OnStallTimer(e.gen, s.clock.Now()))
	case watchdogFired:
		s.onWatchdog(e.turnID)
	case playbackDone:
		if e.gen == s.playbackGen {
			s.endPlayback(s.clock.Now())
		}
	case inactivityTick:
		s.onInactivityTick()
	case turnModerated:
		s.onModerated(e)
	case turnResponding:
		s.onResponding(e.turnID)
	case turnSentence:
		s.onSentence(e)
	case turnDone:
		s.onTurnDone(e)
	case func():
		// Runs f on the loop; used to observe state safely.
		e()
	default:
		s.logger.Error().Str("event", fmt.Sprintf("%T", ev)).Msg("Unhandled session event")
	}
}

func (s *Session) onClientMessage(msg any) {
	switch m := msg.(type) {
	case *protocol.Audio:
		s.onAudio(m)
	case *protocol.TextMessage:
		s.onText(m.Text)
	case *protocol.SpeechDetected:
		s.touch()
		if m.BargeIn {
			s.interrupt("barge_in", bargeInClientVAD)
		}
	case *protocol.Simple:
		switch m.Type {
		case protocol.TypePlaybackStarted:
			now := s.clock.Now()
			s.echo.MarkPlaybackStart(now)
		case protocol.TypePlaybackEnded:
			s.endPlayback(s.clock.Now())
		case protocol.TypeEnd:
			s.finalize(protocol.ReasonNormal)
		}
	case *protocol.UpdateMode:
		s.onUpdateMode(m.Mode)
	case *protocol.Init:
		s.sendError(protocol.CodeBadMessage, "session already initialized", false)
	}
}

func (s *Session) onAudio(m *protocol.Audio) {
	pcm, err := m.DecodeAudio()
	if err != nil {
		s.sendError(protocol.CodeBadMessage, "invalid audio payload", false)
		return
	}
	s.metrics.RecordAudioBytes("in", int64(len(pcm)))
	if s.mode != protocol.ModeVoice || s.stream == nil || s.reconnecting {
		return
	}
	s.frames.Write(pcm)
	for _, frame := range s.frames.Frames() {
		if err := s.stream.SendAudio(frame); err != nil {
			// The stream reports the drop on its own; reconnection starts there.
			s.logger.Debug().Err(err).Msg("Failed to forward audio to STT")
			return
		}
	}
}

func (s *Session) onText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.touch()
	if pending, ok := s.acc.Flush(); ok {
		s.enqueue(pending)
	}
	s.enqueue(text)
}

func (s *Session) onUpdateMode(mode string) {
	if !protocol.ValidMode(mode) {
		s.sendError(protocol.CodeBadMessage, fmt.Sprintf("unknown mode %q", mode), false)
		return
	}
	s.touch()
	if mode != s.mode {
		s.logger.Info().Str("from", s.mode).Str("to", mode).Msg("Switching interaction mode")
		s.mode = mode
		if mode == protocol.ModeText {
			s.stopSTT()
			s.flushSpeech()
		} else {
			s.dialSTT()
		}
	}
	s.send(protocol.ModeUpdated{Type: protocol.TypeModeUpdated, Mode: s.mode})
}

func (s *Session) onConnClosed(err error) {
	if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info().Msg("Client disconnected")
		s.finalize(protocol.ReasonNormal)
		return
	}
	s.logger.Warn().Err(err).Msg("WebSocket read error")
	s.metrics.RecordError("read_error", "websocket")
	s.finalize(protocol.ReasonError)
}

func (s *Session) touch() {
	s.lastActivity = s.clock.Now()
	s.inactivityWarned = false
}

func (s *Session) armInactivity() {
	if s.opts.InactivityCheck <= 0 {
		return
	}
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	s.inactivityTimer = s.clock.AfterFunc(s.opts.InactivityCheck, func() { s.post(inactivityTick{}) })
}

func (s *Session) onInactivityTick() {
	s.armInactivity()
	idle := s.clock.Now().Sub(s.lastActivity)
	switch {
	case s.opts.InactivityTimeout > 0 && idle >= s.opts.InactivityTimeout:
		s.logger.Info().Dur("idle", idle).Msg("Ending inactive session")
		s.finalize(protocol.ReasonInactivityTimeout)
	case s.opts.InactivityWarning > 0 && idle >= s.opts.InactivityWarning && !s.inactivityWarned:
		if s.current != nil || s.queue.Len() > 0 {
			return
		}
		s.inactivityWarned = true
		s.logger.Info().Dur("idle", idle).Msg("Warning inactive student")
		t := s.beginTurn("")
		s.speak(t, []string{InactivityWarningText})
	}
}

// finalize ends the session. Only the first call has an effect, whatever
// triggered it.
func (s *Session) finalize(reason string) {
	if s.ended {
		return
	}
	s.ended = true
	s.endReason = reason
	now := s.clock.Now()

	if t := s.current; t != nil {
		s.completeTutorEntry(t)
		s.release(t, "aborted")
	}
	s.queue.Clear()
	s.acc.Reset()
	s.policy.Reset()
	stopTimer(s.inactivityTimer)
	stopTimer(s.playbackTimer)
	s.stopSTT()
	s.cancel()

	s.persist(reason, now)
	s.metrics.RecordSessionEnd(reason)
	s.logger.Info().
		Str("reason", reason).
		Int("turns", s.turnCount).
		Dur("duration", now.Sub(s.startedAt)).
		Msg("Tutoring session ended")

	s.send(protocol.SessionEnded{Type: protocol.TypeSessionEnded, Reason: reason})
	close(s.done)
	s.outClosed = true
	close(s.outbox)
}

func (s *Session) persist(reason string, now time.Time) {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	summary := store.Summary{
		Reason:   reason,
		EndedAt:  now,
		Duration: now.Sub(s.startedAt),
		Turns:    s.turnCount,
	}
	if err := s.deps.Store.FinalizeSession(ctx, s.opts.SessionID, summary); err != nil {
		s.logger.Error().Err(err).Msg("Failed to finalize session")
		s.metrics.RecordError("finalize_error", "store")
	}
	if err := s.deps.Store.SaveTranscript(ctx, s.opts.SessionID, s.transcript.StoreEntries()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save transcript")
		s.metrics.RecordError("transcript_error", "store")
	}
	if reason == protocol.ReasonContentViolation {
		err := s.deps.Store.RecordSuspension(ctx, store.Suspension{
			UserID:     s.opts.UserID,
			SessionID:  s.opts.SessionID,
			Reason:     reason,
			Categories: s.violationCategories,
			CreatedAt:  now,
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to record suspension")
			s.metrics.RecordError("suspension_error", "store")
		}
	}
}

func (s *Session) saveSnapshot() {
	if s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if err := s.deps.Store.SaveTranscript(ctx, s.opts.SessionID, s.transcript.StoreEntries()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to save transcript snapshot")
		s.metrics.RecordError("transcript_error", "store")
	}
}

func (s *Session) send(msg any) {
	if s.outClosed {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode server message")
		return
	}
	s.outbox <- data
}

func (s *Session) sendError(code, message string, fatal bool) {
	s.send(protocol.Error{Type: protocol.TypeError, Code: code, Message: message, Fatal: fatal})
}

// writeLoop is the only writer on the connection. After a write failure it
// keeps draining the outbox so the loop never blocks.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	failed := false
	for data := range s.outbox {
		if failed {
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Warn().Err(err).Msg("WebSocket write failed")
			failed = true
			_ = s.conn.Close()
		}
	}
	if !failed {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	_ = s.conn.Close()
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.post(connClosed{err: err})
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			if !s.post(badMessage{err: err}) {
				return
			}
			continue
		}
		if !s.post(clientMessage{msg: msg}) {
			return
		}
	}
}

func stopTimer(t turn.Timer) {
	if t != nil {
		t.Stop()
	}
}

var errTurnPanic = errors.New("turn panicked")
