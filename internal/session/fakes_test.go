package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/tutor-gateway/internal/llm"
	"github.com/lexiqai/tutor-gateway/internal/moderation"
	"github.com/lexiqai/tutor-gateway/internal/protocol"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
	"github.com/lexiqai/tutor-gateway/internal/store"
	"github.com/lexiqai/tutor-gateway/internal/stt"
	"github.com/lexiqai/tutor-gateway/internal/tts"
	"github.com/lexiqai/tutor-gateway/internal/turn"
	"github.com/lexiqai/tutor-gateway/internal/turn/turntest"
)

const waitTimeout = 2 * time.Second

// fakeConn is an in-memory WebSocket. Text frames written by the session
// arrive on out; frames pushed to in are read by the session.
type fakeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.TextMessage {
		c.out <- data
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeStream struct {
	mu     sync.Mutex
	events chan stt.Event
	once   sync.Once
	err    error
	audio  int
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan stt.Event, 16)}
}

func (f *fakeStream) SendAudio(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio += len(b)
	return nil
}

func (f *fakeStream) Events() <-chan stt.Event { return f.events }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) Close() error {
	f.drop(nil)
	return nil
}

func (f *fakeStream) drop(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.events)
	})
}

func (f *fakeStream) audioBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio
}

type fakeDialer struct {
	mu      sync.Mutex
	failAll bool
	hold    chan struct{}
	dials   int
	dialed  chan *fakeStream
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeStream, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ stt.Options) (stt.Stream, error) {
	d.mu.Lock()
	d.dials++
	hold, fail := d.hold, d.failAll
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("dial failed")
	}
	st := newFakeStream()
	d.dialed <- st
	return st, nil
}

func (d *fakeDialer) set(fn func(d *fakeDialer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

// fakeLLM replies with fixed sentences. A channel in hold keyed by
// {call, sentence} blocks that sentence until it is closed or the turn is
// cancelled.
type fakeLLM struct {
	mu        sync.Mutex
	requests  []llm.Request
	replies   func(n int, req llm.Request) []string
	hold      map[[2]int]chan struct{}
	err       error
	cancelled int
}

func (f *fakeLLM) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	err := f.err
	sentences := []string{"Let's think about it together.", "What do you notice?"}
	if f.replies != nil {
		sentences = f.replies(n, req)
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for i, s := range sentences {
			f.mu.Lock()
			gate := f.hold[[2]int{n, i}]
			f.mu.Unlock()
			if gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					f.markCancelled()
					return
				}
			}
			select {
			case ch <- llm.Chunk{Sentence: s}:
			case <-ctx.Done():
				f.markCancelled()
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeLLM) markCancelled() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
}

func (f *fakeLLM) HealthCheck(context.Context) (bool, error) { return true, nil }
func (f *fakeLLM) Close() error                              { return nil }

func (f *fakeLLM) calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

func (f *fakeLLM) cancellations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// fakeTTS returns 100ms of silence per sentence.
type fakeTTS struct {
	rate int
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string, _ tts.Voice) (*tts.Audio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tts.Audio{PCM: make([]byte, f.rate/5), SampleRate: f.rate}, nil
}

// fakeModerator flags utterances containing any of the listed words.
type fakeModerator struct {
	words []string
}

func (m *fakeModerator) Check(_ context.Context, text string) (moderation.Result, error) {
	lower := strings.ToLower(text)
	for _, w := range m.words {
		if strings.Contains(lower, w) {
			return moderation.Result{Flagged: true, Confident: true, Score: 0.97, Categories: []string{"harassment"}}, nil
		}
	}
	return moderation.Result{}, nil
}

type fakeStore struct {
	mu          sync.Mutex
	finalized   []store.Summary
	saves       int
	transcript  []store.Entry
	suspensions []store.Suspension
}

func (f *fakeStore) ValidateSession(_ context.Context, sessionID, userID string) (*store.Session, error) {
	return &store.Session{ID: sessionID, UserID: userID, Status: store.StatusActive}, nil
}

func (f *fakeStore) SaveTranscript(_ context.Context, _ string, entries []store.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.transcript = entries
	return nil
}

func (f *fakeStore) FinalizeSession(_ context.Context, _ string, summary store.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, summary)
	return nil
}

func (f *fakeStore) RecordSuspension(_ context.Context, s store.Suspension) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspensions = append(f.suspensions, s)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

func (f *fakeStore) snapshot() (finalized []store.Summary, transcript []store.Entry, suspensions []store.Suspension) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Summary(nil), f.finalized...),
		append([]store.Entry(nil), f.transcript...),
		append([]store.Suspension(nil), f.suspensions...)
}

func testOptions() Options {
	return Options{
		SessionID: "session-1",
		UserID:    "student-1",
		GradeBand: "6-8",
		Language:  "en",
		Mode:      protocol.ModeText,
		Policy: turn.PolicyConfig{
			MinConfidence: 0.5,
			MinWords:      1,
			MaxSilence:    3 * time.Second,
		},
		Debounce:           time.Second,
		Echo:               turn.DefaultEchoConfig(),
		BargeIn:            turn.BargeInConfig{PlausibleWindow: 15 * time.Second, MinChars: 4},
		ProcessingWatchdog: 20 * time.Second,
		PlaybackGrace:      500 * time.Millisecond,
		InactivityCheck:    30 * time.Second,
		InactivityWarning:  3 * time.Minute,
		InactivityTimeout:  5 * time.Minute,
		MaxWarnings:        2,
		STT:                stt.Options{SampleRate: 16000, Language: "en"},
		FrameBytes:         1600,
		OutputSampleRate:   16000,
		ChunkBytes:         32768,
		Reconnect: resilience.ReconnectConfig{
			MaxAttempts: 3,
			Backoff:     time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  5 * time.Millisecond,
		},
	}
}

type harness struct {
	t         *testing.T
	s         *Session
	conn      *fakeConn
	clock     *turntest.FakeClock
	dialer    *fakeDialer
	llm       *fakeLLM
	moderator *fakeModerator
	store     *fakeStore

	cancel context.CancelFunc
	result chan string
	reason string
	ended  bool
}

// newHarness starts a session on fakes and waits for ready.
func newHarness(t *testing.T, configure func(opts *Options, h *harness)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		conn:      newFakeConn(),
		clock:     turntest.NewFakeClock(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)),
		dialer:    newFakeDialer(),
		llm:       &fakeLLM{hold: map[[2]int]chan struct{}{}},
		moderator: &fakeModerator{},
		store:     &fakeStore{},
		result:    make(chan string, 1),
	}
	opts := testOptions()
	if configure != nil {
		configure(&opts, h)
	}
	deps := Deps{
		Dialer:    h.dialer,
		LLM:       h.llm,
		TTS:       &fakeTTS{rate: 16000},
		Moderator: h.moderator,
		Store:     h.store,
		Clock:     h.clock,
	}
	h.s = New(h.conn, opts, deps, "test-correlation")

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- h.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if !h.ended {
			select {
			case <-h.result:
			case <-time.After(waitTimeout):
			}
		}
	})

	h.expect(protocol.TypeReady)
	return h
}

// wait returns the end reason once Run has returned.
func (h *harness) wait() string {
	h.t.Helper()
	if h.ended {
		return h.reason
	}
	select {
	case h.reason = <-h.result:
		h.ended = true
	case <-time.After(waitTimeout):
		h.t.Fatalf("Timed out waiting for session to end")
	}
	return h.reason
}

func (h *harness) next() any {
	h.t.Helper()
	select {
	case data := <-h.conn.out:
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			h.t.Fatalf("Failed to decode server message %s: %v", data, err)
		}
		return msg
	case <-time.After(waitTimeout):
		h.t.Fatalf("Timed out waiting for a server message")
	}
	return nil
}

// expect skips server messages until one of type typ arrives.
func (h *harness) expect(typ string) any {
	h.t.Helper()
	for {
		msg := h.next()
		if messageType(msg) == typ {
			return msg
		}
	}
}

func (h *harness) expectEntry(speaker string, partial bool) protocol.TranscriptEntry {
	h.t.Helper()
	for {
		m := h.expect(protocol.TypeTranscript).(*protocol.Transcript)
		if m.Entry.Speaker == speaker && m.Entry.Partial == partial {
			return m.Entry
		}
	}
}

func (h *harness) expectError(code string) *protocol.Error {
	h.t.Helper()
	for {
		m := h.expect(protocol.TypeError).(*protocol.Error)
		if m.Code == code {
			return m
		}
	}
}

// client sends a message as the connected client would.
func (h *harness) client(msg any) {
	h.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		h.t.Fatalf("Failed to encode client message: %v", err)
	}
	h.conn.in <- data
}

func (h *harness) text(s string) {
	h.client(protocol.TextMessage{Type: protocol.TypeTextMessage, Text: s})
}

// do runs f on the session loop and waits for it; everything posted before
// has been handled by then.
func (h *harness) do(f func()) {
	h.t.Helper()
	done := make(chan struct{})
	if !h.s.post(func() { f(); close(done) }) {
		h.t.Fatalf("Session already ended")
	}
	select {
	case <-done:
	case <-time.After(waitTimeout):
		h.t.Fatalf("Timed out waiting for the session loop")
	}
}

func (h *harness) sync() { h.do(func() {}) }

// transcript delivers an STT update as if it came from the current stream.
func (h *harness) transcript(ev stt.Event) {
	h.t.Helper()
	h.do(func() { h.s.onTranscript(ev) })
}

// advance moves the clock and waits until the loop handled what fired.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.sync()
}

func (h *harness) phase() Phase {
	var p Phase
	h.do(func() { p = h.s.Phase() })
	return p
}

// awaitStream waits for the dialer to hand out a stream and the session to
// attach it.
func (h *harness) awaitStream() *fakeStream {
	h.t.Helper()
	var st *fakeStream
	select {
	case st = <-h.dialer.dialed:
	case <-time.After(waitTimeout):
		h.t.Fatalf("Timed out waiting for an STT dial")
	}
	waitFor(h.t, "stream attached", func() bool {
		attached := false
		h.do(func() { attached = h.s.stream == st })
		return attached
	})
	return st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func messageType(msg any) string {
	data, _ := json.Marshal(msg)
	var env protocol.Envelope
	_ = json.Unmarshal(data, &env)
	return env.Type
}
