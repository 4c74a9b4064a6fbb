package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/tutor-gateway/internal/audio"
	"github.com/lexiqai/tutor-gateway/internal/playback"
	"github.com/lexiqai/tutor-gateway/internal/protocol"
)

type fakeConn struct {
	in     chan []byte
	mu     sync.Mutex
	out    [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(server ...any) *fakeConn {
	c := &fakeConn{in: make(chan []byte, 32), closed: make(chan struct{})}
	for _, m := range server {
		data, _ := json.Marshal(m)
		c.in <- data
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, data)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// sent returns the types of client messages written so far.
func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, data := range c.out {
		var env protocol.Envelope
		_ = json.Unmarshal(data, &env)
		types = append(types, env.Type)
	}
	return types
}

func (c *fakeConn) count(typ string) int {
	n := 0
	for _, t := range c.sent() {
		if t == typ {
			n++
		}
	}
	return n
}

func startClient(t *testing.T, opts Options) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn(protocol.Ready{Type: protocol.TypeReady, SessionID: "s1", Mode: protocol.ModeVoice, SampleRate: 16000})
	if opts.Playback == (playback.Config{}) {
		opts.Playback = playback.DefaultConfig()
	}
	c, err := Start(conn, opts, Handler{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c, conn
}

func audioMessage(turnID string, index int, d time.Duration) *protocol.Audio {
	pcm := make([]byte, audio.BytesFor(d, 16000))
	return &protocol.Audio{
		Type:       protocol.TypeAudio,
		Data:       protocol.EncodeAudio(pcm),
		TurnID:     turnID,
		ChunkIndex: index,
		SampleRate: 16000,
	}
}

func TestStart(t *testing.T) {
	c, conn := startClient(t, Options{SessionID: "s1", Token: "tok", Mode: protocol.ModeVoice})
	if c.SampleRate() != 16000 || c.Mode() != protocol.ModeVoice {
		t.Errorf("Unexpected session parameters rate=%d mode=%s", c.SampleRate(), c.Mode())
	}
	if sent := conn.sent(); len(sent) != 1 || sent[0] != protocol.TypeInit {
		t.Errorf("Expected init to be sent first, got %v", sent)
	}
}

func TestStart_Rejected(t *testing.T) {
	conn := newFakeConn(protocol.Error{Type: protocol.TypeError, Code: protocol.CodeUnauthorized, Message: "invalid session token", Fatal: true})
	_, err := Start(conn, Options{}, Handler{})
	if !errors.Is(err, ErrSessionFailed) {
		t.Errorf("Expected ErrSessionFailed, got %v", err)
	}
}

func TestAudioScheduledAndInterrupted(t *testing.T) {
	c, conn := startClient(t, Options{})

	c.handle(audioMessage("turn-1", 0, 200*time.Millisecond))
	c.handle(audioMessage("turn-1", 1, 200*time.Millisecond))

	schedule := c.Scheduler().Schedule()
	if len(schedule) != 2 {
		t.Fatalf("Expected 2 scheduled chunks, got %d", len(schedule))
	}
	if schedule[1].Start >= schedule[0].End {
		t.Errorf("Expected back to back chunks, got %v then %v", schedule[0], schedule[1])
	}
	if conn.count(protocol.TypePlaybackStarted) != 1 {
		t.Errorf("Expected playback_started once, got %v", conn.sent())
	}

	c.handle(&protocol.Interrupt{Type: protocol.TypeInterrupt, Reason: "barge_in"})
	if c.Scheduler().Playing() || len(c.Scheduler().Schedule()) != 0 {
		t.Error("Expected playback stopped after interrupt")
	}
	if conn.count(protocol.TypePlaybackEnded) != 1 {
		t.Errorf("Expected playback_ended once, got %v", conn.sent())
	}

	// Late audio from the interrupted turn is not played.
	c.handle(audioMessage("turn-1", 2, 200*time.Millisecond))
	if n := len(c.Scheduler().Schedule()); n != 0 {
		t.Errorf("Expected stale chunk dropped, got %d scheduled", n)
	}

	c.handle(audioMessage("turn-2", 0, 200*time.Millisecond))
	if n := len(c.Scheduler().Schedule()); n != 1 {
		t.Errorf("Expected next turn scheduled, got %d", n)
	}
}

func TestRenderReportsPlaybackEnd(t *testing.T) {
	c, conn := startClient(t, Options{})
	c.handle(audioMessage("turn-1", 0, 100*time.Millisecond))

	out := make([]int16, 16000/5)
	c.Render(out)
	if c.Scheduler().Playing() {
		t.Error("Expected playback to finish after rendering past the chunk")
	}
	if conn.count(protocol.TypePlaybackEnded) != 1 {
		t.Errorf("Expected playback_ended after render, got %v", conn.sent())
	}
}

func TestSendMic_BargeInStopsPlayback(t *testing.T) {
	vad := &audio.VADConfig{
		SpeechThreshold:  0.02,
		BargeInThreshold: 0.08,
		BargeInPeak:      0.25,
		ConfirmFrames:    2,
		SilenceFrames:    10,
	}
	c, conn := startClient(t, Options{VAD: vad})
	c.handle(audioMessage("turn-1", 0, time.Second))

	loud := make([]int16, 320)
	for i := range loud {
		loud[i] = 16000
		if i%2 == 1 {
			loud[i] = -16000
		}
	}
	for i := 0; i < 2; i++ {
		if err := c.SendMic(loud); err != nil {
			t.Fatalf("SendMic failed: %v", err)
		}
	}

	if c.Scheduler().Playing() {
		t.Error("Expected local barge-in to stop playback")
	}
	if conn.count(protocol.TypeSpeechDetected) != 1 {
		t.Errorf("Expected one speech_detected, got %v", conn.sent())
	}
	if conn.count(protocol.TypeAudio) != 2 {
		t.Errorf("Expected both frames streamed, got %v", conn.sent())
	}

	detected, ended := -1, -1
	for i, typ := range conn.sent() {
		switch typ {
		case protocol.TypeSpeechDetected:
			detected = i
		case protocol.TypePlaybackEnded:
			ended = i
		}
	}
	if ended < 0 || detected > ended {
		t.Errorf("Expected speech_detected before playback_ended, got %v", conn.sent())
	}
}

func TestSendMic_TextModeSendsNothing(t *testing.T) {
	c, conn := startClient(t, Options{})
	c.handle(&protocol.ModeUpdated{Type: protocol.TypeModeUpdated, Mode: protocol.ModeText})

	if err := c.SendMic(make([]int16, 320)); err != nil {
		t.Fatalf("SendMic failed: %v", err)
	}
	if n := conn.count(protocol.TypeAudio); n != 0 {
		t.Errorf("Expected no audio in text mode, got %d", n)
	}
}

func TestRun(t *testing.T) {
	t.Run("session ended", func(t *testing.T) {
		c, conn := startClient(t, Options{})
		var lines []string
		c.handler.OnTranscript = func(e protocol.TranscriptEntry) { lines = append(lines, e.Text) }

		for _, m := range []any{
			protocol.Transcript{Type: protocol.TypeTranscript, Entry: protocol.TranscriptEntry{Speaker: protocol.SpeakerTutor, Text: "Great work today!"}},
			protocol.SessionEnded{Type: protocol.TypeSessionEnded, Reason: protocol.ReasonUserGoodbye},
		} {
			data, _ := json.Marshal(m)
			conn.in <- data
		}

		reason, err := c.Run(context.Background())
		if err != nil || reason != protocol.ReasonUserGoodbye {
			t.Errorf("Expected %s, got %q (%v)", protocol.ReasonUserGoodbye, reason, err)
		}
		if len(lines) != 1 {
			t.Errorf("Expected one transcript line, got %v", lines)
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		c, conn := startClient(t, Options{})
		data, _ := json.Marshal(protocol.Error{Type: protocol.TypeError, Code: protocol.CodeSTTUnavailable, Message: "lost", Fatal: true})
		conn.in <- data

		if _, err := c.Run(context.Background()); !errors.Is(err, ErrSessionFailed) {
			t.Errorf("Expected ErrSessionFailed, got %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		c, _ := startClient(t, Options{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if reason, err := c.Run(ctx); err != nil || reason != protocol.ReasonNormal {
			t.Errorf("Expected clean exit, got %q (%v)", reason, err)
		}
	})
}
