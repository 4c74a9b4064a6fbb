// Package client is the student side of a tutoring session: it streams mic
// audio, plays tutor audio gaplessly and stops it when the student talks over
// the tutor.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/audio"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/playback"
	"github.com/lexiqai/tutor-gateway/internal/protocol"
)

const (
	writeWait         = 5 * time.Second
	defaultSampleRate = 24000
)

// ErrSessionFailed is returned by Run when the server reports a fatal error.
var ErrSessionFailed = errors.New("session failed")

// Options configures a client connection.
type Options struct {
	URL       string
	SessionID string
	Token     string
	GradeBand string
	Language  string
	Mode      string

	VAD      *audio.VADConfig
	Playback playback.Config
}

// Handler receives what the student should see. Every method is optional.
type Handler struct {
	OnTranscript func(e protocol.TranscriptEntry)
	OnUpdate     func(speaker, text string, final bool)
	OnStatus     func(status string)
	OnError      func(code, message string)
}

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one connected tutoring session.
type Client struct {
	conn    Conn
	handler Handler
	logger  zerolog.Logger
	now     func() time.Time

	mode       string
	sampleRate int
	mixer      *playback.Mixer
	scheduler  *playback.Scheduler

	writeMu sync.Mutex

	mu          sync.Mutex
	vad         *audio.VADDetector
	stoppedTurn string // Chunks of this turn arriving after a stop are dropped
	currentTurn string
}

// Dial connects, sends init and waits for the server to accept the session.
func Dial(ctx context.Context, opts Options, h Handler) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	c, err := Start(conn, opts, h)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Start performs the init handshake on an open connection.
func Start(conn Conn, opts Options, h Handler) (*Client, error) {
	c := &Client{
		conn:    conn,
		handler: h,
		logger:  observability.ComponentLogger("tutor_client"),
		now:     time.Now,
		vad:     audio.NewVADDetector(opts.VAD),
	}
	err := c.send(protocol.Init{
		Type:      protocol.TypeInit,
		SessionID: opts.SessionID,
		Token:     opts.Token,
		GradeBand: opts.GradeBand,
		Language:  opts.Language,
		Mode:      opts.Mode,
	})
	if err != nil {
		return nil, err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read ready: %w", err)
	}
	msg, err := protocol.DecodeServer(data)
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *protocol.Ready:
		c.mode = m.Mode
		c.sampleRate = m.SampleRate
	case *protocol.Error:
		return nil, fmt.Errorf("%w: %s: %s", ErrSessionFailed, m.Code, m.Message)
	default:
		return nil, fmt.Errorf("expected ready, got %T", msg)
	}

	if c.sampleRate <= 0 {
		c.sampleRate = defaultSampleRate
	}
	c.mixer = playback.NewMixer(c.sampleRate)
	c.scheduler = playback.NewScheduler(c.mixer, opts.Playback)
	c.scheduler.OnPlaybackChange = c.onPlaybackChange
	return c, nil
}

// Mode returns the interaction mode the server confirmed.
func (c *Client) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SampleRate is the rate of tutor audio and of the output device.
func (c *Client) SampleRate() int { return c.sampleRate }

// Scheduler exposes the playback scheduler.
func (c *Client) Scheduler() *playback.Scheduler { return c.scheduler }

// Render fills an output device buffer. Call it from the audio callback.
func (c *Client) Render(out []int16) {
	c.mixer.RenderInt16(out)
	c.scheduler.Tick()
}

// Run reads server messages until the session ends and returns the reason.
func (c *Client) Run(ctx context.Context) (string, error) {
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return protocol.ReasonNormal, nil
			}
			return "", fmt.Errorf("read: %w", err)
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring unknown server message")
			continue
		}
		reason, done, err := c.handle(msg)
		if done || err != nil {
			return reason, err
		}
	}
}

func (c *Client) handle(msg any) (string, bool, error) {
	switch m := msg.(type) {
	case *protocol.Audio:
		c.onAudio(m)
	case *protocol.Interrupt:
		c.stopPlayback()
	case *protocol.Transcript:
		if c.handler.OnTranscript != nil {
			c.handler.OnTranscript(m.Entry)
		}
	case *protocol.TranscriptUpdate:
		if c.handler.OnUpdate != nil {
			c.handler.OnUpdate(m.Speaker, m.Text, m.IsFinal)
		}
	case *protocol.Simple:
		c.status(m.Type)
	case *protocol.TutorError:
		c.reportError("tutor_error", m.Message)
	case *protocol.ModeUpdated:
		c.mu.Lock()
		c.mode = m.Mode
		c.mu.Unlock()
		c.status("mode " + m.Mode)
	case *protocol.Error:
		c.reportError(m.Code, m.Message)
		if m.Fatal {
			return "", true, fmt.Errorf("%w: %s: %s", ErrSessionFailed, m.Code, m.Message)
		}
	case *protocol.SessionEnded:
		c.stopPlayback()
		return m.Reason, true, nil
	}
	return "", false, nil
}

func (c *Client) onAudio(m *protocol.Audio) {
	pcm, err := m.DecodeAudio()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Invalid audio payload")
		return
	}
	c.mu.Lock()
	if m.TurnID != "" && m.TurnID == c.stoppedTurn {
		c.mu.Unlock()
		return
	}
	c.currentTurn = m.TurnID
	c.mu.Unlock()

	samples, err := audio.BytesToSamples(pcm)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Invalid PCM payload")
		return
	}
	rate := m.SampleRate
	if rate == 0 {
		rate = c.sampleRate
	}
	if rate != c.sampleRate {
		samples = audio.Resample(samples, rate, c.sampleRate)
	}
	dropped := c.scheduler.Enqueue(playback.Chunk{
		TurnID: m.TurnID,
		Index:  m.ChunkIndex,
		Buffer: playback.Buffer{Samples: audio.SamplesToFloat(samples), SampleRate: c.sampleRate},
	})
	if dropped > 0 {
		c.logger.Warn().Int("dropped", dropped).Msg("Playback queue full, dropped oldest audio")
	}
}

// stopPlayback silences the tutor and ignores the rest of its turn.
func (c *Client) stopPlayback() {
	c.mu.Lock()
	c.stoppedTurn = c.currentTurn
	c.mu.Unlock()
	if n := c.scheduler.Stop(); n > 0 {
		c.logger.Debug().Int("sources", n).Msg("Stopped tutor playback")
	}
}

func (c *Client) onPlaybackChange(playing bool) {
	c.mu.Lock()
	c.vad.SetPlayback(playing, c.now())
	c.mu.Unlock()
	typ := protocol.TypePlaybackEnded
	if playing {
		typ = protocol.TypePlaybackStarted
	}
	if err := c.send(protocol.Simple{Type: typ}); err != nil {
		c.logger.Debug().Err(err).Str("type", typ).Msg("Failed to report playback state")
	}
}

// SendMic runs VAD on a captured frame and streams it. Loud speech over the
// tutor stops playback immediately, before the server confirms it.
func (c *Client) SendMic(samples []int16) error {
	c.mu.Lock()
	res := c.vad.ProcessFrame(samples, c.now())
	voice := c.mode == protocol.ModeVoice
	c.mu.Unlock()
	if !voice {
		return nil
	}

	if res.BargeIn || res.SpeechStarted {
		// Report before stopping so the server sees the barge-in while the
		// tutor is still audible, ahead of playback_ended.
		err := c.send(protocol.SpeechDetected{
			Type:    protocol.TypeSpeechDetected,
			RMS:     res.RMS,
			Peak:    res.Peak,
			BargeIn: res.BargeIn,
		})
		if res.BargeIn {
			c.stopPlayback()
		}
		if err != nil {
			return err
		}
	}
	return c.send(protocol.Audio{Type: protocol.TypeAudio, Data: protocol.EncodeAudio(audio.SamplesToBytes(samples))})
}

// SendText sends a typed message.
func (c *Client) SendText(text string) error {
	return c.send(protocol.TextMessage{Type: protocol.TypeTextMessage, Text: text})
}

// SetMode asks the server to switch between voice and text.
func (c *Client) SetMode(mode string) error {
	return c.send(protocol.UpdateMode{Type: protocol.TypeUpdateMode, Mode: mode})
}

// End asks the server to end the session.
func (c *Client) End() error {
	return c.send(protocol.Simple{Type: protocol.TypeEnd})
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) status(s string) {
	if c.handler.OnStatus != nil {
		c.handler.OnStatus(s)
	}
}

func (c *Client) reportError(code, message string) {
	if c.handler.OnError != nil {
		c.handler.OnError(code, message)
	}
}
