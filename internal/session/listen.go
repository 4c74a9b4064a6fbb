package session

import (
	"context"
	"strings"
	"time"

	"github.com/lexiqai/tutor-gateway/internal/protocol"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
	"github.com/lexiqai/tutor-gateway/internal/stt"
	"github.com/lexiqai/tutor-gateway/internal/turn"
)

// Barge-in sources.
const (
	bargeInTranscript = "transcript"
	bargeInClientVAD  = "client_vad"
)

// dialSTT opens a stream in the background. A failed first dial degrades the
// session to text mode instead of ending it.
func (s *Session) dialSTT() {
	s.sttGen++
	gen := s.sttGen
	go func() {
		st, err := s.deps.Dialer.Dial(s.ctx, s.opts.STT)
		if !s.post(sttConnected{gen: gen, stream: st, err: err}) && st != nil {
			_ = st.Close()
		}
	}()
}

func (s *Session) onSTTConnected(e sttConnected) {
	if e.gen != s.sttGen || s.mode != protocol.ModeVoice {
		if e.stream != nil {
			go e.stream.Close()
		}
		return
	}

	if e.reconnect {
		s.reconnecting = false
		s.metrics.RecordSTTReconnect(e.err == nil)
		if e.err != nil {
			s.logger.Error().Err(e.err).Msg("STT reconnection failed")
			s.metrics.RecordError("stt_reconnect_failed", "stt")
			s.sendError(protocol.CodeSTTUnavailable, "Speech recognition connection lost", true)
			s.finalize(protocol.ReasonError)
			return
		}
		s.logger.Info().Msg("STT stream reconnected")
		s.attachSTT(e.gen, e.stream)
		s.applyDecision(s.policy.Resume(s.clock.Now()))
		return
	}

	if e.err != nil {
		s.logger.Warn().Err(e.err).Msg("STT unavailable, continuing in text mode")
		s.metrics.RecordError("stt_dial_failed", "stt")
		s.mode = protocol.ModeText
		s.sendError(protocol.CodeSTTUnavailable, "Speech recognition is unavailable; continuing in text mode", false)
		s.send(protocol.ModeUpdated{Type: protocol.TypeModeUpdated, Mode: s.mode})
		return
	}
	s.attachSTT(e.gen, e.stream)
}

func (s *Session) attachSTT(gen uint64, st stt.Stream) {
	s.stream = st
	s.frames.Clear()
	go func() {
		for ev := range st.Events() {
			if !s.post(sttEvent{gen: gen, ev: ev}) {
				return
			}
		}
		s.post(sttClosed{gen: gen, err: st.Err()})
	}()
}

func (s *Session) onSTTClosed(e sttClosed) {
	if e.gen != s.sttGen || s.stream == nil {
		return
	}
	s.stream = nil
	if s.mode != protocol.ModeVoice {
		return
	}
	s.logger.Warn().Err(e.err).Msg("STT stream dropped, reconnecting")
	s.reconnectSTT()
}

// reconnectSTT redials with capped exponential backoff. Audio is not
// forwarded meanwhile and the stall budget is suspended.
func (s *Session) reconnectSTT() {
	s.reconnecting = true
	s.policy.Suspend(s.clock.Now())
	s.sttGen++
	gen := s.sttGen

	cfg := s.opts.Reconnect
	logger := s.logger.With().Str("component", "stt_reconnect").Logger()
	cfg.Logger = &logger

	go func() {
		var st stt.Stream
		err := resilience.Reconnect(s.ctx, func(ctx context.Context, attempt int) error {
			c, err := s.deps.Dialer.Dial(ctx, s.opts.STT)
			if err != nil {
				return err
			}
			st = c
			return nil
		}, &cfg)
		if !s.post(sttConnected{gen: gen, stream: st, err: err, reconnect: true}) && st != nil {
			_ = st.Close()
		}
	}()
}

// stopSTT closes the stream and invalidates anything still in flight for it.
func (s *Session) stopSTT() {
	s.sttGen++
	s.reconnecting = false
	if s.stream != nil {
		go s.stream.Close()
		s.stream = nil
	}
	s.frames.Clear()
}

// flushSpeech hands anything heard so far to the queue.
func (s *Session) flushSpeech() {
	held := s.policy.Pending()
	s.policy.Reset()
	pending, _ := s.acc.Flush()
	text := strings.TrimSpace(strings.TrimSpace(pending) + " " + held)
	if text != "" {
		s.enqueue(text)
	}
}

// onTranscript runs one STT update through echo, barge-in, continuation and
// turn policy, in that order.
func (s *Session) onTranscript(ev stt.Event) {
	text := strings.TrimSpace(ev.Text)
	if text == "" && !ev.EndOfTurn {
		return
	}
	now := s.clock.Now()

	if text != "" {
		verdict := s.echo.Check(text, now)
		if verdict.Echo {
			s.metrics.RecordEchoDrop()
			s.logger.Debug().
				Str("text", text).
				Float64("similarity", verdict.Similarity).
				Msg("Discarded tutor echo")
			return
		}
		s.touch()

		ok, _ := s.opts.BargeIn.Detect(turn.BargeInInput{
			Text:            text,
			TutorSpeaking:   s.tutorSpeaking,
			LastAudioSentAt: s.lastAudioSentAt,
			Now:             now,
			Echo:            verdict,
		})
		if ok {
			s.interrupt("barge_in", bargeInTranscript)
		}

		s.send(protocol.TranscriptUpdate{
			Type:    protocol.TypeTranscriptUpdate,
			Speaker: protocol.SpeakerStudent,
			Text:    text,
			IsFinal: ev.IsFinal,
		})

		if ev.IsFinal {
			s.continueTurn()
		}
	}

	s.applyDecision(s.policy.Evaluate(turn.Input{
		Text:       text,
		Final:      ev.IsFinal,
		EndOfTurn:  ev.EndOfTurn,
		Confidence: ev.Confidence,
		Now:        now,
	}))
}

// continueTurn folds a turn that has not spoken yet back into the
// accumulator when the student keeps talking.
func (s *Session) continueTurn() {
	t := s.current
	if t == nil || t.committed || t.utterance == "" {
		return
	}
	s.logger.Debug().Str("turn_id", t.id).Msg("Student continued, merging utterance")
	utterance := t.utterance
	s.release(t, "continued")
	s.acc.Prepend(utterance)
}

func (s *Session) applyDecision(d turn.Decision) {
	if d.Action == turn.ActionNone {
		return
	}
	s.metrics.RecordDecision(d.Action.String())
	switch d.Action {
	case turn.ActionFire:
		s.acc.Add(d.Text)
	case turn.ActionHesitate:
		if pending, ok := s.acc.Flush(); ok {
			s.policy.Absorb(pending)
		}
		s.logger.Debug().Str("text", d.Text).Msg("Hesitation guard holding transcript")
	case turn.ActionStallEscape:
		if pending, ok := s.acc.Flush(); ok {
			s.enqueue(pending)
		}
		s.logger.Debug().Str("text", d.Text).Msg("Stall escape")
		s.enqueue(d.Text)
	}
}

func (s *Session) enqueue(utterance string) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" || s.ended {
		return
	}
	depth := s.queue.Enqueue(utterance)
	s.metrics.RecordQueueDepth(depth)
	s.drain()
}

// interrupt handles a barge-in: the active turn is superseded and the client
// told to stop playback. It reports whether anything was interrupted.
func (s *Session) interrupt(reason, source string) bool {
	t := s.current
	if t != nil && t.endReason != "" {
		return false
	}
	active := t != nil && t.committed
	now := s.clock.Now()
	// The client stops its own playback before it reports the barge-in, so
	// playback_ended can arrive first.
	justStopped := source == bargeInClientVAD && !s.playbackEndedAt.IsZero() &&
		now.Sub(s.playbackEndedAt) <= s.opts.Echo.TailWindow
	if !s.tutorSpeaking && !active && !justStopped {
		return false
	}
	s.metrics.RecordBargeIn(source)
	s.logger.Info().Str("source", source).Msg("Student interrupted the tutor")

	s.wasInterrupted = true
	s.interruptedAt = now
	s.endPlayback(now)
	s.playbackEndedAt = time.Time{}
	s.policy.Reset()
	if active {
		s.completeTutorEntry(t)
		s.release(t, "superseded")
	}
	s.send(protocol.Interrupt{Type: protocol.TypeInterrupt, Reason: reason})
	s.drain()
	return true
}

// extendPlayback moves the expected end of client playback by d and re-arms
// the timer that closes the playback window if the client never reports it.
func (s *Session) extendPlayback(now time.Time, d time.Duration) {
	base := s.playbackUntil
	if base.Before(now) {
		base = now
	}
	s.playbackUntil = base.Add(d)
	stopTimer(s.playbackTimer)
	s.playbackGen++
	gen := s.playbackGen
	s.playbackTimer = s.clock.AfterFunc(s.playbackUntil.Sub(now)+s.opts.PlaybackGrace, func() {
		s.post(playbackDone{gen: gen})
	})
}

func (s *Session) endPlayback(now time.Time) {
	stopTimer(s.playbackTimer)
	s.playbackTimer = nil
	s.playbackGen++
	s.playbackUntil = time.Time{}
	if s.tutorSpeaking {
		s.playbackEndedAt = now
	}
	s.tutorSpeaking = false
	s.echo.MarkPlaybackEnd(now)
}
