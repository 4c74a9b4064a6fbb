package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/tutor-gateway/internal/audio"
	"github.com/lexiqai/tutor-gateway/internal/llm"
	"github.com/lexiqai/tutor-gateway/internal/moderation"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/protocol"
	"github.com/lexiqai/tutor-gateway/internal/turn"
)

// interruptPacingWindow bounds how long after a barge-in the next reply gets
// the extra pacing pause.
const interruptPacingWindow = 30 * time.Second

// activeTurn is the tutor turn holding the single-flight lock.
type activeTurn struct {
	id        string
	utterance string
	ctx       context.Context
	cancel    context.CancelFunc
	watchdog  turn.Timer
	startedAt time.Time

	committed  bool   // Student line logged; output may be heard
	endReason  string // Session ends once this turn is done
	sentences  []string
	entryID    string
	entryDone  bool
	chunkIndex int
}

func (t *activeTurn) reply() string { return strings.Join(t.sentences, " ") }

// drain starts the next queued utterance unless a turn is in flight or the
// session ended.
func (s *Session) drain() {
	if s.ended || s.current != nil || s.queue.Len() == 0 {
		return
	}
	utterance, _ := s.queue.Pop()
	t := s.beginTurn(utterance)
	s.send(protocol.Simple{Type: protocol.TypeTutorThinking})
	go s.moderate(t)
}

// beginTurn takes the single-flight lock and arms the watchdog.
func (s *Session) beginTurn(utterance string) *activeTurn {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &activeTurn{
		id:        uuid.New().String(),
		utterance: utterance,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: s.clock.Now(),
	}
	if s.opts.ProcessingWatchdog > 0 {
		id := t.id
		t.watchdog = s.clock.AfterFunc(s.opts.ProcessingWatchdog, func() { s.post(watchdogFired{turnID: id}) })
	}
	s.current = t
	return t
}

// release drops the single-flight lock held by t. Only the first release of
// the current turn has an effect; later completions of t are then stale.
func (s *Session) release(t *activeTurn, outcome string) bool {
	if t == nil || s.current != t {
		return false
	}
	s.current = nil
	stopTimer(t.watchdog)
	t.cancel()
	s.metrics.RecordTurn(outcome)
	s.logger.Debug().
		Str("turn_id", t.id).
		Str("outcome", outcome).
		Dur("elapsed", s.clock.Now().Sub(t.startedAt)).
		Msg("Turn released")
	return true
}

func (s *Session) turnFor(id string) *activeTurn {
	if s.current == nil || s.current.id != id {
		return nil
	}
	return s.current
}

func (s *Session) moderate(t *activeTurn) {
	defer func() {
		if r := recover(); r != nil {
			s.post(turnDone{turnID: t.id, err: fmt.Errorf("%w: %v", errTurnPanic, r)})
		}
	}()
	start := time.Now()
	res, err := s.deps.Moderator.Check(t.ctx, t.utterance)
	if t.ctx.Err() != nil {
		return
	}
	s.metrics.ObserveStage(observability.StageModeration, start, err)
	s.post(turnModerated{turnID: t.id, res: res, err: err})
}

func (s *Session) onModerated(e turnModerated) {
	t := s.turnFor(e.turnID)
	if t == nil {
		return
	}
	if e.err != nil {
		s.logger.Warn().Err(e.err).Msg("Moderation unavailable, allowing utterance")
		s.metrics.RecordError("moderation_error", "moderation")
	}

	verdict := s.ladder.Record(e.res)
	if e.res.Flagged {
		severity := "flagged"
		switch verdict {
		case moderation.VerdictWarn:
			severity = "warned"
		case moderation.VerdictEnd:
			severity = "ended"
		}
		s.metrics.RecordViolation(severity)
		s.logger.Warn().
			Strs("categories", e.res.Categories).
			Bool("confident", e.res.Confident).
			Int("violations", s.ladder.Violations()).
			Str("verdict", verdict.String()).
			Msg("Student utterance flagged")
	}

	switch verdict {
	case moderation.VerdictWarn:
		s.commitStudent(t)
		s.speak(t, []string{moderation.WarningText(s.ladder.Remaining())})
	case moderation.VerdictEnd:
		s.commitStudent(t)
		t.endReason = protocol.ReasonContentViolation
		s.violationCategories = e.res.Categories
		s.speak(t, []string{moderation.EndText})
	default:
		if turn.IsGoodbye(t.utterance, s.opts.Language) {
			s.commitStudent(t)
			t.endReason = protocol.ReasonUserGoodbye
			s.speak(t, []string{turn.Farewell(s.opts.Language)})
			return
		}
		s.respond(t)
	}
}

// respond asks the model for a reply after the pacing pause.
func (s *Session) respond(t *activeTurn) {
	now := s.clock.Now()
	pacing := s.opts.PreResponseDelay
	if s.wasInterrupted && now.Sub(s.interruptedAt) <= interruptPacingWindow {
		pacing += s.opts.InterruptPacing
	}
	s.wasInterrupted = false

	req := llm.Request{
		SessionID:    s.opts.SessionID,
		SystemPrompt: llm.SystemPrompt(s.opts.GradeBand, s.opts.Language),
		History:      s.transcript.History(),
		Utterance:    t.utterance,
	}
	synthesize := s.mode == protocol.ModeVoice
	go s.produce(t, pacing, synthesize, func(ctx context.Context) (<-chan llm.Chunk, error) {
		return s.deps.LLM.Stream(ctx, req)
	})
}

// speak voices fixed tutor lines (warnings, farewells) as a turn.
func (s *Session) speak(t *activeTurn, lines []string) {
	t.committed = true
	s.send(protocol.Simple{Type: protocol.TypeTutorResponding})
	synthesize := s.mode == protocol.ModeVoice
	go s.produce(t, 0, synthesize, func(context.Context) (<-chan llm.Chunk, error) {
		ch := make(chan llm.Chunk, len(lines))
		for _, l := range lines {
			ch <- llm.Chunk{Sentence: l}
		}
		close(ch)
		return ch, nil
	})
}

// produce runs off the loop: it waits out the pacing pause, streams sentences
// and synthesizes each one. Everything it learns is posted back; a superseded
// turn's posts are ignored by the loop.
func (s *Session) produce(t *activeTurn, pacing time.Duration, synthesize bool, source func(context.Context) (<-chan llm.Chunk, error)) {
	defer func() {
		if r := recover(); r != nil {
			s.post(turnDone{turnID: t.id, err: fmt.Errorf("%w: %v", errTurnPanic, r)})
		}
	}()

	if pacing > 0 {
		if !s.sleep(t.ctx, pacing) || t.ctx.Err() != nil {
			return
		}
		if !s.post(turnResponding{turnID: t.id}) {
			return
		}
	}

	start := time.Now()
	chunks, err := source(t.ctx)
	if err != nil {
		s.metrics.ObserveStage(observability.StageLLM, start, err)
		s.post(turnDone{turnID: t.id, err: err})
		return
	}

	first := true
	for c := range chunks {
		if c.Err != nil {
			err = c.Err
			break
		}
		if first {
			s.metrics.ObserveStage(observability.StageLLM, start, nil)
			first = false
		}
		var pcm []byte
		if synthesize {
			pcm = s.synthesize(t.ctx, c.Sentence)
		}
		if t.ctx.Err() != nil {
			return
		}
		if !s.post(turnSentence{turnID: t.id, text: c.Sentence, pcm: pcm}) {
			return
		}
	}
	if first && err != nil {
		s.metrics.ObserveStage(observability.StageLLM, start, err)
	}
	s.post(turnDone{turnID: t.id, err: err})
}

// synthesize returns output-rate PCM for a sentence, or nil when synthesis
// failed; the sentence is then delivered as text only.
func (s *Session) synthesize(ctx context.Context, text string) []byte {
	start := time.Now()
	a, err := s.deps.TTS.Synthesize(ctx, text, s.opts.Voice)
	s.metrics.ObserveStage(observability.StageTTS, start, err)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Str("sentence", text).Msg("Speech synthesis failed")
			s.metrics.RecordError("synthesis_error", "tts")
		}
		return nil
	}
	pcm := a.PCM
	if s.opts.OutputSampleRate > 0 && a.SampleRate != s.opts.OutputSampleRate {
		pcm, err = audio.ResampleBytes(pcm, a.SampleRate, s.opts.OutputSampleRate)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to resample synthesized audio")
			return nil
		}
	}
	return pcm
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	timer := s.clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		timer.Stop()
		return false
	}
}

func (s *Session) onResponding(id string) {
	t := s.turnFor(id)
	if t == nil || t.committed {
		return
	}
	s.commitStudent(t)
	s.send(protocol.Simple{Type: protocol.TypeTutorResponding})
}

// commitStudent logs the student's line; from here on the turn is a reply the
// student may hear, so it can be interrupted but no longer merged.
func (s *Session) commitStudent(t *activeTurn) {
	if t.committed {
		return
	}
	t.committed = true
	if t.utterance == "" {
		return
	}
	e := s.transcript.Append(protocol.SpeakerStudent, t.utterance, false, s.clock.Now())
	s.send(protocol.Transcript{Type: protocol.TypeTranscript, Entry: e})
}

func (s *Session) onSentence(e turnSentence) {
	t := s.turnFor(e.turnID)
	if t == nil {
		return
	}
	if !t.committed {
		s.commitStudent(t)
		s.send(protocol.Simple{Type: protocol.TypeTutorResponding})
	}
	now := s.clock.Now()
	t.sentences = append(t.sentences, e.text)

	if t.entryID == "" {
		entry := s.transcript.Append(protocol.SpeakerTutor, e.text, true, now)
		t.entryID = entry.ID
		s.send(protocol.Transcript{Type: protocol.TypeTranscript, Entry: entry})
	} else {
		s.send(protocol.TranscriptUpdate{
			Type:    protocol.TypeTranscriptUpdate,
			Speaker: protocol.SpeakerTutor,
			Text:    t.reply(),
		})
	}
	s.echo.RecordTutorUtterance(t.reply(), now)

	if len(e.pcm) > 0 && s.mode == protocol.ModeVoice {
		s.sendAudio(t, e.pcm, now)
	}
}

func (s *Session) sendAudio(t *activeTurn, pcm []byte, now time.Time) {
	parts := audio.Split(pcm, s.opts.ChunkBytes)
	chunked := len(parts) > 1
	for _, part := range parts {
		s.send(protocol.Audio{
			Type:       protocol.TypeAudio,
			Data:       protocol.EncodeAudio(part),
			TurnID:     t.id,
			IsChunk:    chunked,
			ChunkIndex: t.chunkIndex,
			SampleRate: s.opts.OutputSampleRate,
		})
		t.chunkIndex++
	}
	s.metrics.RecordAudioBytes("out", int64(len(pcm)))
	s.lastAudioSentAt = now
	s.tutorSpeaking = true
	s.echo.MarkPlaybackStart(now)
	s.extendPlayback(now, audio.Duration(len(pcm), s.opts.OutputSampleRate))
}

// completeTutorEntry replaces the partial tutor line with what was produced.
func (s *Session) completeTutorEntry(t *activeTurn) {
	if t.entryID == "" || t.entryDone {
		return
	}
	t.entryDone = true
	reply := t.reply()
	if e, ok := s.transcript.Complete(t.entryID, reply); ok {
		s.send(protocol.Transcript{Type: protocol.TypeTranscript, Entry: e})
	}
	s.echo.RecordTutorUtterance(reply, s.clock.Now())
}

func (s *Session) onTurnDone(e turnDone) {
	t := s.turnFor(e.turnID)
	if t == nil {
		return
	}

	switch {
	case e.err != nil && len(t.sentences) == 0:
		s.logger.Error().Err(e.err).Str("turn_id", t.id).Msg("Tutor turn failed")
		s.metrics.RecordError("turn_error", "session")
		s.release(t, "error")
		s.send(protocol.TutorError{Type: protocol.TypeTutorError, Message: "The tutor could not answer. Please try again."})
	default:
		if e.err != nil {
			s.logger.Warn().Err(e.err).Str("turn_id", t.id).Msg("Tutor reply cut short")
			s.metrics.RecordError("turn_error", "session")
		}
		s.completeTutorEntry(t)
		if t.utterance != "" {
			s.turnCount++
		}
		s.release(t, "completed")
		s.saveSnapshot()
	}

	if t.endReason != "" {
		s.finalize(t.endReason)
		return
	}
	s.drain()
}

func (s *Session) onWatchdog(id string) {
	t := s.turnFor(id)
	if t == nil {
		return
	}
	s.logger.Error().
		Str("turn_id", t.id).
		Dur("limit", s.opts.ProcessingWatchdog).
		Msg("Turn exceeded processing limit, forcing unlock")
	s.metrics.RecordWatchdogUnlock()
	s.completeTutorEntry(t)
	s.release(t, "watchdog")
	s.send(protocol.TutorError{Type: protocol.TypeTutorError, Message: "The tutor took too long to answer."})
	if t.endReason != "" {
		s.finalize(t.endReason)
		return
	}
	s.drain()
}
