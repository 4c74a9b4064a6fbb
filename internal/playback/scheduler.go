package playback

import (
	"sync"
	"time"
)

// Config tunes the scheduler.
type Config struct {
	Epsilon   time.Duration // Minimum lead before a chunk may start
	Crossfade time.Duration // Linear fade in/out applied to each chunk
	Overlap   time.Duration // Chunks start this much before the previous one ends
	StopFade  time.Duration // Master fade-out on Stop
	Lookahead time.Duration // Schedule chunks no further ahead than this
	MaxQueued int           // Pending chunks kept; the oldest is dropped beyond this
}

// DefaultConfig returns the default scheduling parameters.
func DefaultConfig() Config {
	return Config{
		Epsilon:   10 * time.Millisecond,
		Crossfade: 8 * time.Millisecond,
		Overlap:   5 * time.Millisecond,
		StopFade:  30 * time.Millisecond,
		Lookahead: 2 * time.Second,
		MaxQueued: 64,
	}
}

// Chunk is a decoded piece of one tutor turn.
type Chunk struct {
	TurnID string
	Index  int
	Buffer Buffer
}

// Scheduled describes a chunk handed to the output.
type Scheduled struct {
	TurnID string
	Index  int
	Start  time.Duration
	End    time.Duration
}

type tracked struct {
	src Source
	Scheduled
}

// Scheduler places chunks back to back on an Output. Safe for concurrent use.
type Scheduler struct {
	mu  sync.Mutex
	out Output
	cfg Config

	pending      []Chunk
	sources      []tracked
	nextPlayTime time.Duration
	fadeEnd      time.Duration // End of the master fade of the last Stop
	playing      bool
	dropped      int

	// OnPlaybackChange is called outside the lock when audio becomes audible or silent.
	OnPlaybackChange func(playing bool)
}

// NewScheduler creates a scheduler for out.
func NewScheduler(out Output, cfg Config) *Scheduler {
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultConfig().MaxQueued
	}
	return &Scheduler{out: out, cfg: cfg}
}

// Enqueue adds a chunk and schedules what fits in the lookahead window.
// It returns the number of chunks dropped to respect MaxQueued.
func (s *Scheduler) Enqueue(c Chunk) int {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	dropped := 0
	for len(s.pending) > s.cfg.MaxQueued {
		s.pending = s.pending[1:]
		dropped++
	}
	s.dropped += dropped
	changed := s.pumpLocked()
	s.mu.Unlock()
	s.notify(changed)
	return dropped
}

// Tick prunes finished sources, schedules pending chunks, and reports
// playing/idle transitions. Call it periodically from the render loop.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	now := s.out.CurrentTime()
	live := s.sources[:0]
	for _, t := range s.sources {
		if t.End > now {
			live = append(live, t)
		}
	}
	s.sources = live
	changed := s.pumpLocked()
	if s.playing && len(s.sources) == 0 && len(s.pending) == 0 {
		s.playing = false
		changed = becameIdle
	}
	s.mu.Unlock()
	s.notify(changed)
}

type transition int

const (
	noChange transition = iota
	becamePlaying
	becameIdle
)

// pumpLocked schedules pending chunks that start within the lookahead window.
func (s *Scheduler) pumpLocked() transition {
	now := s.out.CurrentTime()
	changed := noChange
	for len(s.pending) > 0 {
		if !s.playing {
			// First chunk of a turn starts from the current output time, but
			// never under the master fade of a previous Stop.
			s.nextPlayTime = now
			if s.fadeEnd > now {
				s.nextPlayTime = s.fadeEnd
			}
		}
		start := now + s.cfg.Epsilon
		if s.nextPlayTime > start {
			start = s.nextPlayTime
		}
		if s.playing && s.cfg.Lookahead > 0 && start-now > s.cfg.Lookahead {
			break
		}

		c := s.pending[0]
		s.pending = s.pending[1:]
		dur := c.Buffer.Duration()
		if dur <= 0 {
			continue
		}

		src := s.out.NewSource(c.Buffer)
		fade := s.cfg.Crossfade
		if fade > dur/2 {
			fade = dur / 2
		}
		end := start + dur
		g := src.Gain()
		g.SetValueAtTime(0, start)
		g.LinearRampToValueAtTime(1, start+fade)
		g.SetValueAtTime(1, end-fade)
		g.LinearRampToValueAtTime(0, end)
		src.Start(start)

		overlap := s.cfg.Overlap
		if overlap > dur/2 {
			overlap = dur / 2
		}
		s.nextPlayTime = end - overlap
		s.sources = append(s.sources, tracked{src: src, Scheduled: Scheduled{TurnID: c.TurnID, Index: c.Index, Start: start, End: end}})

		if !s.playing {
			s.playing = true
			changed = becamePlaying
		}
	}
	return changed
}

// Stop fades the output to silence, stops and disconnects every source and
// discards everything pending. It returns the number of sources stopped.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	now := s.out.CurrentTime()
	fadeEnd := now + s.cfg.StopFade

	master := s.out.MasterGain()
	master.CancelScheduledValues(now)
	master.SetValueAtTime(1, now)
	master.LinearRampToValueAtTime(0, fadeEnd)
	// Restore unity gain for the next turn once the fade has finished.
	master.SetValueAtTime(1, fadeEnd)

	stopped := len(s.sources)
	for _, t := range s.sources {
		t.src.Stop(fadeEnd)
		t.src.Disconnect()
	}
	s.sources = nil
	s.pending = nil
	s.nextPlayTime = now
	s.fadeEnd = fadeEnd
	wasPlaying := s.playing
	s.playing = false
	s.mu.Unlock()

	if wasPlaying {
		s.notify(becameIdle)
	}
	return stopped
}

// Playing reports whether audio is scheduled or audible.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Schedule returns the chunks currently handed to the output, in start order.
func (s *Scheduler) Schedule() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Scheduled, len(s.sources))
	for i, t := range s.sources {
		out[i] = t.Scheduled
	}
	return out
}

// Pending returns the number of chunks waiting for the lookahead window.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Dropped returns the total number of chunks dropped for queue overflow.
func (s *Scheduler) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// NextPlayTime returns where the next chunk would be placed.
func (s *Scheduler) NextPlayTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPlayTime
}

func (s *Scheduler) notify(t transition) {
	if t == noChange || s.OnPlaybackChange == nil {
		return
	}
	s.OnPlaybackChange(t == becamePlaying)
}
