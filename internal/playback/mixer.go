package playback

import (
	"sort"
	"sync"
	"time"
)

type paramEvent struct {
	ramp  bool
	value float64
	at    time.Duration
}

// gainParam implements Param with set and linear ramp events.
type gainParam struct {
	initial float64
	events  []paramEvent
}

func newGainParam(initial float64) *gainParam {
	return &gainParam{initial: initial}
}

func (p *gainParam) insert(ev paramEvent) {
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].at > ev.at })
	p.events = append(p.events, paramEvent{})
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = ev
}

func (p *gainParam) SetValueAtTime(value float64, at time.Duration) {
	p.insert(paramEvent{value: value, at: at})
}

func (p *gainParam) LinearRampToValueAtTime(value float64, at time.Duration) {
	p.insert(paramEvent{ramp: true, value: value, at: at})
}

func (p *gainParam) CancelScheduledValues(from time.Duration) {
	kept := p.events[:0]
	for _, ev := range p.events {
		if ev.at < from {
			kept = append(kept, ev)
		}
	}
	p.events = kept
}

// valueAt evaluates the automation curve at t.
func (p *gainParam) valueAt(t time.Duration) float64 {
	v := p.initial
	var prevAt time.Duration
	for _, ev := range p.events {
		if ev.at <= t {
			v = ev.value
			prevAt = ev.at
			continue
		}
		if ev.ramp && ev.at > prevAt {
			frac := float64(t-prevAt) / float64(ev.at-prevAt)
			return v + (ev.value-v)*frac
		}
		break
	}
	return v
}

// compact folds events that ended before t into the initial value.
func (p *gainParam) compact(t time.Duration) {
	n := 0
	for n < len(p.events) && p.events[n].at <= t {
		n++
	}
	// Keep the last elapsed event as the start point of a pending ramp.
	if n > 1 {
		p.initial = p.events[n-2].value
		p.events = p.events[n-1:]
	}
}

type mixSource struct {
	buf          Buffer
	gain         *gainParam
	startFrame   int64
	stopFrame    int64
	started      bool
	disconnected bool
}

func (s *mixSource) Gain() Param { return s.gain }

func (s *mixSource) done(frame int64) bool {
	if !s.started {
		return s.disconnected
	}
	end := s.startFrame + int64(len(s.buf.Samples))
	if s.stopFrame < end {
		end = s.stopFrame
	}
	return frame >= end
}

// Mixer is a software Output rendering mono float samples at a fixed rate.
// Sources must share the mixer's sample rate. Safe for concurrent use.
type Mixer struct {
	mu      sync.Mutex
	rate    int
	pos     int64
	master  *gainParam
	sources []*mixSource
}

// NewMixer creates a mixer producing sampleRate frames per second.
func NewMixer(sampleRate int) *Mixer {
	return &Mixer{rate: sampleRate, master: newGainParam(1)}
}

// SampleRate returns the output rate.
func (m *Mixer) SampleRate() int { return m.rate }

func (m *Mixer) frameOf(t time.Duration) int64 {
	return int64(t) * int64(m.rate) / int64(time.Second)
}

func (m *Mixer) timeOf(frame int64) time.Duration {
	return time.Duration(frame * int64(time.Second) / int64(m.rate))
}

// CurrentTime returns the time of the next frame to be rendered.
func (m *Mixer) CurrentTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeOf(m.pos)
}

// NewSource registers buf with the mixer. It is silent until started.
func (m *Mixer) NewSource(buf Buffer) Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &mixSource{buf: buf, gain: newGainParam(1), stopFrame: 1<<62 - 1}
	m.sources = append(m.sources, s)
	return &mixerSource{m: m, s: s}
}

// MasterGain returns the output gain.
func (m *Mixer) MasterGain() Param {
	return &lockedParam{mu: &m.mu, p: m.master}
}

// Active returns the number of sources still attached.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// Render fills out with the next len(out) frames and advances the clock.
func (m *Mixer) Render(out []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range out {
		frame := m.pos + int64(i)
		t := m.timeOf(frame)
		var sum float64
		for _, s := range m.sources {
			if !s.started || frame < s.startFrame || frame >= s.stopFrame {
				continue
			}
			idx := frame - s.startFrame
			if idx >= int64(len(s.buf.Samples)) {
				continue
			}
			sum += float64(s.buf.Samples[idx]) * s.gain.valueAt(t)
		}
		sum *= m.master.valueAt(t)
		if sum > 1 {
			sum = 1
		} else if sum < -1 {
			sum = -1
		}
		out[i] = float32(sum)
	}
	m.pos += int64(len(out))

	now := m.timeOf(m.pos)
	live := m.sources[:0]
	for _, s := range m.sources {
		if s.done(m.pos) {
			continue
		}
		s.gain.compact(now)
		live = append(live, s)
	}
	m.sources = live
	m.master.compact(now)
}

// RenderInt16 renders into PCM16 frames.
func (m *Mixer) RenderInt16(out []int16) {
	tmp := make([]float32, len(out))
	m.Render(tmp)
	for i, v := range tmp {
		out[i] = int16(v * 32767)
	}
}

type mixerSource struct {
	m *Mixer
	s *mixSource
}

func (ms *mixerSource) Gain() Param {
	return &lockedParam{mu: &ms.m.mu, p: ms.s.gain}
}

func (ms *mixerSource) Start(at time.Duration) {
	ms.m.mu.Lock()
	defer ms.m.mu.Unlock()
	ms.s.startFrame = ms.m.frameOf(at)
	ms.s.started = true
}

func (ms *mixerSource) Stop(at time.Duration) {
	ms.m.mu.Lock()
	defer ms.m.mu.Unlock()
	if f := ms.m.frameOf(at); f < ms.s.stopFrame {
		ms.s.stopFrame = f
	}
}

func (ms *mixerSource) Disconnect() {
	ms.m.mu.Lock()
	defer ms.m.mu.Unlock()
	ms.s.disconnected = true
}

type lockedParam struct {
	mu *sync.Mutex
	p  *gainParam
}

func (l *lockedParam) SetValueAtTime(value float64, at time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.p.SetValueAtTime(value, at)
}

func (l *lockedParam) LinearRampToValueAtTime(value float64, at time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.p.LinearRampToValueAtTime(value, at)
}

func (l *lockedParam) CancelScheduledValues(from time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.p.CancelScheduledValues(from)
}
