package turn

import (
	"strings"
	"time"
)

// Accumulator joins final transcript fragments into one utterance and emits
// it after a debounce window without new fragments. Not safe for concurrent use.
type Accumulator struct {
	clock  Clock
	window time.Duration
	notify func(gen uint64)

	parts    []string
	lastNorm string
	lastAt   time.Time

	timer Timer
	gen   uint64
}

// NewAccumulator creates an accumulator. notify is called from the timer
// goroutine with the generation to pass back into OnTimer.
func NewAccumulator(window time.Duration, clock Clock, notify func(gen uint64)) *Accumulator {
	return &Accumulator{clock: clock, window: window, notify: notify}
}

// Window returns the debounce window.
func (a *Accumulator) Window() time.Duration { return a.window }

// SetWindow changes the debounce window for subsequent fragments.
func (a *Accumulator) SetWindow(d time.Duration) { a.window = d }

// Add buffers a fragment and restarts the debounce timer. Empty fragments and
// an immediate repeat of the previous fragment are dropped; Add reports
// whether the fragment was kept.
func (a *Accumulator) Add(fragment string) bool {
	text := strings.TrimSpace(fragment)
	if text == "" {
		return false
	}
	now := a.clock.Now()
	norm := NormalizeText(text)
	if norm == a.lastNorm && !a.lastAt.IsZero() && now.Sub(a.lastAt) <= a.window {
		return false
	}
	a.lastNorm = norm
	a.lastAt = now
	a.parts = append(a.parts, text)
	a.restart()
	return true
}

// Prepend puts text in front of the buffer and restarts the timer. It is used
// to merge a superseded utterance with speech that continued it.
func (a *Accumulator) Prepend(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	a.parts = append([]string{text}, a.parts...)
	a.restart()
}

// OnTimer handles the debounce timer firing and returns the utterance.
// Stale generations are ignored.
func (a *Accumulator) OnTimer(gen uint64) (string, bool) {
	if gen != a.gen {
		return "", false
	}
	a.timer = nil
	return a.take()
}

// Flush returns the buffered utterance immediately.
func (a *Accumulator) Flush() (string, bool) {
	stopTimer(a.timer)
	a.timer = nil
	a.gen++
	return a.take()
}

// Pending returns the buffered text without consuming it.
func (a *Accumulator) Pending() string {
	return strings.Join(a.parts, " ")
}

// Reset drops the buffer and cancels the timer.
func (a *Accumulator) Reset() {
	stopTimer(a.timer)
	a.timer = nil
	a.gen++
	a.parts = nil
	a.lastNorm = ""
	a.lastAt = time.Time{}
}

func (a *Accumulator) take() (string, bool) {
	if len(a.parts) == 0 {
		return "", false
	}
	out := strings.Join(a.parts, " ")
	a.parts = nil
	return out, true
}

func (a *Accumulator) restart() {
	stopTimer(a.timer)
	a.gen++
	gen := a.gen
	a.timer = a.clock.AfterFunc(a.window, func() {
		if a.notify != nil {
			a.notify(gen)
		}
	})
}
