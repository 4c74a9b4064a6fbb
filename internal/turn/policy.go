package turn

import (
	"fmt"
	"strings"
	"time"
)

// Action is what the session should do after a policy evaluation.
type Action int

const (
	ActionNone        Action = iota // Nothing to do yet
	ActionFire                      // Hand Text to the accumulator
	ActionHesitate                  // Student paused mid-thought; wait for more speech
	ActionStallEscape               // Silence budget ran out; hand Text to the queue now
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionFire:
		return "fire"
	case ActionHesitate:
		return "hesitate"
	case ActionStallEscape:
		return "stall_escape"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is the outcome of a policy step.
type Decision struct {
	Action Action
	Text   string
}

// PolicyConfig is the per-grade-band turn-taking policy.
type PolicyConfig struct {
	HesitationGuard bool
	MinConfidence   float64
	MinWords        int
	MaxSilence      time.Duration
	StallPrompt     string
}

// Input is one transcript update from the STT provider.
type Input struct {
	Text       string
	Final      bool // Segment text will not change
	EndOfTurn  bool // Provider believes the speaker finished
	Confidence float64
	Now        time.Time
}

// Policy is the hesitation guard state machine. In the Guarded state a stall
// timer is outstanding, or the budget is suspended while STT reconnects. The
// silence budget is an absolute deadline so it survives a suspension.
// Not safe for concurrent use; timer callbacks only report the generation.
type Policy struct {
	cfg    PolicyConfig
	clock  Clock
	notify func(gen uint64)

	guardActive             bool
	awaitingSecondEndOfTurn bool
	lastEndOfTurn           time.Time
	pending                 []string
	heardMore               bool // Final speech arrived after the hesitant end of turn
	deadline                time.Time
	suspended               bool

	timer Timer
	gen   uint64
}

// NewPolicy creates a policy. notify is called from the timer goroutine with
// the generation to pass back into OnStallTimer.
func NewPolicy(cfg PolicyConfig, clock Clock, notify func(gen uint64)) *Policy {
	return &Policy{cfg: cfg, clock: clock, notify: notify}
}

// Config returns the active configuration.
func (p *Policy) Config() PolicyConfig { return p.cfg }

// Guarded reports whether the hesitation guard is holding a transcript.
func (p *Policy) Guarded() bool { return p.guardActive }

// AwaitingSecondEndOfTurn reports whether a hesitant end-of-turn was seen.
func (p *Policy) AwaitingSecondEndOfTurn() bool { return p.awaitingSecondEndOfTurn }

// LastEndOfTurn returns when the held end-of-turn arrived.
func (p *Policy) LastEndOfTurn() time.Time { return p.lastEndOfTurn }

// Deadline returns the absolute stall deadline while guarded.
func (p *Policy) Deadline() time.Time { return p.deadline }

// Suspended reports whether the stall budget is paused.
func (p *Policy) Suspended() bool { return p.suspended }

// Pending returns the held transcript.
func (p *Policy) Pending() string { return strings.Join(p.pending, " ") }

// Evaluate advances the state machine with a transcript update.
func (p *Policy) Evaluate(in Input) Decision {
	text := strings.TrimSpace(in.Text)

	if p.guardActive && !p.suspended && p.timer == nil {
		// Guard without a live timer can never resolve on its own.
		p.Reset()
	}

	if !p.guardActive {
		if text == "" {
			return Decision{}
		}
		if in.EndOfTurn {
			if p.cfg.HesitationGuard && p.hesitant(text, in.Confidence) {
				p.guardActive = true
				p.awaitingSecondEndOfTurn = true
				p.lastEndOfTurn = in.Now
				p.pending = []string{text}
				p.arm(in.Now, p.cfg.MaxSilence)
				return Decision{Action: ActionHesitate, Text: text}
			}
			return Decision{Action: ActionFire, Text: text}
		}
		if in.Final {
			return Decision{Action: ActionFire, Text: text}
		}
		return Decision{}
	}

	switch {
	case in.EndOfTurn && text == "" && !p.heardMore:
		// A trailing silence marker (Deepgram UtteranceEnd) after the hesitant
		// words alone is not a second end of turn.
		return Decision{}
	case in.EndOfTurn:
		if text != "" {
			p.pending = append(p.pending, text)
		}
		out := p.Pending()
		p.Reset()
		return Decision{Action: ActionFire, Text: out}
	case in.Final:
		if text != "" {
			p.pending = append(p.pending, text)
			p.heardMore = true
		}
		p.rearm(in.Now)
	case text != "":
		// Still talking: silence is measured from the last speech.
		p.rearm(in.Now)
	}
	return Decision{}
}

// Absorb puts text in front of the held transcript, for speech that reached
// the accumulator before the guard engaged.
func (p *Policy) Absorb(text string) {
	text = strings.TrimSpace(text)
	if !p.guardActive || text == "" {
		return
	}
	p.pending = append([]string{text}, p.pending...)
}

// OnStallTimer handles a stall timer firing. Stale generations are ignored.
func (p *Policy) OnStallTimer(gen uint64, now time.Time) Decision {
	if !p.guardActive || p.suspended || gen != p.gen {
		return Decision{}
	}
	p.timer = nil
	return p.escape()
}

// Suspend pauses the stall timer, keeping the absolute deadline.
func (p *Policy) Suspend(now time.Time) {
	if !p.guardActive || p.suspended {
		return
	}
	stopTimer(p.timer)
	p.timer = nil
	p.gen++
	p.suspended = true
}

// Resume re-arms the stall timer for the remaining budget. If the deadline
// already passed the stall escape is returned immediately.
func (p *Policy) Resume(now time.Time) Decision {
	if !p.guardActive || !p.suspended {
		return Decision{}
	}
	p.suspended = false
	remaining := p.deadline.Sub(now)
	if remaining <= 0 {
		return p.escape()
	}
	p.schedule(remaining)
	return Decision{}
}

// Reset returns to Idle and cancels any timer.
func (p *Policy) Reset() {
	stopTimer(p.timer)
	p.timer = nil
	p.gen++
	p.guardActive = false
	p.awaitingSecondEndOfTurn = false
	p.lastEndOfTurn = time.Time{}
	p.pending = nil
	p.heardMore = false
	p.deadline = time.Time{}
	p.suspended = false
}

// StallText builds the utterance sent to the model after a stall.
func StallText(pending, prompt string) string {
	pending = strings.TrimRight(strings.TrimSpace(pending), ".!?, ")
	return strings.TrimSpace(pending + ". (after pause) " + prompt)
}

func (p *Policy) escape() Decision {
	text := StallText(p.Pending(), p.cfg.StallPrompt)
	p.Reset()
	return Decision{Action: ActionStallEscape, Text: text}
}

func (p *Policy) hesitant(text string, confidence float64) bool {
	return confidence < p.cfg.MinConfidence || WordCount(text) < p.cfg.MinWords
}

func (p *Policy) rearm(now time.Time) {
	if p.suspended {
		p.deadline = now.Add(p.cfg.MaxSilence)
		return
	}
	p.arm(now, p.cfg.MaxSilence)
}

func (p *Policy) arm(now time.Time, d time.Duration) {
	p.deadline = now.Add(d)
	p.schedule(d)
}

func (p *Policy) schedule(d time.Duration) {
	stopTimer(p.timer)
	p.gen++
	gen := p.gen
	p.timer = p.clock.AfterFunc(d, func() {
		if p.notify != nil {
			p.notify(gen)
		}
	})
}
