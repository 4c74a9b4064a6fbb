package moderation

import "fmt"

// Verdict is what the session does with a moderated utterance.
type Verdict int

const (
	VerdictAllow Verdict = iota // Continue the turn normally
	VerdictWarn                 // Replace the reply with a spoken warning
	VerdictEnd                  // End the session and record a suspension
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictWarn:
		return "warn"
	case VerdictEnd:
		return "end"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Ladder escalates confident violations. Unconfident flags are logged by the
// caller but never escalate. Not safe for concurrent use.
type Ladder struct {
	maxWarnings int
	violations  int
}

// NewLadder tolerates maxWarnings confident violations; the next one ends the session
func NewLadder(maxWarnings int) *Ladder {
	if maxWarnings < 0 {
		maxWarnings = 0
	}
	return &Ladder{maxWarnings: maxWarnings}
}

// Record applies a moderation result
func (l *Ladder) Record(res Result) Verdict {
	if !res.Flagged || !res.Confident {
		return VerdictAllow
	}
	l.violations++
	if l.violations > l.maxWarnings {
		return VerdictEnd
	}
	return VerdictWarn
}

// Violations returns the confident violations seen so far
func (l *Ladder) Violations() int { return l.violations }

// Remaining returns how many more warnings will be given
func (l *Ladder) Remaining() int {
	if r := l.maxWarnings - l.violations; r > 0 {
		return r
	}
	return 0
}

// WarningText is the spoken warning that replaces a reply.
func WarningText(remaining int) string {
	if remaining == 0 {
		return "Let's keep our conversation respectful and about your schoolwork. If this happens again, I'll have to end our session."
	}
	return "Let's keep our conversation respectful and about your schoolwork. What would you like to work on?"
}

// EndText is spoken before a session ends for a violation.
const EndText = "I'm ending our session now because of the language used. Please talk with your teacher or parent before starting again."
