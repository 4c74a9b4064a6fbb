package turn

import (
	"strings"
	"time"
)

// EchoConfig tunes echo discrimination.
type EchoConfig struct {
	SimilarityThreshold float64       // Containment at or above this is echo
	TailWindow          time.Duration // Still checked this long after playback ends
	MaxAge              time.Duration // Never echo this long after playback started
	MinWords            int           // Shorter candidates are inconclusive
	MinChars            int           // Candidates with fewer letters and digits are inconclusive
}

// DefaultEchoConfig returns conservative defaults.
func DefaultEchoConfig() EchoConfig {
	return EchoConfig{
		SimilarityThreshold: 0.6,
		TailWindow:          1500 * time.Millisecond,
		MaxAge:              30 * time.Second,
		MinWords:            1,
		MinChars:            4,
	}
}

// Echo verdict reasons.
const (
	EchoReasonMatch         = "match"
	EchoReasonDissimilar    = "dissimilar"
	EchoReasonNoReference   = "no_reference"
	EchoReasonInconclusive  = "inconclusive"
	EchoReasonOutsideWindow = "outside_window"
	EchoReasonTooOld        = "too_old"
)

// EchoVerdict is the result of an echo check.
type EchoVerdict struct {
	Echo       bool
	Similarity float64
	Reason     string
}

// EchoGuard decides whether a transcript is the tutor's own voice picked up
// by the student's microphone. It fails open: when in doubt the transcript
// is treated as real student speech. Not safe for concurrent use.
type EchoGuard struct {
	cfg EchoConfig

	lastTutorText   string
	lastTutorAt     time.Time
	playbackStarted time.Time
	playbackEnded   time.Time
	playbackActive  bool
}

// NewEchoGuard creates an echo guard.
func NewEchoGuard(cfg EchoConfig) *EchoGuard {
	return &EchoGuard{cfg: cfg}
}

// RecordTutorUtterance stores the text the tutor is speaking (or just spoke).
func (g *EchoGuard) RecordTutorUtterance(text string, now time.Time) {
	g.lastTutorText = strings.TrimSpace(text)
	g.lastTutorAt = now
}

// MarkPlaybackStart opens the playback window. Repeated calls while active keep the original start.
func (g *EchoGuard) MarkPlaybackStart(now time.Time) {
	if g.playbackActive {
		return
	}
	g.playbackActive = true
	g.playbackStarted = now
	g.playbackEnded = time.Time{}
}

// MarkPlaybackEnd closes the playback window and opens the tail window.
func (g *EchoGuard) MarkPlaybackEnd(now time.Time) {
	if !g.playbackActive {
		return
	}
	g.playbackActive = false
	g.playbackEnded = now
}

// PlaybackActive reports whether tutor audio is considered audible.
func (g *EchoGuard) PlaybackActive() bool {
	return g.playbackActive
}

// LastTutorUtterance returns the recorded reference text.
func (g *EchoGuard) LastTutorUtterance() string {
	return g.lastTutorText
}

// Check classifies candidate at time now.
func (g *EchoGuard) Check(candidate string, now time.Time) EchoVerdict {
	if g.lastTutorText == "" {
		return EchoVerdict{Reason: EchoReasonNoReference}
	}
	if WordCount(candidate) < g.cfg.MinWords || CharCount(candidate) < g.cfg.MinChars {
		return EchoVerdict{Reason: EchoReasonInconclusive}
	}

	inTail := !g.playbackEnded.IsZero() && now.Sub(g.playbackEnded) <= g.cfg.TailWindow
	if !g.playbackActive && !inTail {
		return EchoVerdict{Reason: EchoReasonOutsideWindow}
	}
	if g.cfg.MaxAge > 0 && !g.playbackStarted.IsZero() && now.Sub(g.playbackStarted) > g.cfg.MaxAge {
		return EchoVerdict{Reason: EchoReasonTooOld}
	}

	sim := Containment(candidate, g.lastTutorText)
	if sim >= g.cfg.SimilarityThreshold {
		return EchoVerdict{Echo: true, Similarity: sim, Reason: EchoReasonMatch}
	}
	return EchoVerdict{Similarity: sim, Reason: EchoReasonDissimilar}
}

// Reset clears playback state and the reference utterance.
func (g *EchoGuard) Reset() {
	*g = EchoGuard{cfg: g.cfg}
}
