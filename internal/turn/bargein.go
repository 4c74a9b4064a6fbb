package turn

import (
	"strings"
	"time"
	"unicode/utf8"
)

// BargeInConfig tunes transcript-based interruption detection.
type BargeInConfig struct {
	PlausibleWindow time.Duration // Max time since audio was last sent to the client
	MinChars        int           // Minimum transcript length
}

// BargeInInput is the session state relevant to one transcript.
type BargeInInput struct {
	Text            string
	TutorSpeaking   bool
	LastAudioSentAt time.Time
	Now             time.Time
	Echo            EchoVerdict
}

// Barge-in rejection reasons.
const (
	BargeInNotSpeaking = "tutor_not_speaking"
	BargeInStale       = "audio_stale"
	BargeInTooShort    = "too_short"
	BargeInEcho        = "echo"
)

// Detect reports whether the transcript interrupts the tutor. The reason is
// set when it does not.
func (c BargeInConfig) Detect(in BargeInInput) (bool, string) {
	if !in.TutorSpeaking {
		return false, BargeInNotSpeaking
	}
	if in.LastAudioSentAt.IsZero() || in.Now.Sub(in.LastAudioSentAt) > c.PlausibleWindow {
		return false, BargeInStale
	}
	if utf8.RuneCountInString(strings.TrimSpace(in.Text)) < c.MinChars {
		return false, BargeInTooShort
	}
	if in.Echo.Echo {
		return false, BargeInEcho
	}
	return true, ""
}
