package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexiqai/tutor-gateway/internal/llm"
	"github.com/lexiqai/tutor-gateway/internal/protocol"
	"github.com/lexiqai/tutor-gateway/internal/store"
)

// Transcript is the append-only conversation log. The only mutation allowed
// after an append is completing a partial entry in place.
type Transcript struct {
	entries []protocol.TranscriptEntry
}

// Append adds an entry and returns it.
func (t *Transcript) Append(speaker, text string, partial bool, now time.Time) protocol.TranscriptEntry {
	e := protocol.TranscriptEntry{
		ID:        uuid.New().String(),
		Speaker:   speaker,
		Text:      strings.TrimSpace(text),
		Timestamp: now,
		Partial:   partial,
	}
	t.entries = append(t.entries, e)
	return e
}

// Complete replaces the partial entry id with its final text. It reports
// false if id is unknown or was already completed.
func (t *Transcript) Complete(id, text string) (protocol.TranscriptEntry, bool) {
	for i := range t.entries {
		if t.entries[i].ID != id {
			continue
		}
		if !t.entries[i].Partial {
			return protocol.TranscriptEntry{}, false
		}
		t.entries[i].Text = strings.TrimSpace(text)
		t.entries[i].Partial = false
		return t.entries[i], true
	}
	return protocol.TranscriptEntry{}, false
}

// Len returns the number of entries.
func (t *Transcript) Len() int { return len(t.entries) }

// Entries returns a copy of the log.
func (t *Transcript) Entries() []protocol.TranscriptEntry {
	out := make([]protocol.TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// History returns the completed student and tutor lines as model messages.
func (t *Transcript) History() []llm.Message {
	var out []llm.Message
	for _, e := range t.entries {
		if e.Partial || e.Text == "" {
			continue
		}
		switch e.Speaker {
		case protocol.SpeakerStudent:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: e.Text})
		case protocol.SpeakerTutor:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: e.Text})
		}
	}
	return out
}

// StoreEntries converts the log for persistence.
func (t *Transcript) StoreEntries() []store.Entry {
	out := make([]store.Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, store.Entry{ID: e.ID, Speaker: e.Speaker, Text: e.Text, Timestamp: e.Timestamp})
	}
	return out
}
