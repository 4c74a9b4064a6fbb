package session

import (
	"github.com/lexiqai/tutor-gateway/internal/moderation"
	"github.com/lexiqai/tutor-gateway/internal/stt"
)

// Events consumed by the session loop. Everything that touches session state
// arrives here; goroutines and timers only post.
type (
	clientMessage struct{ msg any }
	badMessage    struct{ err error }
	connClosed    struct{ err error }

	sttConnected struct {
		gen       uint64
		stream    stt.Stream
		err       error
		reconnect bool
	}
	sttEvent struct {
		gen uint64
		ev  stt.Event
	}
	sttClosed struct {
		gen uint64
		err error
	}

	debounceFired  struct{ gen uint64 }
	stallFired     struct{ gen uint64 }
	watchdogFired  struct{ turnID string }
	playbackDone   struct{ gen uint64 }
	inactivityTick struct{}

	turnModerated struct {
		turnID string
		res    moderation.Result
		err    error
	}
	turnResponding struct{ turnID string }
	turnSentence   struct {
		turnID string
		text   string
		pcm    []byte
	}
	turnDone struct {
		turnID string
		err    error
	}
)

// post hands ev to the loop. It reports false once the session has ended.
func (s *Session) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
