// Package protocol defines the JSON messages exchanged over the tutoring WebSocket.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client to server message types.
const (
	TypeInit            = "init"
	TypeAudio           = "audio"
	TypeTextMessage     = "text_message"
	TypeSpeechDetected  = "speech_detected"
	TypePlaybackStarted = "playback_started"
	TypePlaybackEnded   = "playback_ended"
	TypeUpdateMode      = "update_mode"
	TypeEnd             = "end"
)

// Server to client message types.
const (
	TypeReady            = "ready"
	TypeTranscript       = "transcript"
	TypeTranscriptUpdate = "transcript_update"
	TypeInterrupt        = "interrupt"
	TypeTutorThinking    = "tutor_thinking"
	TypeTutorResponding  = "tutor_responding"
	TypeTutorError       = "tutor_error"
	TypeModeUpdated      = "mode_updated"
	TypeSessionEnded     = "session_ended"
	TypeError            = "error"
)

// Session end reasons.
const (
	ReasonNormal            = "normal"
	ReasonInactivityTimeout = "inactivity_timeout"
	ReasonUserGoodbye       = "user_goodbye"
	ReasonContentViolation  = "content_violation"
	ReasonError             = "error"
)

// Interaction modes.
const (
	ModeVoice = "voice"
	ModeText  = "text"
)

// Speakers in the transcript log.
const (
	SpeakerTutor   = "tutor"
	SpeakerStudent = "student"
	SpeakerSystem  = "system"
)

// Error codes sent in error messages.
const (
	CodeBadMessage     = "bad_message"
	CodeUnauthorized   = "unauthorized"
	CodeSessionInvalid = "session_invalid"
	CodeSTTUnavailable = "stt_unavailable"
	CodeInternal       = "internal"
)

// ErrUnknownType is returned by Decode for unrecognized message types.
var ErrUnknownType = errors.New("unknown message type")

// Envelope carries the type discriminator of every message.
type Envelope struct {
	Type string `json:"type"`
}

// Init opens a session.
type Init struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	GradeBand string `json:"gradeBand,omitempty"`
	Language  string `json:"language,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// Audio carries base64 PCM16 mono audio in either direction.
type Audio struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	TurnID     string `json:"turnId,omitempty"`
	IsChunk    bool   `json:"isChunk,omitempty"`
	ChunkIndex int    `json:"chunkIndex,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// TextMessage is typed student input.
type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SpeechDetected reports client VAD activity.
type SpeechDetected struct {
	Type    string  `json:"type"`
	RMS     float64 `json:"rms,omitempty"`
	Peak    float64 `json:"peak,omitempty"`
	BargeIn bool    `json:"bargeIn,omitempty"`
}

// UpdateMode switches between voice and text interaction.
type UpdateMode struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

// Simple is a message with no payload.
type Simple struct {
	Type string `json:"type"`
}

// Ready acknowledges init.
type Ready struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	Mode       string `json:"mode"`
	SampleRate int    `json:"sampleRate"`
}

// TranscriptEntry is one line of the session transcript.
type TranscriptEntry struct {
	ID        string    `json:"id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Partial   bool      `json:"partial,omitempty"`
}

// Transcript announces an appended or completed entry.
type Transcript struct {
	Type  string          `json:"type"`
	Entry TranscriptEntry `json:"entry"`
}

// TranscriptUpdate streams in-progress text.
type TranscriptUpdate struct {
	Type    string `json:"type"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// Interrupt tells the client to stop playback.
type Interrupt struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// TutorError reports a failed turn; the session continues.
type TutorError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ModeUpdated confirms a mode change.
type ModeUpdated struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

// SessionEnded is the last message of a session.
type SessionEnded struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Error reports a protocol or infrastructure failure.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// Decode parses a client message into its concrete type.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg any
	switch env.Type {
	case TypeInit:
		msg = &Init{}
	case TypeAudio:
		msg = &Audio{}
	case TypeTextMessage:
		msg = &TextMessage{}
	case TypeSpeechDetected:
		msg = &SpeechDetected{}
	case TypeUpdateMode:
		msg = &UpdateMode{}
	case TypePlaybackStarted, TypePlaybackEnded, TypeEnd:
		return &Simple{Type: env.Type}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// DecodeServer parses a server message into its concrete type.
func DecodeServer(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg any
	switch env.Type {
	case TypeReady:
		msg = &Ready{}
	case TypeTranscript:
		msg = &Transcript{}
	case TypeTranscriptUpdate:
		msg = &TranscriptUpdate{}
	case TypeAudio:
		msg = &Audio{}
	case TypeInterrupt:
		msg = &Interrupt{}
	case TypeTutorError:
		msg = &TutorError{}
	case TypeModeUpdated:
		msg = &ModeUpdated{}
	case TypeSessionEnded:
		msg = &SessionEnded{}
	case TypeError:
		msg = &Error{}
	case TypeTutorThinking, TypeTutorResponding:
		return &Simple{Type: env.Type}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// EncodeAudio base64-encodes PCM for an audio message.
func EncodeAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeAudio decodes the payload of an audio message.
func (a *Audio) DecodeAudio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.Data)
}

// ValidMode reports whether m is a known interaction mode.
func ValidMode(m string) bool {
	return m == ModeVoice || m == ModeText
}
