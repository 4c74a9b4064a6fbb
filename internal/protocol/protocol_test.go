package protocol

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		check   func(t *testing.T, msg any)
		wantErr error
	}{
		{
			name: "init",
			raw:  `{"type":"init","sessionId":"s1","token":"tok","gradeBand":"3-5","mode":"voice"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(*Init)
				if !ok || m.SessionID != "s1" || m.GradeBand != "3-5" {
					t.Errorf("Unexpected init %+v", msg)
				}
			},
		},
		{
			name: "speech detected",
			raw:  `{"type":"speech_detected","rms":0.1,"bargeIn":true}`,
			check: func(t *testing.T, msg any) {
				if m, ok := msg.(*SpeechDetected); !ok || !m.BargeIn {
					t.Errorf("Unexpected message %+v", msg)
				}
			},
		},
		{
			name: "end",
			raw:  `{"type":"end"}`,
			check: func(t *testing.T, msg any) {
				if m, ok := msg.(*Simple); !ok || m.Type != TypeEnd {
					t.Errorf("Unexpected message %+v", msg)
				}
			},
		},
		{name: "unknown", raw: `{"type":"dance"}`, wantErr: ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			tt.check(t, msg)
		})
	}

	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestAudioPayload(t *testing.T) {
	pcm := []byte{1, 0, 255, 127}
	a := &Audio{Type: TypeAudio, Data: EncodeAudio(pcm)}
	got, err := a.DecodeAudio()
	if err != nil || string(got) != string(pcm) {
		t.Errorf("Expected payload %v, got %v (%v)", pcm, got, err)
	}

	a.Data = "!!!"
	if _, err := a.DecodeAudio(); err == nil {
		t.Error("Expected error for invalid base64")
	}
}

func TestDecodeServer(t *testing.T) {
	msg, err := DecodeServer([]byte(`{"type":"session_ended","reason":"user_goodbye"}`))
	if err != nil {
		t.Fatalf("DecodeServer() failed: %v", err)
	}
	if m, ok := msg.(*SessionEnded); !ok || m.Reason != ReasonUserGoodbye {
		t.Errorf("Unexpected message %+v", msg)
	}
}
