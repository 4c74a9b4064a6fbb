package turn_test

import (
	"testing"
	"time"

	"github.com/lexiqai/tutor-gateway/internal/turn"
	"github.com/lexiqai/tutor-gateway/internal/turn/turntest"
)

func guardedConfig() turn.PolicyConfig {
	return turn.PolicyConfig{
		HesitationGuard: true,
		MinConfidence:   0.6,
		MinWords:        3,
		MaxSilence:      4 * time.Second,
		StallPrompt:     "What are you thinking?",
	}
}

func newPolicy(cfg turn.PolicyConfig) (*turn.Policy, *turntest.FakeClock, *firedGens) {
	clk := turntest.NewFakeClock(time.Unix(1_700_000_000, 0))
	fired := &firedGens{}
	return turn.NewPolicy(cfg, clk, fired.notify), clk, fired
}

func stall(p *turn.Policy, clk *turntest.FakeClock, fired *firedGens) turn.Decision {
	var last turn.Decision
	for _, gen := range fired.drain() {
		if d := p.OnStallTimer(gen, clk.Now()); d.Action != turn.ActionNone {
			last = d
		}
	}
	return last
}

func TestPolicy_FireWhenGuardDisabled(t *testing.T) {
	cfg := guardedConfig()
	cfg.HesitationGuard = false
	p, clk, _ := newPolicy(cfg)

	d := p.Evaluate(turn.Input{Text: "um", EndOfTurn: true, Final: true, Confidence: 0.1, Now: clk.Now()})
	if d.Action != turn.ActionFire || d.Text != "um" {
		t.Errorf("Expected fire, got %+v", d)
	}
}

func TestPolicy_Transitions(t *testing.T) {
	tests := []struct {
		name   string
		input  turn.Input
		action turn.Action
		guard  bool
	}{
		{"confident end of turn fires", turn.Input{Text: "the answer is twelve", EndOfTurn: true, Confidence: 0.9}, turn.ActionFire, false},
		{"low confidence hesitates", turn.Input{Text: "the answer is twelve", EndOfTurn: true, Confidence: 0.3}, turn.ActionHesitate, true},
		{"short utterance hesitates", turn.Input{Text: "um so", EndOfTurn: true, Confidence: 0.95}, turn.ActionHesitate, true},
		{"final segment fires", turn.Input{Text: "so I carried", Final: true, Confidence: 0.2}, turn.ActionFire, false},
		{"interim ignored", turn.Input{Text: "so I", Confidence: 0.9}, turn.ActionNone, false},
		{"empty ignored", turn.Input{Text: "  ", EndOfTurn: true}, turn.ActionNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, clk, _ := newPolicy(guardedConfig())
			tt.input.Now = clk.Now()
			d := p.Evaluate(tt.input)
			if d.Action != tt.action {
				t.Errorf("Expected %s, got %s", tt.action, d.Action)
			}
			if p.Guarded() != tt.guard {
				t.Errorf("Expected guarded=%v", tt.guard)
			}
			if p.Guarded() && clk.Pending() != 1 {
				t.Errorf("Expected an armed stall timer while guarded, got %d", clk.Pending())
			}
		})
	}
}

func TestPolicy_SecondEndOfTurnFiresCombined(t *testing.T) {
	p, clk, fired := newPolicy(guardedConfig())

	p.Evaluate(turn.Input{Text: "um so", EndOfTurn: true, Confidence: 0.9, Now: clk.Now()})
	if !p.AwaitingSecondEndOfTurn() {
		t.Fatal("Expected to await a second end of turn")
	}
	clk.Advance(time.Second)
	d := p.Evaluate(turn.Input{Text: "I think it's twelve", EndOfTurn: true, Confidence: 0.9, Now: clk.Now()})

	if d.Action != turn.ActionFire || d.Text != "um so I think it's twelve" {
		t.Errorf("Expected combined fire, got %+v", d)
	}
	if p.Guarded() || clk.Pending() != 0 {
		t.Error("Expected Idle with no timer after firing")
	}
	clk.Advance(10 * time.Second)
	if d := stall(p, clk, fired); d.Action != turn.ActionNone {
		t.Errorf("Expected no stall after fire, got %+v", d)
	}
}

func TestPolicy_StallEscape(t *testing.T) {
	p, clk, fired := newPolicy(guardedConfig())

	p.Evaluate(turn.Input{Text: "um so", EndOfTurn: true, Confidence: 0.9, Now: clk.Now()})
	clk.Advance(4 * time.Second)

	d := stall(p, clk, fired)
	if d.Action != turn.ActionStallEscape {
		t.Fatalf("Expected stall escape, got %+v", d)
	}
	if d.Text != "um so. (after pause) What are you thinking?" {
		t.Errorf("Unexpected stall text %q", d.Text)
	}
	if p.Guarded() {
		t.Error("Expected Idle after stall escape")
	}
}

func TestPolicy_EmptyEndOfTurnKeepsGuard(t *testing.T) {
	cfg := guardedConfig()
	cfg.MaxSilence = 5 * time.Second
	p, clk, fired := newPolicy(cfg)

	// Deepgram: speech_final "um", then UtteranceEnd a second later with no text.
	if d := p.Evaluate(turn.Input{Text: "um", Final: true, EndOfTurn: true, Confidence: 0.3, Now: clk.Now()}); d.Action != turn.ActionHesitate {
		t.Fatalf("Expected hesitate, got %+v", d)
	}
	clk.Advance(time.Second)
	if d := p.Evaluate(turn.Input{Final: true, EndOfTurn: true, Confidence: 1, Now: clk.Now()}); d.Action != turn.ActionNone {
		t.Fatalf("Expected utterance end without text to be ignored, got %+v", d)
	}
	if !p.Guarded() {
		t.Fatal("Expected guard to stay active")
	}
	if want := clk.Now().Add(4 * time.Second); !p.Deadline().Equal(want) {
		t.Errorf("Expected deadline %v unchanged, got %v", want, p.Deadline())
	}

	clk.Advance(4 * time.Second)
	d := stall(p, clk, fired)
	if d.Action != turn.ActionStallEscape || d.Text != "um. (after pause) What are you thinking?" {
		t.Errorf("Expected stall escape after the full budget, got %+v", d)
	}
}

func TestPolicy_EmptyEndOfTurnAfterMoreSpeechFires(t *testing.T) {
	p, clk, _ := newPolicy(guardedConfig())

	p.Evaluate(turn.Input{Text: "um", Final: true, EndOfTurn: true, Confidence: 0.3, Now: clk.Now()})
	clk.Advance(time.Second)
	p.Evaluate(turn.Input{Text: "carry the one", Final: true, Confidence: 0.9, Now: clk.Now()})
	clk.Advance(time.Second)

	d := p.Evaluate(turn.Input{Final: true, EndOfTurn: true, Confidence: 1, Now: clk.Now()})
	if d.Action != turn.ActionFire || d.Text != "um carry the one" {
		t.Errorf("Expected combined fire, got %+v", d)
	}
	if p.Guarded() {
		t.Error("Expected Idle after firing")
	}
}

func TestPolicy_InterimSpeechRearmsSilence(t *testing.T) {
	p, clk, fired := newPolicy(guardedConfig())
	p.Evaluate(turn.Input{Text: "um so", EndOfTurn: true, Confidence: 0.9, Now: clk.Now()})

	clk.Advance(3 * time.Second)
	p.Evaluate(turn.Input{Text: "the", Now: clk.Now()})
	clk.Advance(3 * time.Second)
	if d := stall(p, clk, fired); d.Action != turn.ActionNone {
		t.Fatalf("Expected speech to restart the silence budget, got %+v", d)
	}

	clk.Advance(time.Second)
	if d := stall(p, clk, fired); d.Action != turn.ActionStallEscape {
		t.Errorf("Expected stall 4s after the last speech, got %+v", d)
	}
}

func TestPolicy_FinalWhileGuardedAppends(t *testing.T) {
	p, clk, fired := newPolicy(guardedConfig())
	p.Evaluate(turn.Input{Text: "um so", EndOfTurn: true, Confidence: 0.9, Now: clk.Now()})
	p.Evaluate(turn.Input{Text: "maybe carry the one", Final: true, Now: clk.Now()})

	clk.Advance(4 * time.Second)
	d := stall(p, clk, fired)
	if d.Text != "um so maybe carry the one. (after pause) What are you thinking?" {
		t.Errorf("Unexpected stall text %q", d.Text)
	}
}

func TestPolicy_SuspendResumeKeepsDeadline(t *testing.T) {
	p, clk, fired := newPolicy(guardedConfig())
	p.Evaluate(turn.Input{Text: "um so", EndOfTurn: true, Confidence: 0.9, Now: clk.Now()})
	deadline := p.Deadline()

	clk.Advance(time.Second)
	p.Suspend(clk.Now())
	if clk.Pending() != 0 {
		t.Fatal("Expected timer stopped while suspended")
	}
	clk.Advance(time.Second)
	if d := p.Resume(clk.Now()); d.Action != turn.ActionNone {
		t.Fatalf("Expected re-arm, got %+v", d)
	}
	if !p.Deadline().Equal(deadline) {
		t.Errorf("Expected deadline kept at %v, got %v", deadline, p.Deadline())
	}

	clk.Advance(1999 * time.Millisecond)
	if d := stall(p, clk, fired); d.Action != turn.ActionNone {
		t.Fatalf("Stall fired early: %+v", d)
	}
	clk.Advance(time.Millisecond)
	if d := stall(p, clk, fired); d.Action != turn.ActionStallEscape {
		t.Errorf("Expected stall at the original deadline, got %+v", d)
	}
}

func TestPolicy_ResumeAfterDeadlineFiresImmediately(t *testing.T) {
	p, clk, _ := newPolicy(guardedConfig())
	p.Evaluate(turn.Input{Text: "um so", EndOfTurn: true, Confidence: 0.9, Now: clk.Now()})

	p.Suspend(clk.Now())
	clk.Advance(10 * time.Second)
	d := p.Resume(clk.Now())
	if d.Action != turn.ActionStallEscape {
		t.Fatalf("Expected immediate stall escape on resume, got %+v", d)
	}
	if p.Guarded() {
		t.Error("Expected Idle after immediate stall escape")
	}
}

func TestPolicy_LateTimerEventIgnored(t *testing.T) {
	p, clk, fired := newPolicy(guardedConfig())
	p.Evaluate(turn.Input{Text: "um so", EndOfTurn: true, Confidence: 0.9, Now: clk.Now()})

	// The timer fires but its event is handled only after newer speech.
	clk.Advance(4 * time.Second)
	late := fired.drain()
	if len(late) != 1 {
		t.Fatalf("Expected one fired timer, got %d", len(late))
	}
	p.Evaluate(turn.Input{Text: "I think twelve", EndOfTurn: true, Confidence: 0.9, Now: clk.Now()})
	p.Evaluate(turn.Input{Text: "hmm", EndOfTurn: true, Confidence: 0.9, Now: clk.Now()})

	if d := p.OnStallTimer(late[0], clk.Now()); d.Action != turn.ActionNone {
		t.Errorf("Expected stale timer to be ignored, got %+v", d)
	}
	if !p.Guarded() || p.Pending() != "hmm" {
		t.Errorf("Expected the new guard to survive a stale timer, pending %q", p.Pending())
	}
}

func TestPolicy_AbsorbPrependsEarlierSpeech(t *testing.T) {
	p, clk, fired := newPolicy(guardedConfig())
	p.Evaluate(turn.Input{Text: "um", EndOfTurn: true, Confidence: 0.9, Now: clk.Now()})
	p.Absorb("so for this one")

	clk.Advance(4 * time.Second)
	if d := stall(p, clk, fired); d.Text != "so for this one um. (after pause) What are you thinking?" {
		t.Errorf("Unexpected stall text %q", d.Text)
	}
}
