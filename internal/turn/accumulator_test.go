package turn_test

import (
	"testing"
	"time"

	"github.com/lexiqai/tutor-gateway/internal/turn"
	"github.com/lexiqai/tutor-gateway/internal/turn/turntest"
)

type firedGens struct{ gens []uint64 }

func (f *firedGens) notify(gen uint64) { f.gens = append(f.gens, gen) }

func (f *firedGens) drain() []uint64 {
	out := f.gens
	f.gens = nil
	return out
}

func newAccumulator(window time.Duration) (*turn.Accumulator, *turntest.FakeClock, *firedGens) {
	clk := turntest.NewFakeClock(time.Unix(1_700_000_000, 0))
	fired := &firedGens{}
	return turn.NewAccumulator(window, clk, fired.notify), clk, fired
}

// emitted runs every fired generation through OnTimer and collects utterances.
func emitted(acc *turn.Accumulator, fired *firedGens) []string {
	var out []string
	for _, gen := range fired.drain() {
		if text, ok := acc.OnTimer(gen); ok {
			out = append(out, text)
		}
	}
	return out
}

func TestAccumulator_FragmentsWithinWindow(t *testing.T) {
	acc, clk, fired := newAccumulator(time.Second)

	for _, frag := range []string{"To get my", "answer,", "apple"} {
		acc.Add(frag)
		clk.Advance(300 * time.Millisecond)
	}
	if got := emitted(acc, fired); len(got) != 0 {
		t.Fatalf("Expected nothing before the window elapses, got %v", got)
	}

	clk.Advance(time.Second)
	got := emitted(acc, fired)
	if len(got) != 1 || got[0] != "To get my answer, apple" {
		t.Errorf("Expected one joined utterance, got %q", got)
	}
}

func TestAccumulator_SeparatedByGaps(t *testing.T) {
	acc, clk, fired := newAccumulator(500 * time.Millisecond)

	acc.Add("first thought")
	clk.Advance(time.Second)
	acc.Add("second thought")
	clk.Advance(time.Second)

	got := emitted(acc, fired)
	if len(got) != 2 || got[0] != "first thought" || got[1] != "second thought" {
		t.Errorf("Expected two utterances, got %q", got)
	}
}

func TestAccumulator_DropsEmptyAndDuplicates(t *testing.T) {
	acc, clk, fired := newAccumulator(time.Second)

	if acc.Add("   ") {
		t.Error("Expected empty fragment to be dropped")
	}
	acc.Add("seven times eight")
	if acc.Add("Seven times eight.") {
		t.Error("Expected consecutive duplicate to be dropped")
	}
	acc.Add("is fifty six")
	clk.Advance(2 * time.Second)

	got := emitted(acc, fired)
	if len(got) != 1 || got[0] != "seven times eight is fifty six" {
		t.Errorf("Unexpected utterance %q", got)
	}
}

func TestAccumulator_StaleTimerIgnored(t *testing.T) {
	acc, _, _ := newAccumulator(time.Second)
	acc.Add("hello there")
	if _, ok := acc.OnTimer(0); ok {
		t.Error("Expected stale generation to be ignored")
	}
	if acc.Pending() != "hello there" {
		t.Errorf("Expected buffer untouched, got %q", acc.Pending())
	}
}

func TestAccumulator_FlushPrependReset(t *testing.T) {
	acc, clk, fired := newAccumulator(time.Second)

	acc.Add("because the")
	acc.Prepend("I think it's seven")
	text, ok := acc.Flush()
	if !ok || text != "I think it's seven because the" {
		t.Errorf("Unexpected flush %q %v", text, ok)
	}
	clk.Advance(5 * time.Second)
	if got := emitted(acc, fired); len(got) != 0 {
		t.Errorf("Expected flushed timer to be inert, got %v", got)
	}

	acc.Add("dangling")
	acc.Reset()
	if _, ok := acc.Flush(); ok {
		t.Error("Expected empty buffer after Reset")
	}
}
