// Package playback schedules decoded tutor audio for gapless, interruptible
// playback on the client.
package playback

import "time"

// Buffer is a block of mono samples in [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Param is an automatable gain value. Times are on the output clock.
type Param interface {
	SetValueAtTime(value float64, at time.Duration)
	LinearRampToValueAtTime(value float64, at time.Duration)
	CancelScheduledValues(from time.Duration)
}

// Source is one scheduled buffer.
type Source interface {
	Gain() Param
	Start(at time.Duration)
	Stop(at time.Duration)
	// Disconnect detaches the source from the output once its stop time has passed.
	Disconnect()
}

// Output is the audio graph the scheduler drives.
type Output interface {
	CurrentTime() time.Duration
	NewSource(buf Buffer) Source
	MasterGain() Param
}
