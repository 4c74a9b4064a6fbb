package audio

import "time"

// VADConfig holds configuration for client-side voice activity detection.
// Levels are normalized to [0, 1].
type VADConfig struct {
	SpeechThreshold  float64       // RMS that counts as speech while nothing is playing
	BargeInThreshold float64       // RMS that counts as speech while the tutor is playing
	BargeInPeak      float64       // Peak amplitude also required while the tutor is playing
	PlaybackCooldown time.Duration // Ignore the mic for this long after playback starts
	ConfirmFrames    int           // Consecutive loud frames needed to confirm a barge-in
	SilenceFrames    int           // Consecutive quiet frames to mark end of speech
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		SpeechThreshold:  0.02,
		BargeInThreshold: 0.08,
		BargeInPeak:      0.25,
		PlaybackCooldown: 300 * time.Millisecond,
		ConfirmFrames:    3,
		SilenceFrames:    10,
	}
}

// VADResult describes one processed frame.
type VADResult struct {
	RMS           float64
	Peak          float64
	Speaking      bool
	SpeechStarted bool
	SpeechEnded   bool
	// BargeIn is set once per loud run while playback is active, after the
	// cooldown and ConfirmFrames consecutive frames above the elevated threshold.
	BargeIn bool
	// Suppressed is set when the frame fell inside the playback cooldown.
	Suppressed bool
}

// VADDetector performs voice activity and barge-in detection on mic frames.
// It is not safe for concurrent use.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	loudRun        int
	isSpeaking     bool
	bargeInFired   bool

	playbackActive  bool
	playbackStarted time.Time
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.ConfirmFrames < 1 {
		config.ConfirmFrames = 1
	}
	return &VADDetector{config: config}
}

// SetPlayback tells the detector whether tutor audio is audible. Starting
// playback opens the cooldown window.
func (v *VADDetector) SetPlayback(active bool, now time.Time) {
	if active && !v.playbackActive {
		v.playbackStarted = now
		v.loudRun = 0
		v.bargeInFired = false
	}
	v.playbackActive = active
}

// PlaybackActive reports the last state given to SetPlayback
func (v *VADDetector) PlaybackActive() bool {
	return v.playbackActive
}

// ProcessFrame classifies one frame of mic samples captured at now.
func (v *VADDetector) ProcessFrame(samples []int16, now time.Time) VADResult {
	res := VADResult{
		RMS:  NormalizedRMS(samples),
		Peak: NormalizedPeak(samples),
	}

	voiced := res.RMS >= v.config.SpeechThreshold
	if v.playbackActive {
		// Speaker bleed right after playback starts is never speech.
		if now.Sub(v.playbackStarted) < v.config.PlaybackCooldown {
			res.Suppressed = true
			v.loudRun = 0
			res.Speaking = v.isSpeaking
			return res
		}
		voiced = res.RMS >= v.config.BargeInThreshold && res.Peak >= v.config.BargeInPeak
	}

	if voiced {
		v.silenceCounter = 0
		v.loudRun++
		if !v.isSpeaking && (!v.playbackActive || v.loudRun >= v.config.ConfirmFrames) {
			v.isSpeaking = true
			res.SpeechStarted = true
		}
		if v.playbackActive && !v.bargeInFired && v.loudRun >= v.config.ConfirmFrames {
			v.bargeInFired = true
			res.BargeIn = true
		}
	} else {
		v.loudRun = 0
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			v.isSpeaking = false
			v.silenceCounter = 0
			res.SpeechEnded = true
		}
	}

	res.Speaking = v.isSpeaking
	return res
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.loudRun = 0
	v.isSpeaking = false
	v.bargeInFired = false
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// DetectSilence reports whether samples stay below a normalized RMS threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return NormalizedRMS(samples) < threshold
}
