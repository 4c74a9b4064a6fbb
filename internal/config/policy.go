package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// GradeBandPolicy holds the turn-taking settings for one grade band.
type GradeBandPolicy struct {
	HesitationGuard bool          `mapstructure:"hesitation_guard"`
	MinConfidence   float64       `mapstructure:"min_confidence"`
	MinWords        int           `mapstructure:"min_words"`
	MaxSilence      time.Duration `mapstructure:"max_silence"`
	StallPrompt     string        `mapstructure:"stall_prompt"`
	Debounce        time.Duration `mapstructure:"debounce"`
}

// GradeBands maps a normalized grade band key to its policy.
type GradeBands map[string]GradeBandPolicy

// DefaultGradeBand is used when a session names an unknown band.
const DefaultGradeBand = "6-8"

// DefaultGradeBands returns the built-in policies. Younger students get the
// hesitation guard because they pause mid-thought far more often.
func DefaultGradeBands() GradeBands {
	return GradeBands{
		"k-2": {
			HesitationGuard: true,
			MinConfidence:   0.65,
			MinWords:        3,
			MaxSilence:      5 * time.Second,
			StallPrompt:     "Take your time. What are you thinking?",
			Debounce:        1800 * time.Millisecond,
		},
		"3-5": {
			HesitationGuard: true,
			MinConfidence:   0.55,
			MinWords:        2,
			MaxSilence:      4 * time.Second,
			StallPrompt:     "It's okay to think out loud. What's your idea?",
			Debounce:        1500 * time.Millisecond,
		},
		"6-8": {
			MinConfidence: 0.5,
			MinWords:      1,
			MaxSilence:    3 * time.Second,
			Debounce:      1200 * time.Millisecond,
		},
		"9-12": {
			MinConfidence: 0.5,
			MinWords:      1,
			MaxSilence:    3 * time.Second,
			Debounce:      1000 * time.Millisecond,
		},
		"college": {
			MinConfidence: 0.5,
			MinWords:      1,
			MaxSilence:    3 * time.Second,
			Debounce:      800 * time.Millisecond,
		},
	}
}

// LoadGradeBands returns the default policies overlaid with the bands found in
// path. An empty path returns the defaults.
func LoadGradeBands(path string) (GradeBands, error) {
	bands := DefaultGradeBands()
	if path == "" {
		return bands, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read grade bands %s: %w", path, err)
	}

	raw, ok := v.AllSettings()["grade_bands"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("grade bands %s: missing grade_bands table", path)
	}

	for key, settings := range raw {
		name := NormalizeGradeBand(key)
		policy := bands[name]
		if err := decodePolicy(settings, &policy); err != nil {
			return nil, fmt.Errorf("grade band %s: %w", key, err)
		}
		if err := policy.validate(); err != nil {
			return nil, fmt.Errorf("grade band %s: %w", key, err)
		}
		bands[name] = policy
	}
	return bands, nil
}

func decodePolicy(input any, out *GradeBandPolicy) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func (p GradeBandPolicy) validate() error {
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0,1], got %v", p.MinConfidence)
	}
	if p.HesitationGuard && p.MaxSilence <= 0 {
		return fmt.Errorf("max_silence must be positive when hesitation_guard is on")
	}
	if p.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	return nil
}

// Lookup returns the policy for band, falling back to DefaultGradeBand.
func (g GradeBands) Lookup(band string) (GradeBandPolicy, string) {
	name := NormalizeGradeBand(band)
	if p, ok := g[name]; ok {
		return p, name
	}
	return g[DefaultGradeBand], DefaultGradeBand
}

// Names returns the configured band keys in sorted order.
func (g GradeBands) Names() []string {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeGradeBand maps free-form labels ("K2", "grade 3-5", "9_12") to band keys.
func NormalizeGradeBand(band string) string {
	b := strings.ToLower(strings.TrimSpace(band))
	b = strings.TrimPrefix(b, "grades")
	b = strings.TrimPrefix(b, "grade")
	b = strings.TrimSpace(b)
	b = strings.ReplaceAll(b, "_", "-")
	b = strings.ReplaceAll(b, " ", "")
	switch b {
	case "k2", "k-2", "k", "kindergarten":
		return "k-2"
	case "35":
		return "3-5"
	case "68":
		return "6-8"
	case "912":
		return "9-12"
	case "adult", "university":
		return "college"
	}
	return b
}
