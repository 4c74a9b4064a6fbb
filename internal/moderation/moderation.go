// Package moderation screens student utterances and tracks the warning ladder.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
)

const moderationModel = "omni-moderation-latest"

// Result is the verdict for one utterance.
type Result struct {
	Flagged    bool
	Confident  bool     // Highest flagged category score reached the threshold
	Score      float64  // Highest category score
	Categories []string // Flagged categories, sorted
}

// Moderator checks text for policy violations.
type Moderator interface {
	Check(ctx context.Context, text string) (Result, error)
}

// Noop never flags anything; used when moderation is disabled.
type Noop struct{}

// Check always passes
func (Noop) Check(context.Context, string) (Result, error) { return Result{}, nil }

// OpenAIModerator uses the OpenAI moderation endpoint.
type OpenAIModerator struct {
	client         *openai.Client
	threshold      float64
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// New returns the moderator for the configuration
func New(cfg *config.Config) Moderator {
	if !cfg.ModerationEnabled {
		return Noop{}
	}
	return NewOpenAIModerator(openai.DefaultConfig(cfg.OpenAIAPIKey), cfg)
}

// NewOpenAIModerator creates a moderator with explicit transport settings
func NewOpenAIModerator(oc openai.ClientConfig, cfg *config.Config) *OpenAIModerator {
	return &OpenAIModerator{
		client:         openai.NewClientWithConfig(oc),
		threshold:      cfg.ModerationConfidence,
		circuitBreaker: observability.NewCircuitBreaker("moderation", cfg.CircuitBreakerMaxFailures, config.Seconds(cfg.CircuitBreakerResetTimeout)),
		logger:         observability.ComponentLogger("moderation"),
	}
}

// Check classifies text
func (m *OpenAIModerator) Check(ctx context.Context, text string) (Result, error) {
	var resp openai.ModerationResponse
	start := time.Now()
	err := m.circuitBreaker.Call(func() error {
		r, err := m.client.Moderations(ctx, openai.ModerationRequest{Input: text, Model: moderationModel})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("moderation request failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return Result{}, nil
	}

	res, err := evaluate(resp.Results[0], m.threshold)
	if err != nil {
		return Result{}, err
	}
	if res.Flagged {
		m.logger.Info().
			Strs("categories", res.Categories).
			Float64("score", res.Score).
			Bool("confident", res.Confident).
			Dur("elapsed", time.Since(start)).
			Msg("Utterance flagged")
	}
	return res, nil
}

// evaluate reads the category maps through their JSON form so new categories
// are picked up without code changes.
func evaluate(r openai.Result, threshold float64) (Result, error) {
	var flags map[string]bool
	var scores map[string]float64
	if err := roundTrip(r.Categories, &flags); err != nil {
		return Result{}, err
	}
	if err := roundTrip(r.CategoryScores, &scores); err != nil {
		return Result{}, err
	}

	res := Result{Flagged: r.Flagged}
	for name, flagged := range flags {
		if flagged {
			res.Categories = append(res.Categories, name)
		}
	}
	sort.Strings(res.Categories)
	for _, s := range scores {
		if s > res.Score {
			res.Score = s
		}
	}
	res.Confident = res.Flagged && res.Score >= threshold
	return res, nil
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode moderation categories: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode moderation categories: %w", err)
	}
	return nil
}
