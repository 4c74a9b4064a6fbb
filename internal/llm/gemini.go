package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
)

// GeminiClient streams replies from the Gemini API.
type GeminiClient struct {
	client         *genai.Client
	model          string
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewGeminiClient creates a client from the service configuration
func NewGeminiClient(ctx context.Context, cfg *config.Config) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{
		client:         client,
		model:          cfg.GeminiModel,
		circuitBreaker: observability.NewCircuitBreaker("gemini", cfg.CircuitBreakerMaxFailures, config.Seconds(cfg.CircuitBreakerResetTimeout)),
		logger:         observability.ComponentLogger("llm.gemini"),
	}, nil
}

// Stream starts a generation and returns its sentences
func (c *GeminiClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if err := c.circuitBreaker.Allow(); err != nil {
		return nil, err
	}

	var genCfg *genai.GenerateContentConfig
	if req.SystemPrompt != "" {
		genCfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
		}
	}
	contents := geminiContents(req)

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)

		start := time.Now()
		w := newSentenceWriter(ctx, out)
		var streamErr error
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, genCfg) {
			if err != nil {
				streamErr = err
				break
			}
			if !w.write(resp.Text()) {
				c.circuitBreaker.RecordResult(true)
				return
			}
		}
		c.circuitBreaker.RecordResult(streamErr == nil)
		if streamErr != nil {
			c.logger.Warn().Err(streamErr).Dur("elapsed", time.Since(start)).Msg("Generation stream error")
		}
		w.finish(streamErr)
	}()
	return out, nil
}

// geminiContents maps history and the new utterance to Gemini roles.
func geminiContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return append(contents, genai.NewContentFromText(req.Utterance, genai.RoleUser))
}

// HealthCheck fetches the configured model's metadata
func (c *GeminiClient) HealthCheck(ctx context.Context) (bool, error) {
	if _, err := c.client.Models.Get(ctx, c.model, nil); err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return true, nil
}

// Close is a no-op; the SDK client holds no connection
func (c *GeminiClient) Close() error { return nil }
