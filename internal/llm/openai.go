package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
)

// OpenAIClient streams chat completions.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	retry          *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewOpenAIClient creates a client from the service configuration
func NewOpenAIClient(cfg *config.Config) *OpenAIClient {
	return NewOpenAIClientWithConfig(openai.DefaultConfig(cfg.OpenAIAPIKey), cfg)
}

// NewOpenAIClientWithConfig creates a client with explicit transport settings
func NewOpenAIClientWithConfig(oc openai.ClientConfig, cfg *config.Config) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.OpenAIModel,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    config.Millis(cfg.RetryInitialBackoff),
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: observability.NewCircuitBreaker("openai", cfg.CircuitBreakerMaxFailures, config.Seconds(cfg.CircuitBreakerResetTimeout)),
		logger:         observability.ComponentLogger("llm.openai"),
	}
}

// Stream starts a completion and returns its sentences
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Utterance})

	var stream *openai.ChatCompletionStream
	err := c.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			s, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
				Model:    c.model,
				Messages: messages,
				Stream:   true,
			})
			if err != nil {
				return err
			}
			stream = s
			return nil
		}, c.retry, isRetryableAPIError)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start completion: %w", err)
	}

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		defer stream.Close()

		w := newSentenceWriter(ctx, out)
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				w.finish(nil)
				return
			}
			if err != nil {
				c.logger.Warn().Err(err).Msg("Completion stream error")
				w.finish(err)
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !w.write(resp.Choices[0].Delta.Content) {
				return
			}
		}
	}()
	return out, nil
}

// HealthCheck lists models to confirm the key and endpoint work
func (c *OpenAIClient) HealthCheck(ctx context.Context) (bool, error) {
	if _, err := c.client.ListModels(ctx); err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return true, nil
}

// Close is a no-op; the HTTP client has no persistent state
func (c *OpenAIClient) Close() error { return nil }

// isRetryableAPIError retries rate limits, server errors and network failures.
func isRetryableAPIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return resilience.IsRetryableNetworkError(err)
}
