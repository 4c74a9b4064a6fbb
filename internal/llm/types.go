// Package llm streams tutor replies from a language model as whole sentences.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lexiqai/tutor-gateway/internal/config"
)

// ErrEmptyResponse is reported when the model produced no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior exchange in the conversation.
type Message struct {
	Role    string
	Content string
}

// Request is one tutor turn.
type Request struct {
	SessionID    string
	SystemPrompt string
	History      []Message
	Utterance    string
}

// Chunk is a complete sentence of the reply, or the error that ended it.
// The channel is closed after the last chunk.
type Chunk struct {
	Sentence string
	Err      error
}

// Client is a streaming language model backend.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	HealthCheck(ctx context.Context) (bool, error)
	Close() error
}

// NewClient returns the client for the configured provider
func NewClient(ctx context.Context, cfg *config.Config) (Client, error) {
	switch cfg.LLMProvider {
	case "openai":
		return NewOpenAIClient(cfg), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	case "orchestrator":
		return NewOrchestratorClient(cfg)
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
}

// SystemPrompt builds the tutor instructions for a grade band and language.
func SystemPrompt(gradeBand, language string) string {
	var b strings.Builder
	b.WriteString("You are a patient, encouraging tutor speaking with a student")
	if gradeBand != "" {
		b.WriteString(" in grade band ")
		b.WriteString(gradeBand)
	}
	b.WriteString(". Your replies are spoken aloud: use short, clear sentences, no lists or markup, ")
	b.WriteString("and guide the student to the answer with questions instead of giving it away.")
	if language != "" && !strings.HasPrefix(strings.ToLower(language), "en") {
		b.WriteString(" Reply in the language with code ")
		b.WriteString(language)
		b.WriteString(".")
	}
	return b.String()
}

// Collect drains a chunk channel into the full reply text.
func Collect(chunks <-chan Chunk) (string, error) {
	var parts []string
	for c := range chunks {
		if c.Err != nil {
			return strings.Join(parts, " "), c.Err
		}
		parts = append(parts, c.Sentence)
	}
	return strings.Join(parts, " "), nil
}
