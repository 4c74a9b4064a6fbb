package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
)

// httpSynth posts a JSON body and reads raw PCM back, behind retry and a
// circuit breaker.
type httpSynth struct {
	httpClient     *http.Client
	retry          *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
}

func newHTTPSynth(cfg *config.Config, cb *resilience.CircuitBreaker) httpSynth {
	return httpSynth{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    config.Millis(cfg.RetryInitialBackoff),
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: cb,
	}
}

func (h httpSynth) post(ctx context.Context, url string, headers map[string]string, body []byte) ([]byte, error) {
	var pcm []byte
	err := h.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			for k, v := range headers {
				req.Header.Set(k, v)
			}

			resp, err := h.httpClient.Do(req)
			if err != nil {
				return resilience.NewRetryableError(fmt.Errorf("failed to make request: %w", err))
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				err := fmt.Errorf("tts API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
				if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
					return resilience.NewRetryableError(err)
				}
				return err
			}

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return resilience.NewRetryableError(fmt.Errorf("error reading audio response: %w", err))
			}
			pcm = data
			return nil
		}, h.retry, resilience.IsRetryable)
	})
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	// Drop a trailing odd byte rather than failing the sentence
	return pcm[:len(pcm)-len(pcm)%2], nil
}
