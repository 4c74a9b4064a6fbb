package llm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/resilience"
)

// Orchestrator service identity. Messages are google.protobuf.Struct so the
// gateway does not depend on generated stubs.
const (
	OrchestratorService = "tutor.v1.TutorOrchestrator"
	respondMethod       = "/" + OrchestratorService + "/Respond"
)

var respondStreamDesc = &grpc.StreamDesc{StreamName: "Respond", ServerStreams: true}

// OrchestratorError is an error reported inside the response stream.
type OrchestratorError struct {
	Code    string
	Message string
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("orchestrator error %s: %s", e.Code, e.Message)
}

// OrchestratorClient manages the gRPC connection to a tutor orchestrator
// that owns prompting and model selection.
type OrchestratorClient struct {
	conn           *grpc.ClientConn
	health         healthpb.HealthClient
	retry          *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewOrchestratorClient creates a client from the service configuration
func NewOrchestratorClient(cfg *config.Config) (*OrchestratorClient, error) {
	var opts []grpc.DialOption
	if cfg.OrchestratorTLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return NewOrchestratorClientWithOptions(cfg, opts...)
}

// NewOrchestratorClientWithOptions creates a client with extra dial options
func NewOrchestratorClientWithOptions(cfg *config.Config, opts ...grpc.DialOption) (*OrchestratorClient, error) {
	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))

	conn, err := grpc.NewClient(cfg.OrchestratorURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator client for %s: %w", cfg.OrchestratorURL, err)
	}

	c := &OrchestratorClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    config.Millis(cfg.RetryInitialBackoff),
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: observability.NewCircuitBreaker("orchestrator", cfg.CircuitBreakerMaxFailures, config.Seconds(cfg.CircuitBreakerResetTimeout)),
		logger:         observability.ComponentLogger("llm.orchestrator"),
	}
	c.logger.Info().Str("target", cfg.OrchestratorURL).Msg("Orchestrator client created")
	return c, nil
}

// Stream sends the turn to the orchestrator and streams sentences back
func (c *OrchestratorClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, errors.New("orchestrator client is closed")
	}

	msg, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	var stream grpc.ClientStream
	err = c.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			s, err := c.conn.NewStream(ctx, respondStreamDesc, respondMethod)
			if err != nil {
				return err
			}
			if err := s.SendMsg(msg); err != nil {
				return err
			}
			if err := s.CloseSend(); err != nil {
				return err
			}
			stream = s
			return nil
		}, c.retry, isRetryableStatus)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call Respond: %w", err)
	}

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)

		w := newSentenceWriter(ctx, out)
		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				w.finish(nil)
				return
			}
			if err != nil {
				if isRetryableStatus(err) {
					c.logger.Warn().Err(err).Msg("Retryable error receiving from Respond stream")
				} else {
					c.logger.Error().Err(err).Msg("Error receiving from Respond stream")
				}
				w.finish(err)
				return
			}

			text, done, oerr := decodeResponse(resp)
			if oerr != nil {
				w.finish(oerr)
				return
			}
			if text != "" && !w.write(text) {
				return
			}
			if done {
				w.finish(nil)
				return
			}
		}
	}()
	return out, nil
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{"role": m.Role, "content": m.Content})
	}
	msg, err := structpb.NewStruct(map[string]any{
		"session_id":    req.SessionID,
		"system_prompt": req.SystemPrompt,
		"history":       history,
		"utterance":     req.Utterance,
	})
	if err != nil {
		return nil, fmt.Errorf("encode orchestrator request: %w", err)
	}
	return msg, nil
}

// decodeResponse reads {text_chunk, is_done, error{code, message}}.
func decodeResponse(resp *structpb.Struct) (string, bool, error) {
	fields := resp.GetFields()
	if e := fields["error"].GetStructValue(); e != nil {
		ef := e.GetFields()
		return "", true, &OrchestratorError{
			Code:    ef["code"].GetStringValue(),
			Message: ef["message"].GetStringValue(),
		}
	}
	return fields["text_chunk"].GetStringValue(), fields["is_done"].GetBoolValue(), nil
}

// HealthCheck asks the standard gRPC health service about the orchestrator
func (c *OrchestratorClient) HealthCheck(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: OrchestratorService})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (c *OrchestratorClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// isRetryableStatus checks whether a gRPC error is worth retrying
func isRetryableStatus(err error) bool {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		case codes.OK, codes.Unknown:
		default:
			return false
		}
	}
	return resilience.IsRetryableNetworkError(err)
}
