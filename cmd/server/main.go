package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dimiro1/banner"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/tutor-gateway/internal/auth"
	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/llm"
	"github.com/lexiqai/tutor-gateway/internal/moderation"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/session"
	"github.com/lexiqai/tutor-gateway/internal/store"
	"github.com/lexiqai/tutor-gateway/internal/stt"
	"github.com/lexiqai/tutor-gateway/internal/tts"
)

const version = "dev"

func printBanner() {
	tpl := "{{ .Title \"Tutor Gateway\" \"\" 0 }}\nVersion: " + version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogPretty {
		printBanner()
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("stt_provider", cfg.STTProvider).
		Str("llm_provider", cfg.LLMProvider).
		Str("tts_provider", cfg.TTSProvider).
		Str("store_driver", cfg.StoreDriver).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Tutor Gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bands, err := config.LoadGradeBands(cfg.GradeBandsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load grade band policies")
	}

	dialer, err := stt.NewDialer(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create STT dialer")
	}
	synth, err := tts.NewSynthesizer(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create TTS client")
	}
	model, err := llm.NewClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create LLM client")
	}
	defer model.Close()

	db, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open session store")
	}
	defer db.Close()

	deps := session.Deps{
		Dialer:    dialer,
		LLM:       model,
		TTS:       synth,
		Moderator: moderation.New(cfg),
		Store:     db,
	}
	// Sessions outlive the signal context so they can finish on their own
	// during graceful shutdown; sessionCtx is cancelled once the grace ends.
	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()
	handler := session.NewHandler(sessionCtx, cfg, bands, auth.NewVerifier(cfg.AuthJWTSecret), deps)

	// Create HTTP server
	mux := http.NewServeMux()
	mux.Handle("/ws/session", handler)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	mux.HandleFunc("/ready", observability.ReadinessHandler(
		observability.Check{Name: "llm", Fn: model.HealthCheck},
		observability.Check{Name: "store", Fn: func(ctx context.Context) (bool, error) {
			if err := db.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}},
	))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WebSocket connections are hijacked, so the timeouts only bound plain
	// HTTP requests.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	endpoint := cfg.PublicURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("ws://localhost:%s", cfg.Port)
	}
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint+"/ws/session").
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Live sessions are ended (and persisted) before the store closes.
	cancelSessions()
	drained := make(chan struct{})
	go func() {
		handler.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Timed out waiting for sessions to end")
	}

	logger.Info().Msg("Server exited gracefully")
}
