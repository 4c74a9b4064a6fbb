package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/tutor-gateway/internal/audio"
)

// Config holds all configuration for the tutor gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, used only for logging the session endpoint.
	// Optional; if unset, logs ws://localhost:PORT/ws/session.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Session token verification (HS256)
	AuthJWTSecret string `envconfig:"AUTH_JWT_SECRET" required:"true"`

	// Speech-to-text provider: deepgram or assemblyai
	STTProvider      string `envconfig:"STT_PROVIDER" default:"deepgram"`
	STTSampleRate    int    `envconfig:"STT_SAMPLE_RATE" default:"16000"`
	STTFrameMs       int    `envconfig:"STT_FRAME_MS" default:"50"`      // Audio forwarded to STT in frames of this size
	STTTokenTTL      int    `envconfig:"STT_TOKEN_TTL" default:"540"`    // seconds an STT auth token is reused
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	AssemblyAIAPIKey string `envconfig:"ASSEMBLYAI_API_KEY"`

	// Language model provider: openai, gemini or orchestrator
	LLMProvider            string `envconfig:"LLM_PROVIDER" default:"openai"`
	OpenAIAPIKey           string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel            string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	GeminiAPIKey           string `envconfig:"GEMINI_API_KEY"`
	GeminiModel            string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	OrchestratorURL        string `envconfig:"ORCHESTRATOR_URL" default:"localhost:50051"`
	OrchestratorTLSEnabled bool   `envconfig:"ORCHESTRATOR_TLS_ENABLED" default:"false"`
	OrchestratorTimeout    int    `envconfig:"ORCHESTRATOR_TIMEOUT" default:"30"` // seconds

	// Text-to-speech provider: cartesia or deepgram
	TTSProvider      string `envconfig:"TTS_PROVIDER" default:"cartesia"`
	TTSSampleRate    int    `envconfig:"TTS_SAMPLE_RATE" default:"24000"`
	OutputSampleRate int    `envconfig:"OUTPUT_SAMPLE_RATE" default:"24000"` // Sample rate of audio sent to clients
	AudioChunkBytes  int    `envconfig:"AUDIO_CHUNK_BYTES" default:"32768"`  // Max PCM bytes per audio message
	CartesiaAPIKey   string `envconfig:"CARTESIA_API_KEY"`
	CartesiaVoiceID  string `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaModelID  string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2"`
	DeepgramVoice    string `envconfig:"DEEPGRAM_VOICE" default:"aura-asteria-en"`

	// Moderation
	ModerationEnabled     bool    `envconfig:"MODERATION_ENABLED" default:"true"`
	ModerationConfidence  float64 `envconfig:"MODERATION_CONFIDENCE" default:"0.8"` // Category score that counts as a confident violation
	ModerationMaxWarnings int     `envconfig:"MODERATION_MAX_WARNINGS" default:"2"` // Confident violations tolerated before the session ends

	// Persistence: sqlite3 or pgx
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite3"`
	StoreDSN    string `envconfig:"STORE_DSN" default:"tutor.db"`

	// Grade-band turn policies (optional YAML/JSON override file)
	GradeBandsFile string `envconfig:"GRADE_BANDS_FILE" default:""`

	// Turn orchestration timings and thresholds
	AccumulatorDebounceMs  int     `envconfig:"ACCUMULATOR_DEBOUNCE_MS" default:"1200"`    // Default debounce window when a grade band sets none
	EchoSimilarity         float64 `envconfig:"ECHO_SIMILARITY_THRESHOLD" default:"0.6"`   // Token containment ratio treated as echo
	EchoTailMs             int     `envconfig:"ECHO_TAIL_MS" default:"1500"`               // Window after playback end still checked for echo
	EchoMaxAgeMs           int     `envconfig:"ECHO_MAX_AGE_MS" default:"30000"`           // Maximum time since playback start for an echo
	EchoMinWords           int     `envconfig:"ECHO_MIN_WORDS" default:"1"`                // Shorter candidates are inconclusive
	EchoMinChars           int     `envconfig:"ECHO_MIN_CHARS" default:"4"`                // Candidates with fewer letters are inconclusive
	BargeInWindowMs        int     `envconfig:"BARGE_IN_WINDOW_MS" default:"15000"`        // Max time since last audio sent for a plausible barge-in
	BargeInMinChars        int     `envconfig:"BARGE_IN_MIN_CHARS" default:"4"`            // Minimum transcript length to interrupt
	ProcessingWatchdogMs   int     `envconfig:"PROCESSING_WATCHDOG_MS" default:"45000"`    // Force-unlock a stuck turn after this long
	PreResponseDelayMs     int     `envconfig:"PRE_RESPONSE_DELAY_MS" default:"350"`       // Pause before calling the model
	InterruptPacingMs      int     `envconfig:"INTERRUPT_PACING_MS" default:"700"`         // Extra pause after the student interrupted
	PlaybackGraceMs        int     `envconfig:"PLAYBACK_GRACE_MS" default:"500"`           // Slack added to the expected playback end
	InactivityCheckSeconds int     `envconfig:"INACTIVITY_CHECK_SECONDS" default:"30"`     // Inactivity check period
	InactivityWarnSeconds  int     `envconfig:"INACTIVITY_WARNING_SECONDS" default:"180"`  // Idle time before the spoken warning
	InactivityEndSeconds   int     `envconfig:"INACTIVITY_TIMEOUT_SECONDS" default:"300"`  // Idle time before the session ends
	HandshakeTimeoutMs     int     `envconfig:"HANDSHAKE_TIMEOUT_MS" default:"10000"`      // Time allowed for the init message
	MaxMessageBytes        int64   `envconfig:"MAX_MESSAGE_BYTES" default:"1048576"`       // WebSocket read limit

	// Client VAD defaults (used by the terminal client)
	VAD

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"500"`            // Reconnection backoff in milliseconds
	ReconnectMaxBackoff        int `envconfig:"RECONNECT_MAX_BACKOFF" default:"8000"`       // Reconnection backoff cap in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// VAD holds the client barge-in detector settings
type VAD struct {
	VADSpeechThreshold  float64 `envconfig:"VAD_SPEECH_THRESHOLD" default:"0.02"`   // Normalized RMS for speech when idle
	VADBargeInThreshold float64 `envconfig:"VAD_BARGE_IN_THRESHOLD" default:"0.08"` // Normalized RMS for speech during playback
	VADBargeInPeak      float64 `envconfig:"VAD_BARGE_IN_PEAK" default:"0.25"`      // Normalized peak required during playback
	VADCooldownMs       int     `envconfig:"VAD_COOLDOWN_MS" default:"300"`         // Ignore mic after playback start
	VADConfirmFrames    int     `envconfig:"VAD_CONFIRM_FRAMES" default:"3"`        // Consecutive loud frames to confirm barge-in
	VADSilenceFrames    int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`       // Frames of silence to mark speech end
}

// Detector converts the settings into a VAD configuration
func (v VAD) Detector() *audio.VADConfig {
	return &audio.VADConfig{
		SpeechThreshold:  v.VADSpeechThreshold,
		BargeInThreshold: v.VADBargeInThreshold,
		BargeInPeak:      v.VADBargeInPeak,
		PlaybackCooldown: Millis(v.VADCooldownMs),
		ConfirmFrames:    v.VADConfirmFrames,
		SilenceFrames:    v.VADSilenceFrames,
	}
}

// LoadVAD reads only the VAD settings. The terminal client uses it since it
// has none of the server's required keys.
func LoadVAD() (*VAD, error) {
	_ = godotenv.Load()
	var v VAD
	if err := envconfig.Process("", &v); err != nil {
		return nil, fmt.Errorf("failed to load VAD config: %w", err)
	}
	return &v, nil
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the keys required by the selected providers are present
func (c *Config) Validate() error {
	if c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}

	switch c.STTProvider {
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for STT_PROVIDER=deepgram")
		}
	case "assemblyai":
		if c.AssemblyAIAPIKey == "" {
			return fmt.Errorf("ASSEMBLYAI_API_KEY is required for STT_PROVIDER=assemblyai")
		}
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider)
	}

	switch c.LLMProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for LLM_PROVIDER=openai")
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for LLM_PROVIDER=gemini")
		}
	case "orchestrator":
		if c.OrchestratorURL == "" {
			return fmt.Errorf("ORCHESTRATOR_URL is required for LLM_PROVIDER=orchestrator")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}

	switch c.TTSProvider {
	case "cartesia":
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required for TTS_PROVIDER=cartesia")
		}
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for TTS_PROVIDER=deepgram")
		}
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider)
	}

	if c.ModerationEnabled && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when MODERATION_ENABLED=true")
	}

	switch c.StoreDriver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.InactivityWarnSeconds >= c.InactivityEndSeconds {
		return fmt.Errorf("INACTIVITY_WARNING_SECONDS must be below INACTIVITY_TIMEOUT_SECONDS")
	}
	return nil
}

// Millis converts a millisecond knob to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Seconds converts a second knob to a duration
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
