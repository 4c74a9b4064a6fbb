// Command tutor-client is a terminal client for the tutoring gateway. It talks
// through the default microphone and speakers, and falls back to typed input
// when no audio device is available.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/lexiqai/tutor-gateway/internal/audio"
	"github.com/lexiqai/tutor-gateway/internal/auth"
	"github.com/lexiqai/tutor-gateway/internal/client"
	"github.com/lexiqai/tutor-gateway/internal/config"
	"github.com/lexiqai/tutor-gateway/internal/observability"
	"github.com/lexiqai/tutor-gateway/internal/playback"
	"github.com/lexiqai/tutor-gateway/internal/protocol"
)

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func main() {
	vad := audio.DefaultVADConfig()
	if v, err := config.LoadVAD(); err == nil {
		vad = v.Detector()
	}
	opts := client.Options{VAD: vad, Playback: playback.DefaultConfig()}
	var (
		devSecret string
		userID    string
		micRate   int
		logLevel  string
	)
	flag.StringVar(&opts.URL, "url", envOr("TUTOR_URL", "ws://localhost:8080/ws/session"), "Gateway session endpoint")
	flag.StringVar(&opts.SessionID, "session", os.Getenv("TUTOR_SESSION_ID"), "Session id (required)")
	flag.StringVar(&opts.Token, "token", os.Getenv("TUTOR_TOKEN"), "Session token")
	flag.StringVar(&opts.GradeBand, "grade", "", "Grade band, e.g. 3-5 (optional)")
	flag.StringVar(&opts.Language, "lang", "en", "Language code")
	flag.StringVar(&opts.Mode, "mode", protocol.ModeVoice, "Interaction mode: voice or text")
	flag.StringVar(&devSecret, "dev-secret", os.Getenv("AUTH_JWT_SECRET"), "Mint a token locally with this secret when -token is empty")
	flag.StringVar(&userID, "user", "dev-student", "User id for a locally minted token")
	flag.IntVar(&micRate, "mic-rate", 16000, "Microphone sample rate (must match the server STT rate)")
	flag.Float64Var(&opts.VAD.BargeInThreshold, "barge-in-rms", opts.VAD.BargeInThreshold, "Normalized RMS needed to talk over the tutor")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level")
	flag.Parse()

	observability.InitLogger(logLevel, true)
	logger := observability.GetLogger()

	if opts.SessionID == "" {
		fmt.Fprintln(os.Stderr, "-session is required")
		os.Exit(2)
	}
	if opts.Token == "" && devSecret != "" {
		token, err := auth.Issue(devSecret, userID, opts.SessionID, time.Hour)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to mint session token")
		}
		opts.Token = token
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	audioErr := portaudio.Initialize()
	if audioErr == nil {
		defer portaudio.Terminate()
	} else if opts.Mode == protocol.ModeVoice {
		fmt.Println("Audio unavailable, switching to text mode:", audioErr)
		opts.Mode = protocol.ModeText
	}

	c, err := client.Dial(ctx, opts, client.Handler{
		OnTranscript: func(e protocol.TranscriptEntry) {
			if !e.Partial {
				fmt.Printf("%s: %s\n", e.Speaker, e.Text)
			}
		},
		OnStatus: func(status string) {
			if status == protocol.TypeTutorThinking {
				fmt.Println("(tutor is thinking...)")
			}
		},
		OnError: func(code, message string) {
			fmt.Printf("[%s] %s\n", code, message)
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start session")
	}
	defer c.Close()

	if audioErr == nil {
		out, err := startPlayback(c)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to open speakers, tutor audio is muted")
		}
		defer stopStream(out)

		if c.Mode() == protocol.ModeVoice {
			mic, buffer, err := openMic(micRate)
			if err != nil {
				fmt.Println("Microphone unavailable, switching to text mode:", err)
				_ = c.SetMode(protocol.ModeText)
			} else {
				go captureMic(ctx, mic, buffer, c, logger)
			}
		}
	}

	fmt.Println("Connected. Type a message, /voice, /text or /quit.")
	go readInput(c)

	reason, err := c.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Session error:", err)
		os.Exit(1)
	}
	fmt.Println("Session ended:", reason)
}

func readInput(c *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch line {
		case "":
			continue
		case "/quit":
			err = c.End()
		case "/voice":
			err = c.SetMode(protocol.ModeVoice)
		case "/text":
			err = c.SetMode(protocol.ModeText)
		default:
			err = c.SendText(line)
		}
		if err != nil {
			return
		}
	}
}
