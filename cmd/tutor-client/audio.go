package main

import (
	"context"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/client"
)

const micFrameMs = 20

// startPlayback renders the client's mixer into the default output device.
func startPlayback(c *client.Client) (*portaudio.Stream, error) {
	rate := c.SampleRate()
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), rate*micFrameMs/1000, func(out []int16) {
		c.Render(out)
	})
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return stream, nil
}

// openMic opens the default input device at rate.
func openMic(rate int) (*portaudio.Stream, []int16, error) {
	buffer := make([]int16, rate*micFrameMs/1000)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), len(buffer), &buffer)
	if err != nil {
		return nil, nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, nil, err
	}
	return stream, buffer, nil
}

// captureMic reads mic frames and hands them to the client until ctx is done.
func captureMic(ctx context.Context, stream *portaudio.Stream, buffer []int16, c *client.Client, logger zerolog.Logger) {
	defer func() {
		_ = stream.Stop()
		_ = stream.Close()
	}()
	for ctx.Err() == nil {
		if err := stream.Read(); err != nil {
			logger.Error().Err(err).Msg("Mic read error")
			return
		}
		frame := make([]int16, len(buffer))
		copy(frame, buffer)
		if err := c.SendMic(frame); err != nil {
			logger.Debug().Err(err).Msg("Failed to send mic audio")
			return
		}
	}
}

func stopStream(s *portaudio.Stream) {
	if s == nil {
		return
	}
	_ = s.Stop()
	_ = s.Close()
}
