package audio

import (
	"sync"
)

// FrameBuffer re-frames arbitrary PCM writes into fixed-size frames for the
// STT provider. It is backed by a ring and drops the oldest bytes on overflow.
type FrameBuffer struct {
	buffer    []byte
	size      int
	frameSize int
	read      int
	count     int
	dropped   int64
	mu        sync.Mutex
}

// NewFrameBuffer creates a buffer holding up to capacity bytes and emitting frames of frameSize bytes
func NewFrameBuffer(capacity, frameSize int) *FrameBuffer {
	if frameSize < 2 {
		frameSize = 2
	}
	frameSize -= frameSize % 2
	if capacity < frameSize {
		capacity = frameSize * 4
	}
	return &FrameBuffer{
		buffer:    make([]byte, capacity),
		size:      capacity,
		frameSize: frameSize,
	}
}

// Write appends data, overwriting the oldest bytes when full.
func (fb *FrameBuffer) Write(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, b := range data {
		if fb.count == fb.size {
			fb.read = (fb.read + 1) % fb.size
			fb.count--
			fb.dropped++
		}
		fb.buffer[(fb.read+fb.count)%fb.size] = b
		fb.count++
	}
}

// Frames drains every complete frame currently buffered.
func (fb *FrameBuffer) Frames() [][]byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var frames [][]byte
	for fb.count >= fb.frameSize {
		frame := make([]byte, fb.frameSize)
		for i := range frame {
			frame[i] = fb.buffer[(fb.read+i)%fb.size]
		}
		fb.read = (fb.read + fb.frameSize) % fb.size
		fb.count -= fb.frameSize
		frames = append(frames, frame)
	}
	return frames
}

// Flush returns whatever is buffered, including a partial frame, trimmed to whole samples
func (fb *FrameBuffer) Flush() []byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	n := fb.count - fb.count%2
	out := make([]byte, n)
	for i := range out {
		out[i] = fb.buffer[(fb.read+i)%fb.size]
	}
	fb.read, fb.count = 0, 0
	return out
}

// Available returns the number of buffered bytes
func (fb *FrameBuffer) Available() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.count
}

// Dropped returns how many bytes were overwritten because the buffer was full
func (fb *FrameBuffer) Dropped() int64 {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.dropped
}

// Clear clears the buffer
func (fb *FrameBuffer) Clear() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.read, fb.count = 0, 0
}
