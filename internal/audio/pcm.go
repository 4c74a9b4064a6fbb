package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// ErrOddLength is returned for PCM16 payloads with a dangling byte.
var ErrOddLength = errors.New("pcm16 payload has odd length")

// BytesToSamples decodes little-endian PCM16 bytes
func BytesToSamples(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, ErrOddLength
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes encodes samples as little-endian PCM16
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// SamplesToFloat converts PCM16 samples to floats in [-1, 1)
func SamplesToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// Resample performs linear interpolation resampling of mono PCM16
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 || inputRate <= 0 || outputRate <= 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}
		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}
	return output
}

// ResampleBytes resamples a PCM16 payload
func ResampleBytes(data []byte, inputRate, outputRate int) ([]byte, error) {
	if inputRate == outputRate {
		return data, nil
	}
	samples, err := BytesToSamples(data)
	if err != nil {
		return nil, err
	}
	return SamplesToBytes(Resample(samples, inputRate, outputRate)), nil
}

// CalculateRMS calculates the root mean square of samples in raw PCM16 units
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// NormalizedRMS returns the RMS scaled to [0, 1]
func NormalizedRMS(samples []int16) float64 {
	return CalculateRMS(samples) / 32768
}

// NormalizedPeak returns the largest absolute amplitude scaled to [0, 1]
func NormalizedPeak(samples []int16) float64 {
	peak := 0
	for _, s := range samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768
}

// Duration returns the playback length of a mono PCM16 payload
func Duration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(byteLen/2) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the mono PCM16 byte count covering d at sampleRate
func BytesFor(d time.Duration, sampleRate int) int {
	return int(int64(d)*int64(sampleRate)/int64(time.Second)) * 2
}

// Split cuts a PCM16 payload into pieces of at most maxBytes, keeping sample alignment
func Split(data []byte, maxBytes int) [][]byte {
	if maxBytes <= 1 || len(data) <= maxBytes {
		return [][]byte{data}
	}
	maxBytes -= maxBytes % 2
	var parts [][]byte
	for len(data) > 0 {
		n := maxBytes
		if n > len(data) {
			n = len(data)
		}
		parts = append(parts, data[:n])
		data = data[n:]
	}
	return parts
}
