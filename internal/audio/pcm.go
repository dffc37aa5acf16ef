// Package audio holds the PCM utilities and the segmenter that prepares
// uploaded audio for backend inference. Everything in this package works on
// the service's internal audio standard: 16 kHz, 16-bit, little-endian,
// mono PCM.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// SampleRate is the internal sample rate in Hz. All audio is converted to
// this rate before it reaches a backend.
const SampleRate = 16000

// BytesToSamples decodes raw PCM16LE bytes into samples. A trailing odd byte
// is dropped.
func BytesToSamples(b []byte) []int16 {
	n := len(b) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as raw PCM16LE bytes.
func SamplesToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// Duration returns the play time of n samples at the internal rate.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// DurationMs returns the play time of n samples in whole milliseconds.
func DurationMs(n int) int64 {
	return int64(n) * 1000 / SampleRate
}

// MsToSamples converts a millisecond duration to a sample count.
func MsToSamples(ms int64) int {
	return int(ms * SampleRate / 1000)
}

// RMS returns the root-mean-square energy of samples normalised to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
