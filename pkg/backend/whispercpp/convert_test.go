package whispercpp

import (
	"math"
	"testing"
)

func TestSamplesToFloat32_Empty(t *testing.T) {
	if out := samplesToFloat32(nil); len(out) != 0 {
		t.Fatalf("expected 0 samples, got %d", len(out))
	}
}

func TestSamplesToFloat32_Range(t *testing.T) {
	tests := []struct {
		name   string
		sample int16
		want   float32
	}{
		{"positive half", 16384, 0.5},
		{"max positive", 32767, 32767.0 / 32768.0},
		{"max negative", -32768, -1.0},
		{"zero", 0, 0.0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := samplesToFloat32([]int16{tc.sample})
			if math.Abs(float64(out[0]-tc.want)) > 1e-6 {
				t.Errorf("samplesToFloat32(%d) = %f, want %f", tc.sample, out[0], tc.want)
			}
		})
	}
}

func TestExtendDelta(t *testing.T) {
	tests := []struct {
		name string
		prev string
		text string
		want string
	}{
		{"fresh session returns all text", "", "你好世界", "你好世界"},
		{"extension returns new tail", "你好", "你好世界", "世界"},
		{"extension trims joining space", "hello", "hello world", "world"},
		{"unchanged decode returns nothing", "你好", "你好", ""},
		{"revision returns full text", "你号世界", "你好世界真美", "你好世界真美"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := extendDelta(tc.prev, tc.text); got != tc.want {
				t.Errorf("extendDelta(%q, %q) = %q, want %q", tc.prev, tc.text, got, tc.want)
			}
		})
	}
}
