package audio_test

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/skygazer42/TingWu/internal/audio"
)

func TestWAV_EncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 100, -100, 32767, -32768, 42}
	wav, err := audio.EncodeWAV(samples, audio.SampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if !audio.IsWAV(wav) {
		t.Fatal("EncodeWAV output fails IsWAV")
	}

	decoded, rate, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != audio.SampleRate {
		t.Errorf("rate = %d, want %d", rate, audio.SampleRate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(decoded), len(samples))
	}
	for i, s := range samples {
		if decoded[i] != s {
			t.Errorf("sample %d = %d, want %d", i, decoded[i], s)
		}
	}
}

func TestWAV_DecodeSkipsExtraChunks(t *testing.T) {
	t.Parallel()

	wav, err := audio.EncodeWAV([]int16{1, 2, 3}, audio.SampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	// Splice a LIST chunk between fmt and data, as many encoders emit.
	list := make([]byte, 8+4)
	copy(list, "LIST")
	binary.LittleEndian.PutUint32(list[4:], 4)
	copy(list[8:], "INFO")
	patched := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)
	binary.LittleEndian.PutUint32(patched[4:], uint32(len(patched)-8))

	decoded, _, err := audio.DecodeWAV(patched)
	if err != nil {
		t.Fatalf("DecodeWAV with LIST chunk: %v", err)
	}
	if len(decoded) != 3 || decoded[2] != 3 {
		t.Errorf("decoded = %v, want [1 2 3]", decoded)
	}
}

func TestWAV_DecodeRejections(t *testing.T) {
	t.Parallel()

	valid, err := audio.EncodeWAV([]int16{1, 2, 3, 4}, audio.SampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr string
	}{
		{
			name:    "not riff",
			mutate:  func(b []byte) []byte { copy(b, "JUNK"); return b },
			wantErr: "not a RIFF/WAVE",
		},
		{
			name:    "stereo",
			mutate:  func(b []byte) []byte { binary.LittleEndian.PutUint16(b[22:], 2); return b },
			wantErr: "channel count",
		},
		{
			name:    "eight bit",
			mutate:  func(b []byte) []byte { binary.LittleEndian.PutUint16(b[34:], 8); return b },
			wantErr: "sample width",
		},
		{
			name:    "ieee float",
			mutate:  func(b []byte) []byte { binary.LittleEndian.PutUint16(b[20:], 3); return b },
			wantErr: "unsupported wav format",
		},
		{
			name:    "no data chunk",
			mutate:  func(b []byte) []byte { return b[:36] },
			wantErr: "no data chunk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := tt.mutate(append([]byte{}, valid...))
			_, _, err := audio.DecodeWAV(b)
			if err == nil {
				t.Fatal("DecodeWAV accepted malformed input")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestWAV_EncodeEmpty(t *testing.T) {
	t.Parallel()

	if _, err := audio.EncodeWAV(nil, audio.SampleRate); err == nil {
		t.Error("EncodeWAV(nil) succeeded, want error")
	}
}

func TestBytesToSamples_DropsOddTrailingByte(t *testing.T) {
	t.Parallel()

	got := audio.BytesToSamples([]byte{0x34, 0x12, 0xFF})
	if len(got) != 1 || got[0] != 0x1234 {
		t.Errorf("BytesToSamples = %v, want [4660]", got)
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(make([]int16, 320)); got != 0 {
		t.Errorf("RMS(silence) = %v, want 0", got)
	}
	constant := make([]int16, 320)
	for i := range constant {
		constant[i] = 16384
	}
	if got := audio.RMS(constant); got < 0.49 || got > 0.51 {
		t.Errorf("RMS(half scale) = %v, want 0.5", got)
	}
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
}
