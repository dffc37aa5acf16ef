package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusMaxFrame is the decode capacity in samples per channel: 120 ms at the
// internal rate, the largest frame the Opus spec allows.
const opusMaxFrame = SampleRate * 120 / 1000

// OpusDecoder decodes a stream of Opus frames into mono PCM16 at the
// internal sample rate. One decoder holds the codec state for one streaming
// session and must not be shared across sessions.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a decoder for 16 kHz mono input.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus frame into PCM16 samples.
func (d *OpusDecoder) Decode(frame []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(frame, opusMaxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm, nil
}
