package backend

import "time"

// Sentence is one time-stamped span of recognized text. Spans from a single
// result are ordered by start time and do not overlap. Timestamps are
// relative to the start of the audio that produced the result; the merge
// layer re-bases them to absolute time when stitching chunk results.
type Sentence struct {
	// Text is the recognized content of the span.
	Text string

	// StartMs and EndMs bound the span in milliseconds.
	StartMs int64
	EndMs   int64

	// Speaker is the backend-native speaker index for the span. It is
	// meaningful only when the request asked for speakers and the backend's
	// capabilities include them; otherwise it is zero and carries no signal.
	Speaker int
}

// Result is the outcome of one transcription call.
type Result struct {
	// Text is the full recognized text.
	Text string

	// Sentences carries sentence-level spans when the backend produces
	// them. May be empty for backends without sentence timestamps.
	Sentences []Sentence
}

// Capabilities describes what a backend supports. The core dispatches on
// this descriptor instead of inspecting backend types.
type Capabilities struct {
	// Speaker reports whether the backend can attach native speaker
	// indices to sentences.
	Speaker bool

	// Streaming reports whether TranscribeIncremental is implemented.
	Streaming bool

	// MaxInputDuration is the longest single input the backend accepts.
	// Zero means unbounded. The segmenter lowers its chunk limit to fit.
	MaxInputDuration time.Duration
}

// Info identifies a backend instance for logging and the info endpoint.
type Info struct {
	// Name is the backend kind, e.g. "funasr" or "whispercpp".
	Name string

	// Model names the loaded model or remote model identifier.
	Model string
}

// Request is the input to one blocking transcription call.
type Request struct {
	// Samples is 16 kHz 16-bit mono PCM audio.
	Samples []int16

	// Hotwords are recognition hints forwarded to backends that accept
	// vocabulary biasing. Backends without such a mechanism ignore them.
	Hotwords []string

	// WithSpeaker asks the backend to attach native speaker indices.
	// Ignored when the backend's capabilities do not include speakers.
	WithSpeaker bool

	// Options carries backend-forwarded parameters validated upstream
	// against the request allow-list. May be nil.
	Options map[string]any
}

// Cache carries backend-private state between incremental calls of one
// streaming session. It is opaque to the caller: implementations return a
// new (or same) value from each call and never mutate the argument. A nil
// Cache starts a fresh session.
type Cache any
