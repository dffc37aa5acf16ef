package audio

import "time"

const (
	defaultMaxChunk         = 30 * time.Second
	defaultOverlap          = time.Second
	defaultSilenceWindow    = 5 * time.Second
	defaultSilenceThreshold = 0.01
	defaultRMSFrame         = 20 * time.Millisecond
)

// Chunk is one slice of an input buffer destined for a single backend call.
// Samples covers [StartMs, EndMs) including the overlap padding; the padding
// widths say how much of the head and tail duplicate the neighbouring chunk.
type Chunk struct {
	Samples        []int16
	StartMs        int64
	EndMs          int64
	OverlapLeftMs  int64
	OverlapRightMs int64
}

// SegmenterOption is a functional option for configuring a [Segmenter].
type SegmenterOption func(*Segmenter)

// WithMaxChunk sets the maximum core duration of one chunk. Default: 30s.
func WithMaxChunk(d time.Duration) SegmenterOption {
	return func(s *Segmenter) {
		s.maxChunk = d
	}
}

// WithOverlap sets the padding copied across chunk boundaries. Default: 1s.
func WithOverlap(d time.Duration) SegmenterOption {
	return func(s *Segmenter) {
		s.overlap = d
	}
}

// WithSilenceWindow sets how far back from the chunk limit the segmenter
// searches for a silent cut point. Default: 5s.
func WithSilenceWindow(d time.Duration) SegmenterOption {
	return func(s *Segmenter) {
		s.silenceWindow = d
	}
}

// WithSilenceThreshold sets the normalised RMS level below which a frame
// counts as silence. Default: 0.01.
func WithSilenceThreshold(t float64) SegmenterOption {
	return func(s *Segmenter) {
		s.silenceThreshold = t
	}
}

// Segmenter splits long audio into bounded chunks, preferring to cut at
// silence so sentence boundaries survive chunking. Safe for concurrent use.
type Segmenter struct {
	maxChunk         time.Duration
	overlap          time.Duration
	silenceWindow    time.Duration
	silenceThreshold float64
	rmsFrame         time.Duration
}

// NewSegmenter constructs a [Segmenter] with the supplied options.
func NewSegmenter(opts ...SegmenterOption) *Segmenter {
	s := &Segmenter{
		maxChunk:         defaultMaxChunk,
		overlap:          defaultOverlap,
		silenceWindow:    defaultSilenceWindow,
		silenceThreshold: defaultSilenceThreshold,
		rmsFrame:         defaultRMSFrame,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaxChunk returns the configured maximum core chunk duration.
func (s *Segmenter) MaxChunk() time.Duration {
	return s.maxChunk
}

// Derive returns a copy of s with maxChunk and overlap overridden.
// Non-positive values keep the configured ones; the silence settings
// always carry over. The receiver is never modified.
func (s *Segmenter) Derive(maxChunk, overlap time.Duration) *Segmenter {
	d := *s
	if maxChunk > 0 {
		d.maxChunk = maxChunk
	}
	if overlap > 0 {
		d.overlap = overlap
	}
	return &d
}

// Split divides samples into ordered chunks whose cores cover the input
// exactly. Input at or below the chunk limit returns a single chunk with no
// overlap. Every other boundary is placed on the quietest sub-threshold RMS
// frame inside the silence window before the limit, or hard at the limit
// when the window has no silence; both sides of a boundary then receive
// overlap padding (none on the outer edges of the first and last chunk).
func (s *Segmenter) Split(samples []int16) []Chunk {
	total := len(samples)
	if total == 0 {
		return nil
	}

	maxSamples := int(s.maxChunk * SampleRate / time.Second)
	if maxSamples <= 0 || total <= maxSamples {
		return []Chunk{{
			Samples: samples,
			StartMs: 0,
			EndMs:   DurationMs(total),
		}}
	}

	// Cut pass: find core boundaries first, pad afterwards.
	var cores [][2]int
	start := 0
	for total-start > maxSamples {
		cut := s.findCut(samples, start, start+maxSamples)
		cores = append(cores, [2]int{start, cut})
		start = cut
	}
	cores = append(cores, [2]int{start, total})

	overlapSamples := int(s.overlap * SampleRate / time.Second)
	chunks := make([]Chunk, 0, len(cores))
	for i, core := range cores {
		padStart, padEnd := core[0], core[1]
		if i > 0 {
			padStart = max(0, padStart-overlapSamples)
		}
		if i < len(cores)-1 {
			padEnd = min(total, padEnd+overlapSamples)
		}
		chunks = append(chunks, Chunk{
			Samples:        samples[padStart:padEnd],
			StartMs:        DurationMs(padStart),
			EndMs:          DurationMs(padEnd),
			OverlapLeftMs:  DurationMs(core[0] - padStart),
			OverlapRightMs: DurationMs(padEnd - core[1]),
		})
	}
	return chunks
}

// findCut returns the cut position for a chunk spanning [start, limit):
// the quietest silent frame inside the search window, or limit itself.
func (s *Segmenter) findCut(samples []int16, start, limit int) int {
	windowSamples := int(s.silenceWindow * SampleRate / time.Second)
	frameSamples := int(s.rmsFrame * SampleRate / time.Second)
	if frameSamples <= 0 {
		return limit
	}

	searchStart := max(start, limit-windowSamples)

	bestCut := -1
	bestRMS := s.silenceThreshold
	for pos := limit - frameSamples; pos >= searchStart; pos -= frameSamples {
		rms := RMS(samples[pos : pos+frameSamples])
		if rms < bestRMS {
			bestRMS = rms
			bestCut = pos + frameSamples/2
		}
	}
	if bestCut <= start {
		return limit
	}
	return bestCut
}
