package textproc

const (
	defaultStreamOverlap   = 5
	defaultStreamTolerance = 1
	defaultMaxOverlapCheck = 20
)

// StreamMergerOption is a functional option for configuring a [StreamMerger].
type StreamMergerOption func(*StreamMerger)

// WithStreamOverlap sets how many trailing runes are compared against the
// head of each incoming fragment. Default: 5.
func WithStreamOverlap(n int) StreamMergerOption {
	return func(s *StreamMerger) {
		s.overlapChars = n
	}
}

// WithStreamTolerance sets the edit distance allowed in a fuzzy overlap.
// Zero disables fuzzy matching. Default: 1.
func WithStreamTolerance(n int) StreamMergerOption {
	return func(s *StreamMerger) {
		s.errorTolerance = n
	}
}

// StreamMerger deduplicates the rolling text of one streaming session.
// Incremental recognizers re-emit the tail of their window after a cache
// reset and the online pass overlaps the offline pass in two-stage
// cascades; Merge folds each fragment into the buffer and returns only the
// genuinely new delta. One merger belongs to one session and is not safe
// for concurrent use.
type StreamMerger struct {
	overlapChars    int
	errorTolerance  int
	maxOverlapCheck int
	buffer          []rune
}

// NewStreamMerger constructs a [StreamMerger] with the supplied options.
func NewStreamMerger(opts ...StreamMergerOption) *StreamMerger {
	s := &StreamMerger{
		overlapChars:    defaultStreamOverlap,
		errorTolerance:  defaultStreamTolerance,
		maxOverlapCheck: defaultMaxOverlapCheck,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Reset clears the buffer for a new utterance.
func (s *StreamMerger) Reset() {
	s.buffer = nil
}

// FullText returns the accumulated merged text.
func (s *StreamMerger) FullText() string {
	return string(s.buffer)
}

// Merge folds text into the buffer and returns the deduplicated delta that
// should be appended to the caller's view.
func (s *StreamMerger) Merge(text string) string {
	if text == "" {
		return ""
	}
	next := []rune(text)
	if len(s.buffer) == 0 {
		s.buffer = next
		return text
	}

	overlap := s.findOverlap(next)
	delta := next[overlap:]
	s.buffer = append(s.buffer, delta...)
	return string(delta)
}

// findOverlap returns how many leading runes of next duplicate the buffer
// tail: exact suffix/prefix comparison first, then edit-distance fuzzy.
func (s *StreamMerger) findOverlap(next []rune) int {
	maxCheck := min(len(s.buffer), len(next), s.maxOverlapCheck)
	if maxCheck < 2 {
		return 0
	}

	for overlap := min(maxCheck, s.overlapChars); overlap > 0; overlap-- {
		if runesEqual(s.buffer[len(s.buffer)-overlap:], next[:overlap]) {
			return overlap
		}
	}

	if s.errorTolerance > 0 {
		for overlap := s.overlapChars; overlap > 1; overlap-- {
			if overlap > len(s.buffer) || overlap > len(next) {
				continue
			}
			d := editDistance(s.buffer[len(s.buffer)-overlap:], next[:overlap])
			if d <= s.errorTolerance {
				return overlap
			}
		}
	}
	return 0
}

// MergeFinal replaces the buffer with the offline-pass result while keeping
// online text the offline pass missed. The offline result wins outright
// unless it is markedly shorter than what the online pass accumulated.
func (s *StreamMerger) MergeFinal(text string) string {
	final := []rune(text)
	if len(s.buffer) == 0 {
		s.buffer = final
		return text
	}

	common := 0
	for i := 0; i < len(s.buffer) && i < len(final); i++ {
		if s.buffer[i] != final[i] {
			break
		}
		common = i + 1
	}

	switch {
	case float64(len(final)) >= float64(len(s.buffer))*0.8:
		s.buffer = final
	case common > 0:
		extra := s.buffer[common:]
		if len(extra) > 0 && !runesHaveSuffix(final, extra) {
			s.buffer = append(append([]rune(nil), final...), extra...)
		} else {
			s.buffer = final
		}
	default:
		s.buffer = final
	}
	return string(s.buffer)
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func runesHaveSuffix(s, suffix []rune) bool {
	return len(s) >= len(suffix) && runesEqual(s[len(s)-len(suffix):], suffix)
}

// editDistance is the Levenshtein distance between two rune slices, two-row
// DP over the shorter slice.
func editDistance(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1]
			} else {
				curr[j] = min(prev[j], curr[j-1], prev[j-1]) + 1
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
