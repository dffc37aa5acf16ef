// Package textproc stitches per-chunk recognition results back into one
// transcript and normalises the text that comes out of a backend.
//
// Long audio is split into overlapping chunks before inference, so adjacent
// chunk texts repeat each other near the boundary and the repeats rarely
// match byte-for-byte: backends disagree on a character or two inside the
// overlap. The merge engine removes that duplication with windowed exact
// matching first and bounded fuzzy matching second, and falls back to plain
// concatenation when no reliable overlap is found. Dropping text is worse
// than keeping a duplicate, so the fallback never trims.
package textproc

import (
	"strings"

	"github.com/skygazer42/TingWu/pkg/backend"
)

// punctuationAll is the character class treated as boundary noise when
// matching chunk edges: ASCII and common CJK punctuation plus whitespace.
const punctuationAll = " \t\r\n,.?!:;()[]{}<>\"'`，。？！：；、（）【】《》〈〉「」『』“”‘’…—"

const (
	defaultOverlapChars   = 20
	defaultErrorTolerance = 3
	defaultMaxSkipNew     = 10
	minExactLen           = 2
)

// MergerOption is a functional option for configuring a [Merger].
type MergerOption func(*Merger)

// WithOverlapChars sets the tail window, in runes, searched for duplicated
// text on the left side of a boundary. Default: 20.
func WithOverlapChars(n int) MergerOption {
	return func(m *Merger) {
		m.overlapChars = n
	}
}

// WithErrorTolerance sets how many mismatched runes a fuzzy boundary match
// may contain. Zero disables fuzzy matching. Default: 3.
func WithErrorTolerance(n int) MergerOption {
	return func(m *Merger) {
		m.errorTolerance = n
	}
}

// WithMaxSkipNew sets how many leading runes of the right text may be
// skipped as recognition noise before the match. Default: 10.
func WithMaxSkipNew(n int) MergerOption {
	return func(m *Merger) {
		m.maxSkipNew = n
	}
}

// Merger removes duplicated text across chunk boundaries. The zero value is
// not usable; construct with [NewMerger]. Safe for concurrent use.
type Merger struct {
	overlapChars   int
	errorTolerance int
	maxSkipNew     int
}

// NewMerger constructs a [Merger] with the supplied options.
func NewMerger(opts ...MergerOption) *Merger {
	m := &Merger{
		overlapChars:   defaultOverlapChars,
		errorTolerance: defaultErrorTolerance,
		maxSkipNew:     defaultMaxSkipNew,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MergeText merges next into prev, removing the duplicated overlap span
// from next. The second return reports whether an overlap match was found;
// false means the texts were concatenated untrimmed.
func (m *Merger) MergeText(prev, next string) (string, bool) {
	merged, matched := m.mergeRunes([]rune(prev), []rune(next))
	return string(merged), matched
}

func (m *Merger) mergeRunes(prev, next []rune) ([]rune, bool) {
	if len(prev) == 0 {
		return next, false
	}
	if len(next) == 0 {
		return prev, false
	}

	// Match against punctuation-stripped edges: trailing noise on the
	// left, leading noise on the right.
	prevClean := prev
	for len(prevClean) > 0 && isBoundaryPunct(prevClean[len(prevClean)-1]) {
		prevClean = prevClean[:len(prevClean)-1]
	}
	skipPunct := 0
	for skipPunct < len(next) && isBoundaryPunct(next[skipPunct]) {
		skipPunct++
	}
	nextClean := next[skipPunct:]

	if len(prevClean) == 0 || len(nextClean) == 0 {
		return append(prev, next...), false
	}

	window := prevClean
	if m.overlapChars > 0 && len(window) > m.overlapChars {
		window = window[len(window)-m.overlapChars:]
	}
	windowOffset := len(prevClean) - len(window)

	maxToCheck := min(len(window), len(nextClean))
	minFuzzyLen := m.errorTolerance + 2

	bestSkip, bestPos, bestLen := -1, -1, 0

	// Exact pass: longer match beats shorter, less skipping beats more,
	// and rfind keeps the match closest to the boundary.
	for matchLen := maxToCheck; matchLen >= minExactLen && bestLen == 0; matchLen-- {
		maxSkip := min(m.maxSkipNew, len(nextClean)-matchLen)
		for skip := 0; skip <= maxSkip; skip++ {
			if idx := rfind(window, nextClean[skip:skip+matchLen]); idx != -1 {
				bestSkip, bestPos, bestLen = skip, idx, matchLen
				break
			}
		}
	}

	// Seam tier: a single duplicated rune exactly at the boundary, as
	// happens when a chunk cut lands mid-word. Only the zero-noise
	// position is accepted at this length, and it outranks fuzzy
	// matching because a confirmed seam rune beats a tolerant guess.
	if bestLen == 0 && prevClean[len(prevClean)-1] == nextClean[0] {
		bestSkip, bestPos, bestLen = 0, len(window)-1, 1
	}

	// Fuzzy pass: same-length comparison tolerating a few wrong runes.
	// The floor keeps correct runes in the majority of any match.
	if bestLen == 0 && m.errorTolerance > 0 && maxToCheck >= minFuzzyLen {
		for matchLen := maxToCheck; matchLen >= minFuzzyLen && bestLen == 0; matchLen-- {
			maxSkip := min(m.maxSkipNew, len(nextClean)-matchLen)
			for skip := 0; skip <= maxSkip; skip++ {
				target := nextClean[skip : skip+matchLen]
				found := -1
				for i := len(window) - matchLen; i >= 0; i-- {
					if fuzzyEqual(window[i:i+matchLen], target, m.errorTolerance) {
						found = i
						break
					}
				}
				if found != -1 {
					bestSkip, bestPos, bestLen = skip, found, matchLen
					break
				}
			}
		}
	}

	if bestLen == 0 {
		return append(prev, next...), false
	}

	keep := prevClean[:windowOffset+bestPos]
	merged := make([]rune, 0, len(keep)+len(next))
	merged = append(merged, keep...)
	merged = append(merged, next[skipPunct+bestSkip:]...)
	return merged, true
}

func isBoundaryPunct(r rune) bool {
	return strings.ContainsRune(punctuationAll, r)
}

// rfind returns the start of the last occurrence of target in window, or -1.
func rfind(window, target []rune) int {
	for i := len(window) - len(target); i >= 0; i-- {
		match := true
		for j, r := range target {
			if window[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// fuzzyEqual reports whether two equal-length rune slices differ in at most
// maxErrors positions.
func fuzzyEqual(a, b []rune, maxErrors int) bool {
	errors := 0
	for i := range a {
		if a[i] != b[i] {
			errors++
			if errors > maxErrors {
				return false
			}
		}
	}
	return true
}

// ChunkResult pairs one chunk's placement in the original audio with the
// recognition result it produced. Sentence timestamps inside Result are
// relative to the chunk start.
type ChunkResult struct {
	StartMs       int64
	OverlapLeftMs int64
	Result        backend.Result
}

// Boundary records what happened at the seam between two adjacent chunks.
// Surfaced in debug metadata so unmatched boundaries (possible duplicated
// text) are visible to callers.
type Boundary struct {
	ChunkIndex int   `json:"chunk_index"`
	StartMs    int64 `json:"start_ms"`
	Matched    bool  `json:"matched"`
}

// Merged is the stitched outcome of a chunked transcription.
type Merged struct {
	Text       string
	Sentences  []backend.Sentence
	Boundaries []Boundary
}

// MergeChunks stitches ordered chunk results into one transcript. Adjacent
// texts are merged with [Merger.MergeText]; sentence spans are re-based to
// absolute time, and a sentence lying entirely inside its chunk's left
// overlap is dropped when the preceding text already contains it.
func (m *Merger) MergeChunks(chunks []ChunkResult) Merged {
	var out Merged
	if len(chunks) == 0 {
		return out
	}

	text := []rune(chunks[0].Result.Text)
	out.Sentences = appendRebased(out.Sentences, chunks[0], nil, 0)

	for i := 1; i < len(chunks); i++ {
		c := chunks[i]
		tail := text
		if m.overlapChars > 0 && len(tail) > m.overlapChars {
			tail = tail[len(tail)-m.overlapChars:]
		}
		out.Sentences = appendRebased(out.Sentences, c, tail, c.OverlapLeftMs)

		// Text matching only applies across a declared overlap; chunks
		// that share no audio concatenate without trimming.
		var matched bool
		if c.OverlapLeftMs > 0 {
			text, matched = m.mergeRunes(text, []rune(c.Result.Text))
		} else {
			text = append(text, []rune(c.Result.Text)...)
		}
		out.Boundaries = append(out.Boundaries, Boundary{
			ChunkIndex: i,
			StartMs:    c.StartMs,
			Matched:    matched,
		})
	}

	out.Text = string(text)
	return out
}

// appendRebased shifts a chunk's sentences to absolute time and appends
// them, skipping overlap-window sentences already present in prevTail.
func appendRebased(dst []backend.Sentence, c ChunkResult, prevTail []rune, overlapMs int64) []backend.Sentence {
	prev := string(prevTail)
	for _, s := range c.Result.Sentences {
		if overlapMs > 0 && s.EndMs <= overlapMs && s.Text != "" && strings.Contains(prev, s.Text) {
			continue
		}
		s.StartMs += c.StartMs
		s.EndMs += c.StartMs
		dst = append(dst, s)
	}
	return dst
}
