package hotword

import (
	"slices"

	"github.com/skygazer42/TingWu/internal/phoneme"
)

const (
	defaultThreshold   = 0.8
	defaultRecallLimit = 100
	defaultSimilarTopK = 10
)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithThreshold sets the minimum alignment score for a replacement.
// Default: 0.8.
func WithThreshold(t float64) Option {
	return func(c *Corrector) {
		c.threshold = t
	}
}

// WithSimilarThreshold sets the score floor for reporting near-miss
// candidates without replacing them. Default: threshold − 0.2.
func WithSimilarThreshold(t float64) Option {
	return func(c *Corrector) {
		c.similar = t
		c.similarSet = true
	}
}

// WithRecallLimit caps the number of candidates the coarse stage hands to the
// precise stage. Default: 100.
func WithRecallLimit(n int) Option {
	return func(c *Corrector) {
		c.recallLimit = n
	}
}

// WithSimilarTopK caps the reported near-miss list. Default: 10.
func WithSimilarTopK(k int) Option {
	return func(c *Corrector) {
		c.similarTopK = k
	}
}

// Corrector replaces phonetically matching transcript spans with vocabulary
// surface forms. It reads vocabulary snapshots from a [Store], so corrections
// always use the most recent successful reload. Safe for concurrent use.
type Corrector struct {
	store       *Store
	threshold   float64
	similar     float64
	similarSet  bool
	recallLimit int
	similarTopK int
}

// New constructs a [Corrector] over store.
func New(store *Store, opts ...Option) *Corrector {
	c := &Corrector{
		store:       store,
		threshold:   defaultThreshold,
		recallLimit: defaultRecallLimit,
		similarTopK: defaultSimilarTopK,
	}
	for _, o := range opts {
		o(c)
	}
	if !c.similarSet {
		c.similar = c.threshold - 0.2
	}
	return c
}

// Applied is one accepted or near-miss hotword match. Start and End are rune
// offsets into the corrected call's input text.
type Applied struct {
	Surface string  `json:"surface"`
	Score   float64 `json:"score"`
	Start   int     `json:"start"`
	End     int     `json:"end"`
}

// Result is the outcome of one correction call.
type Result struct {
	// Text is the corrected text. Spans without an accepted match are
	// byte-for-byte identical to the input.
	Text string

	// Applied lists the replacements actually performed, in text order.
	Applied []Applied

	// Similar lists candidates that scored at or above the similar
	// threshold but were not applied, best first, one per surface form.
	Similar []Applied
}

// Correct runs hotword correction on text. Extra surface forms, when given,
// are merged with the stored vocabulary for this call only.
//
// Matching is anchored at word boundaries: a span is replaced only when the
// candidate's phoneme alignment starts on a word start and ends on a word
// end, scores at or above the threshold, and does not overlap a
// better-scoring accepted span. Ties between overlapping matches go to the
// higher score, then the longer span, then the earlier position. Text that
// decomposes to no phonemes is returned unchanged.
func (c *Corrector) Correct(text string, extra ...string) Result {
	if text == "" {
		return Result{}
	}

	vocab := c.store.Snapshot().With(extra)
	if vocab.Len() == 0 {
		return Result{Text: text}
	}

	input := phoneme.Decompose(text)
	if len(input) == 0 {
		return Result{Text: text}
	}

	coarse := min(c.threshold, c.similar) - 0.1
	cands := vocab.recall(input, coarse, c.recallLimit)
	if len(cands) == 0 {
		return Result{Text: text}
	}

	matches := c.preciseMatches(cands, input)
	applied, corrected := resolveAndReplace(text, matches, c.threshold)

	return Result{
		Text:    corrected,
		Applied: applied,
		Similar: c.similarList(matches),
	}
}

// preciseMatches runs the full alignment for every candidate and converts
// the surviving phoneme spans into rune spans of the input text.
func (c *Corrector) preciseMatches(cands []candidate, input []phoneme.Phoneme) []Applied {
	var matches []Applied
	for _, cand := range cands {
		spans := phoneme.SearchSpans(cand.entry.Phonemes, input, c.similar)
		for _, sp := range spans {
			matches = append(matches, Applied{
				Surface: cand.entry.Surface,
				Score:   sp.Score,
				Start:   input[sp.Start].CharStart,
				End:     input[sp.End-1].CharEnd,
			})
		}
	}
	return matches
}

// similarList reports the best near-miss per surface form, best first.
func (c *Corrector) similarList(matches []Applied) []Applied {
	sorted := slices.Clone(matches)
	slices.SortStableFunc(sorted, func(a, b Applied) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return a.Start - b.Start
		}
	})

	seen := make(map[string]struct{}, len(sorted))
	var out []Applied
	for _, m := range sorted {
		if m.Score < c.similar {
			continue
		}
		if _, dup := seen[m.Surface]; dup {
			continue
		}
		seen[m.Surface] = struct{}{}
		out = append(out, m)
		if c.similarTopK > 0 && len(out) >= c.similarTopK {
			break
		}
	}
	return out
}

// resolveAndReplace picks the non-overlapping replacement set and rewrites
// text back-to-front so earlier offsets stay valid. A span whose text already
// equals the surface form is left alone but still occupies its range.
func resolveAndReplace(text string, matches []Applied, threshold float64) ([]Applied, string) {
	slices.SortStableFunc(matches, func(a, b Applied) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return lb - la
		}
		return a.Start - b.Start
	})

	runes := []rune(text)
	var accepted []Applied
	var occupied [][2]int

	for _, m := range matches {
		if m.Score < threshold {
			continue
		}
		overlaps := false
		for _, occ := range occupied {
			if m.Start < occ[1] && m.End > occ[0] {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		occupied = append(occupied, [2]int{m.Start, m.End})
		if string(runes[m.Start:m.End]) != m.Surface {
			accepted = append(accepted, m)
		}
	}

	if len(accepted) == 0 {
		return nil, text
	}

	slices.SortFunc(accepted, func(a, b Applied) int {
		return b.Start - a.Start
	})
	for _, m := range accepted {
		repl := []rune(m.Surface)
		runes = append(runes[:m.Start], append(repl, runes[m.End:]...)...)
	}

	slices.SortFunc(accepted, func(a, b Applied) int {
		return a.Start - b.Start
	})
	return accepted, string(runes)
}
