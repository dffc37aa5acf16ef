// Package hotword corrects ASR transcripts against a configurable vocabulary
// of domain terms. Correction runs in two stages: a cheap coarse recall over
// an inverted phoneme index narrows the vocabulary to a small candidate set,
// then the full phonetic alignment of [phoneme.SearchSpans] scores each
// candidate against the transcript and replaces accepted spans.
//
// The package also carries the two auxiliary correctors that share the
// vocabulary reload cycle: regex rule substitution ([Rules]) and the
// correction-history retriever ([Rectifier]) that feeds LLM prompts.
package hotword

import (
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/skygazer42/TingWu/internal/phoneme"
)

// Entry is one vocabulary surface form with its precomputed phoneme sequence
// and, for purely alphabetic entries, the Double Metaphone codes of its
// tokens.
type Entry struct {
	// Surface is the canonical spelling written into corrected transcripts.
	Surface string

	// Phonemes is the decomposed sequence of Surface.
	Phonemes []phoneme.Phoneme

	metaphone []string
}

// Vocabulary is an immutable compiled snapshot of hotword entries. Compile
// once, share freely: lookups never mutate the snapshot, so a Vocabulary can
// be read from any number of goroutines.
type Vocabulary struct {
	entries []Entry

	// byValue maps a phoneme value to the entries whose first two phonemes
	// contain it. This is the coarse recall index: an entry can only match
	// a transcript that contains at least one of its two leading phonemes.
	byValue map[string][]int
}

// ParseList extracts surface forms from a hotword list: one entry per line,
// surrounding whitespace trimmed, empty lines and lines starting with '#'
// skipped.
func ParseList(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Compile builds an immutable [Vocabulary] from surface forms. Duplicates
// and entries that decompose to no phonemes are dropped.
func Compile(surfaces []string) *Vocabulary {
	v := &Vocabulary{byValue: make(map[string][]int)}
	seen := make(map[string]struct{}, len(surfaces))

	for _, s := range surfaces {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}

		phs := phoneme.Decompose(s)
		if len(phs) == 0 {
			continue
		}

		e := Entry{Surface: s, Phonemes: phs, metaphone: metaphoneCodes(s)}
		idx := len(v.entries)
		v.entries = append(v.entries, e)

		for i := 0; i < len(phs) && i < 2; i++ {
			val := phs[i].Value
			v.byValue[val] = append(v.byValue[val], idx)
		}
	}
	return v
}

// Len returns the number of compiled entries.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.entries)
}

// Surfaces returns the surface forms in compile order.
func (v *Vocabulary) Surfaces() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.Surface
	}
	return out
}

// With returns a vocabulary extended by per-request surface forms. The
// receiver is not modified; when extra is empty the receiver is returned
// unchanged.
func (v *Vocabulary) With(extra []string) *Vocabulary {
	if len(extra) == 0 {
		return v
	}
	merged := v.Surfaces()
	merged = append(merged, extra...)
	return Compile(merged)
}

// candidate is one coarse-recall survivor with its recall score.
type candidate struct {
	entry *Entry
	score float64
}

// recallLengthSlack is how many phonemes an entry may exceed the input by and
// still be considered: longer entries cannot plausibly occur in the input.
const recallLengthSlack = 3

// metaphoneAdmitScore is the Jaro-Winkler floor for admitting an alphabetic
// entry whose Double Metaphone codes overlap an input token.
const metaphoneAdmitScore = 0.70

// recall runs the coarse stage: collect the entries sharing a leading phoneme
// with the input, score each with a 0/1-cost fuzzy substring distance over
// phoneme values, and keep scores at or above threshold. Alphabetic entries
// get a second chance through Double Metaphone code equality with the input's
// ASCII tokens. At most limit candidates are returned, best first.
func (v *Vocabulary) recall(input []phoneme.Phoneme, threshold float64, limit int) []candidate {
	if v == nil || len(v.entries) == 0 || len(input) == 0 {
		return nil
	}

	values := make([]string, len(input))
	for i, p := range input {
		values[i] = p.Value
	}

	// Walk input values in order so the hit list is deterministic.
	seen := make(map[int]struct{})
	var hits []int
	for _, val := range values {
		for _, idx := range v.byValue[val] {
			if _, dup := seen[idx]; dup {
				continue
			}
			seen[idx] = struct{}{}
			hits = append(hits, idx)
		}
	}

	inputCodes, inputTokens := metaphoneTokens(input)

	var out []candidate
	for _, idx := range hits {
		e := &v.entries[idx]
		if len(e.Phonemes) > len(input)+recallLengthSlack {
			continue
		}

		score := valueSubstringScore(e.Phonemes, values)
		if score < threshold && len(e.metaphone) > 0 {
			if jw := metaphoneMatch(e, inputCodes, inputTokens); jw >= metaphoneAdmitScore {
				score = jw
			}
		}
		if score < threshold {
			continue
		}
		out = append(out, candidate{entry: e, score: score})
	}

	slices.SortStableFunc(out, func(a, b candidate) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return 0
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// valueSubstringScore computes 1 - d/len(sub) where d is the minimum edit
// distance of the entry's phoneme values against any substring of the input
// values, with plain 0/1 substitution cost. This is the cheap pre-filter; the
// precise stage re-scores survivors with the full cost model.
func valueSubstringScore(sub []phoneme.Phoneme, main []string) float64 {
	n, m := len(sub), len(main)
	if n == 0 || m == 0 {
		return 0
	}

	prev := make([]float64, m+1)
	curr := make([]float64, m+1)
	for i := 1; i <= n; i++ {
		curr[0] = float64(i)
		for j := 1; j <= m; j++ {
			cost := 1.0
			if sub[i-1].Value == main[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	dist := prev[1]
	for j := 2; j <= m; j++ {
		if prev[j] < dist {
			dist = prev[j]
		}
	}
	score := 1 - dist/float64(n)
	if score < 0 {
		return 0
	}
	return score
}

// metaphoneCodes returns the Double Metaphone codes for the ASCII-letter
// tokens of s, or nil when s contains anything else.
func metaphoneCodes(s string) []string {
	var codes []string
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		for _, r := range tok {
			if r < 'a' || r > 'z' {
				return nil
			}
		}
		p, sec := matchr.DoubleMetaphone(tok)
		if p != "" {
			codes = append(codes, p)
		}
		if sec != "" && sec != p {
			codes = append(codes, sec)
		}
	}
	return codes
}

// metaphoneTokens reconstructs the ASCII words of the input phoneme sequence
// and returns their Double Metaphone codes alongside the words themselves.
func metaphoneTokens(input []phoneme.Phoneme) (map[string]struct{}, []string) {
	var tokens []string
	var sb strings.Builder
	for _, p := range input {
		if p.Lang != phoneme.LangEN {
			continue
		}
		if p.WordStart {
			sb.Reset()
		}
		sb.WriteString(p.Value)
		if p.WordEnd && sb.Len() > 0 {
			tokens = append(tokens, sb.String())
		}
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes, tokens
}

// metaphoneMatch returns the best Jaro-Winkler similarity between the entry
// surface and any input token whose metaphone code collides with the entry,
// or 0 when no code collides.
func metaphoneMatch(e *Entry, inputCodes map[string]struct{}, inputTokens []string) float64 {
	if len(inputCodes) == 0 {
		return 0
	}
	collides := false
	for _, c := range e.metaphone {
		if _, ok := inputCodes[c]; ok {
			collides = true
			break
		}
	}
	if !collides {
		return 0
	}

	surface := strings.ToLower(e.Surface)
	best := 0.0
	for _, t := range inputTokens {
		if s := matchr.JaroWinkler(t, surface, false); s > best {
			best = s
		}
	}
	return best
}
