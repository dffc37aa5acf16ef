package hotword

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/skygazer42/TingWu/internal/phoneme"
)

const (
	defaultRectifyThreshold = 0.5

	// zhMinPhonemes is the minimum phoneme count for a pure-Mandarin diff
	// fragment to be usable as a retrieval key on its own; shorter
	// fragments are expanded by neighbouring words for context.
	zhMinPhonemes = 4
	expandWords   = 1
)

// Record is one correction-history pair with the retrieval fragments
// extracted from its diff.
type Record struct {
	Wrong string
	Right string

	fragments []recordFragment
}

type recordFragment struct {
	text     string
	phonemes []phoneme.Phoneme
}

// ScoredRecord is one retrieval hit.
type ScoredRecord struct {
	Wrong string
	Right string
	Score float64
}

// Rectifier retrieves correction-history records whose changed fragments
// sound like part of the input text. The hits are handed to the LLM polish
// stage as prompt context so past manual fixes repeat automatically.
// Safe for concurrent use.
type Rectifier struct {
	mu        sync.RWMutex
	records   []Record
	threshold float64
}

// NewRectifier creates an empty retriever. A threshold of 0 selects the
// default of 0.5.
func NewRectifier(threshold float64) *Rectifier {
	if threshold <= 0 {
		threshold = defaultRectifyThreshold
	}
	return &Rectifier{threshold: threshold}
}

// Update parses and installs correction history, returning the record count.
// Records are separated by lines containing "---"; within a record the first
// non-comment line is the wrong text and the second the right text. Records
// without both lines are skipped.
func (r *Rectifier) Update(text string) int {
	var records []Record
	for _, block := range strings.Split(text, "---") {
		var lines []string
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lines = append(lines, line)
		}
		if len(lines) < 2 {
			continue
		}

		wrong, right := lines[0], lines[1]
		fragments := ExtractDiffFragments(wrong, right)
		if len(fragments) == 0 {
			fragments = []string{wrong}
		}

		rec := Record{Wrong: wrong, Right: right}
		for _, f := range fragments {
			phs := phoneme.Decompose(f)
			if len(phs) == 0 {
				continue
			}
			rec.fragments = append(rec.fragments, recordFragment{text: f, phonemes: phs})
		}
		records = append(records, rec)
	}

	r.mu.Lock()
	r.records = records
	r.mu.Unlock()
	return len(records)
}

// LoadFile loads correction history from path. A missing file installs zero
// records.
func (r *Rectifier) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("hotword: read rectify %s: %w", path, err)
	}
	return r.Update(string(data)), nil
}

// Len returns the number of installed records.
func (r *Rectifier) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Search returns up to topK records whose best fragment scores at or above
// the threshold against text, best first.
func (r *Rectifier) Search(text string, topK int) []ScoredRecord {
	if text == "" {
		return nil
	}
	input := phoneme.Decompose(text)
	if len(input) == 0 {
		return nil
	}

	r.mu.RLock()
	records := r.records
	r.mu.RUnlock()

	var hits []ScoredRecord
	for _, rec := range records {
		best := 0.0
		for _, f := range rec.fragments {
			if s := phoneme.FuzzySubstringScore(f.phonemes, input); s > best {
				best = s
			}
		}
		if best >= r.threshold {
			hits = append(hits, ScoredRecord{Wrong: rec.Wrong, Right: rec.Right, Score: best})
		}
	}

	slices.SortStableFunc(hits, func(a, b ScoredRecord) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// PromptContext renders the retrieval hits for text as an LLM prompt
// section, or "" when nothing matches.
func (r *Rectifier) PromptContext(text string, topK int) string {
	hits := r.Search(text, topK)
	if len(hits) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("纠错历史：")
	for _, h := range hits {
		sb.WriteString("\n- ")
		sb.WriteString(h.Wrong)
		sb.WriteString(" => ")
		sb.WriteString(h.Right)
	}
	return sb.String()
}

// wordSpan is one word of a text with its rune offsets.
type wordSpan struct {
	start int
	end   int
	word  string
}

// wordBoundaries splits text into word spans: each Han character is its own
// word; letter/digit runs form one word, split at camelCase flips; everything
// else separates words.
func wordBoundaries(text string) []wordSpan {
	runes := []rune(text)
	var out []wordSpan

	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case isHanRune(r):
			out = append(out, wordSpan{start: i, end: i + 1, word: string(r)})
			i++
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			start := i
			lastLower := unicode.IsLower(r)
			i++
			for i < len(runes) {
				cur := runes[i]
				if isHanRune(cur) || !(unicode.IsLetter(cur) || unicode.IsDigit(cur)) {
					break
				}
				if unicode.IsUpper(cur) && lastLower {
					break
				}
				lastLower = unicode.IsLower(cur)
				i++
			}
			out = append(out, wordSpan{start: start, end: i, word: string(runes[start:i])})
		default:
			i++
		}
	}
	return out
}

func isHanRune(r rune) bool {
	return r >= 0x4e00 && r <= 0x9fff
}

// expandBySiblingWords widens the [start, end) rune span of text by up to
// count words on each side, snapping to word boundaries.
func expandBySiblingWords(text string, start, end, count int) (int, int) {
	bounds := wordBoundaries(text)
	startIdx, endIdx := -1, -1
	for i, b := range bounds {
		if b.start == start {
			startIdx = i
		}
		if b.end == end {
			endIdx = i + 1
		}
	}
	if startIdx < 0 || endIdx < 0 {
		return start, end
	}

	newStart := bounds[max(0, startIdx-count)].start
	newEnd := bounds[min(len(bounds), endIdx+count)-1].end
	return newStart, newEnd
}

// ExtractDiffFragments returns the changed fragments between a wrong and a
// right sentence, in order of appearance and deduplicated. The diff runs over
// word sequences; replaced or deleted words contribute a fragment from the
// wrong text, replaced or inserted words one from the right text. Short
// pure-Mandarin fragments are widened by one word on each side so the
// retrieval key keeps enough phonetic mass.
func ExtractDiffFragments(wrong, right string) []string {
	wrongBounds := wordBoundaries(wrong)
	rightBounds := wordBoundaries(right)

	type rawFragment struct {
		text   string
		source string
		start  int
		end    int
	}
	var fragments []rawFragment

	wrongRunes := []rune(wrong)
	rightRunes := []rune(right)

	for _, op := range diffOpcodes(words(wrongBounds), words(rightBounds)) {
		if op.i2 > op.i1 {
			start := wrongBounds[op.i1].start
			end := wrongBounds[op.i2-1].end
			fragments = append(fragments, rawFragment{
				text: string(wrongRunes[start:end]), source: wrong, start: start, end: end,
			})
		}
		if op.j2 > op.j1 {
			start := rightBounds[op.j1].start
			end := rightBounds[op.j2-1].end
			fragments = append(fragments, rawFragment{
				text: string(rightRunes[start:end]), source: right, start: start, end: end,
			})
		}
	}

	var out []string
	seen := make(map[string]struct{})
	for _, f := range fragments {
		phs := phoneme.Decompose(f.text)
		if len(phs) == 0 {
			continue
		}

		text := f.text
		if allMandarin(phs) && len(phs) < zhMinPhonemes {
			start, end := expandBySiblingWords(f.source, f.start, f.end, expandWords)
			if expanded := string([]rune(f.source)[start:end]); expanded != "" {
				text = expanded
			}
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		out = append(out, text)
	}
	return out
}

func words(bounds []wordSpan) []string {
	out := make([]string, len(bounds))
	for i, b := range bounds {
		out[i] = b.word
	}
	return out
}

func allMandarin(phs []phoneme.Phoneme) bool {
	for _, p := range phs {
		if p.Lang != phoneme.LangZH {
			return false
		}
	}
	return true
}

// opcode is one non-equal region of a word-level diff: words [i1, i2) of the
// left sequence were replaced by words [j1, j2) of the right sequence. Pure
// deletions have j1 == j2; pure insertions have i1 == i2.
type opcode struct {
	i1, i2 int
	j1, j2 int
}

// diffOpcodes compares two word sequences with a longest-common-subsequence
// alignment and returns the changed regions in order.
func diffOpcodes(a, b []string) []opcode {
	n, m := len(a), len(b)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	var ops []opcode
	i, j := 0, 0
	for i < n && j < m {
		if a[i] == b[j] {
			i++
			j++
			continue
		}
		op := opcode{i1: i, j1: j}
		for i < n && j < m && a[i] != b[j] {
			if lcs[i+1][j] >= lcs[i][j+1] {
				i++
			} else {
				j++
			}
		}
		op.i2, op.j2 = i, j
		ops = append(ops, op)
	}
	if i < n || j < m {
		ops = append(ops, opcode{i1: i, i2: n, j1: j, j2: m})
	}
	return ops
}
