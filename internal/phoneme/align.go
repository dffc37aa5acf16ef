package phoneme

import (
	"math"
	"slices"
)

// confusablePairs groups phonemes that Mandarin ASR output frequently swaps:
// front/back nasals, flat/retroflex sibilants, l/n, f/h, and a handful of
// vowel and stop pairs. Substituting within a group costs half a full edit.
var confusablePairs = [][2]string{
	{"an", "ang"}, {"en", "eng"}, {"in", "ing"},
	{"ian", "iang"}, {"uan", "uang"},
	{"z", "zh"}, {"c", "ch"}, {"s", "sh"},
	{"l", "n"},
	{"f", "h"},
	{"ai", "ei"}, {"o", "uo"}, {"e", "ie"},
	{"p", "b"}, {"t", "d"}, {"k", "g"},
}

// confusable reports whether a and b form one of the configured Mandarin
// confusable pairs.
func confusable(a, b string) bool {
	for _, p := range confusablePairs {
		if (a == p[0] && b == p[1]) || (a == p[1] && b == p[0]) {
			return true
		}
	}
	return false
}

// Cost returns the substitution cost between two phonemes, in [0, 1]:
//
//   - 0.0 for identical phonemes of the same language,
//   - 0.5 for Mandarin confusable pairs and for two differing tones,
//   - 1 - LCS/max(len) for two Latin letters (single characters degenerate
//     to 0 or 1, but multi-rune fallback phonemes still compare gradually),
//   - 1.0 otherwise, including any cross-language pair.
//
// Cost is symmetric and Cost(p, p) == 0 for every phoneme.
func Cost(a, b Phoneme) float64 {
	if a.Lang != b.Lang {
		return 1.0
	}
	if a.Value == b.Value {
		return 0.0
	}
	if a.Lang == LangZH {
		if a.Tone() && b.Tone() {
			return 0.5
		}
		if confusable(a.Value, b.Value) {
			return 0.5
		}
	}
	if a.Lang == LangEN {
		maxLen := max(len(a.Value), len(b.Value))
		if maxLen > 0 {
			return 1.0 - float64(lcsLength(a.Value, b.Value))/float64(maxLen)
		}
	}
	return 1.0
}

// lcsLength computes the longest-common-subsequence length of two strings
// using a rolling row.
func lcsLength(s1, s2 string) int {
	if len(s1) < len(s2) {
		s1, s2 = s2, s1
	}
	n := len(s2)
	if n == 0 {
		return 0
	}

	prev := make([]int, n+1)
	curr := make([]int, n+1)
	for i := 1; i <= len(s1); i++ {
		for j := 1; j <= n; j++ {
			if s1[i-1] == s2[j-1] {
				curr[j] = prev[j-1] + 1
			} else {
				curr[j] = max(prev[j], curr[j-1])
			}
		}
		prev, curr = curr, prev
	}
	return prev[n]
}

// Match is one alignment of a query sequence inside a corpus sequence.
// Start and End are phoneme indices into the corpus (half-open interval).
type Match struct {
	Score float64
	Start int
	End   int
}

const costEpsilon = 1e-9

// Align finds the minimum-cost alignment of query inside corpus, constrained
// so that the alignment starts at a word boundary. It returns the best match
// and false when either sequence is empty or no boundary-anchored alignment
// exists.
//
// The score is max(0, 1 - minDistance/len(query)), so it is always in [0, 1]
// and reaches 1.0 exactly when the query occurs verbatim at a word boundary.
func Align(query, corpus []Phoneme) (Match, bool) {
	n, m := len(query), len(corpus)
	if n == 0 || m == 0 {
		return Match{}, false
	}

	inf := math.Inf(1)
	dp := make([][]float64, n+1)
	for i := range dp {
		dp[i] = make([]float64, m+1)
	}

	// Row 0: an alignment may begin only at word-start positions.
	for j := 0; j <= m; j++ {
		if j < m && corpus[j].WordStart {
			dp[0][j] = 0
		} else {
			dp[0][j] = inf
		}
	}
	for i := 1; i <= n; i++ {
		dp[i][0] = dp[i-1][0] + 1
	}

	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			cost := Cost(query[i-1], corpus[j-1])
			dp[i][j] = math.Min(dp[i-1][j]+1, math.Min(dp[i][j-1]+1, dp[i-1][j-1]+cost))
		}
	}

	best := Match{Score: 0}
	minDist := inf
	found := false

	for j := 1; j <= m; j++ {
		if dp[n][j] >= minDist {
			continue
		}
		// Backtrack to the alignment start and require it to be a word
		// boundary; otherwise this end position is rejected outright.
		ci, cj := n, j
		for ci > 0 {
			cost := Cost(query[ci-1], corpus[cj-1])
			switch {
			case cj > 0 && math.Abs(dp[ci][cj]-(dp[ci-1][cj-1]+cost)) < costEpsilon:
				ci--
				cj--
			case math.Abs(dp[ci][cj]-(dp[ci-1][cj]+1)) < costEpsilon:
				ci--
			case cj > 0 && math.Abs(dp[ci][cj]-(dp[ci][cj-1]+1)) < costEpsilon:
				cj--
			default:
				ci--
			}
		}
		if cj < m && corpus[cj].WordStart {
			minDist = dp[n][j]
			best = Match{Start: cj, End: j}
			found = true
		}
	}
	if !found {
		return Match{}, false
	}

	best.Score = math.Max(0, 1-minDist/float64(n))
	return best, true
}

// SearchSpans finds every alignment of query inside corpus whose score is at
// least threshold, constrained to start at a word-start position and end at a
// word-end position. For each distinct end position only the best-scoring
// span is kept. Results are ordered by score descending, then by earlier
// start.
func SearchSpans(query, corpus []Phoneme, threshold float64) []Match {
	n, m := len(query), len(corpus)
	if n == 0 || m == 0 {
		return nil
	}

	inf := math.Inf(1)
	dp := make([][]float64, n+1)
	origin := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]float64, m+1)
		origin[i] = make([]int, m+1)
		for j := range dp[i] {
			dp[i][j] = inf
		}
	}

	// Seed every word-start position as a zero-cost alignment origin.
	for j := 0; j <= m; j++ {
		if j == 0 || (j < m && corpus[j].WordStart) {
			dp[0][j] = 0
			origin[0][j] = j
		}
	}

	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			cost := Cost(query[i-1], corpus[j-1])
			match := dp[i-1][j-1] + cost
			del := dp[i-1][j] + 1
			ins := dp[i][j-1] + 1

			switch {
			case match <= del && match <= ins:
				dp[i][j] = match
				origin[i][j] = origin[i-1][j-1]
			case del <= ins:
				dp[i][j] = del
				origin[i][j] = origin[i-1][j]
			default:
				dp[i][j] = ins
				origin[i][j] = origin[i][j-1]
			}
		}
	}

	// Collect spans ending on word boundaries, keeping the best score per
	// end position.
	bestByEnd := make(map[int]Match)
	for j := 1; j <= m; j++ {
		if !corpus[j-1].WordEnd {
			continue
		}
		dist := dp[n][j]
		if dist >= float64(n)*0.8 {
			continue
		}
		score := 1 - dist/float64(n)
		if score < threshold {
			continue
		}
		span := Match{Score: score, Start: origin[n][j], End: j}
		if prev, ok := bestByEnd[j]; !ok || span.Score > prev.Score {
			bestByEnd[j] = span
		}
	}

	out := make([]Match, 0, len(bestByEnd))
	for _, sp := range bestByEnd {
		out = append(out, sp)
	}
	slices.SortFunc(out, func(a, b Match) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return a.End - b.End
	})
	return out
}

// FuzzySubstringDistance computes the minimum edit distance of needle against
// any substring of haystack, using the full phoneme cost model and no
// boundary constraints. An empty needle costs 0; an empty haystack costs
// len(needle).
func FuzzySubstringDistance(needle, haystack []Phoneme) float64 {
	n, m := len(needle), len(haystack)
	if n == 0 {
		return 0
	}
	if m == 0 {
		return float64(n)
	}

	prev := make([]float64, m+1)
	curr := make([]float64, m+1)
	for i := 1; i <= n; i++ {
		curr[0] = float64(i)
		for j := 1; j <= m; j++ {
			cost := Cost(needle[i-1], haystack[j-1])
			curr[j] = math.Min(prev[j]+1, math.Min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}

	minDist := prev[1]
	for j := 2; j <= m; j++ {
		if prev[j] < minDist {
			minDist = prev[j]
		}
	}
	return minDist
}

// FuzzySubstringScore converts FuzzySubstringDistance into a similarity in
// [0, 1], where 1 means the needle occurs somewhere in the haystack exactly.
func FuzzySubstringScore(needle, haystack []Phoneme) float64 {
	n := len(needle)
	if n == 0 {
		return 0
	}
	score := 1 - FuzzySubstringDistance(needle, haystack)/float64(n)
	return math.Max(0, math.Min(1, score))
}
