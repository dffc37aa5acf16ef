package phoneme_test

import (
	"testing"

	"github.com/skygazer42/TingWu/internal/phoneme"
)

func zh(v string) phoneme.Phoneme {
	return phoneme.Phoneme{Value: v, Lang: phoneme.LangZH}
}

func en(v string) phoneme.Phoneme {
	return phoneme.Phoneme{Value: v, Lang: phoneme.LangEN}
}

func TestCost_Identity(t *testing.T) {
	t.Parallel()

	for _, p := range phoneme.Decompose("云声学GPT42") {
		if c := phoneme.Cost(p, p); c != 0 {
			t.Errorf("Cost(%q, %q) = %f, want 0", p.Value, p.Value, c)
		}
	}
}

func TestCost_ConfusablePairs(t *testing.T) {
	t.Parallel()

	pairs := [][2]string{
		{"an", "ang"}, {"en", "eng"}, {"in", "ing"},
		{"z", "zh"}, {"c", "ch"}, {"s", "sh"},
		{"l", "n"}, {"f", "h"},
	}
	for _, pr := range pairs {
		a, b := zh(pr[0]), zh(pr[1])
		if c := phoneme.Cost(a, b); c != 0.5 {
			t.Errorf("Cost(%q, %q) = %f, want 0.5", pr[0], pr[1], c)
		}
		// Symmetric.
		if c := phoneme.Cost(b, a); c != 0.5 {
			t.Errorf("Cost(%q, %q) = %f, want 0.5", pr[1], pr[0], c)
		}
	}
}

func TestCost_Tones(t *testing.T) {
	t.Parallel()

	if c := phoneme.Cost(zh("1"), zh("3")); c != 0.5 {
		t.Errorf("Cost(tone 1, tone 3) = %f, want 0.5", c)
	}
	if c := phoneme.Cost(zh("2"), zh("2")); c != 0 {
		t.Errorf("Cost(tone 2, tone 2) = %f, want 0", c)
	}
}

func TestCost_CrossLanguage(t *testing.T) {
	t.Parallel()

	if c := phoneme.Cost(zh("an"), en("a")); c != 1.0 {
		t.Errorf("Cost(zh, en) = %f, want 1.0", c)
	}
	if c := phoneme.Cost(en("a"), phoneme.Phoneme{Value: "a", Lang: phoneme.LangNum}); c != 1.0 {
		t.Errorf("Cost(en, num) = %f, want 1.0", c)
	}
}

func TestCost_UnrelatedMandarin(t *testing.T) {
	t.Parallel()

	if c := phoneme.Cost(zh("ang"), zh("ong")); c != 1.0 {
		t.Errorf("Cost(%q, %q) = %f, want 1.0", "ang", "ong", c)
	}
}

func TestAlign_ExactOccurrenceScoresOne(t *testing.T) {
	t.Parallel()

	corpus := phoneme.Decompose("今天云声学发布了")
	query := phoneme.Decompose("云声学")

	m, ok := phoneme.Align(query, corpus)
	if !ok {
		t.Fatal("Align: no match for verbatim occurrence")
	}
	if m.Score != 1.0 {
		t.Errorf("Align score = %f, want 1.0 for verbatim occurrence", m.Score)
	}
	if m.Start >= m.End {
		t.Errorf("Align span [%d,%d) is empty", m.Start, m.End)
	}
}

func TestAlign_ScoreBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query, corpus string
	}{
		{"云声学", "晕生穴在哪里"},
		{"GPT", "今天讲bpt模型"},
		{"张三", "完全无关的话"},
		{"whisper", "wisper model"},
	}
	for _, tc := range tests {
		q := phoneme.Decompose(tc.query)
		c := phoneme.Decompose(tc.corpus)
		m, ok := phoneme.Align(q, c)
		if !ok {
			continue
		}
		if m.Score < 0 || m.Score > 1 {
			t.Errorf("Align(%q, %q) score = %f, want within [0,1]", tc.query, tc.corpus, m.Score)
		}
	}
}

func TestAlign_ConfusableNearMatch(t *testing.T) {
	t.Parallel()

	// 晕生穴 differs from 云声学 only by tones and confusable finals, so
	// the alignment should land well above 0.5 but below 1.
	corpus := phoneme.Decompose("晕生穴")
	query := phoneme.Decompose("云声学")

	m, ok := phoneme.Align(query, corpus)
	if !ok {
		t.Fatal("Align: no match")
	}
	if m.Score <= 0.5 || m.Score >= 1.0 {
		t.Errorf("Align score = %f, want in (0.5, 1.0)", m.Score)
	}
}

func TestAlign_EmptyInputs(t *testing.T) {
	t.Parallel()

	corpus := phoneme.Decompose("云声学")
	if _, ok := phoneme.Align(nil, corpus); ok {
		t.Error("Align(empty query): matched, want no match")
	}
	if _, ok := phoneme.Align(corpus, nil); ok {
		t.Error("Align(empty corpus): matched, want no match")
	}
}

func TestSearchSpans_FindsBoundaryAnchoredSpans(t *testing.T) {
	t.Parallel()

	corpus := phoneme.Decompose("先说云声学然后又说云声学")
	query := phoneme.Decompose("云声学")

	spans := phoneme.SearchSpans(query, corpus, 0.8)
	if len(spans) < 2 {
		t.Fatalf("SearchSpans: got %d spans, want at least 2", len(spans))
	}
	for _, sp := range spans {
		if sp.Score < 0.8 || sp.Score > 1.0 {
			t.Errorf("span score = %f, want within [0.8, 1.0]", sp.Score)
		}
		if !corpus[sp.Start].WordStart {
			t.Errorf("span start %d is not a word start", sp.Start)
		}
		if !corpus[sp.End-1].WordEnd {
			t.Errorf("span end %d is not a word end", sp.End)
		}
	}
	// Best score first.
	for i := 1; i < len(spans); i++ {
		if spans[i].Score > spans[i-1].Score {
			t.Errorf("spans not sorted by score: %f after %f", spans[i].Score, spans[i-1].Score)
		}
	}
}

func TestSearchSpans_ThresholdFiltersWeakSpans(t *testing.T) {
	t.Parallel()

	corpus := phoneme.Decompose("毫无关系的句子")
	query := phoneme.Decompose("云声学")

	if spans := phoneme.SearchSpans(query, corpus, 0.8); len(spans) != 0 {
		t.Errorf("SearchSpans over unrelated text: got %d spans, want 0", len(spans))
	}
}

func TestFuzzySubstringScore(t *testing.T) {
	t.Parallel()

	needle := phoneme.Decompose("声学")
	haystack := phoneme.Decompose("云声学模型")
	if s := phoneme.FuzzySubstringScore(needle, haystack); s != 1.0 {
		t.Errorf("exact substring score = %f, want 1.0", s)
	}

	far := phoneme.Decompose("完全不同")
	if s := phoneme.FuzzySubstringScore(needle, far); s >= 0.8 {
		t.Errorf("unrelated substring score = %f, want < 0.8", s)
	}
	if s := phoneme.FuzzySubstringScore(nil, haystack); s != 0 {
		t.Errorf("empty needle score = %f, want 0", s)
	}
}
