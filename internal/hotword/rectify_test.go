package hotword_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skygazer42/TingWu/internal/hotword"
)

const rectifyHistory = `# correction history
Cloud Code 很好用
Claude Code 很好用
---
科大迅飞
科大讯飞
---
买当劳
麦当劳
`

func TestExtractDiffFragments(t *testing.T) {
	t.Parallel()

	t.Run("single char diff", func(t *testing.T) {
		fragments := hotword.ExtractDiffFragments("买当劳", "麦当劳")
		if len(fragments) == 0 {
			t.Fatal("no fragments extracted")
		}
		found := false
		for _, f := range fragments {
			if strings.Contains(f, "买") || strings.Contains(f, "麦") {
				found = true
			}
		}
		if !found {
			t.Errorf("fragments = %v, want the changed character covered", fragments)
		}
	})

	t.Run("alphabetic diff", func(t *testing.T) {
		fragments := hotword.ExtractDiffFragments("use caps riter", "use CapsWriter")
		if len(fragments) == 0 {
			t.Fatal("no fragments extracted")
		}
	})

	t.Run("identical input", func(t *testing.T) {
		if fragments := hotword.ExtractDiffFragments("相同文本", "相同文本"); len(fragments) != 0 {
			t.Errorf("fragments = %v, want none", fragments)
		}
	})
}

func TestRectifier_UpdateAndSearch(t *testing.T) {
	t.Parallel()

	r := hotword.NewRectifier(0.4)
	if n := r.Update(rectifyHistory); n != 3 {
		t.Fatalf("Update = %d records, want 3", n)
	}

	results := r.Search("Cloud Code 真不错", 5)
	if len(results) == 0 {
		t.Fatal("Search found no records")
	}
	if results[0].Right != "Claude Code 很好用" {
		t.Errorf("best hit = %q, want the Claude Code record", results[0].Right)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted by score: %f after %f", results[i].Score, results[i-1].Score)
		}
	}
}

func TestRectifier_NoMatchBelowThreshold(t *testing.T) {
	t.Parallel()

	r := hotword.NewRectifier(0.5)
	r.Update(rectifyHistory)

	if results := r.Search("完全无关的一句话", 5); len(results) != 0 {
		t.Errorf("Search on unrelated text = %v, want none", results)
	}
}

func TestRectifier_PromptContext(t *testing.T) {
	t.Parallel()

	r := hotword.NewRectifier(0.4)
	r.Update(rectifyHistory)

	prompt := r.PromptContext("我去吃买当劳", 3)
	if prompt == "" {
		t.Fatal("PromptContext returned empty for matching input")
	}
	if !strings.HasPrefix(prompt, "纠错历史：") {
		t.Errorf("prompt = %q, want 纠错历史： prefix", prompt)
	}
	if !strings.Contains(prompt, "买当劳 => 麦当劳") {
		t.Errorf("prompt = %q, want to contain the record pair", prompt)
	}

	if got := r.PromptContext("毫不相关", 3); got != "" {
		t.Errorf("PromptContext on unrelated text = %q, want empty", got)
	}
}

func TestRectifier_LoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rectify.txt")
	if err := os.WriteFile(path, []byte(rectifyHistory), 0o644); err != nil {
		t.Fatal(err)
	}

	r := hotword.NewRectifier(0)
	n, err := r.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if n != 3 {
		t.Errorf("LoadFile = %d records, want 3", n)
	}

	if _, err := hotword.NewRectifier(0).LoadFile("/nonexistent/rectify.txt"); err != nil {
		t.Errorf("LoadFile on missing file: %v, want nil", err)
	}
}

func TestRectifier_IncompleteBlockSkipped(t *testing.T) {
	t.Parallel()

	r := hotword.NewRectifier(0)
	n := r.Update("只有一行\n---\n错的\n对的\n")
	if n != 1 {
		t.Errorf("Update = %d records, want 1 (single-line block skipped)", n)
	}
}
