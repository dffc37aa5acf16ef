package hotword

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
)

// Rule is one compiled substitution: a regular expression and its
// replacement, which may reference capture groups as $1, $2 and so on.
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Rules applies an ordered list of regex substitutions to transcripts. It is
// meant for deterministic fixed-format fixes such as units and symbols where
// phonetic matching is the wrong tool. Safe for concurrent use; Update swaps
// the whole rule set atomically.
type Rules struct {
	mu    sync.RWMutex
	rules []Rule
	log   *slog.Logger
}

// NewRules creates an empty rule set.
func NewRules(log *slog.Logger) *Rules {
	if log == nil {
		log = slog.Default()
	}
	return &Rules{log: log}
}

// Update parses and installs a rule list, returning the number of rules
// loaded. One rule per line in the form "pattern = replacement"; empty lines,
// '#' comments and lines without the " = " separator are skipped. Patterns
// that fail to compile are skipped with a warning, never installed.
func (r *Rules) Update(text string) int {
	var rules []Rule
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pattern, replacement, found := strings.Cut(line, " = ")
		if !found {
			continue
		}
		pattern = strings.TrimSpace(pattern)
		replacement = strings.TrimSpace(replacement)
		if pattern == "" {
			continue
		}

		re, err := regexp.Compile(pattern)
		if err != nil {
			r.log.Warn("skipping invalid correction rule", "pattern", pattern, "error", err)
			continue
		}
		rules = append(rules, Rule{Pattern: re, Replacement: replacement})
	}

	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
	return len(rules)
}

// LoadFile loads rules from path. A missing file installs zero rules.
func (r *Rules) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("hotword: read rules %s: %w", path, err)
	}
	return r.Update(string(data)), nil
}

// Len returns the number of installed rules.
func (r *Rules) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Apply runs every rule over text in installation order.
func (r *Rules) Apply(text string) string {
	if text == "" {
		return ""
	}
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	for _, rule := range rules {
		text = rule.Pattern.ReplaceAllString(text, rule.Replacement)
	}
	return text
}

// Replacement records one rule application for debug output.
type Replacement struct {
	Original string `json:"original"`
	Replaced string `json:"replaced"`
	Pattern  string `json:"pattern"`
}

// ApplyWithInfo runs every rule and reports the individual substitutions
// that changed text.
func (r *Rules) ApplyWithInfo(text string) (string, []Replacement) {
	if text == "" {
		return "", nil
	}
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	var info []Replacement
	for _, rule := range rules {
		for _, m := range rule.Pattern.FindAllString(text, -1) {
			replaced := rule.Pattern.ReplaceAllString(m, rule.Replacement)
			if replaced != m {
				info = append(info, Replacement{
					Original: m,
					Replaced: replaced,
					Pattern:  rule.Pattern.String(),
				})
			}
		}
		text = rule.Pattern.ReplaceAllString(text, rule.Replacement)
	}
	return text, info
}
