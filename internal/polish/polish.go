// Package polish rewrites recognized text through a language model.
//
// A Polisher pairs a role (corrector, translator, code or the default
// cleanup persona) with per-request hints: domain hotwords biasing the
// model toward the right homophones and the recent correction history
// produced by the hotword rectifier. Polishing is strictly best-effort;
// when the model fails or returns nothing the original text is handed
// back so callers never lose the transcript.
package polish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skygazer42/TingWu/pkg/llm"
)

const (
	defaultMaxHotwords = 50
	defaultTemperature = 0.1
)

// Hints carries the optional per-request context blended into the system
// prompt.
type Hints struct {
	// Hotwords are domain terms the model should prefer when resolving
	// homophones. Only the first maxHotwords entries are used.
	Hotwords []string

	// Corrections is a preformatted block of recent correction history,
	// typically from hotword.Rectifier.PromptContext. Empty means none.
	Corrections string
}

// Polisher refines transcripts through an LLM provider.
type Polisher struct {
	provider    llm.Provider
	maxHotwords int
	temperature float64
}

// Option configures a Polisher.
type Option func(*Polisher)

// WithMaxHotwords caps how many hotwords are included in the system prompt.
func WithMaxHotwords(n int) Option {
	return func(p *Polisher) {
		if n > 0 {
			p.maxHotwords = n
		}
	}
}

// WithTemperature sets the sampling temperature for polish requests.
func WithTemperature(t float64) Option {
	return func(p *Polisher) {
		p.temperature = t
	}
}

// New creates a Polisher backed by the given provider.
func New(provider llm.Provider, opts ...Option) (*Polisher, error) {
	if provider == nil {
		return nil, fmt.Errorf("polish: provider must not be nil")
	}
	p := &Polisher{
		provider:    provider,
		maxHotwords: defaultMaxHotwords,
		temperature: defaultTemperature,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Polish rewrites text using the named role. The first return value is
// always usable: on any failure it is the original text, with the error
// describing what went wrong. An empty model response also yields the
// original text, without an error.
func (p *Polisher) Polish(ctx context.Context, text, roleName string, hints Hints) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	role := GetRole(roleName)
	req := llm.CompletionRequest{
		SystemPrompt: p.systemPrompt(role, hints),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: role.UserMessage(text)},
		},
		Temperature: p.temperature,
	}

	resp, err := p.provider.Complete(ctx, req)
	if err != nil {
		return text, fmt.Errorf("polish: complete: %w", err)
	}

	polished := strings.TrimSpace(resp.Content)
	if polished == "" {
		slog.Warn("polish: empty model response, keeping original", "role", role.Name)
		return text, nil
	}
	return polished, nil
}

// systemPrompt assembles the role prompt with the hotword and correction
// hint blocks appended.
func (p *Polisher) systemPrompt(role Role, hints Hints) string {
	var sb strings.Builder
	sb.WriteString(role.System)

	if hw := hints.Hotwords; len(hw) > 0 {
		if len(hw) > p.maxHotwords {
			hw = hw[:p.maxHotwords]
		}
		sb.WriteString("\n\n# 热词参考\n\n")
		sb.WriteString("以下是本领域的专有词汇，文本中的同音误写应优先修正为这些词：\n")
		sb.WriteString(strings.Join(hw, "、"))
	}

	if hints.Corrections != "" {
		sb.WriteString("\n\n")
		sb.WriteString(hints.Corrections)
	}

	return sb.String()
}
