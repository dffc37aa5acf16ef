package textproc

import "sync"

// Punctuation width styles accepted by [PostOptions.PunctStyle].
const (
	PunctHalf = "half"
	PunctFull = "full"
)

// PostOptions selects which normalisations run on recognized text after
// correction. The zero value disables all of them.
type PostOptions struct {
	// PunctStyle converts punctuation width: [PunctHalf], [PunctFull], or
	// empty to keep punctuation as recognized.
	PunctStyle string

	// AddSpace inserts a space after sentence punctuation in half-width
	// mode so western text keeps word breaks.
	AddSpace bool

	// Fullwidth normalises fullwidth ASCII letters and digits to their
	// halfwidth forms.
	Fullwidth bool

	// MergeRepeats collapses duplicated and mixed punctuation runs.
	MergeRepeats bool
}

// PostProcessor applies the configured normalisations in a fixed order:
// fullwidth ASCII, punctuation width, repeat merging. Safe for concurrent
// use; the settings can change at runtime through [PostProcessor.Update].
type PostProcessor struct {
	mu   sync.RWMutex
	opts PostOptions
}

// NewPostProcessor constructs a [PostProcessor] from opts.
func NewPostProcessor(opts PostOptions) *PostProcessor {
	return &PostProcessor{opts: opts}
}

// Update replaces the normalisation settings. In-flight calls keep the
// settings they started with.
func (p *PostProcessor) Update(opts PostOptions) {
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
}

// Process runs the enabled normalisations over text.
func (p *PostProcessor) Process(text string) string {
	if text == "" {
		return text
	}
	p.mu.RLock()
	opts := p.opts
	p.mu.RUnlock()

	if opts.Fullwidth {
		text = NormalizeFullwidth(text)
	}
	switch opts.PunctStyle {
	case PunctHalf:
		text = ConvertFullToHalf(text, opts.AddSpace)
	case PunctFull:
		text = ConvertHalfToFull(text)
	}
	if opts.MergeRepeats {
		text = MergePunctuation(text)
	}
	return text
}
