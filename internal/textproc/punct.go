package textproc

import (
	"regexp"
	"strings"
)

// fullToHalf maps fullwidth punctuation to its halfwidth form. Sentence
// punctuation gains a trailing space so western text keeps word breaks.
var fullToHalf = map[rune]string{
	'，': ", ",
	'。': ". ",
	'？': "? ",
	'！': "! ",
	'：': ": ",
	'；': "; ",
	'（': "(",
	'）': ")",
	'【': "[",
	'】': "]",
	'「': `"`,
	'」': `"`,
	'『': "'",
	'』': "'",
	'“': `"`,
	'”': `"`,
	'‘': "'",
	'’': "'",
}

// halfToFull maps halfwidth punctuation to fullwidth for the reverse
// direction.
var halfToFull = map[rune]rune{
	',':  '，',
	'.':  '。',
	'?':  '？',
	'!':  '！',
	':':  '：',
	';':  '；',
	'(':  '（',
	')':  '）',
	'[':  '【',
	']':  '】',
	'"':  '“',
	'\'': '‘',
}

const (
	chinesePunct = "，。？！：；、‘’“”（）【】《》"
	dupPunct     = "，。？！,.?!"
)

var (
	mixedPunctPattern = regexp.MustCompile(`([，。？！])([,.?!])|([,.?!])([，。？！])`)
	multiSpacePattern = regexp.MustCompile(` {2,}`)
)

// ConvertFullToHalf rewrites fullwidth punctuation as halfwidth. When
// addSpace is true, sentence punctuation is followed by a space.
func ConvertFullToHalf(text string, addSpace bool) string {
	if text == "" {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		half, ok := fullToHalf[r]
		if !ok {
			b.WriteRune(r)
			continue
		}
		if !addSpace {
			half = strings.TrimRight(half, " ")
		}
		b.WriteString(half)
	}
	return b.String()
}

// ConvertHalfToFull rewrites halfwidth punctuation as fullwidth.
func ConvertHalfToFull(text string) string {
	if text == "" {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if full, ok := halfToFull[r]; ok {
			b.WriteRune(full)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeFullwidth converts fullwidth ASCII (U+FF01..U+FF5E) and the
// ideographic space to their halfwidth equivalents.
func NormalizeFullwidth(text string) string {
	if text == "" {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '　':
			b.WriteRune(' ')
		case r >= 0xFF01 && r <= 0xFF5E:
			b.WriteRune(r - 0xFF01 + 0x21)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MergePunctuation collapses repeated sentence punctuation, resolves mixed
// Chinese/western pairs in favour of the Chinese mark, and squeezes runs of
// spaces.
func MergePunctuation(text string) string {
	if text == "" {
		return text
	}

	// Collapse runs of one repeated mark.
	var b strings.Builder
	b.Grow(len(text))
	var prev rune = -1
	for _, r := range text {
		if r == prev && strings.ContainsRune(dupPunct, r) {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	text = b.String()

	text = mixedPunctPattern.ReplaceAllStringFunc(text, func(m string) string {
		pair := []rune(m)
		if strings.ContainsRune(chinesePunct, pair[0]) {
			return string(pair[0])
		}
		return string(pair[1])
	})

	return multiSpacePattern.ReplaceAllString(text, " ")
}
