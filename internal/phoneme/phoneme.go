// Package phoneme decomposes mixed Mandarin/Latin text into phoneme sequences
// and provides the cost model and alignment search used by hotword correction.
//
// Decomposition rules:
//
//  1. Each Han character becomes up to three phonemes: pinyin initial (marks a
//     word start), pinyin final, and tone digit (marks the word end). Zero
//     initial syllables start at the final; neutral tones are normalised to
//     tone "5" so every syllable closes with a tone phoneme.
//  2. A run of ASCII letters or digits becomes one phoneme per character,
//     lowercased. Runs split at case flips (camelCase) and letter/digit
//     transitions. The first character marks the word start, the last the
//     word end.
//  3. Any other rune is a separator and contributes no phoneme.
//
// Every phoneme records the rune span of its source character so matches can
// be mapped back onto the original text. All functions are deterministic,
// allocate nothing shared, and are safe for concurrent use.
package phoneme

import (
	"unicode"

	"github.com/mozillazg/go-pinyin"
)

// Lang identifies the language layer a phoneme belongs to. Phonemes of
// different languages never match each other.
type Lang uint8

const (
	// LangZH marks a Mandarin pinyin component (initial, final or tone).
	LangZH Lang = iota

	// LangEN marks a single lowercased Latin letter.
	LangEN

	// LangNum marks a single decimal digit from a pure-digit run.
	LangNum
)

// String returns the short language tag used in logs and debug output.
func (l Lang) String() string {
	switch l {
	case LangZH:
		return "zh"
	case LangEN:
		return "en"
	case LangNum:
		return "num"
	default:
		return "unknown"
	}
}

// Phoneme is one unit of the decomposed text.
type Phoneme struct {
	// Value is the phoneme content: a pinyin initial/final, a tone digit,
	// or a single lowercased letter/digit.
	Value string

	// Lang is the language layer of this phoneme.
	Lang Lang

	// WordStart marks positions where an alignment may begin.
	WordStart bool

	// WordEnd marks positions where an alignment may end.
	WordEnd bool

	// CharStart and CharEnd delimit the source character as rune offsets
	// into the decomposed text (half-open interval).
	CharStart int
	CharEnd   int
}

// Tone reports whether the phoneme is a Mandarin tone digit.
func (p Phoneme) Tone() bool {
	return p.Lang == LangZH && len(p.Value) == 1 && p.Value[0] >= '0' && p.Value[0] <= '9'
}

var (
	initialArgs = func() pinyin.Args {
		a := pinyin.NewArgs()
		a.Style = pinyin.Initials
		return a
	}()
	finalArgs = func() pinyin.Args {
		a := pinyin.NewArgs()
		a.Style = pinyin.Finals
		return a
	}()
	toneArgs = func() pinyin.Args {
		a := pinyin.NewArgs()
		a.Style = pinyin.Tone3
		return a
	}()
)

// isHan reports whether r is in the CJK unified ideograph block handled by the
// pinyin table.
func isHan(r rune) bool {
	return r >= 0x4e00 && r <= 0x9fff
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isASCIIDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// Decompose converts text into its ordered phoneme sequence.
func Decompose(text string) []Phoneme {
	runes := []rune(text)
	seq := make([]Phoneme, 0, len(runes)*2)

	pos := 0
	for pos < len(runes) {
		r := runes[pos]
		switch {
		case isHan(r):
			seq = appendHan(seq, r, pos)
			pos++

		case isASCIILetter(r) || isASCIIDigit(r):
			end := pos + 1
			for end < len(runes) {
				cur := runes[end]
				if !isASCIILetter(cur) && !isASCIIDigit(cur) {
					break
				}
				prev := runes[end-1]
				// Split camelCase and letter/digit transitions into
				// separate words.
				if (unicode.IsLower(prev) && unicode.IsUpper(cur)) ||
					(isASCIILetter(prev) && isASCIIDigit(cur)) ||
					(isASCIIDigit(prev) && isASCIILetter(cur)) {
					break
				}
				end++
			}
			seq = appendToken(seq, runes[pos:end], pos)
			pos = end

		default:
			pos++
		}
	}
	return seq
}

// appendHan appends the pinyin phonemes of a single Han character. Characters
// the pinyin table does not know fall back to a single opaque phoneme so the
// character still participates in exact matching.
func appendHan(seq []Phoneme, r rune, pos int) []Phoneme {
	s := string(r)
	init := firstPinyin(s, initialArgs)
	fin := firstPinyin(s, finalArgs)
	tone := firstPinyin(s, toneArgs)

	if init == "" && fin == "" {
		return append(seq, Phoneme{
			Value: s, Lang: LangZH, WordStart: true, WordEnd: true,
			CharStart: pos, CharEnd: pos + 1,
		})
	}

	if init != "" {
		seq = append(seq, Phoneme{
			Value: init, Lang: LangZH, WordStart: true,
			CharStart: pos, CharEnd: pos + 1,
		})
	}
	if fin != "" {
		seq = append(seq, Phoneme{
			Value: fin, Lang: LangZH, WordStart: init == "",
			CharStart: pos, CharEnd: pos + 1,
		})
	}

	// Tone3 renders the tone as a trailing digit; neutral tones carry none
	// and are normalised to "5".
	digit := "5"
	if n := len(tone); n > 0 && tone[n-1] >= '0' && tone[n-1] <= '9' {
		digit = tone[n-1:]
	}
	return append(seq, Phoneme{
		Value: digit, Lang: LangZH, WordEnd: true,
		CharStart: pos, CharEnd: pos + 1,
	})
}

// appendToken appends per-character phonemes for one ASCII letter/digit run.
func appendToken(seq []Phoneme, token []rune, pos int) []Phoneme {
	lang := LangNum
	for _, r := range token {
		if !isASCIIDigit(r) {
			lang = LangEN
			break
		}
	}
	for i, r := range token {
		seq = append(seq, Phoneme{
			Value:     string(unicode.ToLower(r)),
			Lang:      lang,
			WordStart: i == 0,
			WordEnd:   i == len(token)-1,
			CharStart: pos + i,
			CharEnd:   pos + i + 1,
		})
	}
	return seq
}

// firstPinyin returns the first pinyin reading of s under args, or "" when
// the table has no entry.
func firstPinyin(s string, args pinyin.Args) string {
	res := pinyin.Pinyin(s, args)
	if len(res) == 0 || len(res[0]) == 0 {
		return ""
	}
	return res[0][0]
}
