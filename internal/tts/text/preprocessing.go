// Package text normalises synthesis input and splits it at sentence boundaries.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxSegmentRunes bounds one generation segment when no limit is given.
const DefaultMaxSegmentRunes = 300

const whitespaceRegexPattern = `\s+`

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// Preprocessor normalises text before it reaches the model.
type Preprocessor struct {
	whitespacePattern    *regexp.Regexp
	abbreviationReplacer *strings.Replacer
	typographyReplacer   *strings.Replacer
}

// NewPreprocessor creates a preprocessor with compiled patterns and replacers.
func NewPreprocessor() *Preprocessor {
	abbreviations := []string{
		"Mrs.", "Misses",
		"Mr.", "Mister",
		"Ms.", "Miss",
		"Dr.", "Doctor",
		"St.", "Saint",
		"Co.", "Company",
		"Ltd.", "Limited",
		"Corp.", "Corporation",
		"Inc.", "Incorporated",
		"vs.", "versus",
		"e.g.", "for example",
		"i.e.", "that is",
	}

	return &Preprocessor{
		whitespacePattern:    regexp.MustCompile(whitespaceRegexPattern),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
		typographyReplacer: strings.NewReplacer(
			emDash, " - ",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// PreprocessText expands abbreviations, normalises typography and whitespace,
// collapses repeated punctuation and terminates the final sentence.
func (p *Preprocessor) PreprocessText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	normalized := p.abbreviationReplacer.Replace(text)
	normalized = p.typographyReplacer.Replace(normalized)
	normalized = strings.TrimSpace(p.whitespacePattern.ReplaceAllString(normalized, " "))
	normalized = collapseRepeatedPunctuation(normalized)

	return ensureProperSentenceEnding(normalized)
}

// SplitSentences splits normalised text after '.', '!' or '?' runs that are
// followed by whitespace, keeping the punctuation with its sentence.
func SplitSentences(text string) []string {
	var (
		sentences []string
		current   strings.Builder
	)

	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])

		if !isSentenceEnd(runes[i]) {
			continue
		}

		for i+1 < len(runes) && (isSentenceEnd(runes[i+1]) || isClosingQuote(runes[i+1])) {
			i++
			current.WriteRune(runes[i])
		}

		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}

		sentences = appendTrimmed(sentences, current.String())
		current.Reset()
	}

	return appendTrimmed(sentences, current.String())
}

// Segment splits text into sentences and breaks any sentence longer than
// maxRunes at the last comma or space that fits.
func Segment(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxSegmentRunes
	}

	var segments []string

	for _, sentence := range SplitSentences(text) {
		for utf8.RuneCountInString(sentence) > maxRunes {
			head, tail := breakAt(sentence, maxRunes)
			segments = appendTrimmed(segments, head)
			sentence = tail
		}

		segments = appendTrimmed(segments, sentence)
	}

	return segments
}

// Words returns the spoken words of text with surrounding punctuation removed.
func Words(text string) []string {
	fields := strings.Fields(text)
	words := make([]string, 0, len(fields))

	for _, field := range fields {
		word := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if word != "" {
			words = append(words, word)
		}
	}

	return words
}

// breakAt prefers the last clause separator in the second half of the
// window, then the last space, then a hard cut.
func breakAt(sentence string, maxRunes int) (string, string) {
	runes := []rune(sentence)
	cut := maxRunes

	lastSpace := -1
	for i := maxRunes - 1; i > 0; i-- {
		if (runes[i] == ',' || runes[i] == ';') && i >= maxRunes/2 {
			cut = i + 1
			lastSpace = -1

			break
		}

		if lastSpace < 0 && unicode.IsSpace(runes[i]) {
			lastSpace = i
		}
	}

	if lastSpace > 0 {
		cut = lastSpace
	}

	return string(runes[:cut]), string(runes[cut:])
}

func appendTrimmed(list []string, value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return list
	}

	return append(list, trimmed)
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isClosingQuote(r rune) bool {
	return r == '"' || r == '\'' || r == ')'
}

// collapseRepeatedPunctuation keeps "..." but reduces runs such as "!!!" or ",,".
func collapseRepeatedPunctuation(text string) string {
	var (
		builder strings.Builder
		last    rune
		run     int
	)

	for _, r := range text {
		if r == last && unicode.IsPunct(r) {
			run++
			if r != '.' || run >= 3 {
				continue
			}
		} else {
			run = 0
		}

		builder.WriteRune(r)
		last = r
	}

	return builder.String()
}

func ensureProperSentenceEnding(text string) string {
	if text == "" {
		return ""
	}

	lastChar, _ := utf8.DecodeLastRuneInString(text)
	switch lastChar {
	case '.', '!', '?', '"', '\'':
		return text
	default:
		return text + "."
	}
}
