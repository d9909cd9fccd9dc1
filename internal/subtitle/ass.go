// Package subtitle renders word timings as Advanced SubStation Alpha subtitles.
package subtitle

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/asticode/go-astisub"

	"github.com/book-expert/spark-tts-worker/internal/core"
)

const (
	// ContentType is the media type of encoded documents.
	ContentType = "text/x-ssa"
	// Extension is the file extension of encoded documents.
	Extension = ".ass"

	// DefaultMaxCueSeconds bounds the time span of one cue.
	DefaultMaxCueSeconds = 5.0
	// DefaultMaxCueChars bounds the rendered text of one cue.
	DefaultMaxCueChars = 42

	centisecondsPerSecond = 100

	scriptTitle   = "Synthesized speech"
	scriptTypeV4  = "v4.00+"
	wrapSmart     = "0"
	playResX      = 384
	playResY      = 288
	scaleIdentity = 100
)

// ErrNoWords indicates there was nothing to subtitle.
var ErrNoWords = errors.New("no word timings to encode")

// Style is one [V4+ Styles] entry. Colours are ASS &HAABBGGRR values where
// alpha 0 is opaque.
type Style struct {
	Name            string
	FontName        string
	FontSize        int
	PrimaryColour   uint32
	SecondaryColour uint32
	OutlineColour   uint32
	BackColour      uint32
	Bold            bool
	Italic          bool
	BorderStyle     int
	Outline         float64
	Shadow          float64
	Alignment       int
	MarginL         int
	MarginR         int
	MarginV         int
	Encoding        int
}

// DefaultStyle is white Arial 20 with a red karaoke colour, black outline
// and a half-transparent black box, anchored bottom centre.
var DefaultStyle = Style{
	Name:            "Default",
	FontName:        "Arial",
	FontSize:        20,
	PrimaryColour:   0x00FFFFFF,
	SecondaryColour: 0x000000FF,
	OutlineColour:   0x00000000,
	BackColour:      0x80000000,
	BorderStyle:     1,
	Outline:         2,
	Shadow:          1,
	Alignment:       2,
	MarginL:         10,
	MarginR:         10,
	MarginV:         10,
	Encoding:        1,
}

// Options controls cue grouping.
type Options struct {
	MaxCueSeconds float64
	MaxCueChars   int
	// Karaoke adds per-word \k timing tags so players sweep the secondary colour.
	Karaoke bool
	Style   Style
}

// Encoder is a core.SubtitleEncoder producing ASS documents.
type Encoder struct {
	opts Options
}

// Cue is one Dialogue line.
type Cue struct {
	Words []core.WordTiming
}

// Start is the first word's start time.
func (c Cue) Start() float64 { return c.Words[0].StartSeconds }

// End is the last word's end time.
func (c Cue) End() float64 { return c.Words[len(c.Words)-1].EndSeconds }

// Text joins the cue's words with single spaces.
func (c Cue) Text() string {
	words := make([]string, len(c.Words))
	for i, word := range c.Words {
		words[i] = word.Word
	}

	return strings.Join(words, " ")
}

// NewEncoder creates an encoder, filling unset options with defaults.
func NewEncoder(opts Options) *Encoder {
	if opts.MaxCueSeconds <= 0 {
		opts.MaxCueSeconds = DefaultMaxCueSeconds
	}

	if opts.MaxCueChars <= 0 {
		opts.MaxCueChars = DefaultMaxCueChars
	}

	if opts.Style.Name == "" {
		opts.Style = DefaultStyle
	}

	return &Encoder{opts: opts}
}

// ContentType implements core.SubtitleEncoder.
func (e *Encoder) ContentType() string { return ContentType }

// Extension implements core.SubtitleEncoder.
func (e *Encoder) Extension() string { return Extension }

// Encode renders timings as an ASS document. Equal input yields identical bytes.
func (e *Encoder) Encode(timings []core.WordTiming) ([]byte, error) {
	cues := e.Group(timings)
	if len(cues) == 0 {
		return nil, ErrNoWords
	}

	style := e.opts.Style.astisub()
	subs := astisub.NewSubtitles()
	subs.Metadata = &astisub.Metadata{
		Title:         scriptTitle,
		SSAScriptType: scriptTypeV4,
		SSAWrapStyle:  wrapSmart,
		SSAPlayResX:   intPtr(playResX),
		SSAPlayResY:   intPtr(playResY),
	}
	subs.Styles[style.ID] = style

	for _, cue := range cues {
		subs.Items = append(subs.Items, &astisub.Item{
			StartAt: clock(cue.Start()),
			EndAt:   clock(cue.End()),
			Style:   style,
			Lines:   []astisub.Line{{Items: e.lineItems(cue)}},
		})
	}

	var doc bytes.Buffer

	err := subs.WriteToSSA(&doc)
	if err != nil {
		return nil, fmt.Errorf("writing ASS document: %w", err)
	}

	return doc.Bytes(), nil
}

// Group splits timings into cues. A cue closes after sentence-final
// punctuation, or before a word that would push it past the duration or
// character bound. A single word longer than the bound gets a cue of its own.
func (e *Encoder) Group(timings []core.WordTiming) []Cue {
	var (
		cues    []Cue
		current []core.WordTiming
		chars   int
	)

	flush := func() {
		if len(current) > 0 {
			cues = append(cues, Cue{Words: current})
		}

		current = nil
		chars = 0
	}

	for _, timing := range timings {
		timing.Word = sanitize(timing.Word)
		if timing.Word == "" {
			continue
		}

		width := utf8.RuneCountInString(timing.Word)

		if len(current) > 0 {
			tooLong := chars+1+width > e.opts.MaxCueChars
			tooSlow := timing.EndSeconds-current[0].StartSeconds > e.opts.MaxCueSeconds

			if tooLong || tooSlow {
				flush()
			}
		}

		if len(current) > 0 {
			chars++
		}

		current = append(current, timing)
		chars += width

		if endsSentence(timing.Word) {
			flush()
		}
	}

	flush()

	return cues
}

// lineItems renders one item per word. Karaoke words carry a \k tag lasting
// until the next word starts.
func (e *Encoder) lineItems(cue Cue) []astisub.LineItem {
	items := make([]astisub.LineItem, len(cue.Words))

	for i, word := range cue.Words {
		items[i] = astisub.LineItem{Text: word.Word}

		if !e.opts.Karaoke {
			continue
		}

		until := word.EndSeconds
		if i+1 < len(cue.Words) {
			until = cue.Words[i+1].StartSeconds
		}

		items[i].InlineStyle = &astisub.StyleAttributes{
			SSAEffect: fmt.Sprintf(`{\k%d}`, centiseconds(until)-centiseconds(word.StartSeconds)),
		}
	}

	return items
}

// astisub converts the style to its [V4+ Styles] attributes.
func (s Style) astisub() *astisub.Style {
	return &astisub.Style{
		ID: s.Name,
		InlineStyle: &astisub.StyleAttributes{
			SSAFontName:        s.FontName,
			SSAFontSize:        floatPtr(float64(s.FontSize)),
			SSAPrimaryColour:   colour(s.PrimaryColour),
			SSASecondaryColour: colour(s.SecondaryColour),
			SSAOutlineColour:   colour(s.OutlineColour),
			SSABackColour:      colour(s.BackColour),
			SSABold:            boolPtr(s.Bold),
			SSAItalic:          boolPtr(s.Italic),
			SSAUnderline:       boolPtr(false),
			SSAStrikeout:       boolPtr(false),
			SSAScaleX:          floatPtr(scaleIdentity),
			SSAScaleY:          floatPtr(scaleIdentity),
			SSASpacing:         floatPtr(0),
			SSAAngle:           floatPtr(0),
			SSABorderStyle:     intPtr(s.BorderStyle),
			SSAOutline:         floatPtr(s.Outline),
			SSAShadow:          floatPtr(s.Shadow),
			SSAAlignment:       intPtr(s.Alignment),
			SSAMarginLeft:      intPtr(s.MarginL),
			SSAMarginRight:     intPtr(s.MarginR),
			SSAMarginVertical:  intPtr(s.MarginV),
			SSAEncoding:        intPtr(s.Encoding),
		},
	}
}

func centiseconds(seconds float64) int {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}

	return int(math.Round(seconds * centisecondsPerSecond))
}

// clock converts seconds to a duration rounded to the nearest centisecond.
func clock(seconds float64) time.Duration {
	return time.Duration(centiseconds(seconds)) * (time.Second / centisecondsPerSecond)
}

// colour splits an &HAABBGGRR value.
func colour(value uint32) *astisub.Color {
	return &astisub.Color{
		Alpha: uint8(value >> 24),
		Blue:  uint8(value >> 16),
		Green: uint8(value >> 8),
		Red:   uint8(value),
	}
}

func intPtr(value int) *int { return &value }

func floatPtr(value float64) *float64 { return &value }

func boolPtr(value bool) *bool { return &value }

// sanitize removes override-block and line-break syntax from a word.
func sanitize(word string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '{':
			return '('
		case r == '}':
			return ')'
		case r == '\\':
			return '/'
		case unicode.IsControl(r) || unicode.IsSpace(r):
			return -1
		default:
			return r
		}
	}, word)

	return strings.TrimSpace(cleaned)
}

func endsSentence(word string) bool {
	last, _ := utf8.DecodeLastRuneInString(strings.TrimRight(word, `"')`))

	return last == '.' || last == '!' || last == '?'
}
