package text_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/book-expert/spark-tts-worker/internal/tts/text"
	"github.com/stretchr/testify/assert"
)

type preprocessorTestCase struct {
	name     string
	input    string
	expected string
}

func TestPreprocessor_PreprocessText(t *testing.T) {
	t.Parallel()

	preprocessor := text.NewPreprocessor()

	testCases := []preprocessorTestCase{
		{name: "empty", input: "", expected: ""},
		{name: "whitespace only", input: " \n\t ", expected: ""},
		{name: "adds final period", input: "Hello world", expected: "Hello world."},
		{name: "keeps question", input: "Are you there?", expected: "Are you there?"},
		{name: "abbreviations", input: "Dr. Smith met Mr. Jones.", expected: "Doctor Smith met Mister Jones."},
		{name: "longer abbreviation first", input: "Mrs. Jones", expected: "Misses Jones."},
		{name: "whitespace", input: "one\r\ntwo\t\tthree", expected: "one two three."},
		{name: "smart quotes", input: "“Hi,” she said ‘twice’.", expected: `"Hi," she said 'twice'.`},
		{name: "ellipsis char", input: "Wait…", expected: "Wait..."},
		{name: "repeated bangs", input: "Stop!!! Now??", expected: "Stop! Now?"},
		{name: "long dots", input: "Well.....", expected: "Well..."},
		{name: "em dash", input: "Yes—no", expected: "Yes - no."},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, preprocessor.PreprocessText(testCase.input))
		})
	}
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "single", input: "Hello world.", expected: []string{"Hello world."}},
		{name: "three", input: "One. Two! Three?", expected: []string{"One.", "Two!", "Three?"}},
		{name: "unterminated tail", input: "One. Two", expected: []string{"One.", "Two"}},
		{name: "decimal stays", input: "Pi is 3.14 today. Yes.", expected: []string{"Pi is 3.14 today.", "Yes."}},
		{name: "closing quote", input: `He said "go." Then left.`, expected: []string{`He said "go."`, "Then left."}},
		{name: "ellipsis run", input: "Wait... Go!", expected: []string{"Wait...", "Go!"}},
		{name: "empty", input: "   ", expected: nil},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, text.SplitSentences(testCase.input))
		})
	}
}

func TestSegment_BreaksLongSentences(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("word ", 40) + "end."
	segments := text.Segment("Short one. "+long, 50)

	assert.Equal(t, "Short one.", segments[0])

	for _, segment := range segments {
		assert.LessOrEqual(t, utf8.RuneCountInString(segment), 50)
	}

	assert.Equal(t, strings.Fields("Short one. "+long), strings.Fields(strings.Join(segments, " ")))
}

func TestSegment_PrefersClauseBreaks(t *testing.T) {
	t.Parallel()

	segments := text.Segment("alpha beta gamma delta, epsilon zeta eta theta iota.", 30)
	assert.Equal(t, []string{"alpha beta gamma delta,", "epsilon zeta eta theta iota."}, segments)
}

func TestSegment_HardCutWithoutSpaces(t *testing.T) {
	t.Parallel()

	segments := text.Segment(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}, segments)
}

func TestWords(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"Hello", "world", "it's", "3.5", "degrees"},
		text.Words(`"Hello, world!" - it's 3.5 degrees.`))
	assert.Empty(t, text.Words(" -- ... "))
}
