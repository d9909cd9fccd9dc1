package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/spark-tts-worker/internal/core"
	"github.com/book-expert/spark-tts-worker/internal/tts/text"
	"github.com/book-expert/spark-tts-worker/internal/tts/whisper"
	"github.com/book-expert/spark-tts-worker/internal/ttserr"
)

// Operation names carried in ttserr.Error.Op.
const (
	OpAlign  = "align"
	OpEncode = "encode_subtitles"
)

// Static errors.
var (
	ErrNoWordsAligned      = errors.New("no words aligned")
	ErrAlignerUnconfigured = errors.New("no aligner configured")
)

// Pipeline composes the alignment and subtitle stages.
type Pipeline struct {
	aligner core.Aligner
	encoder core.SubtitleEncoder
	log     *logger.Logger
}

// New creates a pipeline. aligner may be nil when alignment is not deployed;
// requests asking for it then fail with an AlignmentError.
func New(aligner core.Aligner, encoder core.SubtitleEncoder, log *logger.Logger) *Pipeline {
	return &Pipeline{aligner: aligner, encoder: encoder, log: log}
}

// Encoder returns the subtitle encoder.
func (p *Pipeline) Encoder() core.SubtitleEncoder {
	return p.encoder
}

// Align runs the alignment stage. A partial alignment is truncated at its
// first invalid entry and still succeeds; zero usable words fail.
func (p *Pipeline) Align(
	ctx context.Context,
	result core.SynthesisResult,
	transcript string,
	enabled bool,
) Outcome[[]core.WordTiming] {
	if !enabled {
		return Skipped[[]core.WordTiming]()
	}

	if p.aligner == nil {
		return Failed[[]core.WordTiming](alignmentError("alignment is not available", ErrAlignerUnconfigured, false))
	}

	raw, err := p.aligner.Align(ctx, result.Samples, result.SampleRate, transcript)
	if err != nil {
		if ctx.Err() != nil {
			return Failed[[]core.WordTiming](ttserr.Timeout(ttserr.StageAligning, err))
		}

		return Failed[[]core.WordTiming](alignmentError("aligner failed", err, errors.Is(err, whisper.ErrUnavailable)))
	}

	words := len(text.Words(transcript))
	timings := SanitizeTimings(raw, words, result.Seconds())

	if len(timings) == 0 {
		return Failed[[]core.WordTiming](alignmentError("alignment produced no usable words",
			fmt.Errorf("%w: %d raw entries", ErrNoWordsAligned, len(raw)), false))
	}

	if len(timings) < words {
		p.log.Warn("Partial alignment: %d of %d words aligned", len(timings), words)
	}

	return Succeeded(timings)
}

// Subtitles runs the subtitle stage over a successful alignment.
func (p *Pipeline) Subtitles(alignment Outcome[[]core.WordTiming], enabled bool) Outcome[[]byte] {
	timings, ok := alignment.Value()
	if !enabled || !ok {
		return Skipped[[]byte]()
	}

	doc, err := p.encoder.Encode(timings)
	if err != nil {
		return Failed[[]byte](ttserr.Wrap(ttserr.KindSubtitle, OpEncode, "subtitle encoding failed", err).
			WithStage(ttserr.StageSubtitling))
	}

	return Succeeded(doc)
}

// SanitizeTimings returns the longest valid prefix of raw: every word is
// non-empty, times are finite and non-negative, starts never decrease and
// each end is at or after its start. Ends past duration are clamped to it,
// and the result never exceeds maxWords entries.
func SanitizeTimings(raw []core.WordTiming, maxWords int, duration float64) []core.WordTiming {
	limit := len(raw)
	if maxWords >= 0 && maxWords < limit {
		limit = maxWords
	}

	sanitized := make([]core.WordTiming, 0, limit)
	previousStart := 0.0

	for _, timing := range raw[:limit] {
		timing.Word = strings.TrimSpace(timing.Word)

		if !validTiming(timing, previousStart, duration) {
			break
		}

		if duration > 0 && timing.EndSeconds > duration {
			timing.EndSeconds = duration
		}

		sanitized = append(sanitized, timing)
		previousStart = timing.StartSeconds
	}

	return sanitized
}

func validTiming(timing core.WordTiming, previousStart, duration float64) bool {
	switch {
	case timing.Word == "":
		return false
	case !finite(timing.StartSeconds) || !finite(timing.EndSeconds):
		return false
	case timing.StartSeconds < 0 || timing.StartSeconds < previousStart:
		return false
	case timing.EndSeconds < timing.StartSeconds:
		return false
	case duration > 0 && timing.StartSeconds > duration:
		return false
	default:
		return true
	}
}

func finite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

func alignmentError(message string, err error, retryable bool) *ttserr.Error {
	return ttserr.Wrap(ttserr.KindAlignment, OpAlign, message, err).
		WithStage(ttserr.StageAligning).
		WithRetryable(retryable)
}
