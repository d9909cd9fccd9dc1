package tts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"golang.org/x/sync/semaphore"

	"github.com/book-expert/spark-tts-worker/internal/core"
	"github.com/book-expert/spark-tts-worker/internal/params"
	"github.com/book-expert/spark-tts-worker/internal/tts/audio"
	"github.com/book-expert/spark-tts-worker/internal/tts/text"
	"github.com/book-expert/spark-tts-worker/internal/ttserr"
)

// Operation names carried in ttserr.Error.Op.
const (
	OpSynthesize = "synthesize"
	OpLoad       = "load_model"
)

const (
	// DefaultHealthTimeout bounds the startup health check.
	DefaultHealthTimeout = 30 * time.Second
	// DefaultWarmupText is generated once at startup to page the model in.
	DefaultWarmupText = "Warming up."
	unitySpeed        = 1.0
)

// Log formats.
const (
	logFmtModelReady    = "TTS model %q ready on %s at %d Hz"
	logFmtWarmupDone    = "Warmup generated %d samples in %s"
	logFmtSegmentFailed = "Segment %d/%d failed: %v"
	logFmtDiscardLate   = "Discarding synthesis result: request deadline passed (%v)"
	logFmtSynthesisDone = "Synthesized %d segments, %.2fs of audio"
	errFmtHealthCheck   = "TTS service health check failed: %w"
	errFmtWarmup        = "TTS warmup failed: %w"
	msgGenerationFailed = "model generation failed"
	msgNoSpeakableText  = "text has no speakable content"
	msgNonFiniteSamples = "model produced non-finite samples"
)

// Static errors.
var (
	ErrNilModel   = errors.New("model cannot be nil")
	ErrNonFinite  = errors.New("non-finite samples in model output")
	ErrNoSegments = errors.New("no segments after normalisation")
)

// Options tunes an Engine.
type Options struct {
	MaxSegmentRunes int
	WarmupText      string
	HealthTimeout   time.Duration
}

// Voice selects how generation is conditioned. A non-nil Reference means
// voice cloning; otherwise Gender picks a built-in speaker.
type Voice struct {
	Gender    params.Gender
	Reference *core.ReferenceAudio
}

// Engine is the process-wide model handle. It can only be obtained from
// NewEngine, which returns it once the model has answered a health check and
// a warmup generation, so holding an Engine means the model is resident.
type Engine struct {
	model           Model
	info            ModelInfo
	preprocessor    *text.Preprocessor
	lock            *semaphore.Weighted
	maxSegmentRunes int
	logger          *logger.Logger
}

// NewEngine health-checks and warms up model.
func NewEngine(ctx context.Context, model Model, opts Options, log *logger.Logger) (*Engine, error) {
	if model == nil {
		return nil, ErrNilModel
	}

	opts = opts.withDefaults()

	healthCtx, cancel := context.WithTimeout(ctx, opts.HealthTimeout)
	defer cancel()

	info, err := model.Health(healthCtx)
	if err != nil {
		return nil, ttserr.Wrap(ttserr.KindSynthesis, OpLoad, "model not ready",
			fmt.Errorf(errFmtHealthCheck, err)).WithSubKind(ttserr.SubKindBackend)
	}

	engine := &Engine{
		model:           model,
		info:            info,
		preprocessor:    text.NewPreprocessor(),
		lock:            semaphore.NewWeighted(1),
		maxSegmentRunes: opts.MaxSegmentRunes,
		logger:          log,
	}

	started := time.Now()

	warm, err := model.Generate(healthCtx, GenerateRequest{
		Text:        opts.WarmupText,
		Gender:      string(params.Defaults.SpeakerGender),
		TaskMode:    string(params.Defaults.TaskMode),
		Temperature: params.Defaults.Temperature,
		TopP:        params.Defaults.TopP,
		MaxLength:   params.Defaults.MaxLength,
	})
	if err == nil && (len(warm.Samples) == 0 || audio.HasNonFinite(warm.Samples)) {
		err = ErrEmptyGeneration
	}

	if err != nil {
		return nil, ttserr.Wrap(ttserr.KindSynthesis, OpLoad, "model warmup failed",
			fmt.Errorf(errFmtWarmup, err)).WithSubKind(ttserr.SubKindBackend)
	}

	log.Info(logFmtWarmupDone, len(warm.Samples), time.Since(started).Round(time.Millisecond))
	log.Info(logFmtModelReady, info.Model, info.Device, info.SampleRate)

	return engine, nil
}

func (o Options) withDefaults() Options {
	if o.MaxSegmentRunes <= 0 {
		o.MaxSegmentRunes = text.DefaultMaxSegmentRunes
	}

	if strings.TrimSpace(o.WarmupText) == "" {
		o.WarmupText = DefaultWarmupText
	}

	if o.HealthTimeout <= 0 {
		o.HealthTimeout = DefaultHealthTimeout
	}

	return o
}

// SampleRate is the model's native output rate.
func (e *Engine) SampleRate() int {
	return e.info.SampleRate
}

// Info returns the health payload captured at startup.
func (e *Engine) Info() ModelInfo {
	return e.info
}

// Synthesize renders input with the given voice. Segments are generated one
// after another under the engine lock; each model call runs detached from
// ctx so an expired deadline never interrupts the GPU mid-generation. When
// ctx is done by the time a call returns, the result is discarded and a
// TimeoutError is returned.
func (e *Engine) Synthesize(
	ctx context.Context,
	input string,
	voice Voice,
	gen params.GenerationParams,
	prosody params.Prosody,
) (core.SynthesisResult, error) {
	segments := text.Segment(e.preprocessor.PreprocessText(input), e.maxSegmentRunes)
	if len(segments) == 0 {
		return core.SynthesisResult{}, ttserr.Wrap(ttserr.KindSynthesis, OpSynthesize, msgNoSpeakableText, ErrNoSegments).
			WithSubKind(ttserr.SubKindBackend).WithStage(ttserr.StageSynthesizing)
	}

	err := e.lock.Acquire(ctx, 1)
	if err != nil {
		return core.SynthesisResult{}, ttserr.Timeout(ttserr.StageSynthesizing, err)
	}
	defer e.lock.Release(1)

	rendered := make([][]float32, 0, len(segments))

	for index, segment := range segments {
		if ctx.Err() != nil {
			e.logger.Warn(logFmtDiscardLate, ctx.Err())

			return core.SynthesisResult{}, ttserr.Timeout(ttserr.StageSynthesizing, ctx.Err())
		}

		wave, genErr := e.model.Generate(context.WithoutCancel(ctx), e.segmentRequest(segment, voice, gen))
		if genErr == nil && audio.HasNonFinite(wave.Samples) {
			genErr = ErrNonFinite
		}

		if genErr == nil && len(wave.Samples) == 0 {
			genErr = ErrEmptyGeneration
		}

		if genErr != nil {
			e.logger.Warn(logFmtSegmentFailed, index+1, len(segments), genErr)

			return core.SynthesisResult{}, classifyGenerationError(genErr)
		}

		rendered = append(rendered, audio.Resample(wave.Samples, wave.SampleRate, e.info.SampleRate))
	}

	if ctx.Err() != nil {
		e.logger.Warn(logFmtDiscardLate, ctx.Err())

		return core.SynthesisResult{}, ttserr.Timeout(ttserr.StageSynthesizing, ctx.Err())
	}

	samples := audio.Join(rendered, audio.SecondsToSamples(prosody.SentenceGapSeconds, e.info.SampleRate))
	samples = applyProsody(samples, prosody)

	result := core.SynthesisResult{
		Samples:    samples,
		SampleRate: e.info.SampleRate,
		Duration:   core.DurationOf(len(samples), e.info.SampleRate),
	}

	e.logger.Info(logFmtSynthesisDone, len(segments), result.Seconds())

	return result, nil
}

func (e *Engine) segmentRequest(segment string, voice Voice, gen params.GenerationParams) GenerateRequest {
	req := GenerateRequest{
		Text:        segment,
		TaskMode:    string(gen.TaskMode),
		Temperature: gen.Temperature,
		TopP:        gen.TopP,
		MaxLength:   gen.MaxLength,
		Reference:   voice.Reference,
	}

	if voice.Reference == nil {
		req.Gender = string(voice.Gender)
	}

	return req
}

// applyProsody changes speed first, keeping pitch, then pitch, keeping
// duration, and finally clips the result to full scale.
func applyProsody(samples []float32, prosody params.Prosody) []float32 {
	if prosody.SpeedFactor > 0 && math.Abs(prosody.SpeedFactor-unitySpeed) > 1e-9 {
		samples = audio.TimeStretch(samples, prosody.SpeedFactor)
	}

	if prosody.PitchShiftSemitones != 0 {
		samples = audio.PitchShift(samples, prosody.PitchShiftSemitones)
	}

	return audio.Clip(samples)
}

// classifyGenerationError maps a model failure to a SynthesisError sub-kind.
// Divergence and transport faults may succeed on a fresh attempt; memory
// exhaustion and length overruns repeat for the same request.
func classifyGenerationError(err error) *ttserr.Error {
	typed := ttserr.Wrap(ttserr.KindSynthesis, OpSynthesize, msgGenerationFailed, err).
		WithStage(ttserr.StageSynthesizing)

	if errors.Is(err, ErrNonFinite) {
		typed.Message = msgNonFiniteSamples

		return typed.WithSubKind(ttserr.SubKindDiverged).WithRetryable(true)
	}

	if errors.Is(err, ErrAudioTooLarge) {
		return typed.WithSubKind(ttserr.SubKindBackend)
	}

	var modelErr *ModelError
	if !errors.As(err, &modelErr) {
		return typed.WithSubKind(ttserr.SubKindBackend).WithRetryable(true)
	}

	switch {
	case modelErr.IsOutOfMemory():
		return typed.WithSubKind(ttserr.SubKindOutOfMemory)
	case strings.EqualFold(modelErr.Code, ErrorCodeDiverged):
		return typed.WithSubKind(ttserr.SubKindDiverged).WithRetryable(true)
	case strings.EqualFold(modelErr.Code, ErrorCodeMaxLengthExceeded):
		return typed.WithSubKind(ttserr.SubKindMaxLengthExceeded)
	default:
		return typed.WithSubKind(ttserr.SubKindBackend).WithRetryable(modelErr.StatusCode >= 500)
	}
}
