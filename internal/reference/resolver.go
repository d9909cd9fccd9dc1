// Package reference fetches and normalises voice-cloning reference recordings.
package reference

import (
	"context"
	"errors"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/spark-tts-worker/internal/core"
	"github.com/book-expert/spark-tts-worker/internal/objectstore"
	"github.com/book-expert/spark-tts-worker/internal/tts/audio"
	"github.com/book-expert/spark-tts-worker/internal/ttserr"
)

// OpResolve is the operation tag on resolver errors.
const OpResolve = "resolve_reference"

const (
	// DefaultMaxBytes is the reference size ceiling when none is configured.
	DefaultMaxBytes = 20 << 20
	// DefaultTimeout bounds fetching one reference.
	DefaultTimeout = 30 * time.Second
	// DefaultSampleRate is Spark-TTS's conditioning rate.
	DefaultSampleRate = 16000
	// silenceFloor is the peak amplitude below which a decoded reference counts as empty.
	silenceFloor = 1e-4
)

// ErrSilentReference indicates a decodable reference carrying no signal.
var ErrSilentReference = errors.New("reference audio is silent")

// Fetcher reads objects through the storage gateway.
type Fetcher interface {
	FetchLimited(ctx context.Context, loc objectstore.Location, maxBytes int64) ([]byte, error)
}

// Options tunes the resolver.
type Options struct {
	MaxBytes   int64
	Timeout    time.Duration
	SampleRate int
}

// Resolver turns a reference location into model-ready mono samples.
type Resolver struct {
	fetcher    Fetcher
	maxBytes   int64
	timeout    time.Duration
	sampleRate int
	log        *logger.Logger
}

// NewResolver creates a resolver that resamples references to opts.SampleRate.
func NewResolver(fetcher Fetcher, opts Options, log *logger.Logger) *Resolver {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}

	return &Resolver{
		fetcher:    fetcher,
		maxBytes:   opts.MaxBytes,
		timeout:    opts.Timeout,
		sampleRate: opts.SampleRate,
		log:        log,
	}
}

// Resolve fetches loc under the resolver's own timeout, decodes WAV or MP3,
// downmixes to mono and resamples to the model rate.
func (r *Resolver) Resolve(ctx context.Context, loc objectstore.Location, transcript string) (*core.ReferenceAudio, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()

	data, err := r.fetcher.FetchLimited(fetchCtx, loc, r.maxBytes)
	if err != nil {
		return nil, r.fetchError(fetchCtx, loc, err)
	}

	pcm, err := audio.Decode(data)
	if err != nil {
		if errors.Is(err, audio.ErrEmptyAudio) {
			return nil, referenceError(ttserr.SubKindEmpty, "reference audio has no samples", err)
		}

		return nil, referenceError(ttserr.SubKindUndecodable, "reference audio is not decodable WAV or MP3", err)
	}

	if peak(pcm.Samples) < silenceFloor {
		return nil, referenceError(ttserr.SubKindEmpty, "reference audio is silent", ErrSilentReference)
	}

	samples := audio.Resample(pcm.Samples, pcm.SampleRate, r.sampleRate)

	reference := &core.ReferenceAudio{
		Samples:    samples,
		SampleRate: r.sampleRate,
		Transcript: transcript,
		Source:     loc.String(),
	}

	r.log.Info("Resolved reference %s: %d bytes, %d Hz -> %d Hz, %s in %s",
		loc, len(data), pcm.SampleRate, r.sampleRate,
		reference.Duration().Round(time.Millisecond), time.Since(started).Round(time.Millisecond))

	return reference, nil
}

func (r *Resolver) fetchError(fetchCtx context.Context, loc objectstore.Location, err error) error {
	r.log.Warn("Reference fetch failed for %s: %v", loc, err)

	switch {
	case errors.Is(err, objectstore.ErrObjectTooLarge):
		return referenceError(ttserr.SubKindTooLarge, "reference audio exceeds the size ceiling", err)
	case errors.Is(fetchCtx.Err(), context.DeadlineExceeded):
		return referenceError(ttserr.SubKindTimeout, "reference fetch timed out", err).WithRetryable(true)
	default:
		return referenceError(ttserr.SubKindFetch, "failed to fetch reference audio", err).
			WithRetryable(ttserr.IsRetryable(err))
	}
}

func referenceError(subKind, message string, err error) *ttserr.Error {
	return ttserr.Wrap(ttserr.KindReferenceAudio, OpResolve, message, err).
		WithSubKind(subKind).
		WithStage(ttserr.StageResolvingReference)
}

func peak(samples []float32) float32 {
	var highest float32

	for _, sample := range samples {
		if sample < 0 {
			sample = -sample
		}

		highest = max(highest, sample)
	}

	return highest
}
