// Package orchestrator drives one synthesis request through validation,
// reference resolution, synthesis, post-processing and publishing.
package orchestrator

import (
	"context"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/book-expert/spark-tts-worker/internal/core"
	"github.com/book-expert/spark-tts-worker/internal/objectstore"
	"github.com/book-expert/spark-tts-worker/internal/params"
	"github.com/book-expert/spark-tts-worker/internal/pipeline"
	"github.com/book-expert/spark-tts-worker/internal/publish"
	"github.com/book-expert/spark-tts-worker/internal/tts"
	"github.com/book-expert/spark-tts-worker/internal/tts/ttsutils"
	"github.com/book-expert/spark-tts-worker/internal/ttserr"
)

const (
	// DefaultRequestDeadline bounds a request end to end.
	DefaultRequestDeadline = 5 * time.Minute
	// DefaultResolveShare is the fraction of the deadline granted to reference resolution.
	DefaultResolveShare = 0.25
	// DefaultPublishShare is the fraction of the deadline granted to publishing.
	DefaultPublishShare = 0.25
)

// State is a lifecycle step of one request.
type State string

const (
	StateValidating         State = "validating"
	StateResolvingReference State = "resolving_reference"
	StateSynthesizing       State = "synthesizing"
	StateAligning           State = "aligning"
	StateSubtitling         State = "subtitling"
	StatePublishing         State = "publishing"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Synthesizer is the resident model handle.
type Synthesizer interface {
	SampleRate() int
	Synthesize(
		ctx context.Context,
		text string,
		voice tts.Voice,
		gen params.GenerationParams,
		prosody params.Prosody,
	) (core.SynthesisResult, error)
}

// ReferenceResolver loads cloning references.
type ReferenceResolver interface {
	Resolve(ctx context.Context, loc objectstore.Location, transcript string) (*core.ReferenceAudio, error)
}

// PostProcessor runs the optional alignment and subtitle stages.
type PostProcessor interface {
	Align(ctx context.Context, result core.SynthesisResult, transcript string, enabled bool) pipeline.Outcome[[]core.WordTiming]
	Subtitles(alignment pipeline.Outcome[[]core.WordTiming], enabled bool) pipeline.Outcome[[]byte]
	Encoder() core.SubtitleEncoder
}

// ArtifactPublisher stores artifacts and presigns them.
type ArtifactPublisher interface {
	PublishAudio(ctx context.Context, samples []float32, sampleRate int, name, jobID string) (publish.Artifact, error)
	PublishSubtitles(ctx context.Context, doc []byte, contentType, extension, name, jobID string) (publish.Artifact, error)
}

// Options tunes deadlines and logging.
type Options struct {
	RequestDeadline time.Duration
	ResolveShare    float64
	PublishShare    float64
	Verbose         bool
}

// Orchestrator runs one request at a time.
type Orchestrator struct {
	engine    Synthesizer
	resolver  ReferenceResolver
	post      PostProcessor
	publisher ArtifactPublisher
	inFlight  *semaphore.Weighted
	opts      Options
	log       *logger.Logger
}

// New wires the orchestrator. engine must already be resident.
func New(
	engine Synthesizer,
	resolver ReferenceResolver,
	post PostProcessor,
	publisher ArtifactPublisher,
	opts Options,
	log *logger.Logger,
) *Orchestrator {
	if opts.RequestDeadline <= 0 {
		opts.RequestDeadline = DefaultRequestDeadline
	}

	if opts.ResolveShare <= 0 || opts.ResolveShare > 1 {
		opts.ResolveShare = DefaultResolveShare
	}

	if opts.PublishShare <= 0 || opts.PublishShare > 1 {
		opts.PublishShare = DefaultPublishShare
	}

	return &Orchestrator{
		engine:    engine,
		resolver:  resolver,
		post:      post,
		publisher: publisher,
		inFlight:  semaphore.NewWeighted(1),
		opts:      opts,
		log:       log,
	}
}

// SampleRate is the output rate of every synthesized artifact.
func (o *Orchestrator) SampleRate() int {
	return o.engine.SampleRate()
}

// Handle runs raw to completion and always returns an envelope. An empty
// jobID is replaced by a fresh UUID.
func (o *Orchestrator) Handle(ctx context.Context, jobID string, raw params.RawRequest) Response {
	if jobID == "" {
		jobID = uuid.NewString()
	}

	started := time.Now()
	run := &requestRun{orchestrator: o, jobID: jobID}

	run.enter(StateValidating)

	req, err := params.Validate(raw)
	if err != nil {
		return run.fail(err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.RequestDeadline)
	defer cancel()

	err = o.inFlight.Acquire(ctx, 1)
	if err != nil {
		return run.fail(ttserr.Timeout(firstStage(req), err))
	}
	defer o.inFlight.Release(1)

	response, err := run.execute(ctx, req)
	if err != nil {
		return run.fail(err)
	}

	run.enter(StateDone)
	o.log.Info("Job %s done in %s: %s of audio at %s",
		jobID, time.Since(started).Round(time.Millisecond), ttsutils.FormatDuration(time.Duration(response.Duration*float64(time.Second))), response.AudioURL)

	return response
}

// requestRun carries per-request state through the stages.
type requestRun struct {
	orchestrator *Orchestrator
	jobID        string
	state        State
}

func (r *requestRun) execute(ctx context.Context, req params.SynthesisRequest) (Response, error) {
	o := r.orchestrator
	voice := tts.Voice{Gender: req.Voice.Gender}

	if req.Voice.IsCloning() {
		r.enter(StateResolvingReference)

		reference, err := r.resolve(ctx, req.Voice)
		if err != nil {
			return Response{}, err
		}

		voice.Reference = reference
	}

	r.enter(StateSynthesizing)

	result, err := o.engine.Synthesize(ctx, req.Text, voice, req.Generation, req.Prosody)
	if err != nil {
		return Response{}, err
	}

	if req.EnableAlignment {
		r.enter(StateAligning)
	}

	alignment := o.post.Align(ctx, result, req.Text, req.EnableAlignment)
	if alignment.Status() == pipeline.StatusFailed {
		return Response{}, timeoutOr(ctx, ttserr.StageAligning, alignment.Err())
	}

	if req.EnableSubtitles {
		r.enter(StateSubtitling)
	}

	subtitles := o.post.Subtitles(alignment, req.EnableSubtitles)

	r.enter(StatePublishing)

	publishCtx, cancel := o.subDeadline(ctx, o.opts.PublishShare)
	defer cancel()

	audioArtifact, err := o.publisher.PublishAudio(publishCtx, result.Samples, result.SampleRate, req.OutputNamePrefix, r.jobID)
	if err != nil {
		return Response{}, timeoutOr(ctx, ttserr.StagePublishing, err)
	}

	response := Response{
		Status:     StatusSuccess,
		JobID:      r.jobID,
		AudioURL:   audioArtifact.URL,
		SampleRate: result.SampleRate,
		Duration:   result.Seconds(),
	}

	if timings, ok := alignment.Value(); ok {
		response.WordTimings = timings
	}

	r.attachSubtitles(publishCtx, &response, subtitles, req.OutputNamePrefix)

	return response, nil
}

func (r *requestRun) resolve(ctx context.Context, voice params.VoiceSpec) (*core.ReferenceAudio, error) {
	o := r.orchestrator

	resolveCtx, cancel := o.subDeadline(ctx, o.opts.ResolveShare)
	defer cancel()

	reference, err := o.resolver.Resolve(resolveCtx, voice.Reference, voice.Transcript)
	if err != nil {
		return nil, timeoutOr(ctx, ttserr.StageResolvingReference, err)
	}

	return reference, nil
}

// attachSubtitles publishes a produced subtitle document. Any subtitle
// failure is reported beside the already-published audio.
func (r *requestRun) attachSubtitles(
	ctx context.Context,
	response *Response,
	subtitles pipeline.Outcome[[]byte],
	name string,
) {
	o := r.orchestrator

	switch subtitles.Status() {
	case pipeline.StatusSkipped:
		return
	case pipeline.StatusFailed:
		detail := describe(subtitles.Err())
		response.SubtitlesError = &detail
		o.log.Warn("Job %s: subtitles failed after audio was published: %v", r.jobID, subtitles.Err())

		return
	case pipeline.StatusSucceeded:
	}

	doc, _ := subtitles.Value()
	encoder := o.post.Encoder()

	artifact, err := o.publisher.PublishSubtitles(ctx, doc, encoder.ContentType(), encoder.Extension(), name, r.jobID)
	if err != nil {
		detail := describe(timeoutOr(ctx, ttserr.StagePublishing, err))
		response.SubtitlesError = &detail
		o.log.Warn("Job %s: subtitle publish failed after audio was published: %v", r.jobID, err)

		return
	}

	response.SubtitlesURL = artifact.URL
}

func (r *requestRun) enter(state State) {
	r.state = state

	if r.orchestrator.opts.Verbose {
		r.orchestrator.log.Info("Job %s: %s", r.jobID, state)
	}
}

func (r *requestRun) fail(err error) Response {
	stage := r.state
	r.enter(StateFailed)

	response := Failure(r.jobID, err)
	if response.Stage == "" {
		response.Stage = string(stage)
	}

	r.orchestrator.log.Error("Job %s failed in %s: %v", r.jobID, response.Stage, err)

	return response
}

// subDeadline bounds a stage to share of the total request deadline, never
// beyond the time the request has left.
func (o *Orchestrator) subDeadline(ctx context.Context, share float64) (context.Context, context.CancelFunc) {
	budget := time.Duration(float64(o.opts.RequestDeadline) * share)

	if deadline, ok := ctx.Deadline(); ok {
		budget = min(budget, time.Until(deadline))
	}

	return context.WithTimeout(ctx, budget)
}

// timeoutOr reports a TimeoutError in place of err when the request deadline
// has passed.
func timeoutOr(ctx context.Context, stage ttserr.Stage, err error) error {
	if ctx.Err() != nil && !ttserr.IsKind(err, ttserr.KindTimeout) {
		return ttserr.Timeout(stage, err)
	}

	return err
}

func firstStage(req params.SynthesisRequest) ttserr.Stage {
	if req.Voice.IsCloning() {
		return ttserr.StageResolvingReference
	}

	return ttserr.StageSynthesizing
}
