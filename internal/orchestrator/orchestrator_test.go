package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/spark-tts-worker/internal/core"
	"github.com/book-expert/spark-tts-worker/internal/objectstore"
	"github.com/book-expert/spark-tts-worker/internal/orchestrator"
	"github.com/book-expert/spark-tts-worker/internal/params"
	"github.com/book-expert/spark-tts-worker/internal/pipeline"
	"github.com/book-expert/spark-tts-worker/internal/publish"
	"github.com/book-expert/spark-tts-worker/internal/reference"
	"github.com/book-expert/spark-tts-worker/internal/subtitle"
	"github.com/book-expert/spark-tts-worker/internal/tts"
	"github.com/book-expert/spark-tts-worker/internal/tts/audio"
	"github.com/book-expert/spark-tts-worker/internal/ttserr"
)

const testRate = 16000

var errBucketReadOnly = errors.New("bucket is read-only")

// fakeModel renders 0.1s of constant signal per segment.
type fakeModel struct {
	mu          sync.Mutex
	generateErr error
	delay       time.Duration
	requests    []tts.GenerateRequest
	active      atomic.Int32
	maxActive   atomic.Int32
}

func (m *fakeModel) Health(context.Context) (tts.ModelInfo, error) {
	return tts.ModelInfo{Status: "ok", Model: "fake", SampleRate: testRate}, nil
}

func (m *fakeModel) Generate(_ context.Context, req tts.GenerateRequest) (tts.Waveform, error) {
	active := m.active.Add(1)
	defer m.active.Add(-1)

	for {
		seen := m.maxActive.Load()
		if active <= seen || m.maxActive.CompareAndSwap(seen, active) {
			break
		}
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	warmup := len(m.requests) == 1
	m.mu.Unlock()

	if warmup {
		return tts.Waveform{Samples: []float32{0.1}, SampleRate: testRate}, nil
	}

	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	if m.generateErr != nil {
		return tts.Waveform{}, m.generateErr
	}

	samples := make([]float32, testRate/10)
	for i := range samples {
		samples[i] = 0.2
	}

	return tts.Waveform{Samples: samples, SampleRate: testRate}, nil
}

func (m *fakeModel) segmentCalls() []tts.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]tts.GenerateRequest(nil), m.requests[1:]...)
}

// memBackend keeps objects in memory and can refuse writes under a prefix.
// Stalled calls block until their context ends. Every call records the time
// its context had left.
type memBackend struct {
	mu             sync.Mutex
	objects        map[string][]byte
	failPutPrefix  string
	stallGets      bool
	stallPuts      bool
	getCalls       int
	presignedLinks int
	getBudgets     []time.Duration
	putBudgets     []time.Duration
}

func newMemBackend() *memBackend {
	return &memBackend{objects: map[string][]byte{}}
}

func (m *memBackend) Bucket() string { return "media" }

func (m *memBackend) Get(ctx context.Context, _, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	m.getCalls++
	m.getBudgets = append(m.getBudgets, budgetOf(ctx))
	stall := m.stallGets
	m.mu.Unlock()

	if stall {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}

	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (m *memBackend) Put(ctx context.Context, _, key string, data []byte, _ string) error {
	m.mu.Lock()
	m.putBudgets = append(m.putBudgets, budgetOf(ctx))
	stall := m.stallPuts
	m.mu.Unlock()

	if stall {
		<-ctx.Done()

		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPutPrefix != "" && strings.HasPrefix(key, m.failPutPrefix) {
		return errBucketReadOnly
	}

	m.objects[key] = append([]byte(nil), data...)

	return nil
}

func (m *memBackend) Presign(_ context.Context, obj objectstore.StoredObject, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.presignedLinks++

	return fmt.Sprintf("https://media.example.com/%s?ttl=%d", obj.Key, int(ttl.Seconds())), nil
}

func (m *memBackend) List(context.Context, string) ([]objectstore.ObjectInfo, error) {
	return nil, nil
}

func (m *memBackend) CheckAccess(context.Context) error { return nil }

func (m *memBackend) budgets() ([]time.Duration, []time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]time.Duration(nil), m.getBudgets...), append([]time.Duration(nil), m.putBudgets...)
}

// budgetOf is the time ctx has left, or -1 without a deadline.
func budgetOf(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return -1
	}

	return time.Until(deadline)
}

func (m *memBackend) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.objects[key]

	return ok
}

type mockAligner struct {
	timings []core.WordTiming
	calls   atomic.Int32
}

func (m *mockAligner) Align(context.Context, []float32, int, string) ([]core.WordTiming, error) {
	m.calls.Add(1)

	return m.timings, nil
}

type harness struct {
	orchestrator *orchestrator.Orchestrator
	model        *fakeModel
	backend      *memBackend
	aligner      *mockAligner
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "orchestrator_test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func newHarness(t *testing.T, model *fakeModel, opts orchestrator.Options) *harness {
	t.Helper()

	log := newTestLogger(t)

	engine, err := tts.NewEngine(context.Background(), model, tts.Options{}, log)
	require.NoError(t, err)

	backend := newMemBackend()
	gateway := objectstore.NewGateway(backend, objectstore.Options{}, log)
	aligner := &mockAligner{}

	h := &harness{
		model:   model,
		backend: backend,
		aligner: aligner,
	}

	h.orchestrator = orchestrator.New(
		engine,
		reference.NewResolver(gateway, reference.Options{SampleRate: testRate}, log),
		pipeline.New(aligner, subtitle.NewEncoder(subtitle.Options{}), log),
		publish.NewPublisher(gateway, publish.DefaultLayout, time.Hour, log),
		opts,
		log,
	)

	return h
}

func decodeRaw(t *testing.T, body string) params.RawRequest {
	t.Helper()

	var raw params.RawRequest
	require.NoError(t, json.Unmarshal([]byte(body), &raw))

	return raw
}

func TestHandle_ScenarioA_Defaults(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{Verbose: true})

	response := h.orchestrator.Handle(context.Background(), "job-a", decodeRaw(t, `{"text": "Hello world"}`))
	require.True(t, response.Succeeded(), "%+v", response)

	assert.Equal(t, "job-a", response.JobID)
	assert.Equal(t, "https://media.example.com/output/output_job-a.wav?ttl=3600", response.AudioURL)
	assert.Equal(t, testRate, response.SampleRate)
	assert.InDelta(t, 0.1, response.Duration, 1e-6)
	assert.Empty(t, response.WordTimings)
	assert.Empty(t, response.SubtitlesURL)
	assert.True(t, h.backend.has("output/output_job-a.wav"))

	calls := h.model.segmentCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "male", calls[0].Gender)
	assert.Equal(t, "zero_shot", calls[0].TaskMode)
	assert.InDelta(t, 0.7, calls[0].Temperature, 1e-9)
	assert.Nil(t, calls[0].Reference)
	assert.Zero(t, h.backend.getCalls, "gender voice fetches nothing")
	assert.Zero(t, h.aligner.calls.Load())
}

func TestHandle_ScenarioB_OutOfRange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{})

	response := h.orchestrator.Handle(context.Background(), "job-b", decodeRaw(t, `{"text": "Hi", "speed_factor": 3.0}`))
	require.False(t, response.Succeeded())
	assert.Equal(t, "ValidationError", response.ErrorKind)
	assert.Equal(t, params.FieldSpeedFactor, response.Field)
	assert.Equal(t, "validating", response.Stage)
	assert.Contains(t, response.Message, "[0.5, 2]")
	require.NotNil(t, response.Retryable)
	assert.False(t, *response.Retryable)
	assert.Empty(t, h.model.segmentCalls())
}

func TestHandle_SubtitlesWithoutAlignmentTouchNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{})

	response := h.orchestrator.Handle(context.Background(), "job-s",
		decodeRaw(t, `{"text": "Hi", "enable_subtitles": true, "reference_audio_location": "voices/a.wav", "reference_transcript": "a"}`))
	require.False(t, response.Succeeded())
	assert.Equal(t, "ValidationError", response.ErrorKind)
	assert.Empty(t, h.model.segmentCalls())
	assert.Zero(t, h.backend.getCalls)
	assert.Zero(t, h.backend.presignedLinks)
}

func TestHandle_ScenarioC_CloningPair(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{})

	response := h.orchestrator.Handle(context.Background(), "job-c",
		decodeRaw(t, `{"text": "Hi", "reference_audio_location": "s3://media/voices/a.wav"}`))
	require.False(t, response.Succeeded())
	assert.Equal(t, "ValidationError", response.ErrorKind)
	assert.Zero(t, h.backend.getCalls)
}

func TestHandle_ScenarioD_PartialAlignment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{})
	h.aligner.timings = []core.WordTiming{
		{Word: "One", StartSeconds: 0.00, EndSeconds: 0.02},
		{Word: "two", StartSeconds: 0.02, EndSeconds: 0.04},
		{Word: "three", StartSeconds: 0.04, EndSeconds: 0.06},
		{Word: "", StartSeconds: 0.06, EndSeconds: 0.08},
		{Word: "five", StartSeconds: 0.08, EndSeconds: 0.09},
	}

	response := h.orchestrator.Handle(context.Background(), "job-d",
		decodeRaw(t, `{"text": "One two three four five", "enable_alignment": true}`))
	require.True(t, response.Succeeded(), "%+v", response)
	assert.Len(t, response.WordTimings, 3)
	assert.Empty(t, response.ErrorKind)
	assert.Nil(t, response.SubtitlesError)
}

func TestHandle_ScenarioE_TransientFetchRecovers(t *testing.T) {
	t.Parallel()

	wav, err := audio.EncodeWAV(tone(testRate), testRate)
	require.NoError(t, err)

	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusGatewayTimeout)

			return
		}

		_, _ = w.Write(wav)
	}))
	defer server.Close()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{})

	body := fmt.Sprintf(`{"text": "Clone this.", "reference_audio_location": %q, "reference_transcript": "Reference words."}`,
		server.URL+"/voices/me.wav?X-Amz-Signature=abc")

	response := h.orchestrator.Handle(context.Background(), "job-e", decodeRaw(t, body))
	require.True(t, response.Succeeded(), "%+v", response)
	assert.Equal(t, int32(3), attempts.Load())

	calls := h.model.segmentCalls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Reference)
	assert.Equal(t, "Reference words.", calls[0].Reference.Transcript)
	assert.Empty(t, calls[0].Gender)
}

func TestHandle_ReferenceMissing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{})

	response := h.orchestrator.Handle(context.Background(), "job-r",
		decodeRaw(t, `{"text": "Hi", "reference_audio_location": "voices/nobody.wav", "reference_transcript": "x"}`))
	require.False(t, response.Succeeded())
	assert.Equal(t, "ReferenceAudioError.fetch", response.ErrorKind)
	assert.Equal(t, "resolving_reference", response.Stage)
	assert.False(t, *response.Retryable)
	assert.Empty(t, h.model.segmentCalls())
}

func TestHandle_StagesRunUnderTheirShare(t *testing.T) {
	t.Parallel()

	wav, err := audio.EncodeWAV(tone(testRate), testRate)
	require.NoError(t, err)

	h := newHarness(t, &fakeModel{}, orchestrator.Options{
		RequestDeadline: time.Second,
		ResolveShare:    0.5,
		PublishShare:    0.125,
	})
	h.backend.objects["voices/narrator.wav"] = wav

	response := h.orchestrator.Handle(context.Background(), "job-share",
		decodeRaw(t, `{"text": "Hi.", "reference_audio_location": "voices/narrator.wav", "reference_transcript": "Hello."}`))
	require.True(t, response.Succeeded(), "%+v", response)

	gets, puts := h.backend.budgets()
	require.Len(t, gets, 1)
	require.NotEmpty(t, puts)

	assert.LessOrEqual(t, gets[0], 500*time.Millisecond)
	assert.Greater(t, gets[0], 400*time.Millisecond)

	for _, budget := range puts {
		assert.LessOrEqual(t, budget, 125*time.Millisecond)
		assert.Greater(t, budget, 50*time.Millisecond)
	}
}

func TestHandle_StalledResolveEndsAtItsShare(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{RequestDeadline: 800 * time.Millisecond})
	h.backend.stallGets = true

	started := time.Now()
	response := h.orchestrator.Handle(context.Background(), "job-slow-ref",
		decodeRaw(t, `{"text": "Hi.", "reference_audio_location": "voices/narrator.wav", "reference_transcript": "Hello."}`))
	elapsed := time.Since(started)

	require.False(t, response.Succeeded())
	assert.True(t, strings.HasPrefix(response.ErrorKind, "ReferenceAudioError"), response.ErrorKind)
	assert.Equal(t, "resolving_reference", response.Stage)
	assert.Less(t, elapsed, 600*time.Millisecond)
	assert.Empty(t, h.model.segmentCalls())

	gets, _ := h.backend.budgets()
	require.NotEmpty(t, gets)
	assert.LessOrEqual(t, gets[0], 200*time.Millisecond)
	assert.Greater(t, gets[0], 100*time.Millisecond)
}

func TestHandle_StalledPublishEndsAtItsShare(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{RequestDeadline: 800 * time.Millisecond})
	h.backend.stallPuts = true

	started := time.Now()
	response := h.orchestrator.Handle(context.Background(), "job-slow-put", decodeRaw(t, `{"text": "Hi."}`))
	elapsed := time.Since(started)

	require.False(t, response.Succeeded())
	assert.True(t, strings.HasPrefix(response.ErrorKind, "StorageError"), response.ErrorKind)
	assert.Equal(t, "publishing", response.Stage)
	assert.Less(t, elapsed, 600*time.Millisecond)

	_, puts := h.backend.budgets()
	require.NotEmpty(t, puts)
	assert.LessOrEqual(t, puts[0], 200*time.Millisecond)
	assert.Greater(t, puts[0], 100*time.Millisecond)
}

func TestHandle_ScenarioF_OutOfMemory(t *testing.T) {
	t.Parallel()

	model := &fakeModel{generateErr: &tts.ModelError{
		StatusCode: http.StatusInsufficientStorage,
		Code:       tts.ErrorCodeOutOfMemory,
		Detail:     "CUDA out of memory",
	}}
	h := newHarness(t, model, orchestrator.Options{})

	response := h.orchestrator.Handle(context.Background(), "job-f", decodeRaw(t, `{"text": "Hello world"}`))
	require.False(t, response.Succeeded())
	assert.Equal(t, "SynthesisError.out_of_memory", response.ErrorKind)
	assert.Equal(t, "synthesizing", response.Stage)
	assert.False(t, *response.Retryable)
	assert.Empty(t, response.AudioURL)
	assert.Zero(t, h.backend.presignedLinks, "nothing is published after a failed synthesis")
}

func TestHandle_SubtitlesAndAlignment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{})
	h.aligner.timings = []core.WordTiming{{Word: "Hello", StartSeconds: 0, EndSeconds: 0.05}, {Word: "world", StartSeconds: 0.05, EndSeconds: 0.1}}

	response := h.orchestrator.Handle(context.Background(), "job-g",
		decodeRaw(t, `{"text": "Hello world", "enable_alignment": true, "enable_subtitles": true, "output_name_prefix": "chapter 1"}`))
	require.True(t, response.Succeeded(), "%+v", response)
	assert.Equal(t, "https://media.example.com/output/subtitles/chapter_1_job-g.ass?ttl=3600", response.SubtitlesURL)
	assert.True(t, h.backend.has("output/chapter_1_job-g.wav"))
	assert.Len(t, response.WordTimings, 2)
}

func TestHandle_SubtitlePublishFailureIsPartialSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{})
	h.backend.failPutPrefix = publish.DefaultSubtitlesPrefix
	h.aligner.timings = []core.WordTiming{{Word: "Hello", StartSeconds: 0, EndSeconds: 0.1}}

	response := h.orchestrator.Handle(context.Background(), "job-p",
		decodeRaw(t, `{"text": "Hello", "enable_alignment": true, "enable_subtitles": true}`))
	require.True(t, response.Succeeded(), "%+v", response)
	assert.NotEmpty(t, response.AudioURL)
	assert.Empty(t, response.SubtitlesURL)
	require.NotNil(t, response.SubtitlesError)
	assert.Equal(t, "StorageError", response.SubtitlesError.ErrorKind)
	assert.Equal(t, "publishing", response.SubtitlesError.Stage)
	assert.Contains(t, response.SubtitlesError.Message, errBucketReadOnly.Error())
}

func TestHandle_AudioPublishFailureFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{}, orchestrator.Options{})
	h.backend.failPutPrefix = publish.DefaultOutputPrefix

	response := h.orchestrator.Handle(context.Background(), "job-q", decodeRaw(t, `{"text": "Hello"}`))
	require.False(t, response.Succeeded())
	assert.Equal(t, "StorageError", response.ErrorKind)
	assert.Equal(t, "publishing", response.Stage)
}

func TestHandle_DeadlineDuringSynthesis(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{delay: 60 * time.Millisecond},
		orchestrator.Options{RequestDeadline: 20 * time.Millisecond})

	response := h.orchestrator.Handle(context.Background(), "job-t", decodeRaw(t, `{"text": "One. Two."}`))
	require.False(t, response.Succeeded())
	assert.Equal(t, "TimeoutError", response.ErrorKind)
	assert.Equal(t, "synthesizing", response.Stage)
	assert.True(t, *response.Retryable)
	assert.Zero(t, h.backend.presignedLinks)
}

func TestHandle_OneRequestInFlight(t *testing.T) {
	t.Parallel()

	model := &fakeModel{delay: 15 * time.Millisecond}
	h := newHarness(t, model, orchestrator.Options{})

	var wg sync.WaitGroup

	responses := make([]orchestrator.Response, 4)

	for i := range responses {
		wg.Add(1)

		go func() {
			defer wg.Done()

			responses[i] = h.orchestrator.Handle(context.Background(), "", decodeRaw(t, `{"text": "Hello"}`))
		}()
	}

	wg.Wait()

	seen := map[string]bool{}

	for _, response := range responses {
		require.True(t, response.Succeeded())
		assert.NotEmpty(t, response.JobID)
		seen[response.JobID] = true
	}

	assert.Len(t, seen, 4, "generated job ids are unique")
	assert.Equal(t, int32(1), model.maxActive.Load())
}

func TestFailure_Envelope(t *testing.T) {
	t.Parallel()

	response := orchestrator.Failure("job-x", errors.New("boom"))
	assert.Equal(t, "InternalError", response.ErrorKind)

	encoded, err := json.Marshal(orchestrator.Failure("job-y",
		ttserr.New(ttserr.KindValidation, "decode", "request is not valid JSON").WithStage(ttserr.StageValidating)))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"status": "failed",
		"job_id": "job-y",
		"error_kind": "ValidationError",
		"stage": "validating",
		"message": "request is not valid JSON",
		"retryable": false
	}`, string(encoded))
}

func tone(count int) []float32 {
	samples := make([]float32, count)
	for i := range samples {
		samples[i] = 0.3
		if i%2 == 0 {
			samples[i] = -0.3
		}
	}

	return samples
}
