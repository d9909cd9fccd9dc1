package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/spark-tts-worker/internal/objectstore"
	"github.com/book-expert/spark-tts-worker/internal/orchestrator"
	"github.com/book-expert/spark-tts-worker/internal/params"
	"github.com/book-expert/spark-tts-worker/internal/server"
	"github.com/book-expert/spark-tts-worker/internal/tts"
)

var errMockList = errors.New("mock list error")

type mockSynthesizer struct {
	response orchestrator.Response
	jobID    string
	raw      params.RawRequest
	calls    int
}

func (m *mockSynthesizer) Handle(_ context.Context, jobID string, raw params.RawRequest) orchestrator.Response {
	m.calls++
	m.jobID = jobID
	m.raw = raw

	response := m.response
	response.JobID = jobID

	return response
}

func (m *mockSynthesizer) SampleRate() int { return 16000 }

type mockVoiceLister struct {
	listShouldFail bool
	prefix         string
}

func (m *mockVoiceLister) ListVoices(_ context.Context, prefix string) ([]objectstore.VoiceReference, error) {
	m.prefix = prefix

	if m.listShouldFail {
		return nil, errMockList
	}

	return []objectstore.VoiceReference{{
		Key:          "voices/narrator.wav",
		Size:         1024,
		LastModified: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		URL:          "https://media.example.com/voices/narrator.wav?sig=1",
	}}, nil
}

type staticRoute struct{}

func (staticRoute) Pattern() string { return "GET /extra/{name}" }

func (staticRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("extra " + r.PathValue("name")))
}

func newTestServer(t *testing.T, synth *mockSynthesizer, voices *mockVoiceLister) http.Handler {
	t.Helper()

	log, err := logger.New(t.TempDir(), "server_test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return server.New(synth, voices, server.Options{
		VoicesPrefix: "voices/",
		Model:        tts.ModelInfo{Model: "Spark-TTS-0.5B", Device: "cuda:0"},
		Routes:       []server.Route{staticRoute{}},
	}, log).Handler()
}

func serve(handler http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	for name, values := range header {
		for _, value := range values {
			request.Header.Add(name, value)
		}
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	return recorder
}

func TestHealth(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, &mockSynthesizer{}, &mockVoiceLister{})

	recorder := serve(handler, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"status":"ok","model":"Spark-TTS-0.5B","device":"cuda:0","sample_rate":16000}`, recorder.Body.String())
}

func TestSynthesize_Success(t *testing.T) {
	t.Parallel()

	synth := &mockSynthesizer{response: orchestrator.Response{
		Status:     orchestrator.StatusSuccess,
		AudioURL:   "https://media.example.com/output/a.wav",
		SampleRate: 16000,
		Duration:   2.5,
	}}
	handler := newTestServer(t, synth, &mockVoiceLister{})

	recorder := serve(handler, http.MethodPost, "/v1/synthesize",
		`{"text": "Hello", "speaker_gender": "female"}`, http.Header{server.HeaderJobID: {"job-42"}})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "job-42", recorder.Header().Get(server.HeaderJobID))

	var response orchestrator.Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "job-42", response.JobID)
	assert.Equal(t, "https://media.example.com/output/a.wav", response.AudioURL)
	assert.Equal(t, "job-42", synth.jobID)
	require.NotNil(t, synth.raw.SpeakerGender)
	assert.Equal(t, "female", *synth.raw.SpeakerGender)
}

func TestSynthesize_AssignsJobID(t *testing.T) {
	t.Parallel()

	synth := &mockSynthesizer{response: orchestrator.Response{Status: orchestrator.StatusSuccess}}
	handler := newTestServer(t, synth, &mockVoiceLister{})

	recorder := serve(handler, http.MethodPost, "/v1/synthesize", `{"text": "Hello"}`, nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	jobID := recorder.Header().Get(server.HeaderJobID)
	require.NotEmpty(t, jobID)
	assert.Equal(t, jobID, synth.jobID)

	var response orchestrator.Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, jobID, response.JobID)

	recorder = serve(handler, http.MethodPost, "/v1/synthesize", `{"text": `, nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.NotEmpty(t, recorder.Header().Get(server.HeaderJobID))
}

func TestSynthesize_FailureStatus(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		kind   string
		status int
	}{
		{kind: "ValidationError", status: http.StatusBadRequest},
		{kind: "ReferenceAudioError.fetch", status: http.StatusUnprocessableEntity},
		{kind: "TimeoutError", status: http.StatusGatewayTimeout},
		{kind: "StorageError", status: http.StatusBadGateway},
		{kind: "SynthesisError.out_of_memory", status: http.StatusInternalServerError},
	}

	for _, testCase := range testCases {
		t.Run(testCase.kind, func(t *testing.T) {
			t.Parallel()

			synth := &mockSynthesizer{response: orchestrator.Response{
				Status:    orchestrator.StatusFailed,
				ErrorKind: testCase.kind,
			}}
			handler := newTestServer(t, synth, &mockVoiceLister{})

			recorder := serve(handler, http.MethodPost, "/v1/synthesize", `{"text": "Hi"}`, nil)
			assert.Equal(t, testCase.status, recorder.Code)
			assert.Contains(t, recorder.Body.String(), testCase.kind)
		})
	}
}

func TestSynthesize_UndecodableBody(t *testing.T) {
	t.Parallel()

	synth := &mockSynthesizer{}
	handler := newTestServer(t, synth, &mockVoiceLister{})

	recorder := serve(handler, http.MethodPost, "/v1/synthesize", `{"text": `, nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	var response orchestrator.Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "ValidationError", response.ErrorKind)
	assert.Equal(t, "validating", response.Stage)
	assert.Zero(t, synth.calls)
}

func TestSynthesize_WrongMethod(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, &mockSynthesizer{}, &mockVoiceLister{})

	recorder := serve(handler, http.MethodGet, "/v1/synthesize", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestVoices(t *testing.T) {
	t.Parallel()

	voices := &mockVoiceLister{}
	handler := newTestServer(t, &mockSynthesizer{}, voices)

	recorder := serve(handler, http.MethodGet, "/v1/voices", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "voices/", voices.prefix)

	var listed server.VoicesResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &listed))
	require.Len(t, listed.Voices, 1)
	assert.Equal(t, "voices/narrator.wav", listed.Voices[0].Key)
}

func TestVoices_StorageFailure(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, &mockSynthesizer{}, &mockVoiceLister{listShouldFail: true})

	recorder := serve(handler, http.MethodGet, "/v1/voices", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestExtraRoutesAreMounted(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, &mockSynthesizer{}, &mockVoiceLister{})

	recorder := serve(handler, http.MethodGet, "/extra/thing", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "extra thing", recorder.Body.String())
}

func TestRun_RequiresAddr(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "server_test.log")
	require.NoError(t, err)

	srv := server.New(&mockSynthesizer{}, &mockVoiceLister{}, server.Options{}, log)
	require.ErrorIs(t, srv.Run(context.Background()), server.ErrAddrEmpty)
}
