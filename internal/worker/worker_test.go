package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/spark-tts-worker/internal/orchestrator"
	"github.com/book-expert/spark-tts-worker/internal/params"
	"github.com/book-expert/spark-tts-worker/internal/worker"
)

const testSubject = "tts.synthesize"

// mockHandler answers every request with a canned success or failure.
type mockHandler struct {
	mu               sync.Mutex
	handleShouldFail bool
	jobIDs           []string
	texts            []string
}

func (m *mockHandler) Handle(_ context.Context, jobID string, raw params.RawRequest) orchestrator.Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobIDs = append(m.jobIDs, jobID)
	if raw.Text != nil {
		m.texts = append(m.texts, *raw.Text)
	}

	if m.handleShouldFail {
		retryable := true

		return orchestrator.Response{
			Status:    orchestrator.StatusFailed,
			JobID:     jobID,
			ErrorKind: "SynthesisError.diverged",
			Stage:     "synthesizing",
			Retryable: &retryable,
		}
	}

	return orchestrator.Response{
		Status:     orchestrator.StatusSuccess,
		JobID:      jobID,
		AudioURL:   "https://media.example.com/output/output_" + jobID + ".wav",
		SampleRate: 16000,
		Duration:   1.5,
	}
}

func (m *mockHandler) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.jobIDs)
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	return natsConnection
}

func startWorker(t *testing.T, handler worker.Handler) *nats.Conn {
	t.Helper()

	natsConnection := createTestNatsClient(t)

	testLogger, err := logger.New(t.TempDir(), "worker_test.log")
	require.NoError(t, err)

	workerInstance, err := worker.NewNatsWorker(natsConnection, testSubject, "", handler, testLogger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
	})

	require.Eventually(t, func() bool {
		return natsConnection.NumSubscriptions() > 0
	}, time.Second, 10*time.Millisecond)

	return natsConnection
}

func request(t *testing.T, natsConnection *nats.Conn, payload []byte) worker.SynthesisResultEvent {
	t.Helper()

	replyMsg, err := natsConnection.Request(testSubject, payload, 5*time.Second)
	require.NoError(t, err, "request should receive a reply")

	var reply worker.SynthesisResultEvent
	require.NoError(t, json.Unmarshal(replyMsg.Data, &reply))

	return reply
}

func TestNatsWorker_Success(t *testing.T) {
	t.Parallel()

	handler := &mockHandler{}
	natsConnection := startWorker(t, handler)

	header := events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: uuid.NewString(),
		EventID:    uuid.NewString(),
		UserID:     "user-1",
		TenantID:   "tenant-1",
	}

	payload, err := json.Marshal(map[string]any{
		"header": header,
		"input":  map[string]any{"text": "Hello world", "speed_factor": "1.25"},
	})
	require.NoError(t, err)

	reply := request(t, natsConnection, payload)

	require.True(t, reply.Output.Succeeded())
	assert.Equal(t, header.WorkflowID, reply.Output.JobID)
	assert.Equal(t, header.WorkflowID, reply.Header.WorkflowID)
	assert.Equal(t, "tenant-1", reply.Header.TenantID)
	assert.NotEqual(t, header.EventID, reply.Header.EventID)
	assert.Equal(t, []string{"Hello world"}, handler.texts)
}

func TestNatsWorker_FailureEnvelope(t *testing.T) {
	t.Parallel()

	handler := &mockHandler{handleShouldFail: true}
	natsConnection := startWorker(t, handler)

	reply := request(t, natsConnection, []byte(`{"header": {}, "input": {"text": "Hi"}}`))

	assert.False(t, reply.Output.Succeeded())
	assert.Equal(t, "SynthesisError.diverged", reply.Output.ErrorKind)
	require.NotNil(t, reply.Output.Retryable)
	assert.True(t, *reply.Output.Retryable)
}

func TestNatsWorker_UndecodableEvent(t *testing.T) {
	t.Parallel()

	handler := &mockHandler{}
	natsConnection := startWorker(t, handler)

	reply := request(t, natsConnection, []byte(`{"header": `))

	assert.Equal(t, orchestrator.StatusFailed, reply.Output.Status)
	assert.Equal(t, "ValidationError", reply.Output.ErrorKind)
	assert.Equal(t, "validating", reply.Output.Stage)
	assert.NotEmpty(t, reply.Output.JobID)
	assert.Equal(t, reply.Output.JobID, reply.Header.WorkflowID)
	require.NotNil(t, reply.Output.Retryable)
	assert.False(t, *reply.Output.Retryable)
	assert.Zero(t, handler.calls())
}

func TestNatsWorker_NonNumericFieldReachesHandler(t *testing.T) {
	t.Parallel()

	handler := &mockHandler{}
	natsConnection := startWorker(t, handler)

	reply := request(t, natsConnection, []byte(`{"input": {"text": "Hi", "temperature": "warm"}}`))

	assert.True(t, reply.Output.Succeeded())
	assert.Equal(t, 1, handler.calls())
	assert.Equal(t, []string{""}, handler.jobIDs)
}

func TestNewNatsWorker_Guards(t *testing.T) {
	t.Parallel()

	_, err := worker.NewNatsWorker(nil, testSubject, "", &mockHandler{}, nil)
	require.ErrorIs(t, err, worker.ErrNilConnection)

	_, err = worker.NewNatsWorker(createTestNatsClient(t), "", "", &mockHandler{}, nil)
	require.ErrorIs(t, err, worker.ErrSubjectEmpty)
}
