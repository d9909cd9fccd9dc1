package whisper_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/spark-tts-worker/internal/tts/audio"
	"github.com/book-expert/spark-tts-worker/internal/tts/whisper"
)

const verboseResponse = `{
  "task": "transcribe",
  "language": "english",
  "duration": 1.2,
  "text": "Hello world.",
  "words": [
    {"word": " Hello", "start": 0.0, "end": 0.42},
    {"word": "world.", "start": 0.42, "end": 1.1}
  ]
}`

func newClient(t *testing.T, baseURL string) *whisper.Client {
	t.Helper()

	client, err := whisper.NewClient(whisper.Options{APIKey: "test-key", BaseURL: baseURL, Language: "en"})
	require.NoError(t, err)

	return client
}

func TestClient_AlignParsesWords(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "Hello world.", r.FormValue("prompt"))
		assert.Equal(t, "en", r.FormValue("language"))
		assert.Equal(t, []string{"word"}, r.MultipartForm.Value["timestamp_granularities[]"])

		file, header, err := r.FormFile("file")
		if assert.NoError(t, err) {
			defer file.Close()

			data, _ := io.ReadAll(file)
			_, decodeErr := audio.DecodeWAV(data)
			assert.NoError(t, decodeErr)
			assert.Equal(t, "speech.wav", header.Filename)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(verboseResponse))
	}))
	defer server.Close()

	timings, err := newClient(t, server.URL).Align(context.Background(), make([]float32, 1600), 16000, "Hello world.")
	require.NoError(t, err)
	require.Len(t, timings, 2)
	assert.Equal(t, "Hello", timings[0].Word)
	assert.InDelta(t, 0.42, timings[1].StartSeconds, 1e-9)
	assert.InDelta(t, 1.1, timings[1].EndSeconds, 1e-9)
}

func TestClient_AlignServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer server.Close()

	_, err := newClient(t, server.URL).Align(context.Background(), make([]float32, 160), 16000, "Hi.")
	require.ErrorIs(t, err, whisper.ErrUnavailable)
}

func TestClient_AlignClientError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad file","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	_, err := newClient(t, server.URL).Align(context.Background(), make([]float32, 160), 16000, "Hi.")
	require.Error(t, err)
	assert.NotErrorIs(t, err, whisper.ErrUnavailable)
}

func TestClient_Guards(t *testing.T) {
	t.Parallel()

	_, err := whisper.NewClient(whisper.Options{})
	require.ErrorIs(t, err, whisper.ErrAPIKeyNotSet)

	_, err = newClient(t, "http://127.0.0.1:1").Align(context.Background(), nil, 16000, "x")
	require.ErrorIs(t, err, whisper.ErrNoAudio)
}
