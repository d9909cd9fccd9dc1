// Package whisper aligns synthesized speech to its transcript through an
// OpenAI-compatible transcription endpoint with word-level timestamps.
package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/book-expert/spark-tts-worker/internal/core"
	"github.com/book-expert/spark-tts-worker/internal/tts/audio"
)

const (
	// DefaultModel is the transcription model used when none is configured.
	DefaultModel = openai.Whisper1
	// DefaultTimeout bounds one transcription call.
	DefaultTimeout = 60 * time.Second
	uploadFileName = "speech.wav"
)

// Error messages.
const (
	errFailedToEncodeAudio = "failed to encode audio for alignment: %w"
	errTranscriptionFailed = "transcription request failed: %w"
)

// Static errors.
var (
	ErrAPIKeyNotSet = errors.New("OPENAI_API_KEY environment variable not set")
	ErrNoAudio      = errors.New("no audio to align")
	// ErrUnavailable marks failures a later attempt may not repeat.
	ErrUnavailable = errors.New("transcription service unavailable")
)

// Options configures the client.
type Options struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Timeout  time.Duration
}

// Client is a core.Aligner backed by a Whisper transcription API.
type Client struct {
	api      *openai.Client
	model    string
	language string
}

// NewClient creates a Whisper API client. BaseURL may point at any
// OpenAI-compatible server, such as a local faster-whisper deployment.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrAPIKeyNotSet
	}

	if opts.Model == "" {
		opts.Model = DefaultModel
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	clientConfig := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		clientConfig.BaseURL = opts.BaseURL
	}

	clientConfig.HTTPClient = &http.Client{Timeout: opts.Timeout}

	return &Client{
		api:      openai.NewClientWithConfig(clientConfig),
		model:    opts.Model,
		language: opts.Language,
	}, nil
}

// Align transcribes samples with word granularity. The transcript is sent as
// the prompt so recognition follows the synthesized wording. The returned
// timings are raw: callers validate and truncate them.
func (c *Client) Align(
	ctx context.Context,
	samples []float32,
	sampleRate int,
	transcript string,
) ([]core.WordTiming, error) {
	if len(samples) == 0 {
		return nil, ErrNoAudio
	}

	encoded, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		return nil, fmt.Errorf(errFailedToEncodeAudio, err)
	}

	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:                  c.model,
		FilePath:               uploadFileName,
		Reader:                 bytes.NewReader(encoded),
		Prompt:                 transcript,
		Language:               c.language,
		Format:                 openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{openai.TranscriptionTimestampGranularityWord},
	})
	if err != nil {
		if isUnavailable(err) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		return nil, fmt.Errorf(errTranscriptionFailed, err)
	}

	timings := make([]core.WordTiming, 0, len(resp.Words))
	for _, word := range resp.Words {
		timings = append(timings, core.WordTiming{
			Word:         strings.TrimSpace(word.Word),
			StartSeconds: word.Start,
			EndSeconds:   word.End,
		})
	}

	return timings, nil
}

// isUnavailable reports rate limiting, server faults and transport errors.
func isUnavailable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || reqErr.HTTPStatusCode == http.StatusTooManyRequests ||
			reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}

	return !errors.Is(err, context.Canceled)
}
