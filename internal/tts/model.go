// Package tts adapts the resident Spark-TTS model into the synthesis stage of
// a request: it owns the model handle, segments text, and applies prosody.
package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/spark-tts-worker/internal/core"
)

// Error codes reported by the model sidecar in TTSErrorResponse.ErrorCode.
const (
	ErrorCodeOutOfMemory       = "OUT_OF_MEMORY"
	ErrorCodeDiverged          = "DIVERGED"
	ErrorCodeMaxLengthExceeded = "MAX_LENGTH_EXCEEDED"
)

// ErrEmptyGeneration indicates the model returned no samples for a segment.
var ErrEmptyGeneration = errors.New("model returned no audio")

// Model is the resident neural TTS model.
type Model interface {
	// Health reports whether the model is loaded and its native sample rate.
	Health(ctx context.Context) (ModelInfo, error)
	// Generate synthesizes one text segment.
	Generate(ctx context.Context, req GenerateRequest) (Waveform, error)
}

// ModelInfo is the sidecar health payload.
type ModelInfo struct {
	Status     string `json:"status"`
	Model      string `json:"model"`
	Device     string `json:"device"`
	SampleRate int    `json:"sample_rate"`
}

// GenerateRequest is one segment generation call. Reference is nil for
// gender-conditioned zero-shot synthesis.
type GenerateRequest struct {
	Text        string
	Gender      string
	TaskMode    string
	Temperature float64
	TopP        float64
	MaxLength   int
	Reference   *core.ReferenceAudio
}

// Waveform is mono audio returned by the model.
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// ModelError is a structured failure reported by the model sidecar.
type ModelError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *ModelError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("model returned status %d: %s", e.StatusCode, e.Detail)
	}

	return fmt.Sprintf("model returned status %d: %s (code: %s)", e.StatusCode, e.Detail, e.Code)
}

// IsOutOfMemory reports an accelerator memory exhaustion.
func (e *ModelError) IsOutOfMemory() bool {
	return strings.EqualFold(e.Code, ErrorCodeOutOfMemory) ||
		strings.Contains(strings.ToLower(e.Detail), "out of memory")
}
