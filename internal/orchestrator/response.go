package orchestrator

import (
	"github.com/book-expert/spark-tts-worker/internal/core"
	"github.com/book-expert/spark-tts-worker/internal/params"
	"github.com/book-expert/spark-tts-worker/internal/ttserr"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Response is the single envelope returned for every request.
type Response struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`

	AudioURL       string            `json:"audio_url,omitempty"`
	SampleRate     int               `json:"sample_rate,omitempty"`
	Duration       float64           `json:"duration,omitempty"`
	WordTimings    []core.WordTiming `json:"word_timings,omitempty"`
	SubtitlesURL   string            `json:"subtitles_url,omitempty"`
	SubtitlesError *ErrorDetail      `json:"subtitles_error,omitempty"`

	ErrorKind string `json:"error_kind,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// ErrorDetail describes a failure that did not fail the request.
type ErrorDetail struct {
	ErrorKind string `json:"error_kind"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Succeeded reports whether the envelope carries a success.
func (r Response) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Failure maps err onto a failed envelope. Untyped errors become InternalError.
func Failure(jobID string, err error) Response {
	detail := describe(err)
	retryable := detail.Retryable

	return Response{
		Status:    StatusFailed,
		JobID:     jobID,
		ErrorKind: detail.ErrorKind,
		Stage:     detail.Stage,
		Field:     params.FieldOf(err),
		Message:   detail.Message,
		Retryable: &retryable,
	}
}

func describe(err error) ErrorDetail {
	typed, ok := ttserr.As(err)
	if !ok {
		return ErrorDetail{ErrorKind: string(ttserr.KindInternal), Message: err.Error()}
	}

	message := typed.Message
	if typed.Cause != nil {
		message += ": " + typed.Cause.Error()
	}

	return ErrorDetail{
		ErrorKind: typed.Code(),
		Stage:     string(typed.Stage),
		Message:   message,
		Retryable: typed.Retryable,
	}
}
