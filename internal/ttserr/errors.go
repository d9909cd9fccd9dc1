// Package ttserr defines the closed error taxonomy shared by every stage of a
// synthesis request.
package ttserr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the top-level error classification reported to callers.
type Kind string

const (
	KindValidation     Kind = "ValidationError"
	KindReferenceAudio Kind = "ReferenceAudioError"
	KindStorage        Kind = "StorageError"
	KindSynthesis      Kind = "SynthesisError"
	KindAlignment      Kind = "AlignmentError"
	KindSubtitle       Kind = "SubtitleError"
	KindTimeout        Kind = "TimeoutError"
	KindInternal       Kind = "InternalError"
)

// Stage names the request lifecycle step an error surfaced in.
type Stage string

const (
	StageValidating         Stage = "validating"
	StageResolvingReference Stage = "resolving_reference"
	StageSynthesizing       Stage = "synthesizing"
	StageAligning           Stage = "aligning"
	StageSubtitling         Stage = "subtitling"
	StagePublishing         Stage = "publishing"
)

// Sub-kinds used across packages.
const (
	SubKindOutOfMemory       = "out_of_memory"
	SubKindDiverged          = "diverged"
	SubKindMaxLengthExceeded = "max_length_exceeded"
	SubKindBackend           = "backend"

	SubKindFetch       = "fetch"
	SubKindTooLarge    = "too_large"
	SubKindUndecodable = "undecodable"
	SubKindEmpty       = "empty"
	SubKindTimeout     = "timeout"
)

// Error is the typed error every component boundary returns.
type Error struct {
	Kind      Kind
	SubKind   string
	Stage     Stage
	Op        string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	label := e.Code()
	if e.Op != "" {
		label += ":" + e.Op
	}

	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", label, e.Message, e.Cause)
	}

	return fmt.Sprintf("[%s] %s", label, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Code returns the caller-facing error kind, qualified by sub-kind when set
// (for example "SynthesisError.out_of_memory").
func (e *Error) Code() string {
	if e.SubKind == "" {
		return string(e.Kind)
	}

	return string(e.Kind) + "." + e.SubKind
}

// New creates an error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// Wrap attaches a kind and message to cause. It returns nil for a nil cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	if cause == nil {
		return nil
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

// WithSubKind sets the sub-kind and returns the receiver.
func (e *Error) WithSubKind(subKind string) *Error {
	e.SubKind = subKind

	return e
}

// WithStage sets the stage and returns the receiver.
func (e *Error) WithStage(stage Stage) *Error {
	e.Stage = stage

	return e
}

// WithRetryable sets the retryable flag and returns the receiver.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable

	return e
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}

	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if typed, ok := As(err); ok {
		return typed.Kind
	}

	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether a caller may retry the request that produced err.
func IsRetryable(err error) bool {
	if typed, ok := As(err); ok {
		return typed.Retryable
	}

	return false
}

// Timeout builds the error reported when the request deadline elapsed during stage.
func Timeout(stage Stage, cause error) *Error {
	if cause == nil {
		cause = context.DeadlineExceeded
	}

	return &Error{
		Kind:      KindTimeout,
		Stage:     stage,
		Message:   fmt.Sprintf("request deadline exceeded while %s", stage),
		Retryable: true,
		Cause:     cause,
	}
}
