// Package core defines the shared data model and collaborator interfaces for the TTS worker.
package core

import (
	"context"
	"time"
)

// ReferenceAudio is a decoded voice-cloning reference, owned by one request.
type ReferenceAudio struct {
	Samples    []float32
	SampleRate int
	Transcript string
	Source     string
}

// Duration returns the length of the reference recording.
func (r ReferenceAudio) Duration() time.Duration {
	return DurationOf(len(r.Samples), r.SampleRate)
}

// SynthesisResult is the mono waveform produced for one request.
type SynthesisResult struct {
	Samples    []float32
	SampleRate int
	Duration   time.Duration
}

// Seconds returns the duration in seconds.
func (r SynthesisResult) Seconds() float64 {
	return r.Duration.Seconds()
}

// WordTiming is one aligned word.
type WordTiming struct {
	Word         string  `json:"word"`
	StartSeconds float64 `json:"start"`
	EndSeconds   float64 `json:"end"`
}

// Aligner maps a waveform and its transcript to word timings.
type Aligner interface {
	Align(ctx context.Context, samples []float32, sampleRate int, transcript string) ([]WordTiming, error)
}

// SubtitleEncoder turns word timings into a subtitle document.
type SubtitleEncoder interface {
	Encode(timings []WordTiming) ([]byte, error)
	ContentType() string
	Extension() string
}

// DurationOf returns the playback length of count samples at sampleRate.
func DurationOf(count, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}

	return time.Duration(float64(count) / float64(sampleRate) * float64(time.Second))
}
