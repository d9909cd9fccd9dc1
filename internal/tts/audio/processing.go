// Package audio decodes reference recordings, encodes synthesized speech and
// applies the post-synthesis prosody transforms.
package audio

import (
	"bytes"
	"errors"
	"fmt"
)

// Output format written for every synthesized artifact.
const (
	OutputBitDepth = 16
	OutputChannels = 1
	ContentTypeWAV = "audio/wav"
)

// Validation limits.
const (
	MinSampleRate = 8000
	MaxSampleRate = 192000
	MaxChannels   = 8
)

// Error messages and formats.
const (
	errFmtSampleRateRange = "%w: sample rate %d must be between %d and %d Hz"
	errFmtChannelsRange   = "%w: %d channels, must be between 1 and %d"
	errFmtBitDepthValues  = "%w: bit depth %d, must be 8, 16, 24 or 32"
)

var (
	// ErrInvalidFormat indicates PCM parameters outside the supported bounds.
	ErrInvalidFormat = errors.New("invalid audio format")
	// ErrUnsupportedContainer indicates bytes that are neither WAV nor MP3.
	ErrUnsupportedContainer = errors.New("unsupported audio container")
	// ErrEmptyAudio indicates a decoded stream without samples.
	ErrEmptyAudio = errors.New("audio contains no samples")
)

// Container identifies an encoded audio file type.
type Container string

// Supported containers.
const (
	ContainerWAV Container = "wav"
	ContainerMP3 Container = "mp3"
)

// PCMFormat describes an uncompressed stream.
type PCMFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Validate checks the format is one the worker can read or write.
func (f PCMFormat) Validate() error {
	err := ValidateSampleRate(f.SampleRate)
	if err != nil {
		return err
	}

	if f.Channels <= 0 || f.Channels > MaxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, f.Channels, MaxChannels)
	}

	switch f.BitDepth {
	case 8, 16, 24, 32:
		return nil
	default:
		return fmt.Errorf(errFmtBitDepthValues, ErrInvalidFormat, f.BitDepth)
	}
}

// ValidateSampleRate checks a sample rate reported by a decoder or the model.
func ValidateSampleRate(sampleRate int) error {
	if sampleRate < MinSampleRate || sampleRate > MaxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, sampleRate, MinSampleRate, MaxSampleRate)
	}

	return nil
}

// Sniff identifies the container from its leading bytes.
func Sniff(data []byte) (Container, error) {
	switch {
	case len(data) == 0:
		return "", ErrEmptyAudio
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return ContainerWAV, nil
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return ContainerMP3, nil
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ContainerMP3, nil
	default:
		return "", ErrUnsupportedContainer
	}
}
