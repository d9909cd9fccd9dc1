package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// go-mp3 always emits 16-bit little-endian stereo.
const (
	mp3Channels       = 2
	mp3BytesPerSample = 2
	int16Scale        = 32768.0
)

// ErrInvalidMP3 indicates bytes that do not form a decodable MP3 stream.
var ErrInvalidMP3 = errors.New("invalid MP3 stream")

// DecodeMP3 decodes an MP3 stream to mono float samples.
func DecodeMP3(data []byte) (PCM, error) {
	if len(data) == 0 {
		return PCM{}, ErrEmptyAudio
	}

	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return PCM{}, fmt.Errorf("%w: %w", ErrInvalidMP3, err)
	}

	err = ValidateSampleRate(dec.SampleRate())
	if err != nil {
		return PCM{}, fmt.Errorf("%w: %w", ErrInvalidMP3, err)
	}

	raw, err := io.ReadAll(dec)
	if err != nil {
		return PCM{}, fmt.Errorf("%w: reading frames: %w", ErrInvalidMP3, err)
	}

	frameBytes := mp3Channels * mp3BytesPerSample
	frames := len(raw) / frameBytes

	if frames == 0 {
		return PCM{}, ErrEmptyAudio
	}

	samples := make([]float32, frames)

	for frame := range frames {
		offset := frame * frameBytes
		left := int16(binary.LittleEndian.Uint16(raw[offset:]))
		right := int16(binary.LittleEndian.Uint16(raw[offset+mp3BytesPerSample:]))
		samples[frame] = float32((float64(left) + float64(right)) / 2 / int16Scale)
	}

	return PCM{Samples: samples, SampleRate: dec.SampleRate()}, nil
}

// Decode sniffs the container and decodes it.
func Decode(data []byte) (PCM, error) {
	container, err := Sniff(data)
	if err != nil {
		return PCM{}, err
	}

	if container == ContainerMP3 {
		return DecodeMP3(data)
	}

	return DecodeWAV(data)
}
