package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

const wavFormatPCM = 1

// ErrInvalidWAV indicates bytes that do not form a readable WAV file.
var ErrInvalidWAV = errors.New("invalid WAV file")

// PCM is a decoded mono stream with samples in [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
}

// DecodeWAV decodes WAV bytes of any supported rate, channel count and depth,
// downmixing to mono.
func DecodeWAV(data []byte) (PCM, error) {
	if len(data) == 0 {
		return PCM{}, ErrEmptyAudio
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return PCM{}, ErrInvalidWAV
	}

	format := PCMFormat{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}

	err := format.Validate()
	if err != nil {
		return PCM{}, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("%w: reading PCM data: %w", ErrInvalidWAV, err)
	}

	samples := Downmix(buf.Data, format.Channels)
	if len(samples) == 0 {
		return PCM{}, ErrEmptyAudio
	}

	return PCM{Samples: samples, SampleRate: format.SampleRate}, nil
}

// EncodeWAV encodes mono samples as 16-bit PCM WAV.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	err := ValidateSampleRate(sampleRate)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	writer := &seekBuffer{buf: &buf}
	enc := wav.NewEncoder(writer, sampleRate, OutputBitDepth, OutputChannels, wavFormatPCM)

	pcmBuf := &goaudio.Float32Buffer{
		Data:           Clip(samples),
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: OutputChannels},
		SourceBitDepth: OutputBitDepth,
	}

	err = enc.Write(pcmBuf)
	if err != nil {
		return nil, fmt.Errorf("writing PCM: %w", err)
	}

	err = enc.Close()
	if err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// Downmix averages interleaved frames into one channel.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(interleaved))
		copy(out, interleaved)

		return out
	}

	frames := len(interleaved) / channels
	out := make([]float32, frames)

	for frame := range frames {
		var sum float32
		for channel := range channels {
			sum += interleaved[frame*channels+channel]
		}

		out[frame] = sum / float32(channels)
	}

	return out
}

// seekBuffer lets the WAV encoder patch its header in memory.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n

		return n, err
	}

	data := s.buf.Bytes()

	n := copy(data[s.pos:], p)
	if n < len(p) {
		s.buf.Write(p[n:])
	}

	s.pos += len(p)

	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int

	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = s.pos + int(offset)
	case io.SeekEnd:
		next = s.buf.Len() + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	if next < 0 || next > s.buf.Len() {
		return 0, fmt.Errorf("seek to %d outside buffer of %d bytes", next, s.buf.Len())
	}

	s.pos = next

	return int64(next), nil
}
