package tts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxJSONBody bounds health and error replies read from the model service.
const maxJSONBody = 1 << 20

// DefaultMaxAudioBytes bounds one synthesized segment. It covers the longest
// max_length generation as 32-bit stereo at 48 kHz.
const DefaultMaxAudioBytes = 64 << 20

// ErrAudioTooLarge indicates a model reply above the audio ceiling.
var ErrAudioTooLarge = errors.New("audio reply exceeds the size ceiling")

// readBody reads at most maxJSONBody bytes of a model reply.
func readBody(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxJSONBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read model reply: %w", err)
	}

	return data, nil
}

// readAudio reads a WAV reply, failing once it passes maxBytes.
func readAudio(resp *http.Response, maxBytes int64) ([]byte, error) {
	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes declared, limit %d", ErrAudioTooLarge, resp.ContentLength, maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: limit %d", ErrAudioTooLarge, maxBytes)
	}

	return data, nil
}

// parseJSON unmarshals a model reply into target.
func parseJSON(data []byte, target any) error {
	err := json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal model reply: %w", err)
	}

	return nil
}
