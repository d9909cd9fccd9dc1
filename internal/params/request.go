// Package params normalises and bounds-checks synthesis requests.
//
// Validate is pure: it performs no I/O and returns the same SynthesisRequest
// for the same RawRequest. Every optional field absent from the raw request
// takes its value from Defaults.
package params

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/book-expert/spark-tts-worker/internal/objectstore"
)

// Gender selects a built-in voice identity.
type Gender string

// Built-in voices.
const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// TaskMode selects the model's conditioning mode.
type TaskMode string

// Task modes.
const (
	TaskZeroShot     TaskMode = "zero_shot"
	TaskCrossLingual TaskMode = "cross_lingual"
	TaskContinue     TaskMode = "continue"
)

// Number is a JSON numeric field that also accepts numeric strings.
type Number string

// NumberOf renders v as a Number.
func NumberOf(v float64) *Number {
	n := Number(strconv.FormatFloat(v, 'g', -1, 64))

	return &n
}

// UnmarshalJSON accepts 0.7 and "0.7" alike.
func (n *Number) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, `"`) {
		var unquoted string
		if err := json.Unmarshal(data, &unquoted); err != nil {
			return fmt.Errorf("invalid numeric string %s: %w", text, err)
		}

		text = strings.TrimSpace(unquoted)
	}

	*n = Number(text)

	return nil
}

// MarshalJSON emits the number unquoted when it parses, quoted otherwise.
func (n Number) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseFloat(string(n), 64); err == nil {
		return []byte(n), nil
	}

	return json.Marshal(string(n))
}

// RawRequest is a request as decoded from a transport. Pointer fields are nil
// when absent. The legacy fields carry the original handler's parameter names
// and are used only when the corresponding canonical field is absent.
type RawRequest struct {
	Text                   *string `json:"text,omitempty"`
	SpeakerGender          *string `json:"speaker_gender,omitempty"`
	ReferenceAudioLocation *string `json:"reference_audio_location,omitempty"`
	ReferenceTranscript    *string `json:"reference_transcript,omitempty"`
	TaskMode               *string `json:"task_mode,omitempty"`
	Temperature            *Number `json:"temperature,omitempty"`
	TopP                   *Number `json:"top_p,omitempty"`
	MaxLength              *Number `json:"max_length,omitempty"`
	PitchShiftSemitones    *Number `json:"pitch_shift_semitones,omitempty"`
	SpeedFactor            *Number `json:"speed_factor,omitempty"`
	SentenceGapSeconds     *Number `json:"sentence_gap_seconds,omitempty"`
	OutputNamePrefix       *string `json:"output_name_prefix,omitempty"`
	EnableAlignment        *bool   `json:"enable_alignment,omitempty"`
	EnableSubtitles        *bool   `json:"enable_subtitles,omitempty"`

	LegacyPromptSpeechURL  *string `json:"prompt_speech_url,omitempty"`
	LegacyPromptText       *string `json:"prompt_text,omitempty"`
	LegacyTaskToken        *string `json:"task_token,omitempty"`
	LegacyPitchShift       *Number `json:"pitch_shift,omitempty"`
	LegacySpeedShift       *Number `json:"speed_shift,omitempty"`
	LegacyMultiSentenceGap *Number `json:"multi_sentence_gap,omitempty"`
	LegacyOutputName       *string `json:"output_name,omitempty"`
	LegacyEnableWhisperX   *bool   `json:"enable_whisperx,omitempty"`
}

// VoiceSpec is either a built-in Gender or a cloning reference with its transcript.
type VoiceSpec struct {
	Gender     Gender
	Reference  objectstore.Location
	Transcript string
}

// IsCloning reports whether the voice is conditioned on a reference recording.
func (v VoiceSpec) IsCloning() bool {
	return !v.Reference.IsZero()
}

// GenerationParams are the sampling controls passed to the model.
type GenerationParams struct {
	TaskMode    TaskMode
	Temperature float64
	TopP        float64
	MaxLength   int
}

// Prosody holds the post-synthesis signal transforms.
type Prosody struct {
	PitchShiftSemitones float64
	SpeedFactor         float64
	SentenceGapSeconds  float64
}

// SynthesisRequest is a validated request. It is passed by value and never mutated.
type SynthesisRequest struct {
	Text             string
	Voice            VoiceSpec
	Generation       GenerationParams
	Prosody          Prosody
	OutputNamePrefix string
	EnableAlignment  bool
	EnableSubtitles  bool
}

// Raw converts r back into its transport form. Validate(r.Raw()) returns r.
func (r SynthesisRequest) Raw() RawRequest {
	raw := RawRequest{
		Text:                stringPtr(r.Text),
		TaskMode:            stringPtr(string(r.Generation.TaskMode)),
		Temperature:         NumberOf(r.Generation.Temperature),
		TopP:                NumberOf(r.Generation.TopP),
		MaxLength:           NumberOf(float64(r.Generation.MaxLength)),
		PitchShiftSemitones: NumberOf(r.Prosody.PitchShiftSemitones),
		SpeedFactor:         NumberOf(r.Prosody.SpeedFactor),
		SentenceGapSeconds:  NumberOf(r.Prosody.SentenceGapSeconds),
		OutputNamePrefix:    stringPtr(r.OutputNamePrefix),
		EnableAlignment:     boolPtr(r.EnableAlignment),
		EnableSubtitles:     boolPtr(r.EnableSubtitles),
	}

	if r.Voice.IsCloning() {
		raw.ReferenceAudioLocation = stringPtr(locationText(r.Voice.Reference))
		raw.ReferenceTranscript = stringPtr(r.Voice.Transcript)
	} else {
		raw.SpeakerGender = stringPtr(string(r.Voice.Gender))
	}

	return raw
}

// locationText renders loc in a form ParseLocation accepts, keeping presign queries.
func locationText(loc objectstore.Location) string {
	if loc.IsPresigned() {
		return loc.URL().String()
	}

	return loc.String()
}

func stringPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
