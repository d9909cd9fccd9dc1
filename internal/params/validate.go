package params

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/book-expert/spark-tts-worker/internal/objectstore"
	"github.com/book-expert/spark-tts-worker/internal/tts/ttsutils"
	"github.com/book-expert/spark-tts-worker/internal/ttserr"
)

// OpValidate tags validation errors.
const OpValidate = "validate"

// Request field names as they appear on the wire.
const (
	FieldText                   = "text"
	FieldSpeakerGender          = "speaker_gender"
	FieldReferenceAudioLocation = "reference_audio_location"
	FieldReferenceTranscript    = "reference_transcript"
	FieldTaskMode               = "task_mode"
	FieldTemperature            = "temperature"
	FieldTopP                   = "top_p"
	FieldMaxLength              = "max_length"
	FieldPitchShiftSemitones    = "pitch_shift_semitones"
	FieldSpeedFactor            = "speed_factor"
	FieldSentenceGapSeconds     = "sentence_gap_seconds"
	FieldOutputNamePrefix       = "output_name_prefix"
	FieldEnableSubtitles        = "enable_subtitles"
)

const maxOutputNameRunes = 64

var (
	// ErrFieldRequired indicates a missing mandatory field.
	ErrFieldRequired = errors.New("field is required")
	// ErrFieldNotNumeric indicates a numeric field that could not be coerced.
	ErrFieldNotNumeric = errors.New("field is not a finite number")
	// ErrFieldOutOfRange indicates a value outside its accepted range.
	ErrFieldOutOfRange = errors.New("field is out of range")
	// ErrFieldNotAllowed indicates a value outside its accepted set.
	ErrFieldNotAllowed = errors.New("field value is not allowed")
	// ErrSubtitlesNeedAlignment indicates subtitles were requested without alignment.
	ErrSubtitlesNeedAlignment = errors.New("enable_subtitles requires enable_alignment")
	// ErrCloningUnpaired indicates only one of the two cloning fields was supplied.
	ErrCloningUnpaired = errors.New("reference_audio_location and reference_transcript must be supplied together")
)

// FieldError describes one rejected field.
type FieldError struct {
	Field    string
	Value    string
	Accepted string
	Err      error
}

func (e *FieldError) Error() string {
	if e.Accepted == "" {
		return fmt.Sprintf("%s: %v (got %q)", e.Field, e.Err, e.Value)
	}

	return fmt.Sprintf("%s: %v (got %q, accepted %s)", e.Field, e.Err, e.Value, e.Accepted)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Range is a numeric interval. MinOpen excludes Min itself.
type Range struct {
	Min     float64
	Max     float64
	MinOpen bool
	Integer bool
}

// Contains reports whether v lies inside r.
func (r Range) Contains(v float64) bool {
	if r.Integer && v != math.Trunc(v) {
		return false
	}

	if r.MinOpen {
		return v > r.Min && v <= r.Max
	}

	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	open := "["
	if r.MinOpen {
		open = "("
	}

	text := fmt.Sprintf("%s%s, %s]", open, formatFloat(r.Min), formatFloat(r.Max))
	if r.Integer {
		text += " integer"
	}

	return text
}

// Table is the published default and range table.
type Table struct {
	SpeakerGender       Gender
	TaskMode            TaskMode
	PitchShiftSemitones float64
	SpeedFactor         float64
	SentenceGapSeconds  float64
	Temperature         float64
	TopP                float64
	MaxLength           int
	EnableAlignment     bool
	EnableSubtitles     bool
	OutputNamePrefix    string
}

// Defaults lists the value applied to every optional field when it is absent.
var Defaults = Table{
	SpeakerGender:       GenderMale,
	TaskMode:            TaskZeroShot,
	PitchShiftSemitones: 0.0,
	SpeedFactor:         1.0,
	SentenceGapSeconds:  0.3,
	Temperature:         0.7,
	TopP:                0.95,
	MaxLength:           4096,
	EnableAlignment:     false,
	EnableSubtitles:     false,
	OutputNamePrefix:    "output",
}

// Accepted ranges for the numeric fields.
var (
	TemperatureRange         = Range{Min: 0, Max: 2, MinOpen: true}
	TopPRange                = Range{Min: 0, Max: 1, MinOpen: true}
	MaxLengthRange           = Range{Min: 1, Max: 8192, Integer: true}
	PitchShiftSemitonesRange = Range{Min: -12, Max: 12}
	SpeedFactorRange         = Range{Min: 0.5, Max: 2}
	SentenceGapSecondsRange  = Range{Min: 0, Max: 2}
)

// Validate turns raw into a SynthesisRequest. It checks the required text,
// coerces every numeric, range-checks them, then the cross-field invariants, and
// reports the first violation as a ValidationError wrapping a *FieldError.
func Validate(raw RawRequest) (SynthesisRequest, error) {
	raw = withLegacyFields(raw)

	text := ""
	if raw.Text != nil {
		text = strings.TrimSpace(*raw.Text)
	}

	if text == "" {
		return SynthesisRequest{}, reject(&FieldError{Field: FieldText, Err: ErrFieldRequired})
	}

	request := SynthesisRequest{Text: text}

	var maxLength float64

	numerics := []struct {
		field string
		value *Number
		def   float64
		rng   Range
		dst   *float64
	}{
		{FieldTemperature, raw.Temperature, Defaults.Temperature, TemperatureRange, &request.Generation.Temperature},
		{FieldTopP, raw.TopP, Defaults.TopP, TopPRange, &request.Generation.TopP},
		{FieldMaxLength, raw.MaxLength, float64(Defaults.MaxLength), MaxLengthRange, &maxLength},
		{FieldPitchShiftSemitones, raw.PitchShiftSemitones, Defaults.PitchShiftSemitones, PitchShiftSemitonesRange, &request.Prosody.PitchShiftSemitones},
		{FieldSpeedFactor, raw.SpeedFactor, Defaults.SpeedFactor, SpeedFactorRange, &request.Prosody.SpeedFactor},
		{FieldSentenceGapSeconds, raw.SentenceGapSeconds, Defaults.SentenceGapSeconds, SentenceGapSecondsRange, &request.Prosody.SentenceGapSeconds},
	}

	// Coerce every field before checking any range.
	for _, numeric := range numerics {
		value, err := coerce(numeric.field, numeric.value, numeric.def, numeric.rng)
		if err != nil {
			return SynthesisRequest{}, err
		}

		*numeric.dst = value
	}

	for _, numeric := range numerics {
		if err := inRange(numeric.field, numeric.value, *numeric.dst, numeric.rng); err != nil {
			return SynthesisRequest{}, err
		}
	}

	request.Generation.MaxLength = int(maxLength)

	var err error

	request.Generation.TaskMode, err = taskMode(raw.TaskMode)
	if err != nil {
		return SynthesisRequest{}, err
	}

	request.OutputNamePrefix, err = outputName(raw.OutputNamePrefix)
	if err != nil {
		return SynthesisRequest{}, err
	}

	request.EnableAlignment = boolOr(raw.EnableAlignment, Defaults.EnableAlignment)
	request.EnableSubtitles = boolOr(raw.EnableSubtitles, Defaults.EnableSubtitles)

	if request.EnableSubtitles && !request.EnableAlignment {
		return SynthesisRequest{}, reject(&FieldError{
			Field: FieldEnableSubtitles,
			Value: "true",
			Err:   ErrSubtitlesNeedAlignment,
		})
	}

	request.Voice, err = voice(raw)
	if err != nil {
		return SynthesisRequest{}, err
	}

	return request, nil
}

// FieldOf returns the rejected field named by a validation error, or "".
func FieldOf(err error) string {
	var fieldErr *FieldError
	if errors.As(err, &fieldErr) {
		return fieldErr.Field
	}

	return ""
}

func coerce(field string, value *Number, def float64, rng Range) (float64, error) {
	if value == nil {
		return def, nil
	}

	parsed, err := strconv.ParseFloat(string(*value), 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, reject(&FieldError{Field: field, Value: string(*value), Accepted: rng.String(), Err: ErrFieldNotNumeric})
	}

	return parsed, nil
}

// inRange checks a coerced value. Defaults are in range and are not checked.
func inRange(field string, value *Number, parsed float64, rng Range) error {
	if value == nil || rng.Contains(parsed) {
		return nil
	}

	return reject(&FieldError{Field: field, Value: string(*value), Accepted: rng.String(), Err: ErrFieldOutOfRange})
}

func taskMode(value *string) (TaskMode, error) {
	if value == nil {
		return Defaults.TaskMode, nil
	}

	mode := TaskMode(strings.ToLower(strings.TrimSpace(*value)))
	switch mode {
	case TaskZeroShot, TaskCrossLingual, TaskContinue:
		return mode, nil
	default:
		return "", reject(&FieldError{
			Field:    FieldTaskMode,
			Value:    *value,
			Accepted: "zero_shot, cross_lingual, continue",
			Err:      ErrFieldNotAllowed,
		})
	}
}

func gender(value *string) (Gender, error) {
	if value == nil {
		return Defaults.SpeakerGender, nil
	}

	g := Gender(strings.ToLower(strings.TrimSpace(*value)))
	switch g {
	case GenderMale, GenderFemale:
		return g, nil
	default:
		return "", reject(&FieldError{
			Field:    FieldSpeakerGender,
			Value:    *value,
			Accepted: "male, female",
			Err:      ErrFieldNotAllowed,
		})
	}
}

func outputName(value *string) (string, error) {
	if value == nil {
		return Defaults.OutputNamePrefix, nil
	}

	name := ttsutils.SanitizeFilename(*value)
	if name == "" || utf8.RuneCountInString(name) > maxOutputNameRunes {
		return "", reject(&FieldError{
			Field:    FieldOutputNamePrefix,
			Value:    *value,
			Accepted: fmt.Sprintf("1-%d filename characters", maxOutputNameRunes),
			Err:      ErrFieldOutOfRange,
		})
	}

	return name, nil
}

// voice resolves the voice. A cloning pair takes precedence over speaker_gender.
func voice(raw RawRequest) (VoiceSpec, error) {
	location := trimmed(raw.ReferenceAudioLocation)
	transcript := trimmed(raw.ReferenceTranscript)

	switch {
	case location == "" && transcript == "":
		g, err := gender(raw.SpeakerGender)
		if err != nil {
			return VoiceSpec{}, err
		}

		return VoiceSpec{Gender: g}, nil
	case location == "" || transcript == "":
		field := FieldReferenceTranscript
		if location == "" {
			field = FieldReferenceAudioLocation
		}

		return VoiceSpec{}, reject(&FieldError{Field: field, Err: ErrCloningUnpaired})
	}

	if raw.SpeakerGender != nil {
		if _, err := gender(raw.SpeakerGender); err != nil {
			return VoiceSpec{}, err
		}
	}

	loc, err := objectstore.ParseLocation(location)
	if err != nil {
		return VoiceSpec{}, reject(&FieldError{
			Field:    FieldReferenceAudioLocation,
			Value:    redact(location),
			Accepted: "s3://bucket/key, a presigned http(s) URL or an object key",
			Err:      err,
		})
	}

	return VoiceSpec{Reference: loc, Transcript: transcript}, nil
}

// withLegacyFields copies the original handler's parameter names into absent
// canonical fields.
func withLegacyFields(raw RawRequest) RawRequest {
	if raw.ReferenceAudioLocation == nil {
		raw.ReferenceAudioLocation = raw.LegacyPromptSpeechURL
	}

	if raw.ReferenceTranscript == nil {
		raw.ReferenceTranscript = raw.LegacyPromptText
	}

	if raw.TaskMode == nil {
		raw.TaskMode = raw.LegacyTaskToken
	}

	if raw.PitchShiftSemitones == nil {
		raw.PitchShiftSemitones = raw.LegacyPitchShift
	}

	if raw.SpeedFactor == nil {
		raw.SpeedFactor = raw.LegacySpeedShift
	}

	if raw.SentenceGapSeconds == nil {
		raw.SentenceGapSeconds = raw.LegacyMultiSentenceGap
	}

	if raw.OutputNamePrefix == nil {
		raw.OutputNamePrefix = raw.LegacyOutputName
	}

	if raw.EnableAlignment == nil {
		raw.EnableAlignment = raw.LegacyEnableWhisperX
	}

	return raw
}

func reject(fieldErr *FieldError) error {
	return ttserr.Wrap(ttserr.KindValidation, OpValidate, "request rejected", fieldErr).
		WithStage(ttserr.StageValidating)
}

func trimmed(value *string) string {
	if value == nil {
		return ""
	}

	return strings.TrimSpace(*value)
}

func boolOr(value *bool, def bool) bool {
	if value == nil {
		return def
	}

	return *value
}

// redact keeps long inline payloads out of error messages.
func redact(value string) string {
	const keep = 48
	if len(value) <= keep {
		return value
	}

	return value[:keep] + "..."
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
