package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/spark-tts-worker/internal/tts/audio"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeWAV    = "audio/wav"
	contentTypeXWAV   = "audio/x-wav"
)

// Form field names.
const (
	formFieldText        = "text"
	formFieldGender      = "gender"
	formFieldTaskMode    = "task_mode"
	formFieldTemperature = "temperature"
	formFieldTopP        = "top_p"
	formFieldMaxLength   = "max_length"
	formFieldPromptText  = "prompt_text"
	formFieldPromptAudio = "prompt_speech"
	promptFileName       = "prompt.wav"
)

// healthStatusReady is the only status that makes the model usable.
const healthStatusReady = "ok"

// Error messages.
const (
	errTextCannotBeEmpty     = "text cannot be empty"
	errUnexpectedContentType = "unexpected content type: expected audio/wav, got %s"
	errFmtServiceNonOKStatus = "TTS service returned non-OK status: %s, body: %s"
	errFmtWriteField         = "failed to write %s field: %w"
)

// Static errors.
var (
	ErrTextEmpty       = errors.New(errTextCannotBeEmpty)
	ErrModelNotReady   = errors.New("model is not ready")
	ErrUnexpectedAudio = errors.New("unexpected audio response")
)

// HTTPClient talks to the Spark-TTS model sidecar. The sidecar keeps the
// model resident on the GPU; this client only moves text and audio.
type HTTPClient struct {
	httpClient    *http.Client
	baseURL       string
	maxAudioBytes int64
}

// TTSErrorResponse represents a structured error response from the TTS service.
type TTSErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates a client for the sidecar at baseURL
// (for example "http://localhost:8000"). timeout bounds every HTTP call.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxAudioBytes: DefaultMaxAudioBytes,
	}
}

// WithMaxAudioBytes sets the ceiling on one audio reply. Non-positive values
// keep DefaultMaxAudioBytes.
func (c *HTTPClient) WithMaxAudioBytes(maxBytes int64) *HTTPClient {
	if maxBytes > 0 {
		c.maxAudioBytes = maxBytes
	}

	return c
}

// Generate posts one segment as multipart form data. A cloning reference is
// re-encoded as 16-bit WAV and sent as a binary part.
func (c *HTTPClient) Generate(ctx context.Context, req GenerateRequest) (Waveform, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Waveform{}, ErrTextEmpty
	}

	body, contentType, err := encodeGenerateForm(req)
	if err != nil {
		return Waveform{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiGenerateSpeech, body)
	if err != nil {
		return Waveform{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentType)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Waveform{}, fmt.Errorf("failed to send request to TTS service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Waveform{}, c.parseErrorResponse(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get(headerContentType))
	if mediaType != contentTypeWAV && mediaType != contentTypeXWAV {
		return Waveform{}, fmt.Errorf("%w: "+errUnexpectedContentType, ErrUnexpectedAudio, mediaType)
	}

	payload, err := readAudio(resp, c.maxAudioBytes)
	if err != nil {
		return Waveform{}, err
	}

	pcm, err := audio.DecodeWAV(payload)
	if err != nil {
		return Waveform{}, fmt.Errorf("%w: %w", ErrUnexpectedAudio, err)
	}

	return Waveform{Samples: pcm.Samples, SampleRate: pcm.SampleRate}, nil
}

// Health queries the sidecar and fails unless the model reports ready with a
// usable sample rate.
func (c *HTTPClient) Health(ctx context.Context) (ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ModelInfo{}, fmt.Errorf("%w: health check failed with status: %s", ErrModelNotReady, resp.Status)
	}

	data, err := readBody(resp.Body)
	if err != nil {
		return ModelInfo{}, err
	}

	var info ModelInfo

	err = parseJSON(data, &info)
	if err != nil {
		return ModelInfo{}, err
	}

	if !strings.EqualFold(info.Status, healthStatusReady) {
		return ModelInfo{}, fmt.Errorf("%w: status %q", ErrModelNotReady, info.Status)
	}

	err = audio.ValidateSampleRate(info.SampleRate)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("%w: %w", ErrModelNotReady, err)
	}

	return info, nil
}

func encodeGenerateForm(req GenerateRequest) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	fields := [][2]string{
		{formFieldText, req.Text},
		{formFieldTaskMode, req.TaskMode},
		{formFieldTemperature, strconv.FormatFloat(req.Temperature, 'f', -1, 64)},
		{formFieldTopP, strconv.FormatFloat(req.TopP, 'f', -1, 64)},
		{formFieldMaxLength, strconv.Itoa(req.MaxLength)},
	}

	if req.Reference == nil {
		fields = append(fields, [2]string{formFieldGender, req.Gender})
	} else {
		fields = append(fields, [2]string{formFieldPromptText, req.Reference.Transcript})
	}

	for _, field := range fields {
		err := writer.WriteField(field[0], field[1])
		if err != nil {
			return nil, "", fmt.Errorf(errFmtWriteField, field[0], err)
		}
	}

	if req.Reference != nil {
		encoded, err := audio.EncodeWAV(req.Reference.Samples, req.Reference.SampleRate)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode reference audio: %w", err)
		}

		part, err := writer.CreateFormFile(formFieldPromptAudio, promptFileName)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}

		_, err = part.Write(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("failed to copy reference audio: %w", err)
		}
	}

	err := writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// parseErrorResponse decodes a structured JSON error from the service and
// falls back to the raw body.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	body, _ := readBody(resp.Body)

	var errorResp TTSErrorResponse

	err := parseJSON(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return &ModelError{
			StatusCode: resp.StatusCode,
			Code:       errorResp.ErrorCode,
			Detail:     errorResp.Detail,
		}
	}

	return &ModelError{
		StatusCode: resp.StatusCode,
		Detail:     fmt.Sprintf(errFmtServiceNonOKStatus, resp.Status, string(body)),
	}
}
