// Package config provides the configuration structure for the Spark TTS worker.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/book-expert/spark-tts-worker/internal/tts/audio"
)

// Storage backends.
const (
	BackendS3   = "s3"
	BackendNATS = "nats"
)

// Environment overrides.
const (
	EnvS3Bucket               = "S3_BUCKET_NAME"
	EnvAWSAccessKeyID         = "AWS_ACCESS_KEY_ID"
	EnvAWSSecretAccessKey     = "AWS_SECRET_ACCESS_KEY"
	EnvAWSRegion              = "AWS_REGION"
	EnvAWSEndpointURL         = "AWS_ENDPOINT_URL"
	EnvOpenAIAPIKey           = "OPENAI_API_KEY"
	EnvNATSURL                = "NATS_URL"
	EnvLogVerbose             = "LOG_VERBOSE"
	EnvRequestDeadlineSeconds = "REQUEST_DEADLINE_SECONDS"
	EnvMaxReferenceBytes      = "MAX_REFERENCE_BYTES"
	EnvSigningSecret          = "SIGNING_SECRET"
	EnvReferenceSampleRate    = "REFERENCE_SAMPLE_RATE"
)

var (
	// ErrModelURLEmpty indicates no model sidecar address.
	ErrModelURLEmpty = errors.New("model.url cannot be empty")
	// ErrUnknownBackend indicates a storage backend other than s3 or nats.
	ErrUnknownBackend = errors.New("storage.backend must be s3 or nats")
	// ErrBucketEmpty indicates an S3 backend without a bucket.
	ErrBucketEmpty = errors.New("storage.s3.bucket cannot be empty")
	// ErrNATSURLEmpty indicates a NATS-dependent setting without nats.url.
	ErrNATSURLEmpty = errors.New("nats.url cannot be empty")
	// ErrSigningUnset indicates a NATS backend without signed-link settings.
	ErrSigningUnset = errors.New("storage.signing_secret and storage.public_base_url are required for the nats backend")
	// ErrNoTransport indicates neither a request subject nor a listen address.
	ErrNoTransport = errors.New("set nats.request_subject or server.listen_addr")
	// ErrInvalidLimit indicates a non-positive deadline or byte limit.
	ErrInvalidLimit = errors.New("limit must be positive")
	// ErrInvalidShare indicates stage shares outside (0, 1] or summing above 1.
	ErrInvalidShare = errors.New("stage shares must lie in (0, 1] and sum to at most 1")
	// ErrInvalidSampleRate indicates a reference rate the resampler cannot target.
	ErrInvalidSampleRate = errors.New("model.reference_sample_rate is not a supported rate")
	// ErrLogsDirEmpty indicates no log directory.
	ErrLogsDirEmpty = errors.New("paths.base_logs_dir cannot be empty")
	// ErrInvalidEnv indicates an environment override that does not parse.
	ErrInvalidEnv = errors.New("invalid environment override")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL               string `toml:"url"`
	RequestSubject    string `toml:"request_subject"`
	QueueGroup        string `toml:"queue_group"`
	ObjectStoreBucket string `toml:"object_store_bucket"`
}

// ModelConfig addresses the Spark-TTS sidecar. ReferenceSampleRate is the
// rate cloning references are resampled to, which is the model's conditioning
// rate and not its output rate.
type ModelConfig struct {
	URL                  string `toml:"url"`
	TimeoutSeconds       int    `toml:"timeout_seconds"`
	HealthTimeoutSeconds int    `toml:"health_timeout_seconds"`
	MaxSegmentRunes      int    `toml:"max_segment_runes"`
	WarmupText           string `toml:"warmup_text"`
	ReferenceSampleRate  int    `toml:"reference_sample_rate"`
	MaxAudioBytes        int64  `toml:"max_audio_bytes"`
}

// S3Config holds the S3-compatible backend settings.
type S3Config struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
}

// StorageConfig selects the object store and its layout.
type StorageConfig struct {
	Backend               string   `toml:"backend"`
	S3                    S3Config `toml:"s3"`
	SigningSecret         string   `toml:"signing_secret"`
	PublicBaseURL         string   `toml:"public_base_url"`
	PresignTTLSeconds     int      `toml:"presign_ttl_seconds"`
	MaxAttempts           int      `toml:"max_attempts"`
	AttemptTimeoutSeconds int      `toml:"attempt_timeout_seconds"`
	VoicesPrefix          string   `toml:"voices_prefix"`
	OutputPrefix          string   `toml:"output_prefix"`
	SubtitlesPrefix       string   `toml:"subtitles_prefix"`
	EnsureLayout          bool     `toml:"ensure_layout"`
}

// AlignmentConfig addresses the OpenAI-compatible transcription endpoint.
// An empty APIKey disables alignment.
type AlignmentConfig struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Language       string `toml:"language"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// SubtitlesConfig tunes cue grouping.
type SubtitlesConfig struct {
	MaxCueSeconds float64 `toml:"max_cue_seconds"`
	MaxCueChars   int     `toml:"max_cue_chars"`
	Karaoke       bool    `toml:"karaoke"`
}

// LimitsConfig bounds a request.
type LimitsConfig struct {
	RequestDeadlineSeconds  int     `toml:"request_deadline_seconds"`
	ResolveShare            float64 `toml:"resolve_share"`
	PublishShare            float64 `toml:"publish_share"`
	MaxReferenceBytes       int64   `toml:"max_reference_bytes"`
	ReferenceTimeoutSeconds int     `toml:"reference_timeout_seconds"`
}

// ServerConfig holds the HTTP listener. An empty address disables it.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	EnvFile     string `toml:"env_file"`
}

// LoggingConfig toggles per-stage logging.
type LoggingConfig struct {
	Verbose bool `toml:"verbose"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Model     ModelConfig     `toml:"model"`
	Storage   StorageConfig   `toml:"storage"`
	Alignment AlignmentConfig `toml:"alignment"`
	Subtitles SubtitlesConfig `toml:"subtitles"`
	Limits    LimitsConfig    `toml:"limits"`
	Server    ServerConfig    `toml:"server"`
	Paths     PathsConfig     `toml:"paths"`
	Logging   LoggingConfig   `toml:"logging"`
}

// Default returns the configuration every loader starts from.
func Default() Config {
	return Config{
		NATS: NATSConfig{
			URL:               "nats://127.0.0.1:4222",
			RequestSubject:    "tts.synthesize",
			QueueGroup:        "spark-tts-workers",
			ObjectStoreBucket: "TTS_MEDIA",
		},
		Model: ModelConfig{
			URL:                  "http://127.0.0.1:8000",
			TimeoutSeconds:       120,
			HealthTimeoutSeconds: 30,
			MaxSegmentRunes:      300,
			WarmupText:           "Warming up.",
			ReferenceSampleRate:  16000,
			MaxAudioBytes:        64 << 20,
		},
		Storage: StorageConfig{
			Backend:               BackendS3,
			PresignTTLSeconds:     3600,
			MaxAttempts:           3,
			AttemptTimeoutSeconds: 10,
			VoicesPrefix:          "voices/",
			OutputPrefix:          "output/",
			SubtitlesPrefix:       "output/subtitles/",
			EnsureLayout:          true,
		},
		Alignment: AlignmentConfig{
			Model:          "whisper-1",
			TimeoutSeconds: 60,
		},
		Subtitles: SubtitlesConfig{
			MaxCueSeconds: 5,
			MaxCueChars:   42,
		},
		Limits: LimitsConfig{
			RequestDeadlineSeconds:  300,
			ResolveShare:            0.25,
			PublishShare:            0.25,
			MaxReferenceBytes:       20 << 20,
			ReferenceTimeoutSeconds: 30,
		},
		Paths: PathsConfig{
			BaseLogsDir: "logs",
			EnvFile:     ".env",
		},
	}
}

// Load loads the configuration through the central configurator, then
// applies the .env file and environment overrides.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Default()

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg, log)
}

// LoadFile decodes a TOML file over the defaults, then applies the .env file
// and environment overrides.
func LoadFile(path string, log *logger.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	return finish(cfg, log)
}

// Parse decodes TOML over the defaults without touching the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func finish(cfg *Config, log *logger.Logger) (*Config, error) {
	if cfg.Paths.EnvFile != "" {
		envErr := godotenv.Load(cfg.Paths.EnvFile)
		if envErr != nil && log != nil {
			log.Info("No env file at %s, using the process environment", cfg.Paths.EnvFile)
		}
	}

	err := cfg.ApplyEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays the recognised environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	overrides := []struct {
		name string
		dst  *string
	}{
		{EnvS3Bucket, &c.Storage.S3.Bucket},
		{EnvAWSAccessKeyID, &c.Storage.S3.AccessKeyID},
		{EnvAWSSecretAccessKey, &c.Storage.S3.SecretAccessKey},
		{EnvAWSRegion, &c.Storage.S3.Region},
		{EnvAWSEndpointURL, &c.Storage.S3.Endpoint},
		{EnvOpenAIAPIKey, &c.Alignment.APIKey},
		{EnvNATSURL, &c.NATS.URL},
		{EnvSigningSecret, &c.Storage.SigningSecret},
	}

	for _, override := range overrides {
		if value, ok := lookup(override.name); ok && value != "" {
			*override.dst = value
		}
	}

	if value, ok := lookup(EnvLogVerbose); ok && value != "" {
		verbose, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidEnv, EnvLogVerbose, value, err)
		}

		c.Logging.Verbose = verbose
	}

	if value, ok := lookup(EnvRequestDeadlineSeconds); ok && value != "" {
		deadline, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidEnv, EnvRequestDeadlineSeconds, value, err)
		}

		c.Limits.RequestDeadlineSeconds = deadline
	}

	if value, ok := lookup(EnvMaxReferenceBytes); ok && value != "" {
		limit, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidEnv, EnvMaxReferenceBytes, value, err)
		}

		c.Limits.MaxReferenceBytes = limit
	}

	if value, ok := lookup(EnvReferenceSampleRate); ok && value != "" {
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidEnv, EnvReferenceSampleRate, value, err)
		}

		c.Model.ReferenceSampleRate = rate
	}

	return nil
}

// Validate rejects configurations the worker cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Model.URL) == "" {
		return ErrModelURLEmpty
	}

	switch c.Storage.Backend {
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return ErrBucketEmpty
		}
	case BackendNATS:
		if c.NATS.URL == "" {
			return ErrNATSURLEmpty
		}

		if c.Storage.SigningSecret == "" || c.Storage.PublicBaseURL == "" {
			return ErrSigningUnset
		}
	default:
		return fmt.Errorf("%w: got %q", ErrUnknownBackend, c.Storage.Backend)
	}

	if c.NATS.RequestSubject == "" && c.Server.ListenAddr == "" {
		return ErrNoTransport
	}

	if c.NATS.RequestSubject != "" && c.NATS.URL == "" {
		return ErrNATSURLEmpty
	}

	err := audio.ValidateSampleRate(c.Model.ReferenceSampleRate)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSampleRate, err)
	}

	if c.Model.MaxAudioBytes <= 0 {
		return fmt.Errorf("%w: model.max_audio_bytes=%d", ErrInvalidLimit, c.Model.MaxAudioBytes)
	}

	if c.Limits.RequestDeadlineSeconds <= 0 {
		return fmt.Errorf("%w: limits.request_deadline_seconds=%d", ErrInvalidLimit, c.Limits.RequestDeadlineSeconds)
	}

	if c.Limits.MaxReferenceBytes <= 0 {
		return fmt.Errorf("%w: limits.max_reference_bytes=%d", ErrInvalidLimit, c.Limits.MaxReferenceBytes)
	}

	resolve, publish := c.Limits.ResolveShare, c.Limits.PublishShare
	if resolve <= 0 || resolve > 1 || publish <= 0 || publish > 1 || resolve+publish > 1 {
		return fmt.Errorf("%w: resolve=%v publish=%v", ErrInvalidShare, resolve, publish)
	}

	if c.Paths.BaseLogsDir == "" {
		return ErrLogsDirEmpty
	}

	return nil
}

// AlignmentEnabled reports whether an aligner can be built.
func (c *Config) AlignmentEnabled() bool {
	return c.Alignment.APIKey != ""
}

// RequestDeadline is the end-to-end request bound.
func (c *Config) RequestDeadline() time.Duration {
	return seconds(c.Limits.RequestDeadlineSeconds)
}

// PresignTTL is the lifetime of issued links.
func (c *Config) PresignTTL() time.Duration {
	return seconds(c.Storage.PresignTTLSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
