// Package publish stores request artifacts and hands back time-limited URLs.
package publish

import (
	"context"
	"strings"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/spark-tts-worker/internal/objectstore"
	"github.com/book-expert/spark-tts-worker/internal/tts/audio"
	"github.com/book-expert/spark-tts-worker/internal/tts/ttsutils"
	"github.com/book-expert/spark-tts-worker/internal/ttserr"
)

// OpPublish tags publisher errors that do not come from storage.
const OpPublish = "publish"

// Default storage layout.
const (
	DefaultVoicesPrefix    = "voices/"
	DefaultOutputPrefix    = "output/"
	DefaultSubtitlesPrefix = "output/subtitles/"
	audioExtension         = ".wav"
)

// Store is the gateway subset the publisher needs.
type Store interface {
	Store(ctx context.Context, key string, data []byte, contentType string) (objectstore.StoredObject, error)
	Presign(ctx context.Context, obj objectstore.StoredObject, ttl time.Duration) (string, error)
}

// Layout names the key prefixes of each artifact class.
type Layout struct {
	VoicesPrefix    string
	OutputPrefix    string
	SubtitlesPrefix string
}

// DefaultLayout is voices/, output/ and output/subtitles/.
var DefaultLayout = Layout{
	VoicesPrefix:    DefaultVoicesPrefix,
	OutputPrefix:    DefaultOutputPrefix,
	SubtitlesPrefix: DefaultSubtitlesPrefix,
}

// Prefixes lists every prefix in the layout.
func (l Layout) Prefixes() []string {
	return []string{l.VoicesPrefix, l.OutputPrefix, l.SubtitlesPrefix}
}

// Artifact is a published object referenced by its presigned URL.
type Artifact struct {
	Key         string
	ContentType string
	Size        int64
	URL         string
	ExpiresAt   time.Time
}

// Publisher wraps Store and Presign into one step per artifact.
type Publisher struct {
	store  Store
	ttl    time.Duration
	layout Layout
	log    *logger.Logger
}

// NewPublisher creates a publisher. A non-positive ttl defers to the store's default.
func NewPublisher(store Store, layout Layout, ttl time.Duration, log *logger.Logger) *Publisher {
	if layout.OutputPrefix == "" {
		layout.OutputPrefix = DefaultOutputPrefix
	}

	if layout.SubtitlesPrefix == "" {
		layout.SubtitlesPrefix = DefaultSubtitlesPrefix
	}

	if layout.VoicesPrefix == "" {
		layout.VoicesPrefix = DefaultVoicesPrefix
	}

	return &Publisher{store: store, ttl: ttl, layout: layout, log: log}
}

// Layout returns the configured layout.
func (p *Publisher) Layout() Layout {
	return p.layout
}

// Publish stores data under keyPrefix+name and presigns the result.
func (p *Publisher) Publish(ctx context.Context, data []byte, contentType, keyPrefix, name string) (Artifact, error) {
	key := keyPrefix + name

	stored, err := p.store.Store(ctx, key, data, contentType)
	if err != nil {
		return Artifact{}, publishingError(err)
	}

	link, err := p.store.Presign(ctx, stored, p.ttl)
	if err != nil {
		return Artifact{}, publishingError(err)
	}

	artifact := Artifact{
		Key:         stored.Key,
		ContentType: contentType,
		Size:        stored.Size,
		URL:         link,
	}

	if p.ttl > 0 {
		artifact.ExpiresAt = stored.StoredAt.Add(p.ttl)
	}

	p.log.Info("Published %s (%s, %s)", artifact.Key, ttsutils.FormatFileSize(artifact.Size), contentType)

	return artifact, nil
}

// PublishAudio encodes samples as 16-bit mono WAV and publishes it under the
// output prefix as <name>_<jobID>.wav.
func (p *Publisher) PublishAudio(ctx context.Context, samples []float32, sampleRate int, name, jobID string) (Artifact, error) {
	encoded, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		return Artifact{}, ttserr.Wrap(ttserr.KindInternal, OpPublish, "failed to encode audio", err).
			WithStage(ttserr.StagePublishing)
	}

	return p.Publish(ctx, encoded, audio.ContentTypeWAV, p.layout.OutputPrefix, ArtifactName(name, jobID, audioExtension))
}

// PublishSubtitles publishes an encoded subtitle document under the
// subtitles prefix as <name>_<jobID><extension>.
func (p *Publisher) PublishSubtitles(ctx context.Context, doc []byte, contentType, extension, name, jobID string) (Artifact, error) {
	return p.Publish(ctx, doc, contentType, p.layout.SubtitlesPrefix, ArtifactName(name, jobID, extension))
}

// ArtifactName builds <name>_<jobID><extension>.
func ArtifactName(name, jobID, extension string) string {
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}

	return name + "_" + jobID + extension
}

func publishingError(err error) error {
	if typed, ok := ttserr.As(err); ok {
		return typed.WithStage(ttserr.StagePublishing)
	}

	return ttserr.Wrap(ttserr.KindStorage, OpPublish, "failed to publish artifact", err).
		WithStage(ttserr.StagePublishing)
}
