// Package objectstore provides the typed gateway over durable object storage
// together with its S3 and NATS JetStream backends.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/spark-tts-worker/internal/tts/ttsutils"
	"github.com/book-expert/spark-tts-worker/internal/ttserr"
)

// Operation tags carried by storage errors.
const (
	OpFetch   = "fetch"
	OpStore   = "store"
	OpPresign = "presign"
	OpList    = "list"
	OpCheck   = "check"
)

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 10 * time.Second
	defaultPresignTTL     = time.Hour
	placeholderObjectName = ".placeholder"
	contentTypeText       = "text/plain"
)

var (
	// ErrObjectTooLarge indicates a fetched object exceeded the caller's ceiling.
	ErrObjectTooLarge = errors.New("object exceeds size ceiling")
	// ErrObjectNotFound indicates the referenced object does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrAccessDenied indicates the backend refused the credentials or signature.
	ErrAccessDenied = errors.New("access denied")
	// ErrKeyEmpty indicates a store call without an object key.
	ErrKeyEmpty = errors.New("object key cannot be empty")
)

// StoredObject describes an object written through the gateway.
type StoredObject struct {
	Bucket      string
	Key         string
	ContentType string
	Size        int64
	StoredAt    time.Time
}

// ObjectInfo is one listing entry.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// VoiceReference is a listed cloning reference with a time-limited URL.
type VoiceReference struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	URL          string    `json:"url"`
}

// Backend is a durable object store the gateway drives.
type Backend interface {
	Bucket() string
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Presign(ctx context.Context, obj StoredObject, ttl time.Duration) (string, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	CheckAccess(ctx context.Context) error
}

// Options tunes retry behaviour and defaults.
type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	PresignTTL     time.Duration
	HTTPClient     *http.Client
}

// Gateway normalises every reference form onto one fetch path and wraps
// backend failures as StorageError values. Transient failures are retried
// immediately up to MaxAttempts times.
type Gateway struct {
	backend        Backend
	httpClient     *http.Client
	log            *logger.Logger
	maxAttempts    int
	attemptTimeout time.Duration
	presignTTL     time.Duration
}

// NewGateway creates a gateway over backend.
func NewGateway(backend Backend, opts Options, log *logger.Logger) *Gateway {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}

	if opts.PresignTTL <= 0 {
		opts.PresignTTL = defaultPresignTTL
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	return &Gateway{
		backend:        backend,
		httpClient:     opts.HTTPClient,
		log:            log,
		maxAttempts:    opts.MaxAttempts,
		attemptTimeout: opts.AttemptTimeout,
		presignTTL:     opts.PresignTTL,
	}
}

// DefaultTTL returns the presign lifetime used when callers pass zero.
func (g *Gateway) DefaultTTL() time.Duration {
	return g.presignTTL
}

// Bucket returns the backend's default bucket.
func (g *Gateway) Bucket() string {
	return g.backend.Bucket()
}

// Fetch reads the whole object behind loc.
func (g *Gateway) Fetch(ctx context.Context, loc Location) ([]byte, error) {
	return g.FetchLimited(ctx, loc, 0)
}

// FetchLimited reads the object behind loc, failing permanently once more than
// maxBytes have been read. A non-positive maxBytes disables the ceiling.
func (g *Gateway) FetchLimited(ctx context.Context, loc Location, maxBytes int64) ([]byte, error) {
	if loc.IsZero() {
		return nil, storageError(OpFetch, "invalid location", ErrMalformedLocation, false)
	}

	target := loc.withDefaultBucket(g.backend.Bucket())

	var data []byte

	err := g.withRetry(ctx, OpFetch, target.String(), func(attemptCtx context.Context) error {
		body, openErr := g.open(attemptCtx, target)
		if openErr != nil {
			return openErr
		}

		read, readErr := readLimited(body, maxBytes)
		closeErr := body.Close()

		if readErr != nil {
			return readErr
		}

		if closeErr != nil {
			g.log.Warn("Failed to close object body for %s: %v", target, closeErr)
		}

		data = read

		return nil
	})
	if err != nil {
		return nil, g.classify(ctx, OpFetch, fmt.Sprintf("failed to fetch %s", target), err)
	}

	return data, nil
}

// Store writes data under key in the default bucket.
func (g *Gateway) Store(ctx context.Context, key string, data []byte, contentType string) (StoredObject, error) {
	if strings.TrimSpace(key) == "" {
		return StoredObject{}, storageError(OpStore, "invalid key", ErrKeyEmpty, false)
	}

	bucket := g.backend.Bucket()

	err := g.withRetry(ctx, OpStore, key, func(attemptCtx context.Context) error {
		return g.backend.Put(attemptCtx, bucket, key, data, contentType)
	})
	if err != nil {
		return StoredObject{}, g.classify(ctx, OpStore, fmt.Sprintf("failed to store %s", key), err)
	}

	return StoredObject{
		Bucket:      bucket,
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		StoredAt:    time.Now().UTC(),
	}, nil
}

// Presign issues a time-limited URL for obj. A non-positive ttl uses the default.
func (g *Gateway) Presign(ctx context.Context, obj StoredObject, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = g.presignTTL
	}

	var link string

	err := g.withRetry(ctx, OpPresign, obj.Key, func(attemptCtx context.Context) error {
		signed, signErr := g.backend.Presign(attemptCtx, obj, ttl)
		if signErr != nil {
			return signErr
		}

		link = signed

		return nil
	})
	if err != nil {
		return "", g.classify(ctx, OpPresign, fmt.Sprintf("failed to presign %s", obj.Key), err)
	}

	return link, nil
}

// ListVoices lists the audio files under prefix, each with a fresh URL.
func (g *Gateway) ListVoices(ctx context.Context, prefix string) ([]VoiceReference, error) {
	var objects []ObjectInfo

	err := g.withRetry(ctx, OpList, prefix, func(attemptCtx context.Context) error {
		listed, listErr := g.backend.List(attemptCtx, prefix)
		if listErr != nil {
			return listErr
		}

		objects = listed

		return nil
	})
	if err != nil {
		return nil, g.classify(ctx, OpList, "failed to list "+prefix, err)
	}

	voices := make([]VoiceReference, 0, len(objects))

	for _, object := range objects {
		if !ttsutils.IsValidAudioFile(object.Key) {
			continue
		}

		link, presignErr := g.Presign(ctx, StoredObject{Bucket: g.backend.Bucket(), Key: object.Key}, 0)
		if presignErr != nil {
			return nil, presignErr
		}

		voices = append(voices, VoiceReference{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			URL:          link,
		})
	}

	return voices, nil
}

// CheckAccess verifies the backend bucket is reachable with the configured credentials.
func (g *Gateway) CheckAccess(ctx context.Context) error {
	err := g.withRetry(ctx, OpCheck, g.backend.Bucket(), g.backend.CheckAccess)
	if err != nil {
		return g.classify(ctx, OpCheck, "bucket "+g.backend.Bucket()+" is not accessible", err)
	}

	return nil
}

// EnsureLayout writes empty placeholder objects so each prefix is visible in bucket browsers.
func (g *Gateway) EnsureLayout(ctx context.Context, prefixes ...string) error {
	for _, prefix := range prefixes {
		_, err := g.Store(ctx, strings.TrimSuffix(prefix, "/")+"/"+placeholderObjectName, []byte{}, contentTypeText)
		if err != nil {
			return err
		}

		g.log.Info("Ensured storage prefix %s", prefix)
	}

	return nil
}

func (g *Gateway) open(ctx context.Context, loc Location) (io.ReadCloser, error) {
	if !loc.IsPresigned() {
		return g.backend.Get(ctx, loc.Bucket(), loc.Key())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.URL().String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to GET %s: %w", loc, err))
	}

	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_ = resp.Body.Close()

	return nil, httpStatusError(resp.StatusCode, strings.TrimSpace(string(body)))
}

func (g *Gateway) withRetry(ctx context.Context, op, subject string, call func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
		err := call(attemptCtx)

		cancel()

		if err == nil {
			return nil
		}

		lastErr = err

		if ctx.Err() != nil || !IsTransient(err) {
			return lastErr
		}

		if attempt < g.maxAttempts {
			g.log.Warn("Transient %s failure for %s (attempt %d/%d): %v", op, subject, attempt, g.maxAttempts, err)
		}
	}

	return lastErr
}

func (g *Gateway) classify(ctx context.Context, op, message string, err error) *ttserr.Error {
	transient := IsTransient(err) || ctx.Err() != nil

	g.log.Error("Storage %s failed (transient=%t): %v", op, transient, err)

	return storageError(op, message, err, transient)
}

func storageError(op, message string, err error, transient bool) *ttserr.Error {
	return ttserr.Wrap(ttserr.KindStorage, op, message, err).WithRetryable(transient)
}

func readLimited(body io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, Transient(fmt.Errorf("failed to read object: %w", err))
		}

		return data, nil
	}

	var buf bytes.Buffer

	n, err := io.Copy(&buf, io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to read object: %w", err))
	}

	if n > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrObjectTooLarge, maxBytes)
	}

	return buf.Bytes(), nil
}

func httpStatusError(status int, body string) error {
	err := fmt.Errorf("storage endpoint returned %d %s: %s", status, http.StatusText(status), body)

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		return Transient(err)
	default:
		return err
	}
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }

func (t transientError) Unwrap() error { return t.err }

// Transient marks err as eligible for an immediate retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return transientError{err: err}
}

// IsTransient reports whether err was marked transient, is a network timeout,
// or is an attempt deadline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var marked transientError
	if errors.As(err, &marked) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
