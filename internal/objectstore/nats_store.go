package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const headerContentType = "Content-Type"

// ErrNoSigner indicates a NATS backend that was built without a URL signer.
var ErrNoSigner = errors.New("nats object store has no url signer configured")

// NatsObjectStore implements Backend on a NATS JetStream object store bucket.
// JetStream has no native presigning, so presigned URLs are HMAC-signed links
// served by ArtifactHandler.
type NatsObjectStore struct {
	jetstreamContext jetstream.JetStream
	bucket           string
	store            jetstream.ObjectStore
	signer           *URLSigner
}

// NewNatsObjectStore creates the bucket, or binds to it when it already exists.
func NewNatsObjectStore(
	ctx context.Context,
	jetstreamContext jetstream.JetStream,
	bucketName string,
	signer *URLSigner,
) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Storage for the %s bucket.", bucketName),
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(ctx, bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		jetstreamContext: jetstreamContext,
		bucket:           bucketName,
		store:            store,
		signer:           signer,
	}, nil
}

// Bucket returns the bound bucket name.
func (n *NatsObjectStore) Bucket() string {
	return n.bucket
}

// Signer returns the signer that issues this store's links, or nil.
func (n *NatsObjectStore) Signer() *URLSigner {
	return n.signer
}

// Get opens an object for reading.
func (n *NatsObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	store, err := n.bind(ctx, bucket)
	if err != nil {
		return nil, err
	}

	obj, err := store.Get(ctx, key)
	if err != nil {
		return nil, natsError(fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, bucket, err))
	}

	return obj, nil
}

// Put saves an object, recording its content type in the object headers.
func (n *NatsObjectStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	store, err := n.bind(ctx, bucket)
	if err != nil {
		return err
	}

	meta := jetstream.ObjectMeta{Name: key}
	if contentType != "" {
		meta.Headers = nats.Header{headerContentType: []string{contentType}}
	}

	_, err = store.Put(ctx, meta, bytes.NewReader(data))
	if err != nil {
		return natsError(fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, bucket, err))
	}

	return nil
}

// Presign returns a signed download link for obj.
func (n *NatsObjectStore) Presign(_ context.Context, obj StoredObject, ttl time.Duration) (string, error) {
	if n.signer == nil {
		return "", ErrNoSigner
	}

	return n.signer.Sign(obj.Key, ttl), nil
}

// List returns the objects whose names start with prefix.
func (n *NatsObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	infos, err := n.store.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil, nil
		}

		return nil, natsError(fmt.Errorf("failed to list bucket '%s': %w", n.bucket, err))
	}

	var objects []ObjectInfo

	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}

		objects = append(objects, ObjectInfo{
			Key:          info.Name,
			Size:         int64(info.Size),
			LastModified: info.ModTime,
		})
	}

	return objects, nil
}

// CheckAccess verifies the bucket status can be read.
func (n *NatsObjectStore) CheckAccess(ctx context.Context) error {
	_, err := n.store.Status(ctx)
	if err != nil {
		return natsError(fmt.Errorf("failed to read status of bucket '%s': %w", n.bucket, err))
	}

	return nil
}

// Stat returns the content type and size recorded for key.
func (n *NatsObjectStore) Stat(ctx context.Context, key string) (string, int64, error) {
	info, err := n.store.GetInfo(ctx, key)
	if err != nil {
		return "", 0, natsError(fmt.Errorf("failed to stat object '%s': %w", key, err))
	}

	contentType := ""
	if info.Headers != nil {
		contentType = info.Headers.Get(headerContentType)
	}

	return contentType, int64(info.Size), nil
}

func (n *NatsObjectStore) bind(ctx context.Context, bucket string) (jetstream.ObjectStore, error) {
	if bucket == "" || bucket == n.bucket {
		return n.store, nil
	}

	store, err := n.jetstreamContext.ObjectStore(ctx, bucket)
	if err != nil {
		return nil, natsError(fmt.Errorf("failed to bind to object store bucket '%s': %w", bucket, err))
	}

	return store, nil
}

func natsError(err error) error {
	switch {
	case errors.Is(err, jetstream.ErrObjectNotFound), errors.Is(err, jetstream.ErrBucketNotFound):
		return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, context.DeadlineExceeded):
		return Transient(err)
	default:
		return err
	}
}
