package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/book-expert/logger"
)

const (
	defaultContentType = "application/octet-stream"
	artifactKeyPattern = "key"
)

// ArtifactStore is the part of a backend the signed download route needs.
type ArtifactStore interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (string, int64, error)
}

// ArtifactHandler serves objects behind links issued by a URLSigner.
type ArtifactHandler struct {
	store  ArtifactStore
	signer *URLSigner
	log    *logger.Logger
}

// NewArtifactHandler creates the download handler. Mount it at ArtifactsPath.
func NewArtifactHandler(store ArtifactStore, signer *URLSigner, log *logger.Logger) *ArtifactHandler {
	return &ArtifactHandler{store: store, signer: signer, log: log}
}

// Pattern returns the ServeMux route this handler expects.
func (h *ArtifactHandler) Pattern() string {
	return "GET " + ArtifactsPath + "{" + artifactKeyPattern + "...}"
}

func (h *ArtifactHandler) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	key := request.PathValue(artifactKeyPattern)
	if key == "" {
		http.Error(responseWriter, "missing object key", http.StatusNotFound)

		return
	}

	verifyErr := h.signer.Verify(key, request.URL.Query())
	if verifyErr != nil {
		http.Error(responseWriter, verifyErr.Error(), http.StatusForbidden)

		return
	}

	ctx := request.Context()

	contentType, size, err := h.store.Stat(ctx, key)
	if err != nil {
		h.writeStoreError(responseWriter, key, err)

		return
	}

	body, err := h.store.Get(ctx, "", key)
	if err != nil {
		h.writeStoreError(responseWriter, key, err)

		return
	}

	defer func() {
		closeErr := body.Close()
		if closeErr != nil {
			h.log.Warn("Failed to close artifact '%s': %v", key, closeErr)
		}
	}()

	if contentType == "" {
		contentType = defaultContentType
	}

	responseWriter.Header().Set(headerContentType, contentType)
	responseWriter.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	responseWriter.WriteHeader(http.StatusOK)

	_, copyErr := io.Copy(responseWriter, body)
	if copyErr != nil {
		h.log.Warn("Failed to stream artifact '%s': %v", key, copyErr)
	}
}

func (h *ArtifactHandler) writeStoreError(responseWriter http.ResponseWriter, key string, err error) {
	if errors.Is(err, ErrObjectNotFound) {
		http.Error(responseWriter, "object not found", http.StatusNotFound)

		return
	}

	h.log.Error("Failed to serve artifact '%s': %v", key, err)
	http.Error(responseWriter, "storage unavailable", http.StatusServiceUnavailable)
}
