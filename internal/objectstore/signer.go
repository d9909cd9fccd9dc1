package objectstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ArtifactsPath is the route prefix signed links point at.
const ArtifactsPath = "/artifacts/"

const (
	queryExpires   = "expires"
	querySignature = "signature"
	minSecretBytes = 16
)

var (
	// ErrSignatureInvalid indicates a tampered or foreign link.
	ErrSignatureInvalid = errors.New("invalid url signature")
	// ErrURLExpired indicates a link past its expiry; a fresh presign is required.
	ErrURLExpired = errors.New("url has expired")
	// ErrSecretTooShort indicates a signing secret below the minimum length.
	ErrSecretTooShort = errors.New("signing secret is too short")
)

// URLSigner issues and verifies HMAC-SHA256 signed, expiring download links.
// Given the same key, ttl and clock reading it always yields the same URL.
type URLSigner struct {
	secret  []byte
	baseURL *url.URL
	now     func() time.Time
}

// NewURLSigner creates a signer for links under baseURL. A nil clock uses time.Now.
func NewURLSigner(baseURL string, secret []byte, now func() time.Time) (*URLSigner, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrSecretTooShort, minSecretBytes)
	}

	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: public base url %q", ErrMalformedLocation, baseURL)
	}

	if now == nil {
		now = time.Now
	}

	return &URLSigner{secret: secret, baseURL: parsed, now: now}, nil
}

// Sign returns a link to key valid for ttl.
func (s *URLSigner) Sign(key string, ttl time.Duration) string {
	key = strings.TrimPrefix(key, "/")
	expires := s.now().Add(ttl).Unix()

	link := *s.baseURL
	link.Path = s.baseURL.Path + ArtifactsPath + key

	query := url.Values{}
	query.Set(queryExpires, strconv.FormatInt(expires, 10))
	query.Set(querySignature, s.mac(key, expires))
	link.RawQuery = query.Encode()

	return link.String()
}

// Verify checks the signature and expiry carried in query for key.
func (s *URLSigner) Verify(key string, query url.Values) error {
	expires, err := strconv.ParseInt(query.Get(queryExpires), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad expiry", ErrSignatureInvalid)
	}

	expected := s.mac(key, expires)
	if !hmac.Equal([]byte(expected), []byte(query.Get(querySignature))) {
		return ErrSignatureInvalid
	}

	if !s.now().Before(time.Unix(expires, 0)) {
		return ErrURLExpired
	}

	return nil
}

func (s *URLSigner) mac(key string, expires int64) string {
	digest := hmac.New(sha256.New, s.secret)
	_, _ = digest.Write([]byte(key + "\n" + strconv.FormatInt(expires, 10)))

	return hex.EncodeToString(digest.Sum(nil))
}
