package objectstore

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// LocationForm tells how a Location was expressed.
type LocationForm int

const (
	// FormBucketKey is an s3://bucket/key or bare key reference.
	FormBucketKey LocationForm = iota + 1
	// FormPresignedURL is an already pre-authorised http(s) link.
	FormPresignedURL
)

// inlineBlobMinLength is the shortest extensionless bare reference in the
// base64 alphabet that is treated as an encoded payload.
const inlineBlobMinLength = 256

// signatureProbeChars is the base64 prefix decoded to look for a container magic.
const signatureProbeChars = 16

var (
	// ErrEmptyLocation indicates an empty reference.
	ErrEmptyLocation = errors.New("location cannot be empty")
	// ErrInlinePayload indicates encoded bytes were supplied where a location was expected.
	ErrInlinePayload = errors.New("inline encoded payloads are not accepted, supply a storage location")
	// ErrUnsupportedScheme indicates a URL scheme other than s3, http or https.
	ErrUnsupportedScheme = errors.New("unsupported location scheme")
	// ErrMalformedLocation indicates a reference that cannot be parsed.
	ErrMalformedLocation = errors.New("malformed location")
)

var base64Blob = regexp.MustCompile(`^[A-Za-z0-9+/=_-]+$`)

// audioSignatures are the leading bytes of the containers a reference may use.
var audioSignatures = [][]byte{
	[]byte("RIFF"),
	[]byte("ID3"),
	[]byte("fLaC"),
	[]byte("OggS"),
	{0xFF, 0xFB},
	{0xFF, 0xF3},
}

// Location is a typed remote reference. The zero value is invalid; values are
// built only by ParseLocation or BucketKey, so encoded payloads cannot reach
// the fetch path.
type Location struct {
	form   LocationForm
	bucket string
	key    string
	link   *url.URL
}

// ParseLocation accepts s3://bucket/key, http(s):// pre-authorised URLs and bare
// keys relative to the configured bucket.
func ParseLocation(raw string) (Location, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Location{}, ErrEmptyLocation
	}

	if strings.HasPrefix(strings.ToLower(trimmed), "data:") {
		return Location{}, ErrInlinePayload
	}

	schemeEnd := strings.Index(trimmed, "://")
	if schemeEnd < 0 {
		return parseBareKey(trimmed)
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %w", ErrMalformedLocation, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "s3":
		key := strings.TrimPrefix(parsed.Path, "/")
		if parsed.Host == "" || key == "" {
			return Location{}, fmt.Errorf("%w: %q needs both bucket and key", ErrMalformedLocation, trimmed)
		}

		return BucketKey(parsed.Host, key), nil
	case "http", "https":
		if parsed.Host == "" {
			return Location{}, fmt.Errorf("%w: %q has no host", ErrMalformedLocation, trimmed)
		}

		return Location{form: FormPresignedURL, link: parsed}, nil
	default:
		return Location{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsed.Scheme)
	}
}

func parseBareKey(raw string) (Location, error) {
	if looksInline(raw) {
		return Location{}, ErrInlinePayload
	}

	key := strings.TrimPrefix(path.Clean("/"+raw), "/")
	if key == "" || key == "." {
		return Location{}, fmt.Errorf("%w: %q", ErrMalformedLocation, raw)
	}

	return Location{form: FormBucketKey, key: key}, nil
}

// looksInline reports whether a bare reference is encoded audio rather than a
// key. Object keys with an extension never match the base64 alphabet.
func looksInline(raw string) bool {
	if !base64Blob.MatchString(raw) {
		return false
	}

	if len(raw) >= inlineBlobMinLength {
		return true
	}

	return hasAudioSignature(raw)
}

func hasAudioSignature(raw string) bool {
	probe := raw[:min(len(raw)/4*4, signatureProbeChars)]
	if probe == "" {
		return false
	}

	for _, encoding := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		decoded, err := encoding.DecodeString(probe)
		if err != nil {
			continue
		}

		for _, signature := range audioSignatures {
			if bytes.HasPrefix(decoded, signature) {
				return true
			}
		}
	}

	return false
}

// BucketKey builds a bucket/key location. An empty bucket means the configured default.
func BucketKey(bucket, key string) Location {
	return Location{form: FormBucketKey, bucket: bucket, key: key}
}

// Form returns how the location was expressed.
func (l Location) Form() LocationForm { return l.form }

// IsZero reports whether l was never constructed.
func (l Location) IsZero() bool { return l.form == 0 }

// IsPresigned reports whether l is a self-authorising URL.
func (l Location) IsPresigned() bool { return l.form == FormPresignedURL }

// Bucket returns the bucket, empty for presigned URLs or default-bucket keys.
func (l Location) Bucket() string { return l.bucket }

// Key returns the object key, empty for presigned URLs.
func (l Location) Key() string { return l.key }

// URL returns a copy of the pre-authorised URL, or nil.
func (l Location) URL() *url.URL {
	if l.link == nil {
		return nil
	}

	copied := *l.link

	return &copied
}

// String renders the location without query parameters, so signatures never reach logs.
func (l Location) String() string {
	switch l.form {
	case FormPresignedURL:
		redacted := *l.link
		redacted.RawQuery = ""

		return redacted.String()
	case FormBucketKey:
		if l.bucket == "" {
			return l.key
		}

		return "s3://" + l.bucket + "/" + l.key
	default:
		return "<invalid location>"
	}
}

// withDefaultBucket fills in bucket for bare keys.
func (l Location) withDefaultBucket(bucket string) Location {
	if l.form == FormBucketKey && l.bucket == "" {
		l.bucket = bucket
	}

	return l
}
