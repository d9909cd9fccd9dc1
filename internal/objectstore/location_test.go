package objectstore_test

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/book-expert/spark-tts-worker/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation_Forms(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		raw         string
		form        objectstore.LocationForm
		bucket      string
		key         string
		rendered    string
		isPresigned bool
	}{
		{
			name:     "s3 uri",
			raw:      "s3://voices-bucket/voices/narrator.wav",
			form:     objectstore.FormBucketKey,
			bucket:   "voices-bucket",
			key:      "voices/narrator.wav",
			rendered: "s3://voices-bucket/voices/narrator.wav",
		},
		{
			name:     "bare key",
			raw:      "  voices/narrator.wav ",
			form:     objectstore.FormBucketKey,
			key:      "voices/narrator.wav",
			rendered: "voices/narrator.wav",
		},
		{
			name:     "bare key with dot segments",
			raw:      "voices/../voices/./a.wav",
			form:     objectstore.FormBucketKey,
			key:      "voices/a.wav",
			rendered: "voices/a.wav",
		},
		{
			name:        "presigned https",
			raw:         "https://cdn.example.com/voices/a.wav?X-Amz-Signature=secret",
			form:        objectstore.FormPresignedURL,
			rendered:    "https://cdn.example.com/voices/a.wav",
			isPresigned: true,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			loc, err := objectstore.ParseLocation(testCase.raw)
			require.NoError(t, err)
			assert.Equal(t, testCase.form, loc.Form())
			assert.Equal(t, testCase.bucket, loc.Bucket())
			assert.Equal(t, testCase.key, loc.Key())
			assert.Equal(t, testCase.rendered, loc.String())
			assert.Equal(t, testCase.isPresigned, loc.IsPresigned())
			assert.False(t, loc.IsZero())
		})
	}
}

func TestParseLocation_PresignedKeepsQuery(t *testing.T) {
	t.Parallel()

	loc, err := objectstore.ParseLocation("https://cdn.example.com/a.wav?sig=1")
	require.NoError(t, err)
	assert.Equal(t, "sig=1", loc.URL().RawQuery)

	mutated := loc.URL()
	mutated.RawQuery = ""
	assert.Equal(t, "sig=1", loc.URL().RawQuery)
}

func TestParseLocation_Rejects(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		raw  string
		want error
	}{
		{name: "empty", raw: "   ", want: objectstore.ErrEmptyLocation},
		{name: "data uri", raw: "data:audio/wav;base64,UklGRg==", want: objectstore.ErrInlinePayload},
		{name: "bare base64", raw: strings.Repeat("UklGRiQAAABXQVZF", 20), want: objectstore.ErrInlinePayload},
		{name: "ftp", raw: "ftp://host/a.wav", want: objectstore.ErrUnsupportedScheme},
		{name: "s3 without key", raw: "s3://bucket-only", want: objectstore.ErrMalformedLocation},
		{name: "http without host", raw: "https:///a.wav", want: objectstore.ErrMalformedLocation},
		{name: "dot key", raw: ".", want: objectstore.ErrMalformedLocation},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			loc, err := objectstore.ParseLocation(testCase.raw)
			require.ErrorIs(t, err, testCase.want)
			assert.True(t, loc.IsZero())
		})
	}
}

func TestParseLocation_RejectsEncodedAudio(t *testing.T) {
	t.Parallel()

	header := []byte("RIFF\x00\x00\x00\x00WAVEfmt ")
	wavBlob := base64.StdEncoding.EncodeToString(append(header, bytes.Repeat([]byte{0xFF, 0xEF, 0xBF}, 700)...))
	require.Contains(t, wavBlob, "/")

	mp3Blob := base64.StdEncoding.EncodeToString([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"))

	for name, raw := range map[string]string{
		"long blob with separators": wavBlob,
		"short riff header":         "UklGRgAAAABXQVZF",
		"short id3 header":          mp3Blob,
		"url-safe long blob":        strings.ReplaceAll(strings.ReplaceAll(wavBlob, "/", "_"), "+", "-"),
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := objectstore.ParseLocation(raw)
			require.ErrorIs(t, err, objectstore.ErrInlinePayload)
		})
	}
}

func TestParseLocation_LongKeysStayKeys(t *testing.T) {
	t.Parallel()

	long := "voices/" + strings.Repeat("narrator-", 40) + "take.wav"

	loc, err := objectstore.ParseLocation(long)
	require.NoError(t, err)
	assert.Equal(t, long, loc.Key())

	loc, err = objectstore.ParseLocation("voices/narrator")
	require.NoError(t, err)
	assert.Equal(t, "voices/narrator", loc.Key())
}

func TestParseLocation_ShortBareNameIsKey(t *testing.T) {
	t.Parallel()

	loc, err := objectstore.ParseLocation("narrator.wav")
	require.NoError(t, err)
	assert.Equal(t, "narrator.wav", loc.Key())
}

func TestZeroLocationString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "<invalid location>", objectstore.Location{}.String())
	assert.Nil(t, objectstore.Location{}.URL())
}
