// Package ttsutils provides naming, formatting and directory helpers shared by
// the worker and its client.
package ttsutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const (
	defaultDirPermissions  = 0o750
	dot                    = "."
	invalidCharReplacement = "_"
)

// sizeUnits are binary multiples from largest to smallest.
var sizeUnits = []struct {
	suffix string
	bytes  int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
}

// Audio extensions accepted as cloning references.
const (
	extAAC  = ".aac"
	extFLAC = ".flac"
	extM4A  = ".m4a"
	extMP3  = ".mp3"
	extOGG  = ".ogg"
	extWAV  = ".wav"
)

const errFmtFailedToCreateDir = "failed to create directory %s: %w"

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
		}
	}

	return nil
}

// FormatDuration renders an audio length for log lines: "42.3s" under a
// minute, "3m 7.5s" under an hour and "2h 5m" beyond.
func FormatDuration(length time.Duration) string {
	switch {
	case length < time.Minute:
		return fmt.Sprintf("%.1fs", length.Seconds())
	case length < time.Hour:
		minutes := length.Truncate(time.Minute)

		return fmt.Sprintf("%dm %.1fs", int(minutes.Minutes()), (length - minutes).Seconds())
	default:
		hours := length.Truncate(time.Hour)

		return fmt.Sprintf("%dh %dm", int(hours.Hours()), int((length - hours).Minutes()))
	}
}

// FormatFileSize renders a byte count with the largest binary unit it reaches.
func FormatFileSize(size int64) string {
	for _, unit := range sizeUnits {
		if size >= unit.bytes {
			return fmt.Sprintf("%.1f %s", float64(size)/float64(unit.bytes), unit.suffix)
		}
	}

	return fmt.Sprintf("%d B", size)
}

// IsValidAudioFile checks if a filename has a common audio file extension.
func IsValidAudioFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case extWAV, extMP3, extFLAC, extOGG, extM4A, extAAC:
		return true
	default:
		return false
	}
}

// SanitizeFilename makes name safe to embed in an object key. Path separators,
// shell metacharacters, whitespace and control characters become underscores,
// and leading or trailing dots and underscores are trimmed.
func SanitizeFilename(name string) string {
	var builder strings.Builder

	builder.Grow(len(name))

	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsControl(r), unicode.IsSpace(r):
			builder.WriteString(invalidCharReplacement)
		case strings.ContainsRune(`<>:"/\|?*`, r):
			builder.WriteString(invalidCharReplacement)
		default:
			builder.WriteRune(r)
		}
	}

	return strings.Trim(builder.String(), dot+invalidCharReplacement)
}
