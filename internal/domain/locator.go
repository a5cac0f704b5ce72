package domain

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

const (
	maxFilenameLength = 255
	restoredSuffix    = "_restored"
	defaultContainer  = ".mkv"
)

var unsafeFilenameChars = map[rune]bool{
	'"':  true,
	'\\': true,
	'/':  true,
	':':  true,
	'*':  true,
	'?':  true,
	'<':  true,
	'>':  true,
	'|':  true,
}

// IsRemoteLocator reports whether loc carries a URL scheme (http, rtsp, s3, ...).
func IsRemoteLocator(loc string) bool {
	u, err := url.Parse(loc)
	return err == nil && len(u.Scheme) > 1 && u.Host != ""
}

// ValidateLocator rejects empty locators and locators carrying control characters.
func ValidateLocator(loc string) error {
	if strings.TrimSpace(loc) == "" {
		return ErrEmptyLocator
	}
	for _, r := range loc {
		if r < 32 || r == 127 {
			return errors.WithDetailf(ErrInvalidLocator, "control character %U", r)
		}
	}
	if !utf8.ValidString(loc) {
		return errors.WithDetail(ErrInvalidLocator, "not valid UTF-8")
	}
	return nil
}

// DefaultOutputPath derives "<stem>_restored.mkv" next to a local input, or in
// the working directory for a remote one.
func DefaultOutputPath(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}

	dir, base := filepath.Dir(input), filepath.Base(input)
	if IsRemoteLocator(input) {
		u, _ := url.Parse(input)
		dir, base = "", path.Base(u.Path)
		if base == "/" || base == "." {
			base = u.Host
		}
	}

	stem := strings.TrimSuffix(base, filepath.Ext(base))
	name := SanitizeFilename(stem+restoredSuffix, defaultContainer)
	if dir == "" || dir == "." {
		return name
	}
	return filepath.Join(dir, name)
}

// SanitizeFilename replaces separators and control characters with underscores
// and truncates to the filesystem limit while keeping ext.
func SanitizeFilename(stem, ext string) string {
	var sb strings.Builder
	sb.Grow(len(stem))
	for _, r := range stem {
		if r < 32 || r == 127 || unsafeFilenameChars[r] {
			sb.WriteRune('_')
			continue
		}
		sb.WriteRune(r)
	}

	result := strings.TrimSpace(sb.String())
	if strings.Trim(result, "_") == "" {
		result = "output" + restoredSuffix
	}
	return truncateToBytes(result, maxFilenameLength-len(ext)) + ext
}

// truncateToBytes never splits a multi-byte rune.
func truncateToBytes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
