package storage

import (
	"regexp"
	"strings"
)

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	dashRuns    = regexp.MustCompile(`-+`)
)

const maxSlugLength = 120

// Slugify turns an arbitrary upload or asset name into a safe file name.
// The result is never empty and never contains path separators.
func Slugify(value string) string {
	s := unsafeChars.ReplaceAllString(strings.TrimSpace(value), "-")
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.ReplaceAll(s, "-.", ".")
	s = strings.Trim(s, "-._")
	if s == "" {
		s = "file"
	}
	if len(s) > maxSlugLength {
		s = s[:maxSlugLength]
	}
	return s
}
