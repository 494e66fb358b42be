package validation

import (
	"strings"
)

// Characters that are unsafe in filenames on at least one supported
// filesystem. Replaced rather than stripped so distinct titles stay
// distinct.
const unsafeFilenameChars = `/\<>:"|?*`

// SanitizeFilename makes a feed entry title safe to use as a path
// component. Control characters and path separators are replaced with
// underscores; leading/trailing dots and spaces are trimmed because
// Windows rejects them and hidden files surprise people elsewhere.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	for _, r := range name {
		switch {
		case r < 32 || r == 127:
			b.WriteRune('_')
		case strings.ContainsRune(unsafeFilenameChars, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	cleaned := strings.Trim(b.String(), ". ")
	if cleaned == "" {
		return "untitled"
	}
	return cleaned
}
