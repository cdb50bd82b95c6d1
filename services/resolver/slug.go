package resolver

import (
	"strings"

	"github.com/mozillazg/go-unidecode"
)

// Slugify normalizes a title into the lowercase ascii-dashed form used in
// cache keys. Accented and non-latin characters are transliterated first so
// the same title always produces the same key.
func Slugify(s string) string {
	s = unidecode.Unidecode(s)
	s = strings.ToLower(s)

	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
