// Package keys defines the Redis/LRU key formats used by internal/loadercache.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Validate returns the cache key for a loader's validate() outcome on a
// given URL, namespaced by loader name so two loaders never collide on the
// same remote URL.
func Validate(loader, rawURL string) string {
	return fmt.Sprintf("validate:%s:%016x", sanitize(loader), xxhash.Sum64String(rawURL))
}

// Saved returns the cache key for the in-process hot-URL cache that
// short-circuits the gate check for URLs already materialised.
func Saved(rawURL string) string {
	return fmt.Sprintf("saved:%016x", xxhash.Sum64String(rawURL))
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isAlphaNum(r) || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
