package cache

import (
	"path"
	"strings"
)

// Patterns use the subset of glob syntax shared by path.Match and SQLite GLOB:
// '*', '?' and '[...]' classes. Keys never contain '/', so path.Match's separator
// rule does not apply.

// Match reports whether key is covered by pattern. A pattern without metacharacters
// covers only the identical key.
func Match(pattern, key string) bool {
	if !hasGlobMeta(pattern) {
		return pattern == key
	}
	return matchGlob(pattern, key)
}

func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

func matchGlob(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

// EscapeGlob quotes metacharacters in s so it matches itself literally inside a pattern.
func EscapeGlob(s string) string {
	if !hasGlobMeta(s) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[':
			b.WriteByte('[')
			b.WriteRune(r)
			b.WriteByte(']')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
