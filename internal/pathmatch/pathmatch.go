// Package pathmatch implements the repository path comparison rule shared by
// the registry and the task queue: paths are normalized to an absolute,
// case-insensitive form, and a prefix (subdirectory) relationship in either
// direction counts as a match.
package pathmatch

import (
	"path/filepath"
	"strings"
)

// Normalize converts a repository path to its canonical comparison form: an
// absolute, slash-cleaned, lowercase path. Relative paths are resolved
// against the process working directory, matching how repositories are
// recorded at registration time.
func Normalize(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	clean := filepath.Clean(abs)
	return strings.ToLower(filepath.ToSlash(clean))
}

// Match reports whether two repository paths refer to the same or nested
// directories under the §3 matching rule: normalized, case-insensitive,
// either path a subdirectory of the other.
func Match(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	return strings.HasPrefix(na+"/", nb+"/") || strings.HasPrefix(nb+"/", na+"/")
}
