// Package matcher implements the glob-based include/exclude evaluation
// used both at enqueue time and at discovery time, so the two call sites
// never diverge on what counts as a match.
package matcher

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchesAny reports whether url matches at least one of patterns. "*"
// matches any run of characters except "/" unless written as "**",
// which also matches across "/". Matching is anchored over the full
// scheme+host+path string.
func MatchesAny(url string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, url); ok {
			return true
		}
	}
	return false
}

// NormalizeAndExpandExcludes expands plain-path excludes (no wildcard,
// no trailing "/") into both the literal pattern and a "/**" subtree
// pattern, so excluding "/support" also excludes "/support/foo". Patterns
// that already contain a wildcard pass through unchanged.
func NormalizeAndExpandExcludes(patterns []string) []string {
	expanded := make([]string, 0, len(patterns)*2)
	for _, p := range patterns {
		if strings.ContainsAny(p, "*?[") || strings.HasSuffix(p, "/") {
			expanded = append(expanded, p)
			continue
		}
		expanded = append(expanded, p, p+"/**")
	}
	return expanded
}

// ExcludedBy reports whether url matches any expanded exclude pattern.
func ExcludedBy(url string, excludes []string) bool {
	return MatchesAny(url, NormalizeAndExpandExcludes(excludes))
}

// Allowed applies the full enqueue-time rule: the URL must match at
// least one include pattern and must not be excluded.
func Allowed(url string, include, exclude []string) bool {
	return MatchesAny(url, include) && !ExcludedBy(url, exclude)
}
