// This file implements pattern matching for rule conditions.
//
// Supported forms:
//   - Glob: "Visual Studio*" or "*term?nal*" (case-insensitive, used for application names)
//   - Regex: compiled once and cached, with an optional case-insensitive flag
//
// Design Notes:
//   - Compiled regexes are cached in a sync.Map keyed by flags+pattern
//   - The cache is unbounded; rule sets are small and patterns rarely change
//   - Invalid patterns return an error and are not cached
package utils

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var regexCache sync.Map

// CompileRegex returns a cached compiled form of pattern.
func CompileRegex(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	key := pattern
	if !caseSensitive {
		key = "(?i)" + pattern
	}

	if cached, ok := regexCache.Load(key); ok {
		return cached.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile(key)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	regexCache.Store(key, re)
	return re, nil
}

// MatchGlob reports whether s matches the glob pattern, ignoring case.
// '*' matches any run of characters and '?' matches exactly one.
// A pattern without wildcards must match the whole string.
func MatchGlob(pattern, s string) (bool, error) {
	if pattern == "" {
		return false, fmt.Errorf("pattern cannot be empty")
	}
	if pattern == "*" {
		return true, nil
	}
	if !strings.ContainsAny(pattern, "*?") {
		return strings.EqualFold(pattern, s), nil
	}

	re, err := CompileRegex("^"+globToRegex(pattern)+"$", false)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

// globToRegex converts a glob pattern to a regex body.
//
// Example: "Visual*Code" -> "Visual.*Code"
func globToRegex(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) * 2)

	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// RegexCacheSize returns the number of cached compiled regexes.
func RegexCacheSize() int {
	count := 0
	regexCache.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// ClearRegexCache drops all cached regexes.
func ClearRegexCache() {
	regexCache.Range(func(key, _ any) bool {
		regexCache.Delete(key)
		return true
	})
}
