package config

import (
	"strconv"
	"strings"
)

// MatchesStatusCode checks a status code against a pattern such as "200" or "4xx"
func MatchesStatusCode(statusCode int, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	code := strconv.Itoa(statusCode)
	if len(pattern) != 3 || len(code) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if pattern[i] != 'x' && pattern[i] != code[i] {
			return false
		}
	}
	return true
}

// ValidStatusPattern reports whether pattern is three digits or 'x' wildcards
func ValidStatusPattern(pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if len(pattern) != 3 {
		return false
	}
	if pattern[0] < '1' || pattern[0] > '5' {
		return false
	}
	for i := 1; i < 3; i++ {
		c := pattern[i]
		if c != 'x' && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
