package oauth

import (
	"fmt"
	"slices"
	"strings"
)

func validScopeToken(token string) bool {
	if token == "" {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		// RFC 6749 section 3.3: %x21 / %x23-5B / %x5D-7E
		if c < 0x21 || c == 0x22 || c == 0x5C || c > 0x7E {
			return false
		}
	}
	return true
}

// ParseScope splits a space-delimited scope string into its sorted, de-duplicated tokens.
func ParseScope(scope string) ([]string, error) {
	fields := strings.Fields(scope)
	for _, token := range fields {
		if !validScopeToken(token) {
			return nil, fmt.Errorf("%w: malformed scope token %q", ErrInvalidScope, token)
		}
	}
	slices.Sort(fields)
	return slices.Compact(fields), nil
}

// NormalizeScope returns the canonical form of scope: sorted, de-duplicated,
// single-space delimited. Two scopes are equal iff their canonical forms are.
func NormalizeScope(scope string) (string, error) {
	tokens, err := ParseScope(scope)
	if err != nil {
		return "", err
	}
	return strings.Join(tokens, " "), nil
}

// ScopeSubset reports whether every token in scope is present in allowed.
// Both arguments must already be canonical.
func ScopeSubset(scope string, allowed []string) bool {
	for _, token := range strings.Fields(scope) {
		if !slices.Contains(allowed, token) {
			return false
		}
	}
	return true
}
