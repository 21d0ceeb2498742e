package util

import (
	"slices"
	"strings"
)

// ParseScope splits a space-delimited scope parameter (RFC 6749 §3.3) into a
// sorted set without duplicates.
func ParseScope(scope string) []string {
	return NormalizeScopes(strings.Fields(scope))
}

// JoinScope renders a scope set as a space-delimited parameter.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// NormalizeScopes returns a sorted copy of scopes with duplicates and empty
// strings removed. The result is never nil.
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// IntersectScopes returns the normalized intersection of all given sets.
// With no sets it returns an empty set.
func IntersectScopes(sets ...[]string) []string {
	if len(sets) == 0 {
		return []string{}
	}
	out := NormalizeScopes(sets[0])
	for _, set := range sets[1:] {
		out = slices.DeleteFunc(out, func(s string) bool {
			return !slices.Contains(set, s)
		})
	}
	return out
}

// IsSubset reports whether every element of sub is in super.
func IsSubset(sub, super []string) bool {
	for _, s := range sub {
		if !slices.Contains(super, s) {
			return false
		}
	}
	return true
}
