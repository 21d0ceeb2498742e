// Package util provides small helpers shared by the server, storage and
// handler packages.
//
// Key utilities:
//   - SafeTruncate and Hint: log-safe and display-safe prefixes/suffixes of credentials
//   - ParseScope, JoinScope, IntersectScopes, IsSubset: scope set arithmetic
package util
