// Package testutil provides testing helpers: a controllable clock, PKCE pairs,
// a discarding logger and instrumentation whose metrics can be read back.
package testutil
