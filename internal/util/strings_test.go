package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{
			name:   "string shorter than maxLen",
			input:  "short",
			maxLen: 10,
			want:   "short",
		},
		{
			name:   "string equal to maxLen",
			input:  "exactly10c",
			maxLen: 10,
			want:   "exactly10c",
		},
		{
			name:   "hash prefix",
			input:  "9f86d081884c7d659a2feaa0c55ad015",
			maxLen: 8,
			want:   "9f86d081",
		},
		{
			name:   "empty string",
			input:  "",
			maxLen: 5,
			want:   "",
		},
		{
			name:   "maxLen is negative",
			input:  "test",
			maxLen: -1,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SafeTruncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestHint(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"abcd", ""},
		{"abcdefgh", ""},
		{"abcdefghi", "fghi"},
		{"Zr2m0kq9V3aQ-xYwT8", "YwT8"},
	}

	for _, tt := range tests {
		if got := Hint(tt.input); got != tt.want {
			t.Errorf("Hint(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
