package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", HashString("hello"))
	assert.Len(t, HashString(""), 32)
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxRunes int
		want     string
	}{
		{"email", "kid@school.org", 0, "kid_school_org"},
		{"truncated question", "What is a triangle?", 15, "What_is_a_trian"},
		{"already safe", "abc123", 0, "abc123"},
		{"path separators", "../etc/passwd", 0, "___etc_passwd"},
		{"short input under limit", "Hi!", 15, "Hi_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeName(tt.input, tt.maxRunes))
		})
	}
}
