package utils

import (
	"crypto/md5"
	"fmt"
	"regexp"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// SafeName maps every character outside [a-zA-Z0-9] to '_' so the result can be
// embedded in a file name. At most maxRunes input runes are kept when maxRunes > 0.
func SafeName(input string, maxRunes int) string {
	if maxRunes > 0 {
		runes := []rune(input)
		if len(runes) > maxRunes {
			input = string(runes[:maxRunes])
		}
	}
	return unsafeNameChars.ReplaceAllString(input, "_")
}
