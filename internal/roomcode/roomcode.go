// Package roomcode generates and validates the human-readable codes that
// identify collaboration rooms.
package roomcode

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

// MaxLength caps room code length; longer inputs are rejected or truncated.
const MaxLength = 50

var adjectives = []string{
	"swift", "bright", "quiet", "calm", "bold",
	"clever", "gentle", "happy", "kind", "warm",
}

var nouns = []string{
	"fox", "wolf", "bear", "eagle", "tiger",
	"shark", "lion", "hawk", "deer", "owl",
}

var validPattern = regexp.MustCompile(`^[a-zA-Z0-9-_]+$`)

// Generate returns a readable room code like "swift-fox-42".
func Generate() string {
	adjective := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	return fmt.Sprintf("%s-%s-%d", adjective, noun, rand.Intn(100))
}

// Validate reports whether code is a usable room code: non-empty, at most
// MaxLength characters, alphanumeric plus hyphens and underscores.
func Validate(code string) bool {
	if code == "" || len(code) > MaxLength {
		return false
	}
	return validPattern.MatchString(code)
}

// Sanitize normalizes a user-supplied room code: trimmed, lowercased,
// truncated to MaxLength. The result is not guaranteed valid.
func Sanitize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if len(code) > MaxLength {
		code = code[:MaxLength]
	}
	return code
}
