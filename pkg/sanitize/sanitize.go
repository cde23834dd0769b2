// Package sanitize cleans identity fields that arrive from the embedding page.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxDisplayNameRunes bounds a visitor display name
const MaxDisplayNameRunes = 64

var (
	tagRegex = regexp.MustCompile(`<[^>]*>`)
	uidRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)
)

// DisplayName strips tags and control characters, trims and caps the name
func DisplayName(input string) string {
	name := strings.TrimSpace(StripControlCharacters(StripTags(input)))
	if utf8.RuneCountInString(name) <= MaxDisplayNameRunes {
		return name
	}
	runes := []rune(name)
	return strings.TrimSpace(string(runes[:MaxDisplayNameRunes]))
}

// ValidUID reports whether uid is safe to use as a backend participant id:
// 1-100 characters, alphanumeric, underscore and hyphen only
func ValidUID(uid string) bool {
	return uidRegex.MatchString(uid)
}

// StripTags removes anything that looks like an HTML tag
func StripTags(input string) string {
	return tagRegex.ReplaceAllString(input, "")
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
