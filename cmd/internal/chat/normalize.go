package chat

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxStreamNameRunes bounds stream names.
const MaxStreamNameRunes = 60

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// StreamNameKey is the case-insensitive lookup key for a stream name.
func StreamNameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeStreamName trims and validates a stream name, returning the display form.
func NormalizeStreamName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidStreamName.Withf("empty")
	}
	if !utf8.ValidString(name) {
		return "", ErrInvalidStreamName.Withf("invalid utf-8")
	}
	if utf8.RuneCountInString(name) > MaxStreamNameRunes {
		return "", ErrStreamTooLong.Withf("max=%d chars", MaxStreamNameRunes)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", ErrInvalidStreamName.Withf("control characters are not allowed")
		}
	}
	return name, nil
}
