package parse

import (
	"errors"
	"strings"
	"unicode"
)

// ErrEmptyCode is returned for an access code that is empty or only
// whitespace.
var ErrEmptyCode = errors.New("enter the code shown on the machine")

// AccessCode normalises the code a user typed from the machine display.
// Surrounding whitespace is dropped; inner whitespace (e.g. "123 456") is
// removed since machine displays group digits visually.
func AccessCode(raw string) (string, error) {
	code := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	if code == "" {
		return "", ErrEmptyCode
	}
	return code, nil
}
