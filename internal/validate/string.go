// Package validate checks the identifiers and free text that callers pass
// to feedrank before they reach cache keys or the data store.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrControlCharacter  = errors.New("string contains control characters")
	ErrEmpty             = errors.New("string is empty")
)

// Field limits.
const (
	MaxSubjectIDLength = 128
	MaxQueryLength     = 256
	MaxTagIDLength     = 64
	MaxTags            = 20
	MaxDomainLength    = 253
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_\-.:@]+$`)
	domainPattern     = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9\-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9\-]*[A-Za-z0-9])?)*$`)
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length in runes (0 = no minimum)
	MaxLength      int            // Maximum length in runes (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional regex the whole string must match
	RejectControl  bool           // Reject control characters such as NUL or ESC
	AllowEmpty     bool           // Whether empty strings are allowed
	TrimSpace      bool           // Whether to trim whitespace before validation
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}

	length := utf8.RuneCountInString(s)
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	if constraints.RejectControl && strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", ErrControlCharacter
	}

	return s, nil
}

// SubjectID validates the optional identifier a feed is personalised for:
// up to 128 characters of letters, digits and _ - . : @
func SubjectID(id string) (string, error) {
	return String(id, StringConstraints{
		MaxLength:      MaxSubjectIDLength,
		AllowedPattern: identifierPattern,
		AllowEmpty:     true,
		TrimSpace:      true,
	})
}

// QueryText validates free search text: optional, at most 256 characters,
// no control characters. Surrounding whitespace is kept; cache keys
// normalize it separately.
func QueryText(q string) (string, error) {
	return String(q, StringConstraints{
		MaxLength:     MaxQueryLength,
		RejectControl: true,
		AllowEmpty:    true,
	})
}

// TagIDs validates a tag filter. Blank entries are dropped; at most 20 tags
// of up to 64 identifier characters each are accepted.
func TagIDs(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		v, err := String(id, StringConstraints{
			MaxLength:      MaxTagIDLength,
			AllowedPattern: identifierPattern,
			AllowEmpty:     true,
			TrimSpace:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("tag %q: %w", id, err)
		}
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) > MaxTags {
		return nil, fmt.Errorf("%w: %d tags, maximum is %d", ErrStringTooLong, len(out), MaxTags)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Domain validates an optional host name filter such as "go.dev".
func Domain(d string) (string, error) {
	return String(d, StringConstraints{
		MaxLength:      MaxDomainLength,
		AllowedPattern: domainPattern,
		AllowEmpty:     true,
		TrimSpace:      true,
	})
}
