// Package validation checks user input at the HTTP boundary. Every error is a
// sentinel suitable for a 400 response.
package validation

import (
	"errors"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kjstillabower/krishi-advisor-service/internal/models"
)

// Input limits.
const (
	LocationMinLen    = 2
	LocationMaxLen    = 100
	MessageMaxLen     = 4000
	PasswordMinLen    = 8
	DisplayNameMaxLen = 80
	MaxCropTypes      = 20
)

var (
	ErrLocationEmpty        = errors.New("location is required")
	ErrLocationTooShort     = errors.New("location too short")
	ErrLocationTooLong      = errors.New("location too long")
	ErrLocationInvalidChars = errors.New("location contains invalid characters")

	ErrEmailInvalid     = errors.New("email is invalid")
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	ErrMessageEmpty     = errors.New("message is required")
	ErrMessageTooLong   = errors.New("message too long")
	ErrDisplayName      = errors.New("display name too long")
	ErrExperience       = errors.New("experience must be beginner, intermediate or expert")
	ErrCategory         = errors.New("unknown thread category")
	ErrCropTypes        = errors.New("too many crop types")
)

// ValidateLocation trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to letters, digits, space, comma and hyphen.
// Returns the trimmed string. Normalization is left to the cache layer.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range s {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r) {
		return true
	}
	switch r {
	case ' ', ',', '-':
		return true
	}
	return false
}

// ValidateEmail returns the trimmed, lower-cased address.
func ValidateEmail(input string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || !strings.Contains(s[strings.LastIndex(s, "@")+1:], ".") {
		return "", ErrEmailInvalid
	}
	return s, nil
}

// ValidatePassword enforces the minimum length in runes.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < PasswordMinLen {
		return ErrPasswordTooShort
	}
	return nil
}

// ValidateMessage trims a chat message and bounds its length.
func ValidateMessage(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrMessageEmpty
	}
	if utf8.RuneCountInString(s) > MessageMaxLen {
		return "", ErrMessageTooLong
	}
	return s, nil
}

// ValidateDisplayName trims and bounds a display name. Empty is allowed.
func ValidateDisplayName(input string) (string, error) {
	s := strings.TrimSpace(input)
	if utf8.RuneCountInString(s) > DisplayNameMaxLen {
		return "", ErrDisplayName
	}
	return s, nil
}

// ValidateExperience accepts the known levels case-insensitively. Empty is allowed.
func ValidateExperience(input string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	switch s {
	case "", models.ExperienceBeginner, models.ExperienceIntermediate, models.ExperienceExpert:
		return s, nil
	}
	return "", ErrExperience
}

// ValidateCategory accepts the known thread categories. Empty is allowed and
// means the store default.
func ValidateCategory(input string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	switch s {
	case "", models.CategoryGeneral, models.CategoryCropManagement, models.CategoryPestManagement,
		models.CategorySoilHealth, models.CategoryWeather, models.CategoryMarket, models.CategoryIrrigation:
		return s, nil
	}
	return "", ErrCategory
}

// NormalizeCropTypes trims, lower-cases and de-duplicates crop names, dropping blanks.
func NormalizeCropTypes(crops []string) ([]string, error) {
	if len(crops) > MaxCropTypes {
		return nil, ErrCropTypes
	}
	out := make([]string, 0, len(crops))
	seen := make(map[string]struct{}, len(crops))
	for _, c := range crops {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}
