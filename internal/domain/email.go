package domain

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidEmail is returned when a string is not a usable address.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidName is returned for empty, oversized or unsafe names.
	ErrInvalidName = errors.New("invalid subscriber name")
)

var validate = validator.New()

// Email is a syntactically valid email address.
type Email string

// String returns the raw address.
func (e Email) String() string { return string(e) }

// ParseEmail trims s and validates it as an email address.
func ParseEmail(s string) (Email, error) {
	s = strings.TrimSpace(s)
	if err := validate.Var(s, "required,email,max=320"); err != nil {
		return "", ErrInvalidEmail
	}
	return Email(s), nil
}

const maxNameRunes = 256

// forbiddenNameChars are rejected to keep names safe to render in mail.
const forbiddenNameChars = `/()"<>\{}`

// ParseSubscriberName trims s and validates it as a display name.
func ParseSubscriberName(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || utf8.RuneCountInString(s) > maxNameRunes {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(s, forbiddenNameChars) {
		return "", ErrInvalidName
	}
	return s, nil
}
