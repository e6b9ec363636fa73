// Package validation checks request fields before they reach the
// lifecycle manager.
package validation

import (
	"net/mail"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/piguard/internal/failure"
)

// MaxStringLength bounds free-text fields such as staff notes.
const MaxStringLength = 4000

// PassphraseWords is the word count of a wallet passphrase.
const PassphraseWords = 24

// Pi mainnet addresses are 56-char base32 account ids starting with G.
var piAddressRegex = regexp.MustCompile(`^G[A-Z2-7]{55}$`)

var passphraseWordRegex = regexp.MustCompile(`^[a-z]+$`)

// FieldError is one failed check.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects failed checks. It matches failure.ErrValidation.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

func (e Errors) Unwrap() error { return failure.ErrValidation }

// Rule returns nil when the field is acceptable.
type Rule func() *FieldError

// Validate runs rules and returns the failures, or nil.
func Validate(rules ...Rule) error {
	var errs Errors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required rejects blank strings.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength rejects strings longer than max bytes.
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf rejects values outside allowed.
func OneOf(field, value string, allowed ...string) Rule {
	return func() *FieldError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Email accepts a bare address; empty is allowed.
func Email(field, value string) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		addr, err := mail.ParseAddress(value)
		if err != nil || addr.Address != value {
			return &FieldError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// PiAddress accepts a mainnet wallet address; empty is allowed.
func PiAddress(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsPiAddress(value) {
			return &FieldError{Field: field, Message: "must be a 56-character wallet address starting with G"}
		}
		return nil
	}
}

// IsPiAddress reports whether s looks like a mainnet wallet address.
func IsPiAddress(s string) bool {
	return piAddressRegex.MatchString(s)
}

// Passphrase accepts 24 lowercase words separated by single spaces; empty is allowed.
func Passphrase(field, value string) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		words := strings.Fields(value)
		if len(words) != PassphraseWords {
			return &FieldError{Field: field, Message: "must contain 24 words"}
		}
		for _, w := range words {
			if !passphraseWordRegex.MatchString(w) {
				return &FieldError{Field: field, Message: "words must be lowercase letters"}
			}
		}
		return nil
	}
}

// NormalizePassphrase lowercases and collapses whitespace.
func NormalizePassphrase(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// IntRange rejects values outside [min, max].
func IntRange(field string, value, min, max int) Rule {
	return func() *FieldError {
		if value < min || value > max {
			return &FieldError{Field: field, Message: "is out of range"}
		}
		return nil
	}
}

// NonNegative rejects negative amounts.
func NonNegative(field string, value decimal.Decimal) Rule {
	return func() *FieldError {
		if value.IsNegative() {
			return &FieldError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// Positive rejects zero and negative amounts.
func Positive(field string, value decimal.Decimal) Rule {
	return func() *FieldError {
		if !value.IsPositive() {
			return &FieldError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// SanitizeString trims, strips NUL bytes and truncates to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
