// Package idgen generates identifiers for stored records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the service.
const (
	PrefixRequest = "req_"
	PrefixUser    = "usr_"
	PrefixToken   = "tok_"

	// PrefixSandboxPayment marks payments created by the sandbox wallet runtime.
	PrefixSandboxPayment = "sbx_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a UUIDv7, so ids
// sort roughly by creation time. Falls back to v4 if the clock source fails.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// HasPrefix reports whether id was generated with prefix and has the
// expected length.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
