// Package requestid mints and sanitizes request identifiers.
package requestid

import (
	"strings"

	"github.com/google/uuid"
)

const maxLen = 128

// New returns a time-ordered UUID string.
func New() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Sanitize returns id when it is a usable caller-supplied identifier, or "".
// Identifiers are limited to 128 visible ASCII characters.
func Sanitize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxLen {
		return ""
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return ""
		}
	}
	return id
}
