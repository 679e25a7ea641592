// Package util provides environment parsing and identifier helpers shared across components.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix followed by a random UUID rendered as 32 hex characters.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
