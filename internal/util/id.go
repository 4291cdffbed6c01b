package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a compact session identifier, a UUID with the dashes
// stripped so it reads cleanly in a share URL.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
