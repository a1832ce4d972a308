package util

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateUUID returns a random v4 UUID in its canonical form.
func GenerateUUID() string {
	return uuid.NewString()
}

// NewID returns a prefixed identifier such as "pay_0c9a...".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(GenerateUUID(), "-", "")
}

// AttemptID derives the attempt id from its intent and sequence number. It
// doubles as the idempotency key sent to the connector.
func AttemptID(intentID string, seq int) string {
	return fmt.Sprintf("%s_%d", intentID, seq)
}
