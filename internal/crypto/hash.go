package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashMessage returns the hex digest used to deduplicate relay messages
// and to resolve verification attestations.
func HashMessage(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])
}
