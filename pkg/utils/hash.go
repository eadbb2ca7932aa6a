package utils

import (
	"crypto/sha256"
	"fmt"
)

// HashString returns the hex sha256 digest of input. Used for cache keys
// and for detecting re-ingestion of unchanged document content.
func HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", hash)
}
