package normalize

import (
	"crypto/sha256"
	"encoding/hex"
)

// EnsureUUID coerces an arbitrary external identifier into UUID form.
// Strings that already have the 36-character UUID length pass through.
func EnsureUUID(id string) string {
	if id == "" || len(id) == 36 {
		return id
	}
	return UUIDFromSeed(id)
}

// UUIDFromSeed derives a version-4 shaped UUID from the SHA-256 of seed.
// The mapping is pure: the same seed always yields the same UUID.
func UUIDFromSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	h := hex.EncodeToString(sum[:])
	return h[0:8] + "-" + h[8:12] + "-4" + h[13:16] + "-a" + h[17:20] + "-" + h[20:32]
}
