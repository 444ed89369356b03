package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeBytes computes the hex-encoded SHA256 digest of a byte slice.
func ComputeBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
