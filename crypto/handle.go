package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// handleDomainPrefix domain-separates handle hashing from any other use
// of SHA-256 in this package (e.g. attachment content hashing).
const handleDomainPrefix = "chatcore-handle-v1:"

// HashHandle returns the canonical hash of a plaintext handle, published
// to the AS in place of the plaintext (§3 UserHandle). Hashing is
// case-insensitive: "Alice-42" and "alice-42" hash identically, since the
// AS directory is meant to be looked up case-insensitively.
func HashHandle(plaintext string) string {
	h := sha256.Sum256([]byte(handleDomainPrefix + strings.ToLower(plaintext)))
	return hex.EncodeToString(h[:])
}
