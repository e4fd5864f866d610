// Package safetycode implements the out-of-band safety code (§3
// SafetyCode): a short, human-comparable fingerprint two contacts can
// read aloud or scan to confirm they share the same connection group
// state, independent of any UI (a QR/NFC exchange surface is out of
// scope here).
package safetycode

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
)

// Contact is the minimal identity this package needs from a contact:
// its user id and MLS identity (signing) key; the shared connection
// group's EAR key is passed to Compute separately. Kept local rather than importing store.Contact so this package
// has no dependency on the persistence layer — the caller adapts its
// own store.Contact plus the peer's known identity key into this shape.
type Contact struct {
	UserID      string
	IdentityKey []byte
}

const (
	groupCount = 6
	groupMod   = 1000 // each group is a 3-digit decimal number, 0-999
)

// Compute derives a, b's safety code: SHA-256(sorted(a.IdentityKey,
// b.IdentityKey) || connectionGroupEARKey), rendered as six space
// separated 3-digit decimal groups (000-999 each). Sorting the two
// identity keys before hashing makes the result order-independent, so
// both sides of a connection compute the same string regardless of
// which one calls Compute(a, b) vs Compute(b, a).
func Compute(a, b Contact, connectionGroupEARKey []byte) string {
	first, second := a.IdentityKey, b.IdentityKey
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	h := sha256.New()
	h.Write(first)
	h.Write(second)
	h.Write(connectionGroupEARKey)
	sum := h.Sum(nil)

	return formatGroups(sum)
}

// formatGroups renders digest into groupCount space-separated 3-digit
// decimal groups, consuming 4 non-overlapping bytes of the digest per
// group (taken as a big-endian uint32) and reducing each mod groupMod —
// the same "hash bytes -> bounded decimal digits" shape TOTP codes use.
func formatGroups(digest []byte) string {
	var out []byte
	for i := 0; i < groupCount; i++ {
		off := i * 4
		v := binary.BigEndian.Uint32(digest[off : off+4])
		group := v % groupMod
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, byte('0'+group/100), byte('0'+(group/10)%10), byte('0'+group%10))
	}
	return string(out)
}
