package crypto

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/aethermsg/chatcore/errors"
)

// ProfileKey is the per-user key binding a display name and profile
// picture to an authenticated UserProfile update (§3 UserProfile, §4.1
// "key derivation from a user-profile base secret").
type ProfileKey [32]byte

// DeriveProfileKey derives a ProfileKey from a per-contact base secret
// (exchanged as part of the friendship package, §4.6) and the current
// display name + profile picture hash, so that changing either rotates
// the derived key without needing a fresh base secret.
func DeriveProfileKey(baseSecret []byte, displayName string, profilePictureHash []byte) (ProfileKey, error) {
	if len(baseSecret) == 0 {
		return ProfileKey{}, errors.WithKind(errors.New("empty profile base secret"), errors.KindInvalidArgument)
	}
	mac := hmac.New(sha256.New, baseSecret)
	mac.Write([]byte(displayName))
	mac.Write([]byte{0x00})
	mac.Write(profilePictureHash)
	var out ProfileKey
	copy(out[:], mac.Sum(nil))
	return out, nil
}
