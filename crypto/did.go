package crypto

import (
	"crypto/ed25519"

	"github.com/mr-tron/base58"

	"github.com/aethermsg/chatcore/errors"
)

// ed25519MulticodecPrefix is the two-byte multicodec varint prefix for
// an ed25519 public key (0xed01), per the did:key method spec. Grounded
// on _examples/teranos-QNTX/ats/signing/signing.go's DecodeDIDKey.
var ed25519MulticodecPrefix = []byte{0xed, 0x01}

// EncodeDIDKey renders an ed25519 public key as a did:key identifier,
// used as the portable, self-describing form of a client credential.
func EncodeDIDKey(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(ed25519MulticodecPrefix)+len(pub))
	buf = append(buf, ed25519MulticodecPrefix...)
	buf = append(buf, pub...)
	return "did:key:z" + base58.Encode(buf)
}

// DecodeDIDKey parses a did:key identifier back into an ed25519 public
// key, rejecting any multicodec prefix other than ed25519.
func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	const prefix = "did:key:z"
	if len(did) <= len(prefix) || did[:len(prefix)] != prefix {
		return nil, errors.WithKind(errors.Newf("malformed did:key %q", did), errors.KindInvalidArgument)
	}
	decoded, err := base58.Decode(did[len(prefix):])
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "base58 decode did:key"), errors.KindInvalidArgument)
	}
	if len(decoded) < 2 || decoded[0] != ed25519MulticodecPrefix[0] || decoded[1] != ed25519MulticodecPrefix[1] {
		return nil, errors.WithKind(errors.New("did:key is not an ed25519 credential"), errors.KindInvalidArgument)
	}
	pub := ed25519.PublicKey(decoded[2:])
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.WithKind(errors.New("did:key ed25519 public key has wrong length"), errors.KindInvalidArgument)
	}
	return pub, nil
}
