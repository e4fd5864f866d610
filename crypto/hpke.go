package crypto

import (
	"crypto/rand"

	"github.com/cloudflare/circl/hpke"

	"github.com/aethermsg/chatcore/errors"
)

// hpkeSuite fixes the HPKE suite to match the MLS ciphersuite named in
// §4.4 (MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519): X25519 KEM,
// HKDF-SHA256, AES-128-GCM AEAD.
var hpkeSuite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM)

// HPKEKeyPair is a recipient's HPKE encapsulation keypair.
type HPKEKeyPair struct {
	Public  hpke.KEMPublicKey
	Private hpke.KEMPrivateKey
}

// GenerateHPKEKeyPair mints a fresh X25519 HPKE keypair.
func GenerateHPKEKeyPair() (*HPKEKeyPair, error) {
	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	pub, priv, err := kem.GenerateKeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "generate HPKE keypair")
	}
	return &HPKEKeyPair{Public: pub, Private: priv}, nil
}

// HPKESeal encrypts content to recipientPublicKey, binding info (context
// identifying the envelope's purpose, e.g. "connection-offer") and aad
// (additional authenticated data, e.g. the connection-package hash).
// Returns the encapsulated key and ciphertext, both required to open.
func HPKESeal(content, info, aad []byte, recipientPublicKey hpke.KEMPublicKey) (encapsulatedKey, ciphertext []byte, err error) {
	sender, err := hpkeSuite.NewSender(recipientPublicKey, info)
	if err != nil {
		return nil, nil, errors.Wrap(err, "construct HPKE sender")
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "setup HPKE sender")
	}
	ct, err := sealer.Seal(content, aad)
	if err != nil {
		return nil, nil, errors.Wrap(err, "HPKE seal")
	}
	return enc, ct, nil
}

// MarshalHPKEPublicKey encodes pub to bytes for storage/transmission
// (e.g. as a Member's leaf encryption key).
func MarshalHPKEPublicKey(pub hpke.KEMPublicKey) ([]byte, error) {
	raw, err := pub.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal HPKE public key")
	}
	return raw, nil
}

// UnmarshalHPKEPublicKey reverses MarshalHPKEPublicKey.
func UnmarshalHPKEPublicKey(raw []byte) (hpke.KEMPublicKey, error) {
	pub, err := hpke.KEM_X25519_HKDF_SHA256.Scheme().UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal HPKE public key")
	}
	return pub, nil
}

// HPKEOpen reverses HPKESeal using the recipient's private key.
// Authentication/decapsulation failure is a DataLoss/Cryptographic error.
func HPKEOpen(encapsulatedKey, ciphertext, info, aad []byte, recipientPrivateKey hpke.KEMPrivateKey) ([]byte, error) {
	receiver, err := hpkeSuite.NewReceiver(recipientPrivateKey, info)
	if err != nil {
		return nil, errors.Wrap(err, "construct HPKE receiver")
	}
	opener, err := receiver.Setup(encapsulatedKey)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "HPKE decapsulation failed"), errors.KindDataLoss)
	}
	plaintext, err := opener.Open(ciphertext, aad)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "HPKE open failed"), errors.KindDataLoss)
	}
	return plaintext, nil
}
