package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/aethermsg/chatcore/errors"
)

// AEADAlgorithm identifies the fixed attachment-encryption algorithm
// (§4.1: "a fixed attachment algorithm id").
const AEADAlgorithm = "AES128GCM"

const aeadKeySize = 16

// AEADKey is a fresh per-attachment (or per-message) symmetric key.
type AEADKey [aeadKeySize]byte

// GenerateAEADKey returns a fresh random key.
func GenerateAEADKey() (AEADKey, error) {
	var k AEADKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, errors.Wrap(err, "generate AEAD key")
	}
	return k, nil
}

// AEADEncrypt encrypts plaintext under key, returning ciphertext and the
// nonce used. Each call mints a fresh random nonce.
func AEADEncrypt(plaintext []byte, key AEADKey) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, errors.Wrap(err, "generate nonce")
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// AEADDecrypt reverses AEADEncrypt. Authentication failure is reported as
// a DataLoss/Cryptographic error per §7.
func AEADDecrypt(ciphertext, nonce []byte, key AEADKey) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "AEAD authentication failed"), errors.KindDataLoss)
	}
	return plaintext, nil
}

func newGCM(key AEADKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "construct AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "construct GCM")
	}
	return gcm, nil
}
