package mlsengine

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
)

const (
	epochSecretSize  = 32
	applicationInfo  = "chatcore-mls-application-key"
	transcriptInfo   = "chatcore-mls-transcript"
	epochAdvanceInfo = "chatcore-mls-epoch-secret"
)

func newHash() hash.Hash { return sha256.New() }

// freshSecret mints a random initial epoch secret, used when a group is
// created or externally joined without a prior epoch to ratchet from.
func freshSecret() ([]byte, error) {
	s := make([]byte, epochSecretSize)
	if _, err := io.ReadFull(rand.Reader, s); err != nil {
		return nil, errors.Wrap(err, "generate epoch secret")
	}
	return s, nil
}

// advanceSecret derives the next epoch's secret from the current one
// and the commit that produced the new epoch, giving each epoch a
// secret that depends on every commit applied so far (the MLS key
// schedule's essential property, simplified to a single HKDF step
// rather than the full RFC 9420 schedule).
func advanceSecret(current []byte, c *Commit) ([]byte, error) {
	next := make([]byte, epochSecretSize)
	r := hkdf.New(newHash, current, commitTranscriptBytes(c), []byte(epochAdvanceInfo))
	if _, err := io.ReadFull(r, next); err != nil {
		return nil, errors.Wrap(err, "derive next epoch secret")
	}
	return next, nil
}

// applicationKey derives the per-epoch AEAD key application messages
// are encrypted under, binding the epoch number so a key from one epoch
// can never decrypt another's ciphertext.
func applicationKey(secret []byte, epoch uint64) (crypto.AEADKey, error) {
	var key crypto.AEADKey
	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, epoch)
	r := hkdf.New(newHash, secret, salt, []byte(applicationInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return crypto.AEADKey{}, errors.Wrap(err, "derive application key")
	}
	return key, nil
}

func initialTranscriptHash(groupID string) []byte {
	h := sha256.Sum256([]byte(transcriptInfo + ":" + groupID))
	return h[:]
}

func advanceTranscript(prev []byte, c *Commit) []byte {
	h := sha256.New()
	h.Write(prev)
	h.Write(commitTranscriptBytes(c))
	return h.Sum(nil)
}

// commitTranscriptBytes deterministically serializes the fields of a
// commit that are covered by its signature and by the transcript hash
// (everything except the signature itself).
func commitTranscriptBytes(c *Commit) []byte {
	buf := []byte(c.GroupID)
	buf = binary.BigEndian.AppendUint64(buf, c.FromEpoch)
	buf = binary.BigEndian.AppendUint64(buf, c.ToEpoch)
	for _, cred := range c.Adds {
		buf = append(buf, []byte(cred.UserID)...)
		buf = append(buf, cred.SigningKey...)
	}
	for _, k := range c.AddKeys {
		buf = append(buf, k...)
	}
	for _, idx := range c.Removes {
		buf = binary.BigEndian.AppendUint32(buf, idx)
	}
	if c.JoinerIdx != nil {
		buf = binary.BigEndian.AppendUint32(buf, *c.JoinerIdx)
	}
	if c.AAD != nil {
		buf = append(buf, []byte(c.AAD.Tag)...)
		buf = append(buf, []byte(c.AAD.ConnectionOfferHash)...)
	}
	return buf
}
