// Package ratchet implements the per-queue forward-secure ratchet (C3):
// each remote QS queue has its own chain, advanced forward by the
// sender-stamped sequence number carried on every ciphertext.
package ratchet

import (
	"crypto/sha256"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
)

const (
	// MaximumForwardDistance bounds how many ratchet steps a single
	// decrypt may advance, tolerating lost messages without letting a
	// corrupted or malicious sequence number force unbounded work.
	MaximumForwardDistance = 100_000

	// OutOfOrderTolerance is how far behind the highest-seen sequence
	// number an incoming message may still land and be silently accepted
	// as an already-processed redelivery, rather than rejected.
	OutOfOrderTolerance = 20

	secretSize = 32
	keyInfo    = "chatcore-ratchet-message-key"
	chainInfo  = "chatcore-ratchet-chain-key"
)

// State is the persisted per-queue ratchet state (§3 "Queue ratchet
// state"). Store owns persistence; this package only computes
// transitions. CurrentSecret is one-way derived, so it can never be used
// to recover a key for a sequence number the ratchet has already passed
// — that is the forward-secrecy property.
type State struct {
	QueueID        string
	CurrentSecret  []byte
	SequenceNumber uint64
}

// Result is the outcome of Advance. Duplicate is set when n fell within
// the out-of-order tolerance window behind the highest sequence number
// already seen: the ratchet does not retain keys behind its current
// position, so such a message is treated as an already-processed
// redelivery and dropped without attempting to decrypt it, rather than
// rejected as an error.
type Result struct {
	Plaintext []byte
	Duplicate bool
	Next      State
}

// Advance processes an incoming ciphertext stamped with absolute
// sequence number n against state. It never mutates state in place;
// callers persist the returned Next.State before doing anything with
// Plaintext (§4.3: "persisted before downstream processing"), and only
// when Duplicate is false.
func Advance(state State, n uint64, ciphertext, nonce []byte) (*Result, error) {
	if n <= state.SequenceNumber {
		if state.SequenceNumber-n > OutOfOrderTolerance {
			return nil, errors.Wrapf(errors.ErrOutOfOrder,
				"sequence %d is behind highest-seen %d by more than the tolerance window", n, state.SequenceNumber)
		}
		return &Result{Duplicate: true, Next: state}, nil
	}

	distance := n - state.SequenceNumber
	if distance > MaximumForwardDistance {
		return nil, errors.Wrapf(errors.ErrTooDistantInThePast,
			"sequence %d is %d steps ahead of %d, exceeding the maximum forward distance", n, distance, state.SequenceNumber)
	}

	secret := state.CurrentSecret
	var key crypto.AEADKey
	for step := uint64(1); step <= distance; step++ {
		var err error
		key, err = deriveMessageKey(secret)
		if err != nil {
			return nil, err
		}
		if step < distance {
			secret, err = deriveChainSecret(secret)
			if err != nil {
				return nil, err
			}
		}
	}
	// One more chain step past the message actually delivered, so the
	// persisted secret can never re-derive a key already handed out.
	nextSecret, err := deriveChainSecret(secret)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.AEADDecrypt(ciphertext, nonce, key)
	if err != nil {
		return nil, err
	}

	return &Result{
		Plaintext: plaintext,
		Next: State{
			QueueID:        state.QueueID,
			CurrentSecret:  nextSecret,
			SequenceNumber: n,
		},
	}, nil
}

// Seed derives the initial ratchet state for a freshly-established
// queue from the base secret the handshake negotiated.
func Seed(queueID string, baseSecret []byte) State {
	return State{QueueID: queueID, CurrentSecret: baseSecret, SequenceNumber: 0}
}

func deriveMessageKey(secret []byte) (crypto.AEADKey, error) {
	var key crypto.AEADKey
	r := hkdf.New(newHash, secret, nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return crypto.AEADKey{}, errors.Wrap(err, "derive ratchet message key")
	}
	return key, nil
}

func deriveChainSecret(secret []byte) ([]byte, error) {
	next := make([]byte, secretSize)
	r := hkdf.New(newHash, secret, nil, []byte(chainInfo))
	if _, err := io.ReadFull(r, next); err != nil {
		return nil, errors.Wrap(err, "derive ratchet chain secret")
	}
	return next, nil
}

func newHash() hash.Hash { return sha256.New() }
