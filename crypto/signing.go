// Package crypto implements the client's cryptographic envelopes (C1):
// signed/verified requests, AEAD encryption for attachments, HPKE sealing
// for connection offers, and the small key-derivation and handle-hashing
// helpers the rest of the core depends on.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"sort"

	"github.com/aethermsg/chatcore/errors"
)

// Signer holds an ed25519 keypair used to sign outgoing requests and
// verify incoming ones.
type Signer struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewSigner wraps an existing ed25519 keypair.
func NewSigner(public ed25519.PublicKey, private ed25519.PrivateKey) *Signer {
	return &Signer{public: public, private: private}
}

// GenerateSigner creates a fresh ed25519 keypair.
func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}
	return &Signer{public: pub, private: priv}, nil
}

func (s *Signer) PublicKey() ed25519.PublicKey { return s.public }

// Payload is anything that can be canonically serialized for signing.
// Implementations live alongside their wire type (e.g. transport's
// SendMessagePayload); Label returns the domain-separation string mixed
// into the signature, and CanonicalBytes returns the deterministic,
// schema-stable serialization described in §4.1.
type Payload interface {
	Label() string
	CanonicalBytes() ([]byte, error)
}

// Request is a signed envelope: the canonical payload bytes plus a
// detached ed25519 signature over (label || canonical bytes).
type Request struct {
	Label     string `json:"label"`
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// Sign produces a Request from a Payload. The signature covers the
// payload's declared Label concatenated with its canonical bytes, so a
// verifier that disagrees about the label (e.g. an attacker replaying a
// payload under a different RPC) fails verification.
func Sign(p Payload, signer *Signer) (*Request, error) {
	canon, err := p.CanonicalBytes()
	if err != nil {
		return nil, errors.Wrap(err, "canonicalize payload for signing")
	}
	label := p.Label()
	sig := ed25519.Sign(signer.private, signedBytes(label, canon))
	return &Request{Label: label, Payload: canon, Signature: sig}, nil
}

// Verify checks a Request's signature against verifyingKey and, on
// success, returns the canonical payload bytes for the caller to
// unmarshal into the concrete payload type. It refuses to verify if
// req.Label is empty, since an unlabeled request cannot be domain
// separated from any other payload type.
func Verify(req *Request, verifyingKey ed25519.PublicKey) ([]byte, error) {
	if req.Label == "" {
		return nil, errors.WithKind(errors.New("request missing label"), errors.KindInvalidArgument)
	}
	if !ed25519.Verify(verifyingKey, signedBytes(req.Label, req.Payload), req.Signature) {
		return nil, errors.WithKind(errors.New("signature verification failed"), errors.KindUnauthenticated)
	}
	return req.Payload, nil
}

func signedBytes(label string, canon []byte) []byte {
	buf := make([]byte, 0, len(label)+1+len(canon))
	buf = append(buf, []byte(label)...)
	buf = append(buf, 0x00)
	buf = append(buf, canon...)
	return buf
}

// CanonicalJSON serializes v as JSON with map keys sorted and no
// insignificant whitespace, giving a deterministic byte sequence for
// signing. fields present in v but listed in omit are dropped before
// serialization — used to produce the legacy SendMessagePayload shape
// that predates the suppress_notifications field (§4.1, §9).
func CanonicalJSON(v interface{}, omit ...string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errors.Wrap(err, "decode payload as object")
	}
	for _, f := range omit {
		delete(generic, f)
	}

	keys := make([]string, 0, len(generic))
	for k := range generic {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, errors.Wrap(err, "marshal key")
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(generic[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
