package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/json"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/aethermsg/chatcore/errors"
)

// dsSignatureHeader carries the detached JWS the DS computes over a
// connection_group_info/welcome_info response body (§6, §11): the DS
// signs the exact bytes it sends so a compromised or buggy intermediate
// cannot alter group membership data in flight without detection, on
// top of (not instead of) TLS.
const dsSignatureHeader = "X-Chatcore-Ds-Signature"

// verifyDetachedResponse checks compact (a detached-payload JWS in
// compact serialization) against payload using verifyKey. A nil
// verifyKey means response verification isn't configured for this
// client and always succeeds, matching ServerEndpoint.VerifyKey's
// documented dev/test default.
func verifyDetachedResponse(compact string, payload []byte, verifyKey ed25519.PublicKey) error {
	if verifyKey == nil {
		return nil
	}
	if compact == "" {
		return errors.WithKind(errors.New("DS response missing detached signature"), errors.KindUnauthenticated)
	}
	sig, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return errors.WithKind(errors.Wrap(err, "parse DS response signature"), errors.KindUnauthenticated)
	}
	if err := sig.DetachedVerify(payload, verifyKey); err != nil {
		return errors.WithKind(errors.Wrap(err, "verify DS response signature"), errors.KindUnauthenticated)
	}
	return nil
}

// postJSONVerified is postJSON plus a mandatory (when c.verifyKey is
// set) detached-JWS check of the response body before it's decoded —
// used for the two RPCs whose response an attacker gaining transient
// write access to the DS's datastore could otherwise forge:
// connection_group_info and welcome_info, both of which hand the
// client a membership/ratchet-tree snapshot it will trust for an
// external commit.
func (c *DSClient) postJSONVerified(ctx context.Context, path string, body []byte, out interface{}) error {
	respBody, header, err := c.doRequest(ctx, path, body)
	if err != nil {
		return err
	}
	if err := verifyDetachedResponse(header.Get(dsSignatureHeader), respBody, c.verifyKey); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrapf(err, "%s: decode response", path)
	}
	return nil
}
