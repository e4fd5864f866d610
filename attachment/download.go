package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
)

// Download fetches attachmentID's ciphertext from its presigned GET URL,
// verifies its SHA-256 integrity against the stored ContentHash, and
// decrypts it under the record's own AEAD key.
func (p *Pipeline) Download(ctx context.Context, attachmentID string) ([]byte, error) {
	a, err := p.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}

	// the DS identifies blobs by the content hash provisioned with them,
	// not by our local attachment row id
	url, err := p.ds.GetAttachmentURL(ctx, a.ContentHash)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build attachment GET request")
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "attachment download request failed"), errors.KindTransport)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.WithKind(errors.Newf("attachment download returned status %d", resp.StatusCode), errors.KindTransport)
	}

	ciphertext, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read attachment download body")
	}

	if err := verifyIntegrity(ciphertext, a.ContentHash); err != nil {
		return nil, err
	}

	var key crypto.AEADKey
	copy(key[:], a.AEADKey)
	return crypto.AEADDecrypt(ciphertext, a.AEADNonce, key)
}

func verifyIntegrity(ciphertext []byte, wantHash string) error {
	sum := sha256.Sum256(ciphertext)
	if hex.EncodeToString(sum[:]) != wantHash {
		return errors.WithKind(errors.New("attachment content hash mismatch"), errors.KindDataLoss)
	}
	return nil
}
