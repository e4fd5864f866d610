package attachment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/aethermsg/chatcore/attachment/blurhash"
	"github.com/aethermsg/chatcore/attachment/webp"
	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/internal/httpclient"
	"github.com/aethermsg/chatcore/store"
)

// Pipeline is the attachment pipeline (C8): re-encode, encrypt,
// provision, and upload/download attachment blobs for one client.
type Pipeline struct {
	store *store.Store
	ds    DS
	http  *httpclient.SaferClient
}

func NewPipeline(st *store.Store, ds DS, http *httpclient.SaferClient) *Pipeline {
	return &Pipeline{store: st, ds: ds, http: http}
}

// Prepare decodes src, re-encodes it as lossless WEBP (downscaling first
// if it exceeds maxReencodeDimension on its longer edge), computes its
// blurhash placeholder, encrypts it under a fresh AEAD key, and persists
// an Attachment row in the Uploading state. Upload (or RetryUpload on a
// failed attempt) performs the actual network transfer.
func (p *Pipeline) Prepare(ctx context.Context, chatID string, src []byte, now time.Time) (*store.Attachment, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, errors.Wrap(err, "decode source image")
	}

	img = scaleToFit(img, maxReencodeDimension)

	var webpBuf bytes.Buffer
	if err := webp.Encode(&webpBuf, img); err != nil {
		return nil, errors.Wrap(err, "re-encode to WEBP")
	}
	plaintext := webpBuf.Bytes()

	hash, err := blurhash.Encode(img, blurhashComponentsX, blurhashComponentsY)
	if err != nil {
		return nil, errors.Wrap(err, "compute blurhash")
	}

	key, err := crypto.GenerateAEADKey()
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := crypto.AEADEncrypt(plaintext, key)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(ciphertext)
	bounds := img.Bounds()

	record := &store.Attachment{
		AttachmentID: uuid.New().String(),
		ChatID:       chatID,
		ContentType:  "image/webp",
		Status:       store.AttachmentStatusUploading,
		Size:         int64(len(ciphertext)),
		ContentHash:  hex.EncodeToString(sum[:]),
		AEADKey:      key[:],
		AEADNonce:    nonce,
		Blurhash:     hash,
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		Ciphertext:   ciphertext,
		CreatedAt:    now,
	}

	if err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertAttachment(ctx, record)
	}); err != nil {
		return nil, err
	}
	return record, nil
}

// Upload provisions and transfers an already-prepared attachment's
// ciphertext to the DS, transitioning it to Ready on success or Failed
// on any error (§4.8 step 6). A Failed upload is not retried in place —
// RetryUpload mints a fresh attachment id and AEAD key per §12 item 5.
func (p *Pipeline) Upload(ctx context.Context, attachmentID string) error {
	a, err := p.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}

	info, err := p.ds.ProvisionAttachment(ctx, a.ChatID, a.ContentHash, a.Size)
	if err != nil {
		return p.fail(ctx, attachmentID, err)
	}

	if err := p.transfer(ctx, info, a.Ciphertext, a.ContentType); err != nil {
		return p.fail(ctx, attachmentID, err)
	}

	if err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetAttachmentStatus(ctx, attachmentID, store.AttachmentStatusReady)
	}); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, attachmentID string, cause error) error {
	if err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetAttachmentStatus(ctx, attachmentID, store.AttachmentStatusFailed)
	}); err != nil {
		return err
	}
	return cause
}

// RetryUpload re-keys a failed attachment and uploads the fresh copy:
// it decrypts oldAttachmentID's ciphertext under its old key, re-encrypts
// the same plaintext under a newly minted key/id via store.RetryAttachment
// (which copies the record forward and deletes the old row), then calls
// Upload on the new id.
func (p *Pipeline) RetryUpload(ctx context.Context, oldAttachmentID string) (string, error) {
	old, err := p.store.GetAttachment(ctx, oldAttachmentID)
	if err != nil {
		return "", err
	}

	var oldKey crypto.AEADKey
	copy(oldKey[:], old.AEADKey)
	plaintext, err := crypto.AEADDecrypt(old.Ciphertext, old.AEADNonce, oldKey)
	if err != nil {
		return "", err
	}

	newKey, err := crypto.GenerateAEADKey()
	if err != nil {
		return "", err
	}
	ciphertext, nonce, err := crypto.AEADEncrypt(plaintext, newKey)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(ciphertext)

	next := &store.Attachment{
		AttachmentID: uuid.New().String(),
		ContentHash:  hex.EncodeToString(sum[:]),
		AEADKey:      newKey[:],
		AEADNonce:    nonce,
		Blurhash:     old.Blurhash,
		Width:        old.Width,
		Height:       old.Height,
		Size:         int64(len(ciphertext)),
		Ciphertext:   ciphertext,
		CreatedAt:    time.Now(),
	}

	if err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.RetryAttachment(ctx, oldAttachmentID, next)
	}); err != nil {
		return "", err
	}

	if err := p.Upload(ctx, next.AttachmentID); err != nil {
		return next.AttachmentID, err
	}
	return next.AttachmentID, nil
}

// scaleToFit downscales img so its longer edge is at most maxEdge,
// leaving it untouched if it already fits.
func scaleToFit(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxEdge && h <= maxEdge {
		return img
	}

	var nw, nh int
	if w >= h {
		nw = maxEdge
		nh = h * maxEdge / w
	} else {
		nh = maxEdge
		nw = w * maxEdge / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
