// Package attachment implements the attachment pipeline (C8): re-encode
// an arbitrary source image to lossless WEBP, encrypt it, provision and
// perform the upload/download through the Delivery Service, and persist
// the resulting AttachmentRecord (§4.8).
package attachment

import "context"

// DS is the narrow Delivery Service surface this package depends on,
// mirroring contact.DS/outbound.DS's narrow-seam convention so this
// package never imports transport directly.
type DS interface {
	ProvisionAttachment(ctx context.Context, chatID, contentHash string, size int64) (*UploadInfo, error)
	GetAttachmentURL(ctx context.Context, attachmentID string) (string, error)
}

// UploadInfo duplicates transport.AttachmentUploadInfo's shape: either a
// presigned PUT URL, or a presigned POST policy document whose Fields
// must be echoed verbatim as multipart form fields ahead of the file
// part (§4.8).
type UploadInfo struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields,omitempty"`
}

// maxReencodeDimension bounds the re-encoded image's longer edge; larger
// sources are downscaled before WEBP encoding, the same "don't ship a
// phone-camera-resolution original" policy most messaging clients apply
// to shrink both bandwidth and the WEBP encoder's O(width*height) cost.
const maxReencodeDimension = 2048

// blurhashComponents is the DCT grid size passed to blurhash.Encode —
// 4x3 is the upstream blurhash reference implementation's own suggested
// default for a typical photo aspect ratio.
const blurhashComponentsX = 4
const blurhashComponentsY = 3
