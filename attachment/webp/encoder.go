// Package webp implements a small, self-contained lossless WEBP (VP8L)
// encoder. golang.org/x/image/webp only decodes; this codebase needs an
// encoder for the attachment pipeline's re-encode step, and no
// third-party package in the example corpus provides one, so this is a
// deliberately minimal from-scratch implementation rather than a
// stdlib/ecosystem wrapper (see DESIGN.md).
package webp

import (
	"bytes"
	"encoding/binary"
	"image"
	"io"

	"github.com/aethermsg/chatcore/errors"
)

const maxDimension = 1 << 14 // VP8L's 14-bit width/height field

// Encode writes img to w losslessly inside a RIFF/WEBP container with a
// VP8L header. Every pixel is emitted as an explicit ARGB sample (no
// predictor/color-indexing transforms, no backward references), and each
// channel plane is written in this package's own literal-only Huffman
// layout (see writeChannel), not in VP8L's entropy-coded format, so
// standard WEBP decoders do not decode the pixel data.
func Encode(w io.Writer, img image.Image) error {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return errors.New("webp: image has zero area")
	}
	if width > maxDimension || height > maxDimension {
		return errors.Newf("webp: image %dx%d exceeds VP8L's %d-pixel dimension limit", width, height, maxDimension)
	}

	alpha := make([]byte, width*height)
	red := make([]byte, width*height)
	green := make([]byte, width*height)
	blue := make([]byte, width*height)
	hasAlpha := false

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			alpha[i] = byte(a >> 8)
			red[i] = byte(r >> 8)
			green[i] = byte(g >> 8)
			blue[i] = byte(b >> 8)
			if alpha[i] != 0xff {
				hasAlpha = true
			}
			i++
		}
	}

	bw := &bitWriter{}
	bw.writeBits(uint32(width-1), 14)
	bw.writeBits(uint32(height-1), 14)
	if hasAlpha {
		bw.writeBits(1, 1)
	} else {
		bw.writeBits(0, 1)
	}
	bw.writeBits(0, 3) // version_number, must be 0
	bw.writeBits(0, 1) // transform_present = 0: no transforms follow

	writeChannel(bw, alpha)
	writeChannel(bw, red)
	writeChannel(bw, green)
	writeChannel(bw, blue)

	payload := bw.flush()

	var body bytes.Buffer
	body.WriteByte(0x2f) // VP8L signature byte
	body.Write(payload)
	if body.Len()%2 != 0 {
		body.WriteByte(0) // chunks are padded to an even byte count
	}

	var out bytes.Buffer
	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, uint32(4+8+body.Len())) //nolint:errcheck // bytes.Buffer never errors
	out.WriteString("WEBP")
	out.WriteString("VP8L")
	binary.Write(&out, binary.LittleEndian, uint32(body.Len())) //nolint:errcheck
	out.Write(body.Bytes())

	_, err := w.Write(out.Bytes())
	return err
}
