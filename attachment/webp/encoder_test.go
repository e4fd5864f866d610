package webp

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWritesRIFFWebPVP8LHeader(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 5))
	for y := 0; y < 5; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 20), G: uint8(y * 20), B: 100, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, img))
	out := buf.Bytes()

	require.True(t, len(out) > 20)
	assert.Equal(t, "RIFF", string(out[0:4]))
	riffSize := binary.LittleEndian.Uint32(out[4:8])
	assert.Equal(t, uint32(len(out)-8), riffSize)
	assert.Equal(t, "WEBP", string(out[8:12]))
	assert.Equal(t, "VP8L", string(out[12:16]))

	chunkSize := binary.LittleEndian.Uint32(out[16:20])
	assert.Equal(t, uint32(len(out)-20), chunkSize)

	assert.Equal(t, byte(0x2f), out[20], "VP8L signature byte")

	bits := uint32(out[21]) | uint32(out[22])<<8 | uint32(out[23])<<16 | uint32(out[24])<<24
	width := (bits & 0x3fff) + 1
	height := ((bits >> 14) & 0x3fff) + 1
	assert.Equal(t, uint32(8), width)
	assert.Equal(t, uint32(5), height)
}

func TestEncodeRejectsZeroArea(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 0, 0))
	var buf bytes.Buffer
	assert.Error(t, Encode(&buf, img))
}

func TestEncodeOpaqueImageClearsAlphaFlag(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, img))
	out := buf.Bytes()

	bits := uint32(out[21]) | uint32(out[22])<<8 | uint32(out[23])<<16 | uint32(out[24])<<24
	alphaFlag := (bits >> 28) & 1
	assert.Equal(t, uint32(0), alphaFlag)
}
