package blurhash

import (
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestEncodeLengthMatchesComponentCount(t *testing.T) {
	img := solidImage(32, 24, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	hash, err := Encode(img, 4, 3)
	require.NoError(t, err)
	// 1 (size flag) + 1 (max AC) + 4 (DC) + 2*(4*3-1) AC components
	assert.Equal(t, 1+1+4+2*11, len(hash))
}

func TestEncodeUsesOnlyBase83Alphabet(t *testing.T) {
	img := solidImage(16, 16, color.RGBA{R: 30, G: 200, B: 90, A: 255})
	hash, err := Encode(img, 3, 3)
	require.NoError(t, err)
	for _, r := range hash {
		assert.True(t, strings.ContainsRune(alphabet, r), "unexpected char %q", r)
	}
}

func TestEncodeRejectsOutOfRangeComponents(t *testing.T) {
	img := solidImage(4, 4, color.White)
	_, err := Encode(img, 0, 3)
	assert.Error(t, err)
	_, err = Encode(img, 3, 10)
	assert.Error(t, err)
}

func TestEncodeRejectsZeroArea(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 0, 0))
	_, err := Encode(img, 4, 3)
	assert.Error(t, err)
}

func TestEncodeDeterministicForSameInput(t *testing.T) {
	img := solidImage(20, 15, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	a, err := Encode(img, 4, 3)
	require.NoError(t, err)
	b, err := Encode(img, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
