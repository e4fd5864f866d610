// Package blurhash implements the published blurhash algorithm: a DCT
// over every pixel of the image it is given (it does no downsampling of
// its own), packed into a short base83 string. No
// package in the example corpus implements this, and the algorithm is
// small and fully specified, so this is a self-contained port rather
// than an ecosystem dependency (see DESIGN.md).
package blurhash

import (
	"image"
	"math"

	"github.com/aethermsg/chatcore/errors"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz#$%*+,-.:;=?@[]^_{|}~"

// Encode computes the blurhash of img using componentsX by componentsY
// DCT components (each in [1,9], per the published spec).
func Encode(img image.Image, componentsX, componentsY int) (string, error) {
	if componentsX < 1 || componentsX > 9 || componentsY < 1 || componentsY > 9 {
		return "", errors.Newf("blurhash: components must be in [1,9], got %dx%d", componentsX, componentsY)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return "", errors.New("blurhash: image has zero area")
	}

	factors := make([][3]float64, componentsX*componentsY)
	for j := 0; j < componentsY; j++ {
		for i := 0; i < componentsX; i++ {
			factors[j*componentsX+i] = multiplyBasisFunction(img, bounds, i, j)
		}
	}

	dc := factors[0]
	acCount := componentsX*componentsY - 1

	var maxAC float64
	for _, f := range factors[1:] {
		maxAC = math.Max(maxAC, math.Abs(f[0]))
		maxAC = math.Max(maxAC, math.Abs(f[1]))
		maxAC = math.Max(maxAC, math.Abs(f[2]))
	}

	hash := make([]byte, 0, 4+2+4*acCount)

	sizeFlag := (componentsX - 1) + (componentsY-1)*9
	hash = appendBase83(hash, sizeFlag, 1)

	var quantizedMax int
	if acCount > 0 {
		quantizedMax = int(math.Max(0, math.Min(82, math.Floor(maxAC*166-0.5))))
	}
	hash = appendBase83(hash, quantizedMax, 1)

	hash = appendBase83(hash, encodeDC(dc), 4)
	for _, f := range factors[1:] {
		hash = appendBase83(hash, encodeAC(f, float64(quantizedMax+1)/166), 2)
	}

	return string(hash), nil
}

// multiplyBasisFunction integrates img against the (i,j) 2D DCT basis
// function over the normalized [0,1]x[0,1] plane, returning its linear
// RGB coefficients.
func multiplyBasisFunction(img image.Image, bounds image.Rectangle, i, j int) [3]float64 {
	var r, g, b float64
	width, height := bounds.Dx(), bounds.Dy()
	normalize := 1.0
	if !(i == 0 && j == 0) {
		normalize = 2.0
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			basis := math.Cos(math.Pi*float64(i)*float64(x)/float64(width)) *
				math.Cos(math.Pi*float64(j)*float64(y)/float64(height))
			pr, pg, pb, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			r += basis * srgbToLinear(byte(pr>>8))
			g += basis * srgbToLinear(byte(pg>>8))
			b += basis * srgbToLinear(byte(pb>>8))
		}
	}

	scale := normalize / float64(width*height)
	return [3]float64{r * scale, g * scale, b * scale}
}

func srgbToLinear(v byte) float64 {
	f := float64(v) / 255
	if f <= 0.04045 {
		return f / 12.92
	}
	return math.Pow((f+0.055)/1.055, 2.4)
}

func linearToSRGB(v float64) int {
	v = math.Max(0, math.Min(1, v))
	var f float64
	if v <= 0.0031308 {
		f = v * 12.92
	} else {
		f = 1.055*math.Pow(v, 1/2.4) - 0.055
	}
	return int(math.Round(f * 255))
}

func encodeDC(c [3]float64) int {
	r := linearToSRGB(c[0])
	g := linearToSRGB(c[1])
	b := linearToSRGB(c[2])
	return (r << 16) + (g << 8) + b
}

func encodeAC(c [3]float64, maximumValue float64) int {
	quantize := func(v float64) int {
		q := math.Floor(signedPow(v/maximumValue, 0.5)*9 + 9.5)
		return int(math.Max(0, math.Min(18, q)))
	}
	return quantize(c[0])*19*19 + quantize(c[1])*19 + quantize(c[2])
}

func signedPow(v, exp float64) float64 {
	if v < 0 {
		return -math.Pow(-v, exp)
	}
	return math.Pow(v, exp)
}

func appendBase83(dst []byte, value, length int) []byte {
	digits := make([]byte, length)
	for i := length - 1; i >= 0; i-- {
		digits[i] = alphabet[value%83]
		value /= 83
	}
	return append(dst, digits...)
}
