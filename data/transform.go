package data

import (
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
)

// SmartCropConfig controls the training-time crop. With probability
// RandomizeP the source is scaled up by up to RandomizeQ and the crop window
// placed at a random position; otherwise the crop is a plain center fill.
type SmartCropConfig struct {
	RandomizeP float64
	RandomizeQ float64
}

// DefaultSmartCrop returns the production crop randomization.
func DefaultSmartCrop() SmartCropConfig {
	return SmartCropConfig{RandomizeP: 0.3, RandomizeQ: 0.2}
}

// Crop resizes and crops img to a size x size square. rng drives the
// randomized branch; it must not be shared across goroutines.
func (c SmartCropConfig) Crop(img image.Image, size int, rng *rand.Rand) image.Image {
	if rng.Float64() >= c.RandomizeP {
		return imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
	}

	// Randomized branch: overscale the short side and crop at a random
	// offset inside the enlarged image.
	scale := 1 + rng.Float64()*c.RandomizeQ
	short := int(float64(size)*scale + 0.5)
	resized := resizeShortSide(img, short)
	bounds := resized.Bounds()
	maxX := bounds.Dx() - size
	maxY := bounds.Dy() - size
	x := 0
	if maxX > 0 {
		x = rng.Intn(maxX + 1)
	}
	y := 0
	if maxY > 0 {
		y = rng.Intn(maxY + 1)
	}
	return imaging.Crop(resized, image.Rect(
		bounds.Min.X+x, bounds.Min.Y+y,
		bounds.Min.X+x+size, bounds.Min.Y+y+size))
}

// resizeShortSide scales img preserving aspect ratio so its shorter side is
// exactly short pixels.
func resizeShortSide(img image.Image, short int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < h {
		return imaging.Resize(img, short, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, short, imaging.Lanczos)
}

// CenterFit resizes and center-crops img to a square, the deterministic
// transform of the CLIP input path.
func CenterFit(img image.Image, size int) image.Image {
	return imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
}
