package data

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/core/dtypes"

	"github.com/kustomzone/StableCascade/models/clip"
)

var (
	syntheticColors = []struct {
		name string
		rgb  color.NRGBA
	}{
		{"red", color.NRGBA{220, 40, 40, 255}},
		{"green", color.NRGBA{40, 180, 70, 255}},
		{"blue", color.NRGBA{50, 90, 220, 255}},
		{"yellow", color.NRGBA{230, 200, 50, 255}},
		{"purple", color.NRGBA{150, 60, 190, 255}},
	}
	syntheticShapes = []string{"square", "circle", "stripe"}
)

// Synthetic is an infinite dataset of procedurally drawn images with
// matching captions, used by tests and dry runs. It implements
// train.Dataset; Yield returns the inputs [images, clipImages, tokens] and
// no labels.
type Synthetic struct {
	batchSize     int
	imageSize     int
	clipImageSize int
	tokenizer     *clip.Tokenizer
	crop          SmartCropConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthetic creates the dataset. clipImageSize is usually ClipImageSize
// but tests shrink it.
func NewSynthetic(batchSize, imageSize, clipImageSize int, tokenizer *clip.Tokenizer, seed int64) *Synthetic {
	return &Synthetic{
		batchSize:     batchSize,
		imageSize:     imageSize,
		clipImageSize: clipImageSize,
		tokenizer:     tokenizer,
		crop:          DefaultSmartCrop(),
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Name implements train.Dataset.
func (ds *Synthetic) Name() string { return "synthetic" }

// Reset implements train.Dataset. The dataset is infinite, so there is
// nothing to rewind.
func (ds *Synthetic) Reset() {}

// Yield implements train.Dataset.
func (ds *Synthetic) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	trainImgs := make([]image.Image, ds.batchSize)
	clipImgs := make([]image.Image, ds.batchSize)
	tokens := make([][]int32, ds.batchSize)
	for i := range ds.batchSize {
		img, caption := ds.drawExample()
		trainImgs[i] = ds.crop.Crop(img, ds.imageSize, ds.rng)
		clipImgs[i] = CenterFit(img, ds.clipImageSize)
		tokens[i] = ds.tokenizer.Tokenize(caption)
	}

	inputs = []*tensors.Tensor{
		images.ToTensor(dtypes.Float32).Batch(trainImgs),
		images.ToTensor(dtypes.Float32).Batch(clipImgs),
		tensors.FromValue(tokens),
	}
	return ds, inputs, nil, nil
}

// drawExample renders one image slightly larger than the crop target, so the
// smart crop has room to randomize, and builds its caption.
func (ds *Synthetic) drawExample() (image.Image, string) {
	colorChoice := syntheticColors[ds.rng.Intn(len(syntheticColors))]
	shape := syntheticShapes[ds.rng.Intn(len(syntheticShapes))]
	background := syntheticColors[ds.rng.Intn(len(syntheticColors))]

	size := ds.imageSize + ds.imageSize/2
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, background.rgb)
		}
	}

	cx, cy := size/2, size/2
	radius := size / 4
	for y := cy - radius; y < cy+radius; y++ {
		for x := cx - radius; x < cx+radius; x++ {
			switch shape {
			case "square":
				img.SetNRGBA(x, y, colorChoice.rgb)
			case "circle":
				dx, dy := x-cx, y-cy
				if dx*dx+dy*dy <= radius*radius {
					img.SetNRGBA(x, y, colorChoice.rgb)
				}
			case "stripe":
				if (y-cy+radius)%8 < 4 {
					img.SetNRGBA(x, y, colorChoice.rgb)
				}
			}
		}
	}

	caption := fmt.Sprintf("a %s %s on a %s background", colorChoice.name, shape, background.name)
	return img, caption
}
