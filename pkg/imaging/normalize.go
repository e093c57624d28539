package imaging

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/opyter/cromqc/pkg/config"
)

// Tensor is a single image in CHW layout, float32, channel-normalized.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// Shape returns the batched NCHW shape expected by the model server.
func (t *Tensor) Shape() []int {
	return []int{1, t.Channels, t.Height, t.Width}
}

// At returns the value at channel c, row y, column x.
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[c*t.Height*t.Width+y*t.Width+x]
}

// Normalizer resizes an image to the model input size and applies
// per-channel (v/255 - mean) / std.
type Normalizer struct {
	width  int
	height int
	mean   [3]float32
	std    [3]float32
}

// NewNormalizer creates a normalizer from the imaging configuration
func NewNormalizer(cfg config.ImagingConfig) (*Normalizer, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resize dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if len(cfg.Mean) != 3 || len(cfg.Std) != 3 {
		return nil, fmt.Errorf("mean and std need 3 channel values, got %d and %d", len(cfg.Mean), len(cfg.Std))
	}

	n := &Normalizer{width: cfg.Width, height: cfg.Height}
	for i := 0; i < 3; i++ {
		if cfg.Std[i] == 0 {
			return nil, fmt.Errorf("std[%d] must not be zero", i)
		}
		n.mean[i] = float32(cfg.Mean[i])
		n.std[i] = float32(cfg.Std[i])
	}
	return n, nil
}

// Normalize produces the model input tensor for img.
func (n *Normalizer) Normalize(img image.Image) (*Tensor, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	src := img.Bounds()
	if src.Empty() {
		return nil, fmt.Errorf("empty image bounds %v", src)
	}

	resized := image.NewRGBA(image.Rect(0, 0, n.width, n.height))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, src, draw.Src, nil)

	plane := n.width * n.height
	t := &Tensor{
		Channels: 3,
		Height:   n.height,
		Width:    n.width,
		Data:     make([]float32, 3*plane),
	}

	for y := 0; y < n.height; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < n.width; x++ {
			px := row[x*4 : x*4+3]
			idx := y*n.width + x
			for c := 0; c < 3; c++ {
				t.Data[c*plane+idx] = (float32(px[c])/255 - n.mean[c]) / n.std[c]
			}
		}
	}

	return t, nil
}
