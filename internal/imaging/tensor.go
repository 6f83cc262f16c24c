package imaging

import (
	"bytes"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
)

// Normalization holds per-channel statistics applied to pixel values in [0,1].
type Normalization struct {
	Mean [3]float64
	Std  [3]float64
}

// ImageNet is the normalization used by torchvision classification models.
var ImageNet = Normalization{
	Mean: [3]float64{0.485, 0.456, 0.406},
	Std:  [3]float64{0.229, 0.224, 0.225},
}

// Tensor is a batch of one channel-first image: [1][3][side][side].
type Tensor [][][][]float32

// ToTensor decodes the payload, resizes it to a side x side square and
// returns the normalized channel-first tensor.
func ToTensor(p domain.PreparedPayload, side int, norm Normalization) (Tensor, error) {
	if side <= 0 {
		return nil, fmt.Errorf("tensor side must be positive, got %d", side)
	}

	src, _, err := image.Decode(bytes.NewReader(p.Bytes()))
	if err != nil {
		return nil, domain.ErrInvalidImage(err)
	}

	sq := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.BiLinear.Scale(sq, sq.Bounds(), src, src.Bounds(), draw.Src, nil)

	chw := make([][][]float32, 3)
	for c := range chw {
		chw[c] = make([][]float32, side)
		for y := range chw[c] {
			chw[c][y] = make([]float32, side)
		}
	}

	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			i := sq.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float64(sq.Pix[i+c]) / 255.0
				chw[c][y][x] = float32((v - norm.Mean[c]) / norm.Std[c])
			}
		}
	}

	return Tensor{chw}, nil
}
