// Package vision turns an image into a block of embedding rows and splices
// them into a prompt's embedding sequence.
package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/samcharles93/tessera/internal/backend"
	"github.com/samcharles93/tessera/internal/bf16"
)

// LoadImage decodes a PNG, JPEG or WebP file.
func LoadImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeImage(bytes.NewReader(data))
}

// DecodeImage decodes a PNG, JPEG or WebP stream.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("vision: decode image: %w", err)
	}
	return img, nil
}

// Normalization is the per-channel mean and std applied for float inputs.
type Normalization struct {
	Mean [3]float32 `yaml:"mean"`
	Std  [3]float32 `yaml:"std"`
}

// ImageNet is the usual normalization of ViT encoders.
var ImageNet = Normalization{
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

func (n Normalization) orDefault() Normalization {
	if n.Std == ([3]float32{}) {
		return ImageNet
	}
	return n
}

// Resize composites img onto white and scales it to w x h with bilinear filtering.
func Resize(img image.Image, w, h int) *image.RGBA {
	b := img.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, b.Min, draw.Over)
	if b.Dx() == w && b.Dy() == h {
		return flat
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), flat, flat.Bounds(), draw.Src, nil)
	return dst
}

// Preprocess resizes img to the encoder input and writes it into t, which is
// either u8 [1,H,W,3] (RGB, HWC) or bf16 [1,3,H,W] (normalized, CHW).
func Preprocess(img image.Image, t *backend.Tensor, norm Normalization) error {
	h, w, err := inputSize(t)
	if err != nil {
		return err
	}
	rgba := Resize(img, w, h)
	switch t.DType {
	case backend.U8:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				src := rgba.PixOffset(x, y)
				dst := (y*w + x) * 3
				copy(t.Data[dst:dst+3], rgba.Pix[src:src+3])
			}
		}
	case backend.BF16:
		n := norm.orDefault()
		plane := h * w
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				src := rgba.PixOffset(x, y)
				for c := 0; c < 3; c++ {
					v := (float32(rgba.Pix[src+c])/255 - n.Mean[c]) / n.Std[c]
					bf16.Put(t.Data, c*plane+y*w+x, bf16.FromFloat32(v))
				}
			}
		}
	default:
		return fmt.Errorf("vision: unsupported encoder input dtype %s", t.DType)
	}
	return nil
}

// inputSize reads the image height and width from an encoder input tensor.
func inputSize(t *backend.Tensor) (h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, fmt.Errorf("vision: encoder input %s is not rank 4", t)
	}
	switch t.DType {
	case backend.U8:
		if t.Dim(0) != 3 {
			return 0, 0, fmt.Errorf("vision: encoder input %s is not HWC RGB", t)
		}
		return t.Dim(2), t.Dim(1), nil
	case backend.BF16:
		if t.Dim(2) != 3 {
			return 0, 0, fmt.Errorf("vision: encoder input %s is not CHW RGB", t)
		}
		return t.Dim(1), t.Dim(0), nil
	default:
		return 0, 0, fmt.Errorf("vision: unsupported encoder input dtype %s", t.DType)
	}
}
