package engine

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"imageflow/tensor"
)

// TensorToImage converts a [B, 3, H, W] tensor with values in [0, 1] to an
// image.RGBA. Only the first batch entry is used.
func TensorToImage(t *tensor.Tensor) (*image.RGBA, error) {
	if t.Ndim() != 4 || t.Shape[1] != 3 {
		return nil, fmt.Errorf("expected [B, 3, H, W] tensor, got %v", t.Shape)
	}
	h, w := int(t.Shape[2]), int(t.Shape[3])
	plane := h * w

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			img.SetRGBA(x, y, color.RGBA{
				R: to8(t.Data[i]),
				G: to8(t.Data[plane+i]),
				B: to8(t.Data[2*plane+i]),
				A: 255,
			})
		}
	}
	return img, nil
}

func to8(v float32) uint8 {
	return uint8(clampF(v, 0, 1)*255 + 0.5)
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SaveImage writes a [B, 3, H, W] tensor as a PNG file.
func SaveImage(t *tensor.Tensor, path string) error {
	img, err := TensorToImage(t)
	if err != nil {
		return err
	}

	if filepath.Ext(path) != ".png" {
		path += ".png"
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return png.Encode(f, img)
}

// EncodeImageBase64 encodes a [B, 3, H, W] tensor as a base64 PNG.
func EncodeImageBase64(t *tensor.Tensor) (string, error) {
	img, err := TensorToImage(t)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// LoadImage reads and decodes an image file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	return img, nil
}

// ImageToTensor converts an image to a [1, 3, H, W] tensor in [0, 1],
// resizing to width x height when the source differs.
func ImageToTensor(img image.Image, width, height int32) *tensor.Tensor {
	bounds := img.Bounds()
	if int32(bounds.Dx()) != width || int32(bounds.Dy()) != height {
		dst := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
		draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
		bounds = dst.Bounds()
	}

	h, w := int(height), int(width)
	plane := h * w
	out := tensor.Zeros(1, 3, int32(h), int32(w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*w + x
			out.Data[i] = float32(r) / 0xffff
			out.Data[plane+i] = float32(g) / 0xffff
			out.Data[2*plane+i] = float32(b) / 0xffff
		}
	}
	return out
}
