package model

import (
	"fmt"
	"log/slog"

	"imageflow/nn"
	"imageflow/safetensors"
	"imageflow/tensor"
)

// DecoderConfig describes the latent decoder. ScaleFactor is the spatial
// ratio between pixels and latent cells; ScalingFactor is the scalar the
// diffusion process applies to encoded latents.
type DecoderConfig struct {
	LatentChannels int32   `json:"latent_channels"`
	ScaleFactor    int32   `json:"scale_factor"`
	ScalingFactor  float32 `json:"scaling_factor"`
}

// Decoder maps between latent space and pixel space. Each latent cell
// corresponds to a ScaleFactor-square pixel patch through a learned linear
// projection, in both directions.
type Decoder struct {
	cfg *DecoderConfig

	convOut nn.LinearLayer // [3*f*f, C]
	convIn  nn.LinearLayer // [C, 3*f*f]
}

// Config returns the topology this decoder was built with.
func (d *Decoder) Config() *DecoderConfig { return d.cfg }

// LoadDecoder materializes a Decoder from an open checkpoint.
func LoadDecoder(src *safetensors.File, cfg *DecoderConfig, log *slog.Logger) (*Decoder, error) {
	if cfg == nil {
		cfg = &DecoderConfig{LatentChannels: 16, ScaleFactor: 8, ScalingFactor: 1}
	}
	if cfg.ScalingFactor == 0 {
		cfg.ScalingFactor = 1
	}

	d := &Decoder{cfg: cfg}
	patch := 3 * cfg.ScaleFactor * cfg.ScaleFactor

	g := NewGraphSpec()
	g.Linear("decoder.conv_out", cfg.LatentChannels, patch, func(l nn.LinearLayer) { d.convOut = l })
	g.Linear("encoder.conv_in", patch, cfg.LatentChannels, func(l nn.LinearLayer) { d.convIn = l })

	if err := NewBuilder(g, log).Load(src); err != nil {
		return nil, fmt.Errorf("load decoder from %s: %w", src.Path(), err)
	}
	return d, nil
}

// Decode maps [B, C, h, w] latents to [B, 3, h*f, w*f] pixels in [0, 1].
func (d *Decoder) Decode(latents *tensor.Tensor) *tensor.Tensor {
	b, c, h, w := latents.Shape[0], latents.Shape[1], latents.Shape[2], latents.Shape[3]
	f := d.cfg.ScaleFactor

	// Gather each latent cell's channel vector into a row.
	cells := tensor.Zeros(b*h*w, c)
	for bi := int32(0); bi < b; bi++ {
		for y := int32(0); y < h; y++ {
			for x := int32(0); x < w; x++ {
				row := ((bi*h+y)*w + x) * c
				for ci := int32(0); ci < c; ci++ {
					cells.Data[row+ci] = latents.Data[((bi*c+ci)*h+y)*w+x] / d.cfg.ScalingFactor
				}
			}
		}
	}

	patches := d.convOut.Forward(cells) // [b*h*w, 3*f*f]

	out := tensor.Zeros(b, 3, h*f, w*f)
	for bi := int32(0); bi < b; bi++ {
		for y := int32(0); y < h; y++ {
			for x := int32(0); x < w; x++ {
				row := ((bi*h+y)*w + x) * 3 * f * f
				for ci := int32(0); ci < 3; ci++ {
					for py := int32(0); py < f; py++ {
						for px := int32(0); px < f; px++ {
							v := (patches.Data[row+(ci*f+py)*f+px] + 1) / 2
							if v < 0 {
								v = 0
							} else if v > 1 {
								v = 1
							}
							out.Data[((bi*3+ci)*(h*f)+y*f+py)*(w*f)+x*f+px] = v
						}
					}
				}
			}
		}
	}
	return out
}

// Encode maps [B, 3, H, W] pixels in [0, 1] to [B, C, H/f, W/f] latents.
// Pixel dimensions must be multiples of the scale factor.
func (d *Decoder) Encode(pixels *tensor.Tensor) (*tensor.Tensor, error) {
	b, ch, hp, wp := pixels.Shape[0], pixels.Shape[1], pixels.Shape[2], pixels.Shape[3]
	f := d.cfg.ScaleFactor
	if ch != 3 || hp%f != 0 || wp%f != 0 {
		return nil, fmt.Errorf("cannot encode %v pixels with scale factor %d", pixels.Shape, f)
	}
	h, w := hp/f, wp/f
	c := d.cfg.LatentChannels

	patches := tensor.Zeros(b*h*w, 3*f*f)
	for bi := int32(0); bi < b; bi++ {
		for y := int32(0); y < h; y++ {
			for x := int32(0); x < w; x++ {
				row := ((bi*h+y)*w + x) * 3 * f * f
				for ci := int32(0); ci < 3; ci++ {
					for py := int32(0); py < f; py++ {
						for px := int32(0); px < f; px++ {
							v := pixels.Data[((bi*3+ci)*hp+y*f+py)*wp+x*f+px]
							patches.Data[row+(ci*f+py)*f+px] = v*2 - 1
						}
					}
				}
			}
		}
	}

	cells := d.convIn.Forward(patches) // [b*h*w, C]

	out := tensor.Zeros(b, c, h, w)
	for bi := int32(0); bi < b; bi++ {
		for y := int32(0); y < h; y++ {
			for x := int32(0); x < w; x++ {
				row := ((bi*h+y)*w + x) * c
				for ci := int32(0); ci < c; ci++ {
					out.Data[((bi*c+ci)*h+y)*w+x] = cells.Data[row+ci] * d.cfg.ScalingFactor
				}
			}
		}
	}
	return out, nil
}
