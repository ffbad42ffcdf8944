package model

import (
	"fmt"
	"log/slog"
	"math"

	"imageflow/nn"
	"imageflow/safetensors"
	"imageflow/tensor"
)

// tEmbedDim is the width of the timestep embedding stream. Fixed by the
// checkpoint layout, independent of model dim.
const tEmbedDim = 256

// seqAlign pads the unified token sequence to a multiple of this length
// using the learned pad token.
const seqAlign = 8

// Transformer is the flow-matching denoiser: a stack of attention blocks
// over the concatenation of patchified image tokens and caption tokens,
// modulated by the timestep embedding.
type Transformer struct {
	cfg *Config

	tEmbed1 nn.LinearLayer
	tEmbed2 nn.LinearLayer
	xEmbed  nn.LinearLayer
	capNorm *nn.RMSNorm
	capProj nn.LinearLayer

	blocks []*Block

	finalAdaLN  nn.LinearLayer
	finalLinear nn.LinearLayer

	xPadToken   *tensor.Tensor
	capPadToken *tensor.Tensor

	stats LoadStats
}

// Block is one transformer layer: self-attention and a SwiGLU feed-forward,
// each behind an RMSNorm, gated and scaled by timestep modulation.
type Block struct {
	attnQ, attnK, attnV, attnOut nn.LinearLayer
	ffnW1, ffnW2, ffnW3          nn.LinearLayer
	attnNorm, ffnNorm            *nn.RMSNorm
	adaLN                        nn.LinearLayer

	nHeads  int32
	headDim int32
}

// Config returns the topology this model was built with.
func (m *Transformer) Config() *Config { return m.cfg }

// Stats returns counters from the checkpoint pass that built this model.
func (m *Transformer) Stats() LoadStats { return m.stats }

// Spec declares the full parameter topology for cfg. No float storage is
// allocated; every slot is a placeholder until a Builder materializes it.
func Spec(cfg *Config, m *Transformer) *GraphSpec {
	d := cfg.Dim
	g := NewGraphSpec()

	g.Linear("t_embedder.mlp.0", tEmbedDim, tEmbedDim, func(l nn.LinearLayer) { m.tEmbed1 = l })
	g.Linear("t_embedder.mlp.2", tEmbedDim, tEmbedDim, func(l nn.LinearLayer) { m.tEmbed2 = l })
	g.Linear("x_embedder", cfg.PatchDim(), d, func(l nn.LinearLayer) { m.xEmbed = l })
	g.Param("cap_embedder.norm.weight", []int32{cfg.CapFeatDim}, func(t *tensor.Tensor) {
		m.capNorm = nn.NewRMSNorm(t, cfg.NormEps)
	})
	g.Linear("cap_embedder.proj", cfg.CapFeatDim, d, func(l nn.LinearLayer) { m.capProj = l })

	m.blocks = make([]*Block, cfg.NLayers)
	for i := range m.blocks {
		blk := &Block{nHeads: cfg.NHeads, headDim: d / cfg.NHeads}
		m.blocks[i] = blk

		prefix := fmt.Sprintf("layers.%d.", i)
		g.Linear(prefix+"attention.to_q", d, d, func(l nn.LinearLayer) { blk.attnQ = l })
		g.Linear(prefix+"attention.to_k", d, d, func(l nn.LinearLayer) { blk.attnK = l })
		g.Linear(prefix+"attention.to_v", d, d, func(l nn.LinearLayer) { blk.attnV = l })
		g.Linear(prefix+"attention.to_out", d, d, func(l nn.LinearLayer) { blk.attnOut = l })
		g.Linear(prefix+"feed_forward.w1", d, cfg.HiddenDim, func(l nn.LinearLayer) { blk.ffnW1 = l })
		g.Linear(prefix+"feed_forward.w2", cfg.HiddenDim, d, func(l nn.LinearLayer) { blk.ffnW2 = l })
		g.Linear(prefix+"feed_forward.w3", d, cfg.HiddenDim, func(l nn.LinearLayer) { blk.ffnW3 = l })
		g.Linear(prefix+"adaln", tEmbedDim, 4*d, func(l nn.LinearLayer) { blk.adaLN = l })
		g.Param(prefix+"attention_norm.weight", []int32{d}, func(t *tensor.Tensor) {
			blk.attnNorm = nn.NewRMSNorm(t, cfg.NormEps)
		})
		g.Param(prefix+"ffn_norm.weight", []int32{d}, func(t *tensor.Tensor) {
			blk.ffnNorm = nn.NewRMSNorm(t, cfg.NormEps)
		})
	}

	g.Linear("final_layer.adaln", tEmbedDim, 2*d, func(l nn.LinearLayer) { m.finalAdaLN = l })
	g.Linear("final_layer.linear", d, cfg.PatchDim(), func(l nn.LinearLayer) { m.finalLinear = l })

	// Pad tokens have a safe zero default.
	g.ParamZeroFill("x_pad_token", []int32{d}, func(t *tensor.Tensor) { m.xPadToken = t })
	g.ParamZeroFill("cap_pad_token", []int32{d}, func(t *tensor.Tensor) { m.capPadToken = t })

	return g
}

// LoadTransformer materializes a Transformer from an open checkpoint.
// cfg may be nil; structural fields are then derived from the index.
func LoadTransformer(src *safetensors.File, cfg *Config, log *slog.Logger) (*Transformer, error) {
	cfg, err := DeriveConfig(cfg, src)
	if err != nil {
		return nil, err
	}

	m := &Transformer{cfg: cfg}
	builder := NewBuilder(Spec(cfg, m), log)
	if err := builder.Load(src); err != nil {
		return nil, fmt.Errorf("load transformer from %s: %w", src.Path(), err)
	}
	m.stats = builder.Stats()
	return m, nil
}

// Forward predicts velocity for patchified latents x of shape [B, L, patchDim]
// at timestep t, conditioned on per-batch caption features caps, each of
// shape [Li, capFeatDim]. Captions of unequal length are padded with the
// learned caption pad token. The output has x's shape.
func (m *Transformer) Forward(x *tensor.Tensor, t float32, caps []*tensor.Tensor) *tensor.Tensor {
	batch, imgLen := x.Shape[0], x.Shape[1]
	d := m.cfg.Dim

	temb := m.embedTimestep(t) // [1, tEmbedDim]

	capLen := int32(0)
	for _, c := range caps {
		if c.Shape[0] > capLen {
			capLen = c.Shape[0]
		}
	}

	total := imgLen + capLen
	if rem := total % seqAlign; rem != 0 {
		total += seqAlign - rem
	}

	out := tensor.Zeros(batch, imgLen, m.cfg.PatchDim())
	for b := int32(0); b < batch; b++ {
		tokens := tensor.Zeros(total, d)

		img := m.xEmbed.Forward(x.Batch(b)) // [imgLen, d]
		copy(tokens.Data[:int(imgLen)*int(d)], img.Data)

		capTok := m.capProj.Forward(m.capNorm.Forward(caps[b], 0)) // [Li, d]
		copy(tokens.Data[int(imgLen)*int(d):], capTok.Data)
		for l := imgLen + capTok.Shape[0]; l < imgLen+capLen; l++ {
			copy(tokens.Data[int(l)*int(d):int(l+1)*int(d)], m.capPadToken.Data)
		}
		for l := imgLen + capLen; l < total; l++ {
			copy(tokens.Data[int(l)*int(d):int(l+1)*int(d)], m.xPadToken.Data)
		}

		for _, blk := range m.blocks {
			tokens = blk.forward(tokens, temb)
		}

		final := m.finalForward(&tensor.Tensor{
			Data:  tokens.Data[:int(imgLen)*int(d)],
			Shape: []int32{imgLen, d},
		}, temb)
		copy(out.Batch(b).Data, final.Data)
	}
	return out
}

// embedTimestep maps a scalar timestep to the embedding stream: sinusoidal
// frequencies through a two-layer MLP with SiLU.
func (m *Transformer) embedTimestep(t float32) *tensor.Tensor {
	freqs := sinusoidalEmbedding(t, tEmbedDim)
	h := tensor.SiLU(m.tEmbed1.Forward(freqs))
	return m.tEmbed2.Forward(h)
}

// sinusoidalEmbedding produces the standard [1, dim] frequency embedding of
// t scaled by 1000.
func sinusoidalEmbedding(t float32, dim int32) *tensor.Tensor {
	half := int(dim) / 2
	out := tensor.Zeros(1, dim)
	for i := 0; i < half; i++ {
		freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
		arg := float64(t) * 1000 * freq
		out.Data[i] = float32(math.Cos(arg))
		out.Data[half+i] = float32(math.Sin(arg))
	}
	return out
}

func (blk *Block) forward(x *tensor.Tensor, temb *tensor.Tensor) *tensor.Tensor {
	d := blk.nHeads * blk.headDim

	mod := blk.adaLN.Forward(tensor.SiLU(temb)).Data // [1, 4d]
	scaleMSA, gateMSA := mod[:d], mod[d:2*d]
	scaleMLP, gateMLP := mod[2*d:3*d], mod[3*d:4*d]

	h := blk.attnNorm.Forward(x, 0)
	modulateRows(h, scaleMSA)
	attn := blk.attention(h)
	gateRows(attn, gateMSA)
	x = tensor.Add(x, attn)

	h = blk.ffnNorm.Forward(x, 0)
	modulateRows(h, scaleMLP)
	ffn := blk.ffnW2.Forward(tensor.Mul(tensor.SiLU(blk.ffnW1.Forward(h)), blk.ffnW3.Forward(h)))
	gateRows(ffn, gateMLP)
	return tensor.Add(x, ffn)
}

// attention is multi-head self-attention over [L, d] tokens.
func (blk *Block) attention(x *tensor.Tensor) *tensor.Tensor {
	q := blk.attnQ.Forward(x)
	k := blk.attnK.Forward(x)
	v := blk.attnV.Forward(x)

	L := x.Shape[0]
	d := blk.nHeads * blk.headDim
	out := tensor.Zeros(L, d)
	scale := float32(1 / math.Sqrt(float64(blk.headDim)))

	for h := int32(0); h < blk.nHeads; h++ {
		off := h * blk.headDim
		qh := sliceCols(q, off, blk.headDim)
		kh := sliceCols(k, off, blk.headDim)
		vh := sliceCols(v, off, blk.headDim)

		scores := tensor.SoftmaxRows(tensor.MulScalar(tensor.MatMulT(qh, kh), scale))
		writeCols(out, tensor.MatMul(scores, vh), off)
	}
	return blk.attnOut.Forward(out)
}

// finalForward applies the output head: non-affine layer norm modulated by
// scale and shift from the timestep embedding, then projection back to
// patch features.
func (m *Transformer) finalForward(x *tensor.Tensor, temb *tensor.Tensor) *tensor.Tensor {
	d := m.cfg.Dim
	mod := m.finalAdaLN.Forward(tensor.SiLU(temb)).Data // [1, 2d]
	scale, shift := mod[:d], mod[d:2*d]

	h := layerNormRows(x)
	for r := int32(0); r < h.Shape[0]; r++ {
		row := h.Data[r*d : (r+1)*d]
		for i := range row {
			row[i] = row[i]*(1+scale[i]) + shift[i]
		}
	}
	return m.finalLinear.Forward(h)
}

// layerNormRows normalizes each row to zero mean and unit variance, no
// learned affine.
func layerNormRows(x *tensor.Tensor) *tensor.Tensor {
	dim := int(x.Dim(-1))
	out := tensor.Zeros(x.Shape...)
	for off := 0; off < len(x.Data); off += dim {
		row := x.Data[off : off+dim]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)
		inv := 1 / math.Sqrt(variance+1e-6)
		dst := out.Data[off : off+dim]
		for i, v := range row {
			dst[i] = float32((float64(v) - mean) * inv)
		}
	}
	return out
}

// modulateRows applies x = x * (1 + scale) per row in place.
func modulateRows(x *tensor.Tensor, scale []float32) {
	cols := int(x.Dim(-1))
	for off := 0; off < len(x.Data); off += cols {
		row := x.Data[off : off+cols]
		for i := range row {
			row[i] *= 1 + scale[i]
		}
	}
}

// gateRows applies x = x * tanh(gate) per row in place.
func gateRows(x *tensor.Tensor, gate []float32) {
	cols := int(x.Dim(-1))
	for off := 0; off < len(x.Data); off += cols {
		row := x.Data[off : off+cols]
		for i := range row {
			row[i] *= float32(math.Tanh(float64(gate[i])))
		}
	}
}

// sliceCols copies columns [off, off+width) of a [L, d] tensor into a
// contiguous [L, width] tensor.
func sliceCols(x *tensor.Tensor, off, width int32) *tensor.Tensor {
	L, d := x.Shape[0], x.Shape[1]
	out := tensor.Zeros(L, width)
	for r := int32(0); r < L; r++ {
		copy(out.Data[r*width:(r+1)*width], x.Data[r*d+off:r*d+off+width])
	}
	return out
}

// writeCols copies a contiguous [L, width] tensor into columns
// [off, off+width) of a [L, d] tensor.
func writeCols(dst, src *tensor.Tensor, off int32) {
	L, d := dst.Shape[0], dst.Shape[1]
	width := src.Shape[1]
	for r := int32(0); r < L; r++ {
		copy(dst.Data[r*d+off:r*d+off+width], src.Data[r*width:(r+1)*width])
	}
}

// PatchifyLatents turns [B, C, H, W] latents into [B, (H/p)*(W/p), C*p*p]
// token sequences.
func PatchifyLatents(latents *tensor.Tensor, p int32) *tensor.Tensor {
	b, c, h, w := latents.Shape[0], latents.Shape[1], latents.Shape[2], latents.Shape[3]
	gh, gw := h/p, w/p
	out := tensor.Zeros(b, gh*gw, c*p*p)
	for bi := int32(0); bi < b; bi++ {
		for gy := int32(0); gy < gh; gy++ {
			for gx := int32(0); gx < gw; gx++ {
				tok := ((bi*gh+gy)*gw + gx) * c * p * p
				for ci := int32(0); ci < c; ci++ {
					for py := int32(0); py < p; py++ {
						for px := int32(0); px < p; px++ {
							src := ((bi*c+ci)*h+gy*p+py)*w + gx*p + px
							out.Data[tok+(ci*p+py)*p+px] = latents.Data[src]
						}
					}
				}
			}
		}
	}
	return out
}

// UnpatchifyLatents is the inverse of PatchifyLatents.
func UnpatchifyLatents(tokens *tensor.Tensor, c, h, w, p int32) *tensor.Tensor {
	b := tokens.Shape[0]
	gh, gw := h/p, w/p
	out := tensor.Zeros(b, c, h, w)
	for bi := int32(0); bi < b; bi++ {
		for gy := int32(0); gy < gh; gy++ {
			for gx := int32(0); gx < gw; gx++ {
				tok := ((bi*gh+gy)*gw + gx) * c * p * p
				for ci := int32(0); ci < c; ci++ {
					for py := int32(0); py < p; py++ {
						for px := int32(0); px < p; px++ {
							dst := ((bi*c+ci)*h+gy*p+py)*w + gx*p + px
							out.Data[dst] = tokens.Data[tok+(ci*p+py)*p+px]
						}
					}
				}
			}
		}
	}
	return out
}
