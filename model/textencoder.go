package model

import (
	"fmt"
	"log/slog"

	"imageflow/nn"
	"imageflow/safetensors"
	"imageflow/tensor"
)

// TextEncoderConfig describes the caption encoder topology.
type TextEncoderConfig struct {
	VocabSize int32 `json:"vocab_size"`
	HiddenDim int32 `json:"hidden_dim"`
	OutDim    int32 `json:"out_dim"`
	MaxLength int32 `json:"max_length"`
}

// TextEncoder turns a prompt into the caption feature sequence the
// transformer conditions on. Tokenization is byte-level: each prompt byte
// indexes the embedding table directly.
type TextEncoder struct {
	cfg *TextEncoderConfig

	embedding *tensor.Tensor // [vocab, hidden]
	norm      *nn.RMSNorm
	proj      nn.LinearLayer
}

// Config returns the topology this encoder was built with.
func (te *TextEncoder) Config() *TextEncoderConfig { return te.cfg }

// LoadTextEncoder materializes a TextEncoder from an open checkpoint.
func LoadTextEncoder(src *safetensors.File, cfg *TextEncoderConfig, log *slog.Logger) (*TextEncoder, error) {
	if cfg == nil {
		cfg = &TextEncoderConfig{VocabSize: 256, HiddenDim: 64, OutDim: 64, MaxLength: 128}
	}
	if cfg.MaxLength == 0 {
		cfg.MaxLength = 128
	}

	te := &TextEncoder{cfg: cfg}
	g := NewGraphSpec()
	g.Param("token_embedding.weight", []int32{cfg.VocabSize, cfg.HiddenDim}, func(t *tensor.Tensor) {
		te.embedding = t
	})
	g.Param("norm.weight", []int32{cfg.HiddenDim}, func(t *tensor.Tensor) {
		te.norm = nn.NewRMSNorm(t, 1e-5)
	})
	g.Linear("proj", cfg.HiddenDim, cfg.OutDim, func(l nn.LinearLayer) { te.proj = l })

	if err := NewBuilder(g, log).Load(src); err != nil {
		return nil, fmt.Errorf("load text encoder from %s: %w", src.Path(), err)
	}
	return te, nil
}

// Encode produces the [L, outDim] caption features for prompt. Prompts
// longer than the configured maximum are truncated; an empty prompt
// produces a single zero-token feature. The mapping is deterministic.
func (te *TextEncoder) Encode(prompt string) *tensor.Tensor {
	ids := []byte(prompt)
	if int32(len(ids)) > te.cfg.MaxLength {
		ids = ids[:te.cfg.MaxLength]
	}
	if len(ids) == 0 {
		ids = []byte{0}
	}

	hidden := te.cfg.HiddenDim
	seq := tensor.Zeros(int32(len(ids)), hidden)
	for i, id := range ids {
		row := te.embedding.Data[int32(id)*hidden : (int32(id)+1)*hidden]
		copy(seq.Data[int32(i)*hidden:], row)
	}
	return te.proj.Forward(te.norm.Forward(seq, 0))
}
