package model

import (
	"fmt"
	"log/slog"
	"strings"

	"imageflow/nn"
	"imageflow/safetensors"
	"imageflow/tensor"
)

// LoadStats summarizes one checkpoint pass.
type LoadStats struct {
	QuantizedUnits int
	DenseLinears   int
	Params         int
	ZeroFilled     int
	Dropped        int
	BytesLoaded    uint64
}

// Builder materializes a declared GraphSpec from a checkpoint in a single
// streaming pass. Scale records are collected up front so each FP8 weight
// can be classified as scaled or unscaled the moment it is seen; biases
// arriving before their weight wait in a pending buffer.
type Builder struct {
	spec *GraphSpec
	log  *slog.Logger

	stats LoadStats
}

// NewBuilder creates a builder over the given topology.
func NewBuilder(spec *GraphSpec, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{spec: spec, log: log}
}

// Stats returns counters from the last Load call.
func (b *Builder) Stats() LoadStats { return b.stats }

// Load walks the checkpoint index and materializes every declared slot.
// Unknown tensors are dropped with a debug log. A declared parameter absent
// from the checkpoint fails the load with a MissingTensorError, except
// zero-fill parameters, which are backed by zeros and logged. Any shape
// disagreement aborts the load; no partially assembled graph is returned.
func (b *Builder) Load(src *safetensors.File) error {
	b.stats = LoadStats{}

	scales, err := b.collectScales(src)
	if err != nil {
		return err
	}

	pendingBias := make(map[string]*tensor.Tensor)

	for _, raw := range src.Names() {
		canonical, ok := Normalize(raw)
		if !ok {
			continue // scale record, already collected
		}

		info, _ := src.Info(raw)
		dtype, err := tensor.ParseDtype(info.Dtype)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", raw, err)
		}

		switch {
		case strings.HasSuffix(canonical, ".weight") && b.linearFor(canonical) != nil:
			slot := b.linearFor(canonical)
			if err := b.materializeLinear(src, raw, slot, info, dtype, scales, pendingBias); err != nil {
				return err
			}

		case strings.HasSuffix(canonical, ".bias") && b.linearForBias(canonical) != nil:
			slot := b.linearForBias(canonical)
			bias, err := fetchDense(src, raw, info, dtype)
			if err != nil {
				return err
			}
			if !tensor.SameShape(bias.Shape, []int32{slot.Out}) {
				return &nn.ShapeMismatchError{Name: canonical, Want: []int32{slot.Out}, Got: bias.Shape}
			}
			if slot.layer != nil {
				setBias(slot.layer, bias)
			} else {
				pendingBias[slot.Path] = bias
			}

		case b.spec.params[canonical] != nil:
			param := b.spec.params[canonical]
			t, err := fetchDense(src, raw, info, dtype)
			if err != nil {
				return err
			}
			if !tensor.SameShape(t.Shape, param.Shape) {
				return &nn.ShapeMismatchError{Name: canonical, Want: param.Shape, Got: t.Shape}
			}
			param.bind(t)
			param.bound = true
			b.stats.Params++
			b.stats.BytesLoaded += uint64(4 * t.Numel())

		default:
			b.log.Debug("dropping tensor not in graph", "name", raw)
			b.stats.Dropped++
		}
	}

	// Biases whose weight never arrived fall through to the missing-weight
	// check below.
	for path, bias := range pendingBias {
		if slot := b.spec.linears[path]; slot != nil && slot.layer != nil {
			setBias(slot.layer, bias)
		}
	}

	for _, path := range b.spec.order {
		if slot, ok := b.spec.linears[path]; ok && slot.layer == nil {
			return &safetensors.MissingTensorError{Name: path + ".weight"}
		}
		if param, ok := b.spec.params[path]; ok && !param.bound {
			if !param.zeroFill {
				return &safetensors.MissingTensorError{Name: path}
			}
			b.log.Warn("parameter missing from checkpoint, zero-filled", "name", path)
			param.bind(tensor.Zeros(param.Shape...))
			param.bound = true
			b.stats.ZeroFilled++
		}
	}

	for target := range scales {
		if slot := b.spec.linears[target]; slot == nil || !slot.Quantized() {
			b.log.Debug("dropping scale record without quantized weight", "layer", target)
		}
	}

	return nil
}

// collectScales fetches every scale record eagerly. Scales are single
// elements, so this costs a handful of bytes regardless of model size.
func (b *Builder) collectScales(src *safetensors.File) (map[string]float32, error) {
	scales := make(map[string]float32)
	for _, raw := range src.Names() {
		target, ok := ScaleTarget(raw)
		if !ok {
			continue
		}
		info, _ := src.Info(raw)
		dtype, err := tensor.ParseDtype(info.Dtype)
		if err != nil {
			return nil, fmt.Errorf("scale %q: %w", raw, err)
		}
		payload, err := src.Fetch(raw)
		if err != nil {
			return nil, err
		}
		vals, err := tensor.DecodeFloat32(payload, dtype)
		if err != nil {
			return nil, fmt.Errorf("scale %q: %w", raw, err)
		}
		if len(vals) != 1 {
			return nil, fmt.Errorf("scale %q: want a single element, got %d", raw, len(vals))
		}
		scales[target] = vals[0]
	}
	return scales, nil
}

func (b *Builder) materializeLinear(src *safetensors.File, raw string, slot *LinearSlot, info safetensors.TensorInfo, dtype tensor.Dtype, scales map[string]float32, pendingBias map[string]*tensor.Tensor) error {
	if dtype.IsFP8() {
		// FP8 payloads stay compact: fetched bytes are installed verbatim
		// and dequantized transiently inside Forward.
		payload, err := src.Fetch(raw)
		if err != nil {
			return err
		}
		var layer nn.LinearLayer
		if scale, ok := scales[slot.Path]; ok {
			q := nn.NewScaledFP8Linear(slot.In, slot.Out)
			if err := q.SetWeight(payload, dtype, scale); err != nil {
				return annotateMismatch(err, slot.Path)
			}
			layer = q
		} else {
			q := nn.NewFP8Linear(slot.In, slot.Out)
			if err := q.SetWeight(payload, dtype); err != nil {
				return annotateMismatch(err, slot.Path)
			}
			layer = q
		}
		slot.layer = layer
		b.stats.QuantizedUnits++
		b.stats.BytesLoaded += uint64(len(payload))
	} else {
		w, err := fetchDense(src, raw, info, dtype)
		if err != nil {
			return err
		}
		if !tensor.SameShape(w.Shape, []int32{slot.Out, slot.In}) {
			return &nn.ShapeMismatchError{Name: slot.Path, Want: []int32{slot.Out, slot.In}, Got: w.Shape}
		}
		slot.layer = nn.NewLinear(w, nil)
		b.stats.DenseLinears++
		b.stats.BytesLoaded += uint64(4 * w.Numel())
	}

	if bias, ok := pendingBias[slot.Path]; ok {
		setBias(slot.layer, bias)
		delete(pendingBias, slot.Path)
	}
	slot.install(slot.layer)
	return nil
}

func (b *Builder) linearFor(canonical string) *LinearSlot {
	return b.spec.linears[strings.TrimSuffix(canonical, ".weight")]
}

func (b *Builder) linearForBias(canonical string) *LinearSlot {
	return b.spec.linears[strings.TrimSuffix(canonical, ".bias")]
}

func fetchDense(src *safetensors.File, raw string, info safetensors.TensorInfo, dtype tensor.Dtype) (*tensor.Tensor, error) {
	payload, err := src.Fetch(raw)
	if err != nil {
		return nil, err
	}
	t, err := tensor.FromBytes(payload, dtype, info.Shape)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", raw, err)
	}
	return t, nil
}

func setBias(layer nn.LinearLayer, bias *tensor.Tensor) {
	switch l := layer.(type) {
	case *nn.Linear:
		l.Bias = bias
	case *nn.ScaledFP8Linear:
		l.Bias = bias
	case *nn.FP8Linear:
		l.Bias = bias
	}
}

func annotateMismatch(err error, path string) error {
	if mismatch, ok := err.(*nn.ShapeMismatchError); ok {
		mismatch.Name = path
	}
	return err
}
