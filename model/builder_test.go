package model

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"imageflow/nn"
	"imageflow/safetensors"
	"imageflow/tensor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeCheckpoint(t *testing.T, tensors map[string]safetensors.Raw) *safetensors.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := safetensors.WriteFile(path, tensors); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := safetensors.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func rawF32(t *testing.T, shape []int32, data []float32) safetensors.Raw {
	t.Helper()
	payload, err := tensor.EncodeFloat32(data, tensor.DtypeF32)
	if err != nil {
		t.Fatal(err)
	}
	return safetensors.Raw{Dtype: "F32", Shape: shape, Data: payload}
}

func rawE4M3(t *testing.T, shape []int32, data []float32) safetensors.Raw {
	t.Helper()
	payload, err := tensor.EncodeFloat32(data, tensor.DtypeFP8E4M3)
	if err != nil {
		t.Fatal(err)
	}
	return safetensors.Raw{Dtype: "F8_E4M3", Shape: shape, Data: payload}
}

func constants(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// TestBuilderMixedPrecision assembles a two-layer network from a checkpoint
// holding one scaled FP8 linear and one dense linear, and checks the
// materialized units and the end-to-end forward result.
func TestBuilderMixedPrecision(t *testing.T) {
	src := writeCheckpoint(t, map[string]safetensors.Raw{
		// 8x8 FP8 weight of 0.5 with scale 2.0: effective weight is all ones.
		"model.diffusion_model.layers.0.linear.weight":       rawE4M3(t, []int32{8, 8}, constants(64, 0.5)),
		"model.diffusion_model.layers.0.linear.scale_weight": rawF32(t, []int32{1}, []float32{2.0}),
		// 4x8 dense weight of 0.25 with a bias. The bias name sorts before
		// the weight, exercising the pending-bias buffer.
		"model.diffusion_model.layers.1.linear.weight": rawF32(t, []int32{4, 8}, constants(32, 0.25)),
		"model.diffusion_model.layers.1.linear.bias":   rawF32(t, []int32{4}, []float32{1, 2, 3, 4}),
	})

	var l0, l1 nn.LinearLayer
	g := NewGraphSpec()
	g.Linear("layers.0.linear", 8, 8, func(l nn.LinearLayer) { l0 = l })
	g.Linear("layers.1.linear", 8, 4, func(l nn.LinearLayer) { l1 = l })

	b := NewBuilder(g, discardLogger())
	if err := b.Load(src); err != nil {
		t.Fatalf("Load: %v", err)
	}

	stats := b.Stats()
	if stats.QuantizedUnits != 1 || stats.DenseLinears != 1 {
		t.Fatalf("stats = %+v, want 1 quantized and 1 dense", stats)
	}

	slots := g.LinearSlots()
	if len(slots) != 2 || !slots[0].Quantized() || slots[1].Quantized() {
		t.Fatalf("slot states: %v quantized=%v,%v", len(slots), slots[0].Quantized(), slots[1].Quantized())
	}

	scaled, ok := l0.(*nn.ScaledFP8Linear)
	if !ok {
		t.Fatalf("layer 0 is %T, want *nn.ScaledFP8Linear", l0)
	}
	if scaled.Scale() != 2.0 {
		t.Errorf("scale = %v, want 2.0", scaled.Scale())
	}
	if _, ok := l1.(*nn.Linear); !ok {
		t.Fatalf("layer 1 is %T, want *nn.Linear", l1)
	}

	// ones(8) -> layer 0 (weight 1.0 effective) -> all 8.0
	//         -> layer 1 (weight 0.25, bias 1..4) -> 0.25*64 + bias
	x := tensor.New(constants(8, 1), 1, 8)
	out := l1.Forward(l0.Forward(x))

	want := []float32{17, 18, 19, 20}
	for i, v := range want {
		if out.Data[i] != v {
			t.Errorf("out[%d] = %v, want %v", i, out.Data[i], v)
		}
	}
}

// TestBuilderUnscaledFP8 verifies an FP8 weight with no scale record
// materializes as a direct-cast unit.
func TestBuilderUnscaledFP8(t *testing.T) {
	src := writeCheckpoint(t, map[string]safetensors.Raw{
		"proj.weight": rawE4M3(t, []int32{2, 2}, []float32{1, 2, 0.5, -1}),
	})

	var proj nn.LinearLayer
	g := NewGraphSpec()
	g.Linear("proj", 2, 2, func(l nn.LinearLayer) { proj = l })

	if err := NewBuilder(g, discardLogger()).Load(src); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := proj.(*nn.FP8Linear); !ok {
		t.Fatalf("got %T, want *nn.FP8Linear", proj)
	}

	out := proj.Forward(tensor.New([]float32{1, 1}, 1, 2))
	if out.Data[0] != 3 || out.Data[1] != -0.5 {
		t.Errorf("out = %v, want [3 -0.5]", out.Data)
	}
}

// TestBuilderDropsUnknownTensors verifies tensors outside the declared
// graph are skipped without failing the load.
func TestBuilderDropsUnknownTensors(t *testing.T) {
	src := writeCheckpoint(t, map[string]safetensors.Raw{
		"proj.weight":      rawF32(t, []int32{2, 2}, []float32{1, 0, 0, 1}),
		"vestigial.weight": rawF32(t, []int32{3}, []float32{1, 2, 3}),
	})

	g := NewGraphSpec()
	g.Linear("proj", 2, 2, func(nn.LinearLayer) {})

	b := NewBuilder(g, discardLogger())
	if err := b.Load(src); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", b.Stats().Dropped)
	}
}

// TestBuilderMissingWeight verifies a declared linear absent from the
// checkpoint fails the load.
func TestBuilderMissingWeight(t *testing.T) {
	src := writeCheckpoint(t, map[string]safetensors.Raw{
		"proj.weight": rawF32(t, []int32{2, 2}, []float32{1, 0, 0, 1}),
	})

	g := NewGraphSpec()
	g.Linear("proj", 2, 2, func(nn.LinearLayer) {})
	g.Linear("absent", 2, 2, func(nn.LinearLayer) {})

	err := NewBuilder(g, discardLogger()).Load(src)
	var missing *safetensors.MissingTensorError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingTensorError, got %v", err)
	}
	if missing.Name != "absent.weight" {
		t.Errorf("Name = %q", missing.Name)
	}
}

// TestBuilderZeroFill verifies a zero-fill parameter absent from the
// checkpoint is backed by zeros instead of failing.
func TestBuilderZeroFill(t *testing.T) {
	src := writeCheckpoint(t, map[string]safetensors.Raw{
		"proj.weight": rawF32(t, []int32{2, 2}, []float32{1, 0, 0, 1}),
	})

	var pad *tensor.Tensor
	g := NewGraphSpec()
	g.Linear("proj", 2, 2, func(nn.LinearLayer) {})
	g.ParamZeroFill("pad_token", []int32{4}, func(t *tensor.Tensor) { pad = t })

	b := NewBuilder(g, discardLogger())
	if err := b.Load(src); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pad == nil || pad.Numel() != 4 {
		t.Fatalf("pad token not bound: %v", pad)
	}
	for _, v := range pad.Data {
		if v != 0 {
			t.Errorf("pad token not zero: %v", pad.Data)
		}
	}
	if b.Stats().ZeroFilled != 1 {
		t.Errorf("ZeroFilled = %d, want 1", b.Stats().ZeroFilled)
	}
}

// TestBuilderMissingParam verifies a non-zero-fill parameter absent from
// the checkpoint fails the load.
func TestBuilderMissingParam(t *testing.T) {
	src := writeCheckpoint(t, map[string]safetensors.Raw{
		"proj.weight": rawF32(t, []int32{2, 2}, []float32{1, 0, 0, 1}),
	})

	g := NewGraphSpec()
	g.Linear("proj", 2, 2, func(nn.LinearLayer) {})
	g.Param("norm.weight", []int32{4}, func(*tensor.Tensor) {})

	err := NewBuilder(g, discardLogger()).Load(src)
	var missing *safetensors.MissingTensorError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingTensorError, got %v", err)
	}
}

// TestBuilderShapeMismatchAborts verifies a dense weight disagreeing with
// the declared dimensions aborts the load.
func TestBuilderShapeMismatchAborts(t *testing.T) {
	src := writeCheckpoint(t, map[string]safetensors.Raw{
		"proj.weight": rawF32(t, []int32{3, 3}, constants(9, 1)),
	})

	g := NewGraphSpec()
	g.Linear("proj", 2, 2, func(nn.LinearLayer) {})

	err := NewBuilder(g, discardLogger()).Load(src)
	var mismatch *nn.ShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ShapeMismatchError, got %v", err)
	}
	if mismatch.Name != "proj" {
		t.Errorf("Name = %q", mismatch.Name)
	}
}

// TestBuilderFP8PayloadMismatch verifies an FP8 payload whose element count
// disagrees with the declared dimensions aborts the load.
func TestBuilderFP8PayloadMismatch(t *testing.T) {
	src := writeCheckpoint(t, map[string]safetensors.Raw{
		"proj.weight":       rawE4M3(t, []int32{3, 3}, constants(9, 1)),
		"proj.scale_weight": rawF32(t, []int32{1}, []float32{1}),
	})

	g := NewGraphSpec()
	g.Linear("proj", 8, 8, func(nn.LinearLayer) {})

	err := NewBuilder(g, discardLogger()).Load(src)
	var mismatch *nn.ShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ShapeMismatchError, got %v", err)
	}
}

// TestBuilderOrphanScale verifies a scale record with no matching weight is
// dropped without failing the load.
func TestBuilderOrphanScale(t *testing.T) {
	src := writeCheckpoint(t, map[string]safetensors.Raw{
		"proj.weight":         rawF32(t, []int32{2, 2}, []float32{1, 0, 0, 1}),
		"orphan.scale_weight": rawF32(t, []int32{1}, []float32{3}),
	})

	g := NewGraphSpec()
	g.Linear("proj", 2, 2, func(nn.LinearLayer) {})

	if err := NewBuilder(g, discardLogger()).Load(src); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"model.diffusion_model.layers.0.attention.to_q.weight", "layers.0.attention.to_q.weight", true},
		{"diffusion_model.final_layer.linear.weight", "final_layer.linear.weight", true},
		{"transformer.x_embedder.weight", "x_embedder.weight", true},
		{"model.x_embedder.weight", "x_embedder.weight", true},
		{"x_embedder.weight", "x_embedder.weight", true},
		{"model.diffusion_model.layers.0.attention.to_q.scale_weight", "", false},
		{"proj.scale_weight", "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Normalize(%q) = %q, %v; want %q, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestScaleTarget(t *testing.T) {
	target, ok := ScaleTarget("model.diffusion_model.layers.3.attention.to_v.scale_weight")
	if !ok || target != "layers.3.attention.to_v" {
		t.Errorf("ScaleTarget = %q, %v", target, ok)
	}
	if _, ok := ScaleTarget("layers.3.attention.to_v.weight"); ok {
		t.Error("weight tensor misidentified as scale record")
	}
}
