package safetensors

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"imageflow/tensor"
)

func writeTestCheckpoint(t *testing.T, tensors map[string]Raw) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := WriteFile(path, tensors); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func f32Raw(t *testing.T, shape []int32, data []float32) Raw {
	t.Helper()
	raw, err := tensor.EncodeFloat32(data, tensor.DtypeF32)
	if err != nil {
		t.Fatal(err)
	}
	return Raw{Dtype: "F32", Shape: shape, Data: raw}
}

func TestOpenAndIndex(t *testing.T) {
	path := writeTestCheckpoint(t, map[string]Raw{
		"layers.0.weight": f32Raw(t, []int32{2, 2}, []float32{1, 2, 3, 4}),
		"layers.0.bias":   f32Raw(t, []int32{2}, []float32{5, 6}),
	})

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	// Names come back sorted.
	want := []string{"layers.0.bias", "layers.0.weight"}
	if diff := cmp.Diff(want, f.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	info, ok := f.Info("layers.0.weight")
	if !ok {
		t.Fatal("Info should find layers.0.weight")
	}
	if info.Dtype != "F32" || len(info.Shape) != 2 {
		t.Errorf("info = %+v", info)
	}

	if !f.Has("layers.0.bias") {
		t.Error("Has(layers.0.bias) = false")
	}
	if f.Has("nonexistent") {
		t.Error("Has(nonexistent) = true")
	}
}

func TestFetch(t *testing.T) {
	path := writeTestCheckpoint(t, map[string]Raw{
		"a": f32Raw(t, []int32{3}, []float32{1, 2, 3}),
		"b": f32Raw(t, []int32{2}, []float32{9, 10}),
	})

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	raw, err := f.Fetch("b")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := tensor.DecodeFloat32(raw, tensor.DtypeF32)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 9 || got[1] != 10 {
		t.Errorf("payload = %v, want [9 10]", got)
	}
}

func TestFetchMissing(t *testing.T) {
	path := writeTestCheckpoint(t, map[string]Raw{
		"a": f32Raw(t, []int32{1}, []float32{1}),
	})

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	_, err = f.Fetch("missing")
	var missing *MissingTensorError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingTensorError, got %v", err)
	}
	if missing.Name != "missing" {
		t.Errorf("Name = %q", missing.Name)
	}
}

func TestOpenMalformedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")

	// Header size larger than the file.
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1<<40)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path)
	var format *FormatError
	if !errors.As(err, &format) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestOpenBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")

	header := []byte("{not json")
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path)
	var format *FormatError
	if !errors.As(err, &format) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestOpenOffsetsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")

	header := []byte(`{"w":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	// Only 8 bytes of payload instead of 16.
	buf = append(buf, make([]byte, 8)...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path)
	var format *FormatError
	if !errors.As(err, &format) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestFetchAfterClose(t *testing.T) {
	path := writeTestCheckpoint(t, map[string]Raw{
		"a": f32Raw(t, []int32{1}, []float32{1}),
	})

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := f.Fetch("a"); err == nil {
		t.Error("Fetch after Close should fail")
	}
	// The index stays readable.
	if !f.Has("a") {
		t.Error("index should remain readable after Close")
	}
}
