package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"imageflow/engine"
	"imageflow/model"
	"imageflow/safetensors"
	"imageflow/sampler"
	"imageflow/tensor"
)

const tEmbedDim = 256

func raw(t *testing.T, dtype tensor.Dtype, shape []int32, v float32) safetensors.Raw {
	t.Helper()
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}
	payload, err := tensor.EncodeFloat32(data, dtype)
	if err != nil {
		t.Fatal(err)
	}
	return safetensors.Raw{Dtype: dtype.String(), Shape: shape, Data: payload}
}

func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	cfg := &model.Config{
		Dim: 8, NHeads: 2, NLayers: 1,
		InChannels: 2, PatchSize: 1,
		CapFeatDim: 4, HiddenDim: 16, NormEps: 1e-5,
	}
	d, p := cfg.Dim, cfg.PatchDim()

	transformer := map[string]safetensors.Raw{
		"t_embedder.mlp.0.weight":          raw(t, tensor.DtypeF32, []int32{tEmbedDim, tEmbedDim}, 0),
		"t_embedder.mlp.2.weight":          raw(t, tensor.DtypeF32, []int32{tEmbedDim, tEmbedDim}, 0),
		"x_embedder.weight":                raw(t, tensor.DtypeF32, []int32{d, p}, 0.1),
		"cap_embedder.norm.weight":         raw(t, tensor.DtypeF32, []int32{cfg.CapFeatDim}, 1),
		"cap_embedder.proj.weight":         raw(t, tensor.DtypeF32, []int32{d, cfg.CapFeatDim}, 0.1),
		"final_layer.adaln.weight":         raw(t, tensor.DtypeF32, []int32{2 * d, tEmbedDim}, 0),
		"final_layer.linear.weight":        raw(t, tensor.DtypeF32, []int32{p, d}, 0.1),
		"layers.0.attention.to_q.weight":   raw(t, tensor.DtypeF32, []int32{d, d}, 0.05),
		"layers.0.attention.to_k.weight":   raw(t, tensor.DtypeF32, []int32{d, d}, 0.05),
		"layers.0.attention.to_v.weight":   raw(t, tensor.DtypeF32, []int32{d, d}, 0.05),
		"layers.0.attention.to_out.weight": raw(t, tensor.DtypeF32, []int32{d, d}, 0.05),
		"layers.0.feed_forward.w1.weight":  raw(t, tensor.DtypeF32, []int32{cfg.HiddenDim, d}, 0.05),
		"layers.0.feed_forward.w2.weight":  raw(t, tensor.DtypeF32, []int32{d, cfg.HiddenDim}, 0.05),
		"layers.0.feed_forward.w3.weight":  raw(t, tensor.DtypeF32, []int32{cfg.HiddenDim, d}, 0.05),
		"layers.0.adaln.weight":            raw(t, tensor.DtypeF32, []int32{4 * d, tEmbedDim}, 0),
		"layers.0.attention_norm.weight":   raw(t, tensor.DtypeF32, []int32{d}, 1),
		"layers.0.ffn_norm.weight":         raw(t, tensor.DtypeF32, []int32{d}, 1),
	}
	textEncoder := map[string]safetensors.Raw{
		"token_embedding.weight": raw(t, tensor.DtypeF32, []int32{256, 4}, 0.1),
		"norm.weight":            raw(t, tensor.DtypeF32, []int32{4}, 1),
		"proj.weight":            raw(t, tensor.DtypeF32, []int32{4, 4}, 0.25),
	}
	decoder := map[string]safetensors.Raw{
		"decoder.conv_out.weight": raw(t, tensor.DtypeF32, []int32{12, 2}, 0.5),
		"encoder.conv_in.weight":  raw(t, tensor.DtypeF32, []int32{2, 12}, 1.0/12),
	}

	paths := engine.Paths{
		Transformer: filepath.Join(dir, "transformer.safetensors"),
		TextEncoder: filepath.Join(dir, "text_encoder.safetensors"),
		Decoder:     filepath.Join(dir, "decoder.safetensors"),
	}
	for path, tensors := range map[string]map[string]safetensors.Raw{
		paths.Transformer: transformer,
		paths.TextEncoder: textEncoder,
		paths.Decoder:     decoder,
	} {
		if err := safetensors.WriteFile(path, tensors); err != nil {
			t.Fatal(err)
		}
	}

	e := engine.New(engine.Options{
		ModelConfig:       cfg,
		TextEncoderConfig: &model.TextEncoderConfig{VocabSize: 256, HiddenDim: 4, OutDim: 4, MaxLength: 16},
		DecoderConfig:     &model.DecoderConfig{LatentChannels: 2, ScaleFactor: 2, ScalingFactor: 1},
		SchedulerConfig:   &sampler.SchedulerConfig{NumTrainTimesteps: 1000, Shift: 1},
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := e.Load(context.Background(), paths); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(e.Close)

	return &Server{engine: e, outDir: dir}
}

func TestHealthHandler(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status     string          `json:"status"`
		Components map[string]bool `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || !body.Components["transformer"] {
		t.Errorf("body = %+v", body)
	}
}

func TestCompletionHandler(t *testing.T) {
	s := testServer(t)

	reqBody, _ := json.Marshal(Request{
		Prompt: "test image",
		Width:  8, Height: 8,
		Steps: 2,
		Seed:  1,
	})
	rec := httptest.NewRecorder()
	s.completionHandler(rec, httptest.NewRequest(http.MethodPost, "/completion", bytes.NewReader(reqBody)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}

	var last Response
	var lines int
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		lines++
		if err := json.Unmarshal(scanner.Bytes(), &last); err != nil {
			t.Fatalf("bad ndjson line: %v", err)
		}
	}

	// Two progress lines plus the final line.
	if lines != 3 {
		t.Errorf("got %d lines, want 3", lines)
	}
	if !last.Done {
		t.Error("final line not marked done")
	}
	if last.Image == "" {
		t.Fatal("no image path in final response")
	}
	if _, err := os.Stat(last.Image); err != nil {
		t.Errorf("saved image missing: %v", err)
	}
	if !strings.Contains(last.Content, "Image saved to") {
		t.Errorf("content = %q", last.Content)
	}
}

func TestCompletionHandlerMethod(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.completionHandler(rec, httptest.NewRequest(http.MethodGet, "/completion", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestCompletionHandlerBadJSON(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.completionHandler(rec, httptest.NewRequest(http.MethodPost, "/completion", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCompletionHandlerError(t *testing.T) {
	s := testServer(t)

	// Invalid conditioning strength surfaces as an error line, not a panic.
	reqBody, _ := json.Marshal(Request{
		Prompt: "x",
		Width:  8, Height: 8,
		Steps:     2,
		InitImage: "/nonexistent.png",
		Strength:  0.5,
	})
	rec := httptest.NewRecorder()
	s.completionHandler(rec, httptest.NewRequest(http.MethodPost, "/completion", bytes.NewReader(reqBody)))

	var last Response
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		json.Unmarshal(scanner.Bytes(), &last)
	}
	if !last.Done || !strings.Contains(last.Content, "error") {
		t.Errorf("final line = %+v, want an error", last)
	}
}
