// Package engine owns the lifecycle of the generation pipeline: loading
// checkpoints against a memory plan, serving generation requests, and
// releasing or offloading components. Loads are idempotent per path and
// generation requests are serialized.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"imageflow/memory"
	"imageflow/model"
	"imageflow/safetensors"
	"imageflow/sampler"
)

// Paths names the checkpoint files of a pipeline.
type Paths struct {
	Transformer string
	TextEncoder string
	Decoder     string
}

// Options configures an Engine.
type Options struct {
	// TotalMemory and ReservedMemory bound the placement plan. Zero
	// TotalMemory disables planning.
	TotalMemory    uint64
	ReservedMemory uint64

	ModelConfig       *model.Config
	TextEncoderConfig *model.TextEncoderConfig
	DecoderConfig     *model.DecoderConfig
	SchedulerConfig   *sampler.SchedulerConfig

	Logger *slog.Logger
}

// Engine holds the loaded pipeline components.
type Engine struct {
	opts Options
	log  *slog.Logger

	mu              sync.Mutex
	transformer     *model.Transformer
	transformerPath string
	textEncoder     *model.TextEncoder
	textEncoderPath string
	decoder         *model.Decoder
	decoderPath     string
	plan            *memory.Plan

	genMu    sync.Mutex
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New creates an engine with no components loaded.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{opts: opts, log: log}
}

// Load plans memory for all components and loads them: the transformer
// first, then the text encoder and decoder concurrently.
func (e *Engine) Load(ctx context.Context, paths Paths) error {
	if err := e.planMemory(paths); err != nil {
		return err
	}

	if err := e.LoadTransformer(paths.Transformer); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return e.LoadTextEncoder(paths.TextEncoder) })
	g.Go(func() error { return e.LoadDecoder(paths.Decoder) })
	return g.Wait()
}

// planMemory sizes every checkpoint from its header index and places the
// components against the configured budget.
func (e *Engine) planMemory(paths Paths) error {
	if e.opts.TotalMemory == 0 {
		return nil
	}

	var reqs []memory.Request
	for _, c := range []struct{ name, path string }{
		{"transformer", paths.Transformer},
		{"text_encoder", paths.TextEncoder},
		{"decoder", paths.Decoder},
	} {
		if c.path == "" {
			continue
		}
		src, err := safetensors.Open(c.path)
		if err != nil {
			return err
		}
		reqs = append(reqs, memory.Request{
			Component:   c.name,
			WeightBytes: memory.EstimateCheckpointBytes(src),
			Quantized:   memory.CheckpointQuantized(src),
		})
		src.Close()
	}

	plan, err := memory.PlanPlacement(e.opts.TotalMemory, e.opts.ReservedMemory, reqs, e.log)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.plan = plan
	e.mu.Unlock()
	return nil
}

// Plan returns the placement plan from the last Load, or nil.
func (e *Engine) Plan() *memory.Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan
}

// LoadTransformer loads the denoiser checkpoint. Loading the same path
// again is a no-op; a different path replaces the loaded model.
func (e *Engine) LoadTransformer(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transformer != nil && e.transformerPath == path {
		e.log.Debug("transformer already loaded", "path", path)
		return nil
	}

	src, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	m, err := model.LoadTransformer(src, e.opts.ModelConfig, e.log)
	if err != nil {
		return err
	}
	e.transformer = m
	e.transformerPath = path

	stats := m.Stats()
	e.log.Info("transformer loaded", "path", path,
		"quantized_units", stats.QuantizedUnits,
		"dense_linears", stats.DenseLinears,
		"layers", m.Config().NLayers)
	return nil
}

// LoadTextEncoder loads the caption encoder checkpoint. Idempotent per path.
func (e *Engine) LoadTextEncoder(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadTextEncoderLocked(path)
}

func (e *Engine) loadTextEncoderLocked(path string) error {
	if e.textEncoder != nil && e.textEncoderPath == path {
		e.log.Debug("text encoder already loaded", "path", path)
		return nil
	}

	src, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	te, err := model.LoadTextEncoder(src, e.opts.TextEncoderConfig, e.log)
	if err != nil {
		return err
	}
	e.textEncoder = te
	e.textEncoderPath = path
	e.log.Info("text encoder loaded", "path", path)
	return nil
}

// LoadDecoder loads the latent decoder checkpoint. Idempotent per path.
func (e *Engine) LoadDecoder(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.decoder != nil && e.decoderPath == path {
		e.log.Debug("decoder already loaded", "path", path)
		return nil
	}

	src, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	d, err := model.LoadDecoder(src, e.opts.DecoderConfig, e.log)
	if err != nil {
		return err
	}
	e.decoder = d
	e.decoderPath = path
	e.log.Info("decoder loaded", "path", path)
	return nil
}

// OffloadTextEncoder releases the text encoder's weights but remembers its
// path, so the next generation reloads it transparently. Captions are only
// needed at the start of a request; offloading frees memory between
// requests.
func (e *Engine) OffloadTextEncoder() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.textEncoder == nil {
		return
	}
	e.textEncoder = nil
	e.log.Info("text encoder offloaded", "path", e.textEncoderPath)
}

// ensureTextEncoder reloads an offloaded text encoder.
func (e *Engine) ensureTextEncoder() (*model.TextEncoder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.textEncoder != nil {
		return e.textEncoder, nil
	}
	if e.textEncoderPath == "" {
		return nil, errors.New("text encoder not loaded")
	}
	if err := e.loadTextEncoderLocked(e.textEncoderPath); err != nil {
		return nil, err
	}
	return e.textEncoder, nil
}

// Unload releases one component by name: "transformer", "text_encoder" or
// "decoder". Unloading a component that is not loaded is a no-op.
func (e *Engine) Unload(component string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch component {
	case "transformer":
		e.transformer = nil
		e.transformerPath = ""
	case "text_encoder":
		e.textEncoder = nil
		e.textEncoderPath = ""
	case "decoder":
		e.decoder = nil
		e.decoderPath = ""
	default:
		return fmt.Errorf("unknown component %q", component)
	}
	e.log.Info("component unloaded", "component", component)
	return nil
}

// Close releases every component.
func (e *Engine) Close() {
	for _, c := range []string{"transformer", "text_encoder", "decoder"} {
		e.Unload(c)
	}
}

// Loaded reports which components currently hold weights.
func (e *Engine) Loaded() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]bool{
		"transformer":  e.transformer != nil,
		"text_encoder": e.textEncoder != nil,
		"decoder":      e.decoder != nil,
	}
}

// Interrupt cancels the generation in progress, if any. The interrupted
// request returns sampler.ErrInterrupted; the engine stays usable.
func (e *Engine) Interrupt() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}
