package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imageflow/model"
	"imageflow/sampler"
	"imageflow/tensor"
)

// GenerateRequest describes one image generation.
type GenerateRequest struct {
	Prompt         string
	NegativePrompt string
	GuidanceScale  float32

	Width  int32
	Height int32
	Steps  int
	Seed   int64

	// InitImagePath seeds generation from an existing image. Strength in
	// (0, 1] controls how much of the schedule runs over it.
	InitImagePath string
	Strength      float32

	// ReturnLatents skips decoding and returns raw latents.
	ReturnLatents bool

	OnStep sampler.StepFunc
}

// GenerateResult is a finished generation. Image is a [1, 3, H, W] pixel
// tensor unless ReturnLatents was set, in which case Latents carries the
// [1, C, h, w] latent tensor instead.
type GenerateResult struct {
	Image   *tensor.Tensor
	Latents *tensor.Tensor

	Width  int32
	Height int32
	Steps  int
	Seed   int64
}

// Generate runs one generation request. Requests are serialized; a request
// interrupted through Interrupt returns sampler.ErrInterrupted.
func (e *Engine) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	e.genMu.Lock()
	defer e.genMu.Unlock()

	e.mu.Lock()
	transformer := e.transformer
	decoder := e.decoder
	e.mu.Unlock()

	if transformer == nil {
		return nil, errors.New("transformer not loaded")
	}
	if decoder == nil {
		return nil, errors.New("decoder not loaded")
	}
	textEncoder, err := e.ensureTextEncoder()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()
	defer func() {
		e.cancelMu.Lock()
		e.cancel = nil
		e.cancelMu.Unlock()
		cancel()
	}()

	cfg := transformer.Config()
	dcfg := decoder.Config()
	if cfg.InChannels != dcfg.LatentChannels {
		return nil, fmt.Errorf("transformer expects %d latent channels, decoder provides %d",
			cfg.InChannels, dcfg.LatentChannels)
	}

	if req.Steps <= 0 {
		req.Steps = 9
	}
	if req.GuidanceScale <= 0 {
		req.GuidanceScale = 1
	}
	if req.Width <= 0 {
		req.Width = 1024
	}
	if req.Height <= 0 {
		req.Height = 1024
	}

	// Dimensions must be divisible by the decoder scale times the patch
	// size. Requests are clamped down, never rejected.
	multiple := dcfg.ScaleFactor * cfg.PatchSize
	width := req.Width / multiple * multiple
	height := req.Height / multiple * multiple
	if width < multiple {
		width = multiple
	}
	if height < multiple {
		height = multiple
	}
	if width != req.Width || height != req.Height {
		e.log.Warn("dimensions clamped", "requested_width", req.Width, "requested_height", req.Height,
			"width", width, "height", height)
	}

	latentH := height / dcfg.ScaleFactor
	latentW := width / dcfg.ScaleFactor
	latentLen := (latentH / cfg.PatchSize) * (latentW / cfg.PatchSize)

	prompt := textEncoder.Encode(req.Prompt)
	var negative *tensor.Tensor
	if req.NegativePrompt != "" {
		negative = textEncoder.Encode(req.NegativePrompt)
	}

	var conditioning *tensor.Tensor
	if req.InitImagePath != "" {
		img, err := LoadImage(req.InitImagePath)
		if err != nil {
			return nil, err
		}
		pixels := ImageToTensor(img, width, height)
		latents, err := decoder.Encode(pixels)
		if err != nil {
			return nil, err
		}
		conditioning = model.PatchifyLatents(latents, cfg.PatchSize)
	}

	scheduler := sampler.NewFlowMatchEulerScheduler(e.opts.SchedulerConfig)
	s := sampler.New(transformer, scheduler, e.log)

	start := time.Now()
	tokens, err := s.Sample(ctx, &sampler.Config{
		PromptEmbedding:   prompt,
		NegativeEmbedding: negative,
		GuidanceScale:     req.GuidanceScale,
		LatentLen:         latentLen,
		PatchDim:          cfg.PatchDim(),
		Steps:             req.Steps,
		Seed:              req.Seed,
		Conditioning:      conditioning,
		Strength:          req.Strength,
		OnStep:            req.OnStep,
	})
	if err != nil {
		return nil, fmt.Errorf("sample: %w", err)
	}

	latents := model.UnpatchifyLatents(tokens, cfg.InChannels, latentH, latentW, cfg.PatchSize)

	result := &GenerateResult{Width: width, Height: height, Steps: req.Steps, Seed: req.Seed}
	if req.ReturnLatents {
		result.Latents = latents
	} else {
		result.Image = decoder.Decode(latents)
	}

	e.log.Info("generation finished",
		"width", width, "height", height, "steps", req.Steps,
		"duration", time.Since(start))
	return result, nil
}
