package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"imageflow/tensor"
)

// ErrInterrupted is returned when generation stops between steps because
// the context was cancelled.
var ErrInterrupted = errors.New("generation interrupted")

// InvalidStrengthError reports an image-conditioning strength that leaves
// no denoising steps to run.
type InvalidStrengthError struct {
	Strength float32
	Steps    int
}

func (e *InvalidStrengthError) Error() string {
	return fmt.Sprintf("strength %v with %d steps leaves no denoising window", e.Strength, e.Steps)
}

// Denoiser predicts velocity for latents at a timestep, conditioned on
// per-batch caption features.
type Denoiser interface {
	Forward(x *tensor.Tensor, t float32, caps []*tensor.Tensor) *tensor.Tensor
}

// StepFunc observes sampling progress after each completed step. The
// latents are the sampler's working state; callbacks must not retain or
// mutate them.
type StepFunc func(step, totalSteps int, latents *tensor.Tensor)

// Config describes one generation request at the latent level. The latent
// shape is [1, L, P]: a single token sequence of L patches with P features.
type Config struct {
	PromptEmbedding   *tensor.Tensor // [Lc, capDim]
	NegativeEmbedding *tensor.Tensor // optional, enables guidance
	GuidanceScale     float32

	LatentLen int32
	PatchDim  int32

	Steps int
	Seed  int64

	// Conditioning seeds generation from existing latents instead of pure
	// noise. Strength in (0, 1] controls how much of the schedule runs.
	Conditioning *tensor.Tensor
	Strength     float32

	OnStep StepFunc
}

// Sampler runs the denoising loop for one model.
type Sampler struct {
	denoiser  Denoiser
	scheduler *FlowMatchEulerScheduler
	log       *slog.Logger
}

// New creates a sampler over a denoiser and scheduler.
func New(denoiser Denoiser, scheduler *FlowMatchEulerScheduler, log *slog.Logger) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{denoiser: denoiser, scheduler: scheduler, log: log}
}

// Sample runs the denoising loop and returns the final latents of shape
// [1, LatentLen, PatchDim]. Cancellation is observed between steps and
// reported as ErrInterrupted; a partially denoised result is never
// returned.
func (s *Sampler) Sample(ctx context.Context, cfg *Config) (*tensor.Tensor, error) {
	if cfg.Steps <= 0 {
		return nil, fmt.Errorf("steps must be positive, got %d", cfg.Steps)
	}
	if cfg.PromptEmbedding == nil {
		return nil, errors.New("prompt embedding is required")
	}

	var mu float32
	if s.scheduler.Config.UseDynamicShifting {
		mu = CalculateShift(cfg.LatentLen, cfg.Steps)
	}
	s.scheduler.SetTimestepsWithMu(cfg.Steps, mu)

	noise := s.scheduler.InitNoise(cfg.Seed, 1, cfg.LatentLen, cfg.PatchDim)

	latents := noise
	start := 0
	if cfg.Conditioning != nil {
		// The conditioning strength selects how far into the schedule to
		// enter: strength 1 runs every step, smaller values keep more of
		// the input image.
		start = cfg.Steps - int(math.Round(float64(cfg.Steps)*float64(cfg.Strength)))
		if start < 0 {
			start = 0
		}
		if start >= cfg.Steps {
			return nil, &InvalidStrengthError{Strength: cfg.Strength, Steps: cfg.Steps}
		}
		if !tensor.SameShape(cfg.Conditioning.Shape, noise.Shape) {
			return nil, fmt.Errorf("conditioning shape %v does not match latent shape %v",
				cfg.Conditioning.Shape, noise.Shape)
		}
		latents = s.scheduler.AddNoise(cfg.Conditioning, noise, start)
	}

	guided := cfg.NegativeEmbedding != nil && cfg.GuidanceScale > 1

	for i := start; i < cfg.Steps; i++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w at step %d: %v", ErrInterrupted, i, ctx.Err())
		default:
		}
		stepStart := time.Now()

		t := s.scheduler.Timesteps[i]

		var velocity *tensor.Tensor
		if guided {
			velocity = s.guidedVelocity(latents, t, cfg)
		} else {
			velocity = s.denoiser.Forward(latents, t, []*tensor.Tensor{cfg.PromptEmbedding})
		}

		next, err := s.scheduler.Step(velocity, latents, i)
		if err != nil {
			return nil, err
		}
		latents = next

		s.log.Debug("denoise step",
			"step", i+1, "steps", cfg.Steps, "t", t,
			"duration", time.Since(stepStart))
		if cfg.OnStep != nil {
			cfg.OnStep(i+1, cfg.Steps, latents)
		}
	}

	return latents, nil
}

// guidedVelocity batches the conditional and unconditional passes and
// combines them: uncond + scale * (cond - uncond).
func (s *Sampler) guidedVelocity(latents *tensor.Tensor, t float32, cfg *Config) *tensor.Tensor {
	batched := tensor.Concat(latents, latents) // [2, L, P]
	out := s.denoiser.Forward(batched, t, []*tensor.Tensor{cfg.PromptEmbedding, cfg.NegativeEmbedding})

	cond := out.Batch(0)
	uncond := out.Batch(1)

	velocity := tensor.Zeros(1, latents.Shape[1], latents.Shape[2])
	for i := range velocity.Data {
		u := uncond.Data[i]
		velocity.Data[i] = u + cfg.GuidanceScale*(cond.Data[i]-u)
	}
	return velocity
}
