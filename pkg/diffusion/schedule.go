// Package diffusion implements the iterative denoising core of the
// lip-sync pipeline: the noise schedule, the per-step update rule, and the
// classifier-free-guidance sampling loop that turns noise into mouth-region
// latents under audio conditioning.
package diffusion

import (
	"fmt"
	"math"
)

// ScheduleConfig carries the training-time constants the checkpoint's
// schedule was built with.
type ScheduleConfig struct {
	// TrainTimesteps is the length of the training noise schedule
	// (typically 1000).
	TrainTimesteps int

	// BetaStart and BetaEnd bound the variance schedule.
	BetaStart float64
	BetaEnd   float64

	// ScaledLinear interpolates sqrt(beta) linearly instead of beta,
	// matching latent-diffusion training.
	ScaledLinear bool
}

// Schedule is an immutable noise schedule plus the descending inference
// timestep subset for a fixed step count. It is computed once per run in
// float64 and shared read-only across all windows.
type Schedule struct {
	cfg       ScheduleConfig
	alphasCum []float64 // cumulative product of (1 - beta_t)
	timesteps []int     // descending, len == inference steps
	stepRatio int
}

// NewSchedule precomputes the schedule coefficients and selects
// inferenceSteps evenly spaced timesteps, highest first.
func NewSchedule(cfg ScheduleConfig, inferenceSteps int) (*Schedule, error) {
	if cfg.TrainTimesteps < 1 {
		return nil, fmt.Errorf("diffusion: train timesteps %d must be positive", cfg.TrainTimesteps)
	}
	if inferenceSteps < 1 {
		return nil, fmt.Errorf("diffusion: inference steps %d must be at least 1", inferenceSteps)
	}
	if inferenceSteps > cfg.TrainTimesteps {
		return nil, fmt.Errorf("diffusion: inference steps %d exceed train timesteps %d", inferenceSteps, cfg.TrainTimesteps)
	}
	if cfg.BetaStart <= 0 || cfg.BetaEnd <= cfg.BetaStart || cfg.BetaEnd >= 1 {
		return nil, fmt.Errorf("diffusion: invalid beta range [%g, %g]", cfg.BetaStart, cfg.BetaEnd)
	}

	alphasCum := make([]float64, cfg.TrainTimesteps)
	cum := 1.0
	for t := 0; t < cfg.TrainTimesteps; t++ {
		frac := 0.0
		if cfg.TrainTimesteps > 1 {
			frac = float64(t) / float64(cfg.TrainTimesteps-1)
		}
		var beta float64
		if cfg.ScaledLinear {
			s := math.Sqrt(cfg.BetaStart) + frac*(math.Sqrt(cfg.BetaEnd)-math.Sqrt(cfg.BetaStart))
			beta = s * s
		} else {
			beta = cfg.BetaStart + frac*(cfg.BetaEnd-cfg.BetaStart)
		}
		cum *= 1 - beta
		alphasCum[t] = cum
	}

	ratio := cfg.TrainTimesteps / inferenceSteps
	timesteps := make([]int, inferenceSteps)
	for i := 0; i < inferenceSteps; i++ {
		timesteps[i] = (inferenceSteps - 1 - i) * ratio
	}

	return &Schedule{
		cfg:       cfg,
		alphasCum: alphasCum,
		timesteps: timesteps,
		stepRatio: ratio,
	}, nil
}

// Timesteps returns the descending inference timesteps. The returned slice
// must not be modified.
func (s *Schedule) Timesteps() []int { return s.timesteps }

// MaxTimestep returns the first (noisiest) timestep.
func (s *Schedule) MaxTimestep() int { return s.timesteps[0] }

// PrevTimestep returns the timestep the sampler steps toward from t.
// Negative results mean the fully denoised terminal state.
func (s *Schedule) PrevTimestep(t int) int { return t - s.stepRatio }

// AlphaCum returns the cumulative alpha at timestep t. Timesteps below
// zero map to 1 (the noise-free terminal state).
func (s *Schedule) AlphaCum(t int) float64 {
	if t < 0 {
		return 1
	}
	if t >= len(s.alphasCum) {
		t = len(s.alphasCum) - 1
	}
	return s.alphasCum[t]
}
