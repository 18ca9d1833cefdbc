package diffusion

import (
	"fmt"
	"math/rand/v2"

	"github.com/visage-ai/lipsync/pkg/model"
	"github.com/visage-ai/lipsync/pkg/tensor"
)

// DivergenceError reports a non-finite latent during sampling. Sampling a
// window is deterministic given its seed, so the failure is fatal; there is
// no retry path that would not reproduce it.
type DivergenceError struct {
	Window   int
	Timestep int
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("diffusion: non-finite latent in window %d at timestep %d", e.Window, e.Timestep)
}

// Sampler drives the denoising loop for one window at a time. It is
// immutable after construction and safe to share across goroutines; all
// per-window state lives in the Sample call.
type Sampler struct {
	predictor model.NoisePredictor
	stepper   Stepper
	sched     *Schedule

	// GuidanceScale blends the conditional and unconditional noise
	// estimates: eps = uncond + scale*(cond - uncond). Scale 1 reduces
	// to conditional-only (the unconditional pass is skipped); scale 0
	// is unconditional-only.
	guidanceScale float64
}

// NewSampler builds a sampler. The stepper defaults to [DDIMStepper] when
// nil. guidanceScale must be >= 0.
func NewSampler(predictor model.NoisePredictor, sched *Schedule, stepper Stepper, guidanceScale float64) (*Sampler, error) {
	if predictor == nil {
		return nil, fmt.Errorf("diffusion: nil predictor")
	}
	if sched == nil {
		return nil, fmt.Errorf("diffusion: nil schedule")
	}
	if guidanceScale < 0 {
		return nil, fmt.Errorf("diffusion: guidance scale %g must be >= 0", guidanceScale)
	}
	if stepper == nil {
		stepper = DDIMStepper{}
	}
	return &Sampler{
		predictor:     predictor,
		stepper:       stepper,
		sched:         sched,
		guidanceScale: guidanceScale,
	}, nil
}

// state is the mutable per-window diffusion state: the current latent
// batch and the position in the schedule. Created at window start,
// mutated once per iteration, discarded after the final step.
type state struct {
	latent    *tensor.Tensor
	stepIndex int
}

// Sample denoises one window. ref is the window's encoded source-frame
// latent batch [C, F, h, w]; it fixes the latent shape, stays immutable
// through the loop, and conditions every prediction so the output keeps
// the source appearance. cond is the window's audio embedding [F, D].
// window indexes the rng stream so parallel windows draw independent but
// reproducible noise from the same run seed.
func (s *Sampler) Sample(window int, ref, cond *tensor.Tensor, seed uint64) (*tensor.Tensor, error) {
	if ref == nil || len(ref.Shape()) != 4 {
		return nil, fmt.Errorf("diffusion: window %d: reference latents must be [C, F, h, w]", window)
	}
	latent, err := tensor.New(ref.Shape()...)
	if err != nil {
		return nil, fmt.Errorf("diffusion: window %d: %w", window, err)
	}
	rng := rand.New(rand.NewPCG(seed, uint64(window)))
	latent.FillNorm(rng)

	st := &state{latent: latent}
	for i, t := range s.sched.Timesteps() {
		st.stepIndex = i
		noise, err := s.predictNoise(st.latent, ref, t, cond)
		if err != nil {
			return nil, fmt.Errorf("diffusion: window %d: %w", window, err)
		}
		if err := s.stepper.Step(st.latent, noise, t, s.sched.PrevTimestep(t), s.sched); err != nil {
			return nil, fmt.Errorf("diffusion: window %d: %w", window, err)
		}
		if !st.latent.Finite() {
			return nil, &DivergenceError{Window: window, Timestep: t}
		}
	}
	return st.latent, nil
}

// predictNoise runs the guidance blend for one timestep.
func (s *Sampler) predictNoise(latent, ref *tensor.Tensor, t int, cond *tensor.Tensor) (*tensor.Tensor, error) {
	// Scale 1 means pure conditional prediction; the unconditional pass
	// would cancel out of the blend, so it is skipped entirely.
	if s.guidanceScale == 1 {
		return s.predictor.Predict(latent, ref, t, cond, false)
	}
	// Scale 0 means unconditional only.
	if s.guidanceScale == 0 {
		return s.predictor.Predict(latent, ref, t, cond, true)
	}

	noiseCond, err := s.predictor.Predict(latent, ref, t, cond, false)
	if err != nil {
		return nil, err
	}
	noiseUncond, err := s.predictor.Predict(latent, ref, t, cond, true)
	if err != nil {
		return nil, err
	}

	// eps = uncond + scale*(cond - uncond)
	blend := noiseUncond.Clone()
	if err := blend.AddScaled(float32(s.guidanceScale), noiseCond); err != nil {
		return nil, err
	}
	if err := blend.AddScaled(float32(-s.guidanceScale), noiseUncond); err != nil {
		return nil, err
	}
	return blend, nil
}
