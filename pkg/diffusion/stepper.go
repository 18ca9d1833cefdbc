package diffusion

import (
	"fmt"
	"math"

	"github.com/visage-ai/lipsync/pkg/tensor"
)

// Stepper advances a latent from timestep t toward tPrev given the
// predicted noise. The update rule is a pluggable strategy: the exact
// recurrence must match the checkpoint's training assumptions, so callers
// select an implementation rather than the sampler hard-coding one.
//
// Implementations mutate latent in place and must be deterministic.
type Stepper interface {
	Step(latent, noise *tensor.Tensor, t, tPrev int, sched *Schedule) error
}

// DDIMStepper is the deterministic DDIM update (eta = 0):
//
//	x0   = (x_t - sqrt(1-a_t) * eps) / sqrt(a_t)
//	x_tp = sqrt(a_tp) * x0 + sqrt(1-a_tp) * eps
//
// which collapses to a single affine combination of the current latent and
// the noise estimate. Coefficients are computed in float64 and applied in
// float32, keeping the blend precision identical from step to step.
type DDIMStepper struct{}

func (DDIMStepper) Step(latent, noise *tensor.Tensor, t, tPrev int, sched *Schedule) error {
	if !latent.SameShape(noise) {
		return fmt.Errorf("diffusion: ddim step: latent shape %v vs noise shape %v", latent.Shape(), noise.Shape())
	}
	at := sched.AlphaCum(t)
	ap := sched.AlphaCum(tPrev)

	// x_tp = c1*x_t + c2*eps
	c1 := math.Sqrt(ap / at)
	c2 := math.Sqrt(1-ap) - math.Sqrt(ap*(1-at)/at)

	latent.Scale(float32(c1))
	return latent.AddScaled(float32(c2), noise)
}
