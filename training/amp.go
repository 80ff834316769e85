package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-vit/tensor"
)

const (
	defaultGradScale     = 65536.0
	defaultGrowthFactor  = 2.0
	defaultBackoffFactor = 0.5
	defaultGrowthWait    = 2000
)

// GradScaler implements loss scaling for mixed-precision style training. The
// loss is multiplied by a large scale before backward, gradients are unscaled
// before the optimizer step, and steps producing non-finite gradients are
// skipped while the scale backs off.
type GradScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	goodSteps      int
	skipped        bool
}

// NewGradScaler creates a GradScaler with the conventional defaults
func NewGradScaler() *GradScaler {
	return &GradScaler{
		scale:          defaultGradScale,
		growthFactor:   defaultGrowthFactor,
		backoffFactor:  defaultBackoffFactor,
		growthInterval: defaultGrowthWait,
	}
}

// Scale multiplies the loss by the current scale inside the autograd graph,
// so the backward pass produces scaled gradients.
func (gs *GradScaler) Scale(loss *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ScaleAutograd(loss, gs.scale)
}

// Step unscales the parameter gradients in place and applies the optimizer
// step. When any gradient holds a NaN or Inf the step is skipped entirely and
// the gradients are left untouched for ZeroGrad to clear.
func (gs *GradScaler) Step(opt Optimizer, params []*tensor.Tensor) error {
	gs.skipped = false

	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		gd, ok := g.Data.([]float32)
		if !ok {
			return fmt.Errorf("gradient must be Float32, got %s", g.DType)
		}
		for _, v := range gd {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				gs.skipped = true
				return nil
			}
		}
	}

	inv := float32(1.0 / gs.scale)
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		gd := g.Data.([]float32)
		for i := range gd {
			gd[i] *= inv
		}
	}

	return opt.Step()
}

// Update adjusts the scale after a step: backoff after a skipped step, growth
// after growthInterval consecutive good steps.
func (gs *GradScaler) Update() {
	if gs.skipped {
		gs.scale *= gs.backoffFactor
		if gs.scale < 1 {
			gs.scale = 1
		}
		gs.goodSteps = 0
		return
	}
	gs.goodSteps++
	if gs.goodSteps >= gs.growthInterval {
		gs.scale *= gs.growthFactor
		gs.goodSteps = 0
	}
}

// GetScale returns the current loss scale
func (gs *GradScaler) GetScale() float64 {
	return gs.scale
}

// Skipped reports whether the most recent Step was skipped
func (gs *GradScaler) Skipped() bool {
	return gs.skipped
}
