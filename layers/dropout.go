package layers

import (
	"fmt"

	"github.com/tsawler/go-vit/tensor"
)

// Dropout zeroes a random fraction of activations during training and
// rescales the survivors by 1/(1-p). In evaluation mode it is the identity.
type Dropout struct {
	p        float32
	training bool
}

// NewDropout creates a new Dropout module with drop probability p
func NewDropout(p float32) (*Dropout, error) {
	if p < 0 || p > 1 {
		return nil, &ConfigurationError{Field: "dropout_rate", Reason: fmt.Sprintf("should be between 0 and 1, got %v", p)}
	}
	return &Dropout{p: p, training: true}, nil
}

// Forward applies dropout when training; otherwise passes input through
func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.p == 0 {
		return input, nil
	}

	mask := make([]float32, input.NumElems)
	if d.p < 1 {
		scale := 1 / (1 - d.p)
		for i := range mask {
			if globalRng.Float32() >= d.p {
				mask[i] = scale
			}
		}
	}
	return tensor.DropoutAutograd(input, mask)
}

// Rate returns the drop probability
func (d *Dropout) Rate() float32 {
	return d.p
}

// Parameters returns empty slice (Dropout has no parameters)
func (d *Dropout) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (d *Dropout) Train() {
	d.training = true
}

// Eval sets the module to evaluation mode
func (d *Dropout) Eval() {
	d.training = false
}

// IsTraining returns true if in training mode
func (d *Dropout) IsTraining() bool {
	return d.training
}
