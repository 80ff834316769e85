package layers

import (
	"github.com/tsawler/go-vit/tensor"
)

// ReLU implements the rectified linear activation module
type ReLU struct {
	training bool
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

// Forward performs ReLU activation
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

// Parameters returns empty slice (ReLU has no parameters)
func (r *ReLU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (r *ReLU) Train() {
	r.training = true
}

// Eval sets the module to evaluation mode
func (r *ReLU) Eval() {
	r.training = false
}

// IsTraining returns true if in training mode
func (r *ReLU) IsTraining() bool {
	return r.training
}

// GELU implements the Gaussian error linear unit activation module using the
// tanh approximation
type GELU struct {
	training bool
}

// NewGELU creates a new GELU activation module
func NewGELU() *GELU {
	return &GELU{training: true}
}

// Forward performs GELU activation
func (g *GELU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GELUAutograd(input)
}

// Parameters returns empty slice (GELU has no parameters)
func (g *GELU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (g *GELU) Train() {
	g.training = true
}

// Eval sets the module to evaluation mode
func (g *GELU) Eval() {
	g.training = false
}

// IsTraining returns true if in training mode
func (g *GELU) IsTraining() bool {
	return g.training
}

// Tanh implements the hyperbolic tangent activation module
type Tanh struct {
	training bool
}

// NewTanh creates a new Tanh activation module
func NewTanh() *Tanh {
	return &Tanh{training: true}
}

// Forward performs Tanh activation
func (t *Tanh) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.TanhAutograd(input)
}

// Parameters returns empty slice (Tanh has no parameters)
func (t *Tanh) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (t *Tanh) Train() {
	t.training = true
}

// Eval sets the module to evaluation mode
func (t *Tanh) Eval() {
	t.training = false
}

// IsTraining returns true if in training mode
func (t *Tanh) IsTraining() bool {
	return t.training
}

// Sigmoid implements the logistic activation module
type Sigmoid struct {
	training bool
}

// NewSigmoid creates a new Sigmoid activation module
func NewSigmoid() *Sigmoid {
	return &Sigmoid{training: true}
}

// Forward performs Sigmoid activation
func (s *Sigmoid) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SigmoidAutograd(input)
}

// Parameters returns empty slice (Sigmoid has no parameters)
func (s *Sigmoid) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (s *Sigmoid) Train() {
	s.training = true
}

// Eval sets the module to evaluation mode
func (s *Sigmoid) Eval() {
	s.training = false
}

// IsTraining returns true if in training mode
func (s *Sigmoid) IsTraining() bool {
	return s.training
}
