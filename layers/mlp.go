package layers

import (
	"fmt"

	"github.com/tsawler/go-vit/tensor"
)

// MLPBlock is the transformer feed-forward block: a widening projection, GELU
// activation and a narrowing projection, each followed by dropout.
type MLPBlock struct {
	fc1      *Linear
	fc2      *Linear
	act      *GELU
	drop1    *Dropout
	drop2    *Dropout
	training bool
}

// NewMLPBlock creates a new MLPBlock expanding hidden to mlpDim and back
func NewMLPBlock(hidden, mlpDim int, dropoutRate float32, device tensor.DeviceType) (*MLPBlock, error) {
	fc1, err := NewLinear(hidden, mlpDim, true, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create first projection: %v", err)
	}
	fc2, err := NewLinear(mlpDim, hidden, true, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create second projection: %v", err)
	}
	drop1, err := NewDropout(dropoutRate)
	if err != nil {
		return nil, err
	}
	drop2, err := NewDropout(dropoutRate)
	if err != nil {
		return nil, err
	}

	return &MLPBlock{
		fc1:      fc1,
		fc2:      fc2,
		act:      NewGELU(),
		drop1:    drop1,
		drop2:    drop2,
		training: true,
	}, nil
}

// Forward applies both projections with activation and dropout
func (m *MLPBlock) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := m.fc1.Forward(input)
	if err != nil {
		return nil, err
	}
	x, err = m.act.Forward(x)
	if err != nil {
		return nil, err
	}
	x, err = m.drop1.Forward(x)
	if err != nil {
		return nil, err
	}
	x, err = m.fc2.Forward(x)
	if err != nil {
		return nil, err
	}
	return m.drop2.Forward(x)
}

// Parameters returns the trainable parameters
func (m *MLPBlock) Parameters() []*tensor.Tensor {
	params := m.fc1.Parameters()
	params = append(params, m.fc2.Parameters()...)
	return params
}

// Train sets the module to training mode
func (m *MLPBlock) Train() {
	m.training = true
	m.fc1.Train()
	m.fc2.Train()
	m.drop1.Train()
	m.drop2.Train()
}

// Eval sets the module to evaluation mode
func (m *MLPBlock) Eval() {
	m.training = false
	m.fc1.Eval()
	m.fc2.Eval()
	m.drop1.Eval()
	m.drop2.Eval()
}

// IsTraining returns true if in training mode
func (m *MLPBlock) IsTraining() bool {
	return m.training
}
