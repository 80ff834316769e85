package layers

import (
	"fmt"

	"github.com/tsawler/go-vit/tensor"
)

// TransformerBlock is one pre-norm encoder layer: attention and feed-forward
// sublayers with residual connections. Its normalizations follow the
// configured variant, so with a conditional kind the block itself becomes
// modality-conditioned.
type TransformerBlock struct {
	norm1    *Norm
	norm2    *Norm
	attn     *SelfAttention
	mlp      *MLPBlock
	training bool
}

// NewTransformerBlock creates a new TransformerBlock
func NewTransformerBlock(hidden, mlpDim, numHeads int, dropoutRate float32, qkvBias bool, normSpec NormSpec, device tensor.DeviceType) (*TransformerBlock, error) {
	norm1, err := NewNorm(normSpec, hidden, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create first norm: %v", err)
	}
	norm2, err := NewNorm(normSpec, hidden, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create second norm: %v", err)
	}
	attn, err := NewSelfAttention(hidden, numHeads, dropoutRate, qkvBias, device)
	if err != nil {
		return nil, err
	}
	mlp, err := NewMLPBlock(hidden, mlpDim, dropoutRate, device)
	if err != nil {
		return nil, err
	}

	return &TransformerBlock{
		norm1:    norm1,
		norm2:    norm2,
		attn:     attn,
		mlp:      mlp,
		training: true,
	}, nil
}

// ForwardCond runs the block over a (batch, tokens, hidden) sequence,
// passing modality ids to conditional normalizations. Modalities may be nil
// for unconditional norms.
func (tb *TransformerBlock) ForwardCond(input, modalities *tensor.Tensor) (*tensor.Tensor, error) {
	normed, err := tb.norm1.Apply(input, modalities)
	if err != nil {
		return nil, err
	}
	attended, err := tb.attn.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("attention failed: %v", err)
	}
	x, err := tensor.AddAutograd(input, attended)
	if err != nil {
		return nil, err
	}

	normed, err = tb.norm2.Apply(x, modalities)
	if err != nil {
		return nil, err
	}
	expanded, err := tb.mlp.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("feed-forward failed: %v", err)
	}
	return tensor.AddAutograd(x, expanded)
}

// Forward runs the block without modality conditioning
func (tb *TransformerBlock) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tb.ForwardCond(input, nil)
}

// Parameters returns the trainable parameters
func (tb *TransformerBlock) Parameters() []*tensor.Tensor {
	params := tb.norm1.Parameters()
	params = append(params, tb.attn.Parameters()...)
	params = append(params, tb.norm2.Parameters()...)
	params = append(params, tb.mlp.Parameters()...)
	return params
}

// Train sets the module to training mode
func (tb *TransformerBlock) Train() {
	tb.training = true
	tb.norm1.Train()
	tb.norm2.Train()
	tb.attn.Train()
	tb.mlp.Train()
}

// Eval sets the module to evaluation mode
func (tb *TransformerBlock) Eval() {
	tb.training = false
	tb.norm1.Eval()
	tb.norm2.Eval()
	tb.attn.Eval()
	tb.mlp.Eval()
}

// IsTraining returns true if in training mode
func (tb *TransformerBlock) IsTraining() bool {
	return tb.training
}
