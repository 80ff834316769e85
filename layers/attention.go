package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/go-vit/tensor"
)

// SelfAttention implements multi-head scaled dot-product self-attention over
// a (batch, tokens, hidden) sequence. Queries, keys and values come from one
// fused projection; attention weights and the output projection each get
// their own dropout.
type SelfAttention struct {
	hidden      int
	numHeads    int
	headDim     int
	scale       float64
	qkv         *Linear
	outProj     *Linear
	dropWeights *Dropout
	dropOutput  *Dropout
	training    bool
}

// NewSelfAttention creates a new SelfAttention module
func NewSelfAttention(hidden, numHeads int, dropoutRate float32, qkvBias bool, device tensor.DeviceType) (*SelfAttention, error) {
	if numHeads <= 0 {
		return nil, &ConfigurationError{Field: "num_heads", Reason: fmt.Sprintf("must be positive, got %d", numHeads)}
	}
	if hidden%numHeads != 0 {
		return nil, &ConfigurationError{Field: "hidden_size", Reason: "should be divisible by num_heads"}
	}

	qkv, err := NewLinear(hidden, 3*hidden, qkvBias, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create qkv projection: %v", err)
	}
	outProj, err := NewLinear(hidden, hidden, true, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create output projection: %v", err)
	}
	dropWeights, err := NewDropout(dropoutRate)
	if err != nil {
		return nil, err
	}
	dropOutput, err := NewDropout(dropoutRate)
	if err != nil {
		return nil, err
	}

	headDim := hidden / numHeads
	return &SelfAttention{
		hidden:      hidden,
		numHeads:    numHeads,
		headDim:     headDim,
		scale:       1.0 / math.Sqrt(float64(headDim)),
		qkv:         qkv,
		outProj:     outProj,
		dropWeights: dropWeights,
		dropOutput:  dropOutput,
		training:    true,
	}, nil
}

// Forward computes attention over a (batch, tokens, hidden) input
func (sa *SelfAttention) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("SelfAttention expects (batch, tokens, hidden) input, got shape %v", input.Shape)
	}
	batch := input.Shape[0]
	tokens := input.Shape[1]
	if input.Shape[2] != sa.hidden {
		return nil, fmt.Errorf("hidden size mismatch: expected %d, got %d", sa.hidden, input.Shape[2])
	}

	fused, err := sa.qkv.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("qkv projection failed: %v", err)
	}

	q, err := sa.splitHeads(fused, 0, batch, tokens)
	if err != nil {
		return nil, err
	}
	k, err := sa.splitHeads(fused, sa.hidden, batch, tokens)
	if err != nil {
		return nil, err
	}
	v, err := sa.splitHeads(fused, 2*sa.hidden, batch, tokens)
	if err != nil {
		return nil, err
	}

	kT, err := tensor.TransposeAutograd(k, 2, 3)
	if err != nil {
		return nil, err
	}
	scores, err := tensor.MatMulAutograd(q, kT)
	if err != nil {
		return nil, fmt.Errorf("attention scores failed: %v", err)
	}
	scores, err = tensor.ScaleAutograd(scores, sa.scale)
	if err != nil {
		return nil, err
	}
	weights, err := tensor.SoftmaxAutograd(scores)
	if err != nil {
		return nil, err
	}
	weights, err = sa.dropWeights.Forward(weights)
	if err != nil {
		return nil, err
	}

	context, err := tensor.MatMulAutograd(weights, v)
	if err != nil {
		return nil, fmt.Errorf("attention context failed: %v", err)
	}
	context, err = tensor.TransposeAutograd(context, 1, 2)
	if err != nil {
		return nil, err
	}
	context, err = tensor.ReshapeAutograd(context, []int{batch, tokens, sa.hidden})
	if err != nil {
		return nil, err
	}

	output, err := sa.outProj.Forward(context)
	if err != nil {
		return nil, fmt.Errorf("output projection failed: %v", err)
	}
	return sa.dropOutput.Forward(output)
}

// splitHeads slices one of the fused projections and lays it out as
// Attention heads: (batch, heads, tokens, headDim).
func (sa *SelfAttention) splitHeads(fused *tensor.Tensor, offset, batch, tokens int) (*tensor.Tensor, error) {
	part, err := tensor.NarrowAutograd(fused, 2, offset, sa.hidden)
	if err != nil {
		return nil, err
	}
	part, err = tensor.ReshapeAutograd(part, []int{batch, tokens, sa.numHeads, sa.headDim})
	if err != nil {
		return nil, err
	}
	return tensor.TransposeAutograd(part, 1, 2)
}

// NumHeads returns the head count
func (sa *SelfAttention) NumHeads() int {
	return sa.numHeads
}

// Parameters returns the trainable parameters
func (sa *SelfAttention) Parameters() []*tensor.Tensor {
	params := sa.qkv.Parameters()
	params = append(params, sa.outProj.Parameters()...)
	return params
}

// Train sets the module to training mode
func (sa *SelfAttention) Train() {
	sa.training = true
	sa.qkv.Train()
	sa.outProj.Train()
	sa.dropWeights.Train()
	sa.dropOutput.Train()
}

// Eval sets the module to evaluation mode
func (sa *SelfAttention) Eval() {
	sa.training = false
	sa.qkv.Eval()
	sa.outProj.Eval()
	sa.dropWeights.Eval()
	sa.dropOutput.Eval()
}

// IsTraining returns true if in training mode
func (sa *SelfAttention) IsTraining() bool {
	return sa.training
}
