package layers

import (
	"fmt"

	"github.com/tsawler/go-vit/tensor"
)

const defaultNormEps = 1e-5

// NormKind selects the feature normalization variant applied to token
// sequences.
type NormKind int

const (
	// NormLayer normalizes each token over the feature axis.
	NormLayer NormKind = iota
	// NormInstance normalizes each feature channel over the token axis.
	NormInstance
	// NormInstanceCond is instance normalization with affine parameters
	// selected per sample by modality id.
	NormInstanceCond
)

func (k NormKind) String() string {
	switch k {
	case NormLayer:
		return "layer"
	case NormInstance:
		return "instance"
	case NormInstanceCond:
		return "instance_cond"
	default:
		return "unknown"
	}
}

// NeedsModality reports whether this kind requires per-sample modality ids at
// forward time.
func (k NormKind) NeedsModality() bool {
	return k == NormInstanceCond
}

// ParseNormKind converts a normalization name into its NormKind
func ParseNormKind(name string) (NormKind, error) {
	switch name {
	case "layer":
		return NormLayer, nil
	case "instance":
		return NormInstance, nil
	case "instance_cond":
		return NormInstanceCond, nil
	default:
		return 0, &ConfigurationError{Field: "norm_type", Reason: fmt.Sprintf("unknown name %q", name)}
	}
}

// NormSpec describes which normalization to build. Eps of 0 selects the
// default. NumModalities is only consulted for NormInstanceCond.
type NormSpec struct {
	Kind          NormKind
	Eps           float32
	NumModalities int
}

// LayerNorm normalizes the trailing feature axis with learnable per-feature
// scale and shift.
type LayerNorm struct {
	features int
	eps      float32
	gamma    *tensor.Tensor
	beta     *tensor.Tensor
	training bool
}

// NewLayerNorm creates a new LayerNorm over the given feature size
func NewLayerNorm(features int, eps float32, device tensor.DeviceType) (*LayerNorm, error) {
	if features <= 0 {
		return nil, &ConfigurationError{Field: "normalized_shape", Reason: fmt.Sprintf("must be positive, got %d", features)}
	}
	if eps <= 0 {
		eps = defaultNormEps
	}

	gamma, err := tensor.Ones([]int{features}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %v", err)
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{features}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %v", err)
	}
	beta.SetRequiresGrad(true)

	return &LayerNorm{features: features, eps: eps, gamma: gamma, beta: beta, training: true}, nil
}

// Forward normalizes the trailing axis of input
func (ln *LayerNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Shape[len(input.Shape)-1] != ln.features {
		return nil, fmt.Errorf("feature size mismatch: expected %d, got %d", ln.features, input.Shape[len(input.Shape)-1])
	}
	return tensor.LayerNormAutograd(input, ln.gamma, ln.beta, ln.eps)
}

// Parameters returns the trainable parameters
func (ln *LayerNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{ln.gamma, ln.beta}
}

// Train sets the module to training mode
func (ln *LayerNorm) Train() {
	ln.training = true
}

// Eval sets the module to evaluation mode
func (ln *LayerNorm) Eval() {
	ln.training = false
}

// IsTraining returns true if in training mode
func (ln *LayerNorm) IsTraining() bool {
	return ln.training
}

// InstanceNorm normalizes each (sample, channel) row of a
// (batch, channels, length) tensor over its length axis. It carries no
// learnable parameters, matching the usual non-affine instance norm.
type InstanceNorm struct {
	channels int
	eps      float32
	gamma    *tensor.Tensor
	beta     *tensor.Tensor
	training bool
}

// NewInstanceNorm creates a new InstanceNorm over the given channel count
func NewInstanceNorm(channels int, eps float32, device tensor.DeviceType) (*InstanceNorm, error) {
	if channels <= 0 {
		return nil, &ConfigurationError{Field: "channels", Reason: fmt.Sprintf("must be positive, got %d", channels)}
	}
	if eps <= 0 {
		eps = defaultNormEps
	}

	gamma, err := tensor.Ones([]int{channels}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %v", err)
	}
	beta, err := tensor.Zeros([]int{channels}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %v", err)
	}

	return &InstanceNorm{channels: channels, eps: eps, gamma: gamma, beta: beta, training: true}, nil
}

// Forward normalizes a (batch, channels, length) tensor
func (in *InstanceNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 3 || input.Shape[1] != in.channels {
		return nil, fmt.Errorf("expected (batch, %d, length) input, got shape %v", in.channels, input.Shape)
	}
	return tensor.InstanceNormAutograd(input, in.gamma, in.beta, in.eps)
}

// Parameters returns empty slice (InstanceNorm is not affine)
func (in *InstanceNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (in *InstanceNorm) Train() {
	in.training = true
}

// Eval sets the module to evaluation mode
func (in *InstanceNorm) Eval() {
	in.training = false
}

// IsTraining returns true if in training mode
func (in *InstanceNorm) IsTraining() bool {
	return in.training
}

// InstanceCondNorm is instance normalization whose affine parameters are
// per-modality rows: sample i uses row modalities[i] of the scale and shift
// tables, so acquisition types learn separate feature statistics.
type InstanceCondNorm struct {
	numModalities int
	channels      int
	eps           float32
	gammaTable    *tensor.Tensor
	betaTable     *tensor.Tensor
	training      bool
}

// NewInstanceCondNorm creates a conditional instance norm with one affine row
// per modality
func NewInstanceCondNorm(numModalities, channels int, eps float32, device tensor.DeviceType) (*InstanceCondNorm, error) {
	if numModalities <= 0 {
		return nil, &ConfigurationError{Field: "num_modalities", Reason: fmt.Sprintf("must be positive, got %d", numModalities)}
	}
	if channels <= 0 {
		return nil, &ConfigurationError{Field: "channels", Reason: fmt.Sprintf("must be positive, got %d", channels)}
	}
	if eps <= 0 {
		eps = defaultNormEps
	}

	gammaData := make([]float32, numModalities*channels)
	for i := range gammaData {
		gammaData[i] = 1.0
	}
	gammaTable, err := tensor.NewTensor([]int{numModalities, channels}, tensor.Float32, device, gammaData)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma table: %v", err)
	}
	gammaTable.SetRequiresGrad(true)

	betaTable, err := tensor.Zeros([]int{numModalities, channels}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta table: %v", err)
	}
	betaTable.SetRequiresGrad(true)

	return &InstanceCondNorm{
		numModalities: numModalities,
		channels:      channels,
		eps:           eps,
		gammaTable:    gammaTable,
		betaTable:     betaTable,
		training:      true,
	}, nil
}

// ForwardCond normalizes a (batch, channels, length) tensor using the affine
// row selected by each sample's modality id
func (cn *InstanceCondNorm) ForwardCond(input, modalities *tensor.Tensor) (*tensor.Tensor, error) {
	if modalities == nil {
		return nil, &MissingModalityError{Layer: "instance_cond normalization"}
	}
	if len(input.Shape) != 3 || input.Shape[1] != cn.channels {
		return nil, fmt.Errorf("expected (batch, %d, length) input, got shape %v", cn.channels, input.Shape)
	}
	return tensor.InstanceNormCondAutograd(input, cn.gammaTable, cn.betaTable, modalities, cn.eps)
}

// Forward fails: this layer always needs modality ids
func (cn *InstanceCondNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return cn.ForwardCond(input, nil)
}

// Parameters returns the trainable parameters
func (cn *InstanceCondNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{cn.gammaTable, cn.betaTable}
}

// Train sets the module to training mode
func (cn *InstanceCondNorm) Train() {
	cn.training = true
}

// Eval sets the module to evaluation mode
func (cn *InstanceCondNorm) Eval() {
	cn.training = false
}

// IsTraining returns true if in training mode
func (cn *InstanceCondNorm) IsTraining() bool {
	return cn.training
}

// Norm pairs a normalization module with its kind so callers can apply any
// variant to (batch, tokens, features) activations through one entry point.
// Instance variants operate over the token axis, so Apply transposes to
// (batch, features, tokens) around them.
type Norm struct {
	kind NormKind
	mod  Module
}

// NewNorm builds the normalization selected by spec for the given feature
// size
func NewNorm(spec NormSpec, features int, device tensor.DeviceType) (*Norm, error) {
	var mod Module
	var err error
	switch spec.Kind {
	case NormLayer:
		mod, err = NewLayerNorm(features, spec.Eps, device)
	case NormInstance:
		mod, err = NewInstanceNorm(features, spec.Eps, device)
	case NormInstanceCond:
		mod, err = NewInstanceCondNorm(spec.NumModalities, features, spec.Eps, device)
	default:
		return nil, &ConfigurationError{Field: "norm_type", Reason: fmt.Sprintf("unknown kind %d", spec.Kind)}
	}
	if err != nil {
		return nil, err
	}
	return &Norm{kind: spec.Kind, mod: mod}, nil
}

// Kind returns the normalization variant
func (n *Norm) Kind() NormKind {
	return n.kind
}

// Apply normalizes a (batch, tokens, features) tensor, passing modality ids
// through to conditional variants. Modalities may be nil for unconditional
// kinds.
func (n *Norm) Apply(x, modalities *tensor.Tensor) (*tensor.Tensor, error) {
	if n.kind == NormLayer {
		return n.mod.Forward(x)
	}
	if n.kind.NeedsModality() && modalities == nil {
		return nil, &MissingModalityError{Layer: "instance_cond normalization"}
	}

	transposed, err := tensor.TransposeAutograd(x, 1, 2)
	if err != nil {
		return nil, fmt.Errorf("norm transpose failed: %v", err)
	}

	var normalized *tensor.Tensor
	if cond, ok := n.mod.(ConditionalModule); ok {
		normalized, err = cond.ForwardCond(transposed, modalities)
	} else {
		normalized, err = n.mod.Forward(transposed)
	}
	if err != nil {
		return nil, err
	}

	return tensor.TransposeAutograd(normalized, 1, 2)
}

// Parameters returns the trainable parameters of the underlying module
func (n *Norm) Parameters() []*tensor.Tensor {
	return n.mod.Parameters()
}

// Train sets the module to training mode
func (n *Norm) Train() {
	n.mod.Train()
}

// Eval sets the module to evaluation mode
func (n *Norm) Eval() {
	n.mod.Eval()
}

// IsTraining returns true if in training mode
func (n *Norm) IsTraining() bool {
	return n.mod.IsTraining()
}
