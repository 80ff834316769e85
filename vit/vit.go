// Package vit implements a Vision Transformer encoder for 2D and 3D medical
// images. Images are cut into non-overlapping patches, embedded with position
// information and run through a stack of transformer blocks. The encoder can
// normalize activations per modality, letting one backbone serve mixed
// acquisition types, and an optional classification head turns the class
// token into logits.
package vit

import (
	"fmt"

	"github.com/tsawler/go-vit/layers"
	"github.com/tsawler/go-vit/tensor"
)

// Config describes a Vision Transformer. Zero values select the standard
// ViT-Base settings where one exists.
type Config struct {
	// InChannels is the number of image channels.
	InChannels int
	// ImgSize holds the spatial extent per dimension, e.g. {96, 96, 96}
	// for a 3D volume or {224, 224} for a 2D image.
	ImgSize []int
	// PatchSize holds the patch extent per dimension. Every entry must
	// divide the matching ImgSize entry.
	PatchSize []int
	// HiddenSize is the token embedding width. Defaults to 768.
	HiddenSize int
	// MLPDim is the feed-forward expansion width. Defaults to 3072.
	MLPDim int
	// NumLayers is the transformer block count. Defaults to 12.
	NumLayers int
	// NumHeads is the attention head count. Defaults to 12 and must
	// divide HiddenSize.
	NumHeads int
	// PosEmbed selects the patch embedding flavor, "conv" or
	// "perceptron". Both flatten patches and project them linearly; the
	// names are kept for checkpoint compatibility. Defaults to "conv".
	PosEmbed string
	// Classification adds a learnable class token and a classification
	// head over it.
	Classification bool
	// NumClasses sizes the classification head. Defaults to 2.
	NumClasses int
	// DropoutRate applies to embeddings, attention and feed-forward
	// layers. Must lie in [0, 1].
	DropoutRate float32
	// PostActivation selects the head activation. "Tanh" appends a Tanh
	// after the head projection; any other value leaves bare logits.
	// Defaults to "Tanh".
	PostActivation string
	// QKVBias adds bias terms to the fused attention projection.
	QKVBias bool
	// NormType selects the normalization used inside every block and for
	// the final encoder norm.
	NormType layers.NormKind
	// NormEps overrides the normalization epsilon when positive.
	NormEps float32
	// NumModalities sizes the per-modality affine tables. Required when
	// NormType is NormInstanceCond.
	NumModalities int
	// Device places all parameters and activations.
	Device tensor.DeviceType
}

func (c *Config) applyDefaults() {
	if c.HiddenSize == 0 {
		c.HiddenSize = 768
	}
	if c.MLPDim == 0 {
		c.MLPDim = 3072
	}
	if c.NumLayers == 0 {
		c.NumLayers = 12
	}
	if c.NumHeads == 0 {
		c.NumHeads = 12
	}
	if c.PosEmbed == "" {
		c.PosEmbed = "conv"
	}
	if c.NumClasses == 0 {
		c.NumClasses = 2
	}
	if c.PostActivation == "" {
		c.PostActivation = "Tanh"
	}
}

// Validate checks a fully-specified configuration. New applies defaults
// before calling it.
func (c *Config) Validate() error {
	if c.InChannels <= 0 {
		return &layers.ConfigurationError{Field: "in_channels", Reason: fmt.Sprintf("must be positive, got %d", c.InChannels)}
	}
	if len(c.ImgSize) == 0 {
		return &layers.ConfigurationError{Field: "img_size", Reason: "must have at least one spatial dimension"}
	}
	if len(c.PatchSize) != len(c.ImgSize) {
		return &layers.ConfigurationError{Field: "patch_size", Reason: fmt.Sprintf("image and patch dimensions must match, got %v and %v", c.ImgSize, c.PatchSize)}
	}
	if c.DropoutRate < 0 || c.DropoutRate > 1 {
		return &layers.ConfigurationError{Field: "dropout_rate", Reason: "should be between 0 and 1"}
	}
	if c.HiddenSize <= 0 {
		return &layers.ConfigurationError{Field: "hidden_size", Reason: fmt.Sprintf("must be positive, got %d", c.HiddenSize)}
	}
	if c.NumHeads <= 0 {
		return &layers.ConfigurationError{Field: "num_heads", Reason: fmt.Sprintf("must be positive, got %d", c.NumHeads)}
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return &layers.ConfigurationError{Field: "hidden_size", Reason: "should be divisible by num_heads"}
	}
	if c.PosEmbed != "conv" && c.PosEmbed != "perceptron" {
		return &layers.ConfigurationError{Field: "pos_embed", Reason: fmt.Sprintf("type %q is not supported", c.PosEmbed)}
	}
	if c.NormType.NeedsModality() && c.NumModalities <= 0 {
		return &layers.ConfigurationError{Field: "num_modalities", Reason: fmt.Sprintf("must be positive for %s normalization, got %d", c.NormType, c.NumModalities)}
	}
	if c.Classification && c.NumClasses <= 0 {
		return &layers.ConfigurationError{Field: "num_classes", Reason: fmt.Sprintf("must be positive, got %d", c.NumClasses)}
	}
	return nil
}

// Model is a Vision Transformer encoder with an optional classification
// head.
type Model struct {
	config     Config
	patchEmbed *layers.PatchEmbedding
	clsToken   *tensor.Tensor
	blocks     []*layers.TransformerBlock
	finalNorm  *layers.Norm
	head       layers.Module
	training   bool
}

// New builds a Model from config after applying defaults and validating
func New(config Config) (*Model, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	normSpec := layers.NormSpec{
		Kind:          config.NormType,
		Eps:           config.NormEps,
		NumModalities: config.NumModalities,
	}

	patchEmbed, err := layers.NewPatchEmbedding(config.InChannels, config.ImgSize, config.PatchSize, config.HiddenSize, config.DropoutRate, config.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to create patch embedding: %v", err)
	}

	blocks := make([]*layers.TransformerBlock, config.NumLayers)
	for i := range blocks {
		blocks[i], err = layers.NewTransformerBlock(config.HiddenSize, config.MLPDim, config.NumHeads, config.DropoutRate, config.QKVBias, normSpec, config.Device)
		if err != nil {
			return nil, fmt.Errorf("failed to create transformer block %d: %v", i, err)
		}
	}

	finalNorm, err := layers.NewNorm(normSpec, config.HiddenSize, config.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to create final normalization: %v", err)
	}

	model := &Model{
		config:     config,
		patchEmbed: patchEmbed,
		blocks:     blocks,
		finalNorm:  finalNorm,
		training:   true,
	}

	if config.Classification {
		clsToken, err := tensor.Zeros([]int{1, 1, config.HiddenSize}, tensor.Float32, config.Device)
		if err != nil {
			return nil, fmt.Errorf("failed to create class token: %v", err)
		}
		clsToken.SetRequiresGrad(true)
		model.clsToken = clsToken

		headProj, err := layers.NewLinear(config.HiddenSize, config.NumClasses, true, config.Device)
		if err != nil {
			return nil, fmt.Errorf("failed to create classification head: %v", err)
		}
		if config.PostActivation == "Tanh" {
			model.head = layers.NewSequential(headProj, layers.NewTanh())
		} else {
			model.head = headProj
		}
	}

	return model, nil
}

// Config returns a copy of the resolved configuration
func (m *Model) Config() Config {
	return m.config
}

// NumTokens returns the sequence length the encoder produces, including the
// class token when classification is enabled
func (m *Model) NumTokens() int {
	tokens := m.patchEmbed.NumPatches()
	if m.clsToken != nil {
		tokens++
	}
	return tokens
}

// Forward encodes a (batch, channels, *spatial) image batch. It returns the
// encoder output together with the activations after every transformer
// block. With classification enabled the output holds per-class values
// shaped (batch, classes); otherwise it is the normalized token sequence
// shaped (batch, tokens, hidden). Modalities must be a (batch,) Int32 tensor
// when the configured normalization is conditional and may be nil otherwise.
func (m *Model) Forward(input, modalities *tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor, error) {
	if m.config.NormType.NeedsModality() && modalities == nil {
		return nil, nil, &layers.MissingModalityError{Layer: fmt.Sprintf("%s normalization", m.config.NormType)}
	}

	x, err := m.patchEmbed.Forward(input)
	if err != nil {
		return nil, nil, fmt.Errorf("patch embedding failed: %v", err)
	}

	if m.clsToken != nil {
		batch := x.Shape[0]
		cls, err := tensor.ExpandAutograd(m.clsToken, []int{batch, 1, m.config.HiddenSize})
		if err != nil {
			return nil, nil, fmt.Errorf("class token expansion failed: %v", err)
		}
		x, err = tensor.ConcatAutograd([]*tensor.Tensor{cls, x}, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("class token concat failed: %v", err)
		}
	}

	hiddenStates := make([]*tensor.Tensor, 0, len(m.blocks))
	for i, blk := range m.blocks {
		x, err = blk.ForwardCond(x, modalities)
		if err != nil {
			return nil, nil, fmt.Errorf("transformer block %d failed: %v", i, err)
		}
		hiddenStates = append(hiddenStates, x)
	}

	x, err = m.finalNorm.Apply(x, modalities)
	if err != nil {
		return nil, nil, fmt.Errorf("final normalization failed: %v", err)
	}

	if m.head != nil {
		cls, err := tensor.NarrowAutograd(x, 1, 0, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("class token selection failed: %v", err)
		}
		cls, err = tensor.ReshapeAutograd(cls, []int{x.Shape[0], m.config.HiddenSize})
		if err != nil {
			return nil, nil, err
		}
		x, err = m.head.Forward(cls)
		if err != nil {
			return nil, nil, fmt.Errorf("classification head failed: %v", err)
		}
	}

	return x, hiddenStates, nil
}

// Parameters returns all trainable parameters
func (m *Model) Parameters() []*tensor.Tensor {
	params := m.patchEmbed.Parameters()
	if m.clsToken != nil {
		params = append(params, m.clsToken)
	}
	for _, blk := range m.blocks {
		params = append(params, blk.Parameters()...)
	}
	params = append(params, m.finalNorm.Parameters()...)
	if m.head != nil {
		params = append(params, m.head.Parameters()...)
	}
	return params
}

// Train sets the model to training mode
func (m *Model) Train() {
	m.training = true
	m.patchEmbed.Train()
	for _, blk := range m.blocks {
		blk.Train()
	}
	m.finalNorm.Train()
	if m.head != nil {
		m.head.Train()
	}
}

// Eval sets the model to evaluation mode
func (m *Model) Eval() {
	m.training = false
	m.patchEmbed.Eval()
	for _, blk := range m.blocks {
		blk.Eval()
	}
	m.finalNorm.Eval()
	if m.head != nil {
		m.head.Eval()
	}
}

// IsTraining returns true if in training mode
func (m *Model) IsTraining() bool {
	return m.training
}
