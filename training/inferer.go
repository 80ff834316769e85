package training

import (
	"github.com/tsawler/go-vit/tensor"
)

// ModelInferer runs the forward pass used during validation. It exists so a
// patch-based or ensembling strategy can stand in for the plain model call
// without the validation loop knowing the difference.
type ModelInferer func(input, modalities *tensor.Tensor) (*tensor.Tensor, error)

// DirectInferer wraps a model's forward pass as a ModelInferer, discarding
// the per-layer hidden states.
func DirectInferer(model Model) ModelInferer {
	return func(input, modalities *tensor.Tensor) (*tensor.Tensor, error) {
		out, _, err := model.Forward(input, modalities)
		return out, err
	}
}
