package training

import (
	"fmt"

	"github.com/tsawler/go-vit/tensor"
)

// SubsetDataset exposes only the first limit samples of an underlying
// dataset. Unlike MaxTrainBatches it also limits validation, which makes it
// useful for smoke runs over a few samples.
type SubsetDataset struct {
	original Dataset
	limit    int
}

// NewSubsetDataset wraps a dataset, capping its length at limit
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative, got %d", limit)
	}
	if limit > original.Len() {
		limit = original.Len()
	}
	return &SubsetDataset{original: original, limit: limit}, nil
}

// Len returns the capped sample count
func (sd *SubsetDataset) Len() int {
	return sd.limit
}

// Get returns the sample at idx from the underlying dataset
func (sd *SubsetDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, int, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, sd.limit)
	}
	return sd.original.Get(idx)
}
