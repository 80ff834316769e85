package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-vit/tensor"
)

// PostTransform maps one decollated sample tensor to its discretized form
// before metric computation.
type PostTransform func(*tensor.Tensor) (*tensor.Tensor, error)

// ApplyTransforms runs the transforms in order on a single sample
func ApplyTransforms(t *tensor.Tensor, transforms []PostTransform) (*tensor.Tensor, error) {
	out := t
	for i, transform := range transforms {
		var err error
		out, err = transform(out)
		if err != nil {
			return nil, fmt.Errorf("post transform %d failed: %v", i, err)
		}
	}
	return out, nil
}

// AsDiscreteArgmax returns a transform that collapses channel scores to the
// winning class and re-expands to one-hot. Input is (channels, *spatial)
// Float32; output is (numClasses, *spatial) Float32, with numClasses <= 0
// defaulting to the input channel count.
func AsDiscreteArgmax(numClasses int) PostTransform {
	return func(t *tensor.Tensor) (*tensor.Tensor, error) {
		if t.DType != tensor.Float32 {
			return nil, fmt.Errorf("argmax requires Float32 input, got %s", t.DType)
		}
		if len(t.Shape) < 1 || t.Shape[0] < 1 {
			return nil, fmt.Errorf("argmax requires (channels, ...) input, got shape %v", t.Shape)
		}
		channels := t.Shape[0]
		classes := numClasses
		if classes <= 0 {
			classes = channels
		}

		spatial := t.NumElems / channels
		data := t.Data.([]float32)
		out := make([]float32, classes*spatial)
		for s := 0; s < spatial; s++ {
			best := 0
			for c := 1; c < channels; c++ {
				if data[c*spatial+s] > data[best*spatial+s] {
					best = c
				}
			}
			if best < classes {
				out[best*spatial+s] = 1
			}
		}

		shape := append([]int{classes}, t.Shape[1:]...)
		return tensor.NewTensor(shape, tensor.Float32, t.Device, out)
	}
}

// AsDiscreteOneHot returns a transform that expands a class-index map to
// one-hot form. Input is an Int32 or Float32 index map shaped (*spatial) or
// (1, *spatial); output is (numClasses, *spatial) Float32.
func AsDiscreteOneHot(numClasses int) PostTransform {
	return func(t *tensor.Tensor) (*tensor.Tensor, error) {
		if numClasses <= 0 {
			return nil, fmt.Errorf("one-hot requires a positive class count, got %d", numClasses)
		}
		dims := t.Shape
		if len(dims) > 1 && dims[0] == 1 {
			dims = dims[1:]
		}
		spatial := t.NumElems

		classAt := func(s int) (int, error) {
			switch d := t.Data.(type) {
			case []int32:
				return int(d[s]), nil
			case []float32:
				v := d[s]
				if float32(math.Trunc(float64(v))) != v {
					return 0, fmt.Errorf("index map holds non-integer value %v", v)
				}
				return int(v), nil
			default:
				return 0, fmt.Errorf("one-hot requires Int32 or Float32 input, got %s", t.DType)
			}
		}

		out := make([]float32, numClasses*spatial)
		for s := 0; s < spatial; s++ {
			cls, err := classAt(s)
			if err != nil {
				return nil, err
			}
			if cls < 0 || cls >= numClasses {
				return nil, fmt.Errorf("class %d out of range [0, %d)", cls, numClasses)
			}
			out[cls*spatial+s] = 1
		}

		shape := append([]int{numClasses}, dims...)
		return tensor.NewTensor(shape, tensor.Float32, t.Device, out)
	}
}

// AsDiscreteThreshold returns a transform that binarizes values against a
// threshold, 1 at or above and 0 below.
func AsDiscreteThreshold(threshold float32) PostTransform {
	return func(t *tensor.Tensor) (*tensor.Tensor, error) {
		if t.DType != tensor.Float32 {
			return nil, fmt.Errorf("threshold requires Float32 input, got %s", t.DType)
		}
		data := t.Data.([]float32)
		out := make([]float32, len(data))
		for i, v := range data {
			if v >= threshold {
				out[i] = 1
			}
		}
		shape := make([]int, len(t.Shape))
		copy(shape, t.Shape)
		return tensor.NewTensor(shape, tensor.Float32, t.Device, out)
	}
}

// Decollate splits a batch tensor along dimension 0 into per-sample tensors
// with the batch dimension dropped.
func Decollate(batch *tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(batch.Shape) < 2 {
		return nil, fmt.Errorf("cannot decollate tensor with shape %v", batch.Shape)
	}
	samples := make([]*tensor.Tensor, batch.Shape[0])
	for i := range samples {
		slice, err := tensor.Narrow(batch, 0, i, 1)
		if err != nil {
			return nil, err
		}
		shape := make([]int, len(batch.Shape)-1)
		copy(shape, batch.Shape[1:])
		sample, err := slice.Reshape(shape)
		if err != nil {
			return nil, err
		}
		samples[i] = sample
	}
	return samples, nil
}

// Stack joins per-sample tensors back into a batch along a new leading
// dimension, the inverse of Decollate.
func Stack(samples []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	expanded := make([]*tensor.Tensor, len(samples))
	for i, s := range samples {
		shape := append([]int{1}, s.Shape...)
		r, err := s.Reshape(shape)
		if err != nil {
			return nil, err
		}
		expanded[i] = r
	}
	return tensor.Concat(expanded, 0)
}
