package layers

import (
	"fmt"

	"github.com/tsawler/go-vit/tensor"
)

// patchifyOp cuts a (batch, channels, *spatial) tensor into flattened patch
// vectors. sampleMap holds, for every output element within one sample, the
// source element it was copied from; the backward pass scatters gradients
// through the same map.
type patchifyOp struct {
	x         *tensor.Tensor
	sampleMap []int
	outStride int
	inStride  int
}

func (op *patchifyOp) Inputs() []*tensor.Tensor { return []*tensor.Tensor{op.x} }

func (op *patchifyOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	if !op.x.RequiresGrad() {
		return []*tensor.Tensor{nil}
	}
	ga, _ := tensor.Zeros(op.x.Shape, tensor.Float32, op.x.Device)
	gaData := ga.Data.([]float32)
	gData := gradOut.Data.([]float32)
	batch := op.x.Shape[0]
	for b := 0; b < batch; b++ {
		for j, src := range op.sampleMap {
			gaData[b*op.inStride+src] += gData[b*op.outStride+j]
		}
	}
	return []*tensor.Tensor{ga}
}

// buildPatchMap computes the per-sample gather map from patch vectors back to
// source elements. Patch vectors are laid out patch-offset major with the
// channel last, patches ordered row-major over the patch grid.
func buildPatchMap(channels int, imgSize, patchSize []int) []int {
	k := len(imgSize)
	grid := make([]int, k)
	nPatches := 1
	patchVol := 1
	spatialElems := 1
	for d := 0; d < k; d++ {
		grid[d] = imgSize[d] / patchSize[d]
		nPatches *= grid[d]
		patchVol *= patchSize[d]
		spatialElems *= imgSize[d]
	}

	spatialStrides := make([]int, k)
	stride := 1
	for d := k - 1; d >= 0; d-- {
		spatialStrides[d] = stride
		stride *= imgSize[d]
	}

	m := make([]int, nPatches*patchVol*channels)
	pos := make([]int, k)
	off := make([]int, k)
	for p := 0; p < nPatches; p++ {
		rem := p
		for d := k - 1; d >= 0; d-- {
			pos[d] = rem % grid[d]
			rem /= grid[d]
		}
		for o := 0; o < patchVol; o++ {
			rem = o
			for d := k - 1; d >= 0; d-- {
				off[d] = rem % patchSize[d]
				rem /= patchSize[d]
			}
			base := 0
			for d := 0; d < k; d++ {
				base += (pos[d]*patchSize[d] + off[d]) * spatialStrides[d]
			}
			for c := 0; c < channels; c++ {
				m[(p*patchVol+o)*channels+c] = c*spatialElems + base
			}
		}
	}
	return m
}

// PatchEmbedding converts a (batch, channels, *spatial) image into a token
// sequence: non-overlapping patches are flattened, linearly projected to the
// hidden size, offset by learnable position embeddings and passed through
// dropout.
type PatchEmbedding struct {
	inChannels int
	imgSize    []int
	patchSize  []int
	hidden     int
	nPatches   int
	patchDim   int
	sampleMap  []int
	proj       *Linear
	posEmb     *tensor.Tensor
	drop       *Dropout
	training   bool
}

// NewPatchEmbedding creates a new PatchEmbedding module
func NewPatchEmbedding(inChannels int, imgSize, patchSize []int, hidden int, dropoutRate float32, device tensor.DeviceType) (*PatchEmbedding, error) {
	if inChannels <= 0 {
		return nil, &ConfigurationError{Field: "in_channels", Reason: fmt.Sprintf("must be positive, got %d", inChannels)}
	}
	if len(imgSize) == 0 || len(imgSize) != len(patchSize) {
		return nil, &ConfigurationError{Field: "img_size", Reason: fmt.Sprintf("image and patch dimensions must match, got %v and %v", imgSize, patchSize)}
	}
	nPatches := 1
	patchDim := inChannels
	for d := range imgSize {
		if imgSize[d] <= 0 || patchSize[d] <= 0 {
			return nil, &ConfigurationError{Field: "patch_size", Reason: fmt.Sprintf("sizes must be positive, got image %v patch %v", imgSize, patchSize)}
		}
		if patchSize[d] > imgSize[d] {
			return nil, &ConfigurationError{Field: "patch_size", Reason: "should be smaller than img_size"}
		}
		if imgSize[d]%patchSize[d] != 0 {
			return nil, &ConfigurationError{Field: "patch_size", Reason: fmt.Sprintf("should divide img_size, got %v and %v", imgSize, patchSize)}
		}
		nPatches *= imgSize[d] / patchSize[d]
		patchDim *= patchSize[d]
	}

	proj, err := NewLinear(patchDim, hidden, true, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create patch projection: %v", err)
	}

	// Position embeddings start near zero, matching truncated normal
	// initialization with std 0.02.
	posData := make([]float32, nPatches*hidden)
	for i := range posData {
		posData[i] = float32(globalRng.NormFloat64() * 0.02)
	}
	posEmb, err := tensor.NewTensor([]int{1, nPatches, hidden}, tensor.Float32, device, posData)
	if err != nil {
		return nil, fmt.Errorf("failed to create position embeddings: %v", err)
	}
	posEmb.SetRequiresGrad(true)

	drop, err := NewDropout(dropoutRate)
	if err != nil {
		return nil, err
	}

	return &PatchEmbedding{
		inChannels: inChannels,
		imgSize:    append([]int(nil), imgSize...),
		patchSize:  append([]int(nil), patchSize...),
		hidden:     hidden,
		nPatches:   nPatches,
		patchDim:   patchDim,
		sampleMap:  buildPatchMap(inChannels, imgSize, patchSize),
		proj:       proj,
		posEmb:     posEmb,
		drop:       drop,
		training:   true,
	}, nil
}

// NumPatches returns the token count produced per image
func (pe *PatchEmbedding) NumPatches() int {
	return pe.nPatches
}

// Forward converts images into embedded patch tokens shaped
// (batch, patches, hidden)
func (pe *PatchEmbedding) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("patch embedding only supports Float32 tensors")
	}
	if len(input.Shape) != 2+len(pe.imgSize) {
		return nil, fmt.Errorf("expected (batch, channels, *spatial) input with %d spatial dims, got shape %v", len(pe.imgSize), input.Shape)
	}
	if input.Shape[1] != pe.inChannels {
		return nil, fmt.Errorf("channel mismatch: expected %d, got %d", pe.inChannels, input.Shape[1])
	}
	for d, size := range pe.imgSize {
		if input.Shape[2+d] != size {
			return nil, fmt.Errorf("spatial size mismatch at dim %d: expected %d, got %d", d, size, input.Shape[2+d])
		}
	}

	patches, err := pe.patchify(input)
	if err != nil {
		return nil, err
	}
	tokens, err := pe.proj.Forward(patches)
	if err != nil {
		return nil, fmt.Errorf("patch projection failed: %v", err)
	}
	tokens, err = tensor.AddAutograd(tokens, pe.posEmb)
	if err != nil {
		return nil, fmt.Errorf("position embedding failed: %v", err)
	}
	return pe.drop.Forward(tokens)
}

func (pe *PatchEmbedding) patchify(input *tensor.Tensor) (*tensor.Tensor, error) {
	batch := input.Shape[0]
	inStride := input.NumElems / batch
	outStride := pe.nPatches * pe.patchDim

	inData := input.Data.([]float32)
	outData := make([]float32, batch*outStride)
	for b := 0; b < batch; b++ {
		for j, src := range pe.sampleMap {
			outData[b*outStride+j] = inData[b*inStride+src]
		}
	}

	result, err := tensor.NewTensor([]int{batch, pe.nPatches, pe.patchDim}, tensor.Float32, input.Device, outData)
	if err != nil {
		return nil, err
	}
	op := &patchifyOp{x: input, sampleMap: pe.sampleMap, outStride: outStride, inStride: inStride}
	return tensor.WithCreator(result, op, input), nil
}

// Parameters returns the trainable parameters
func (pe *PatchEmbedding) Parameters() []*tensor.Tensor {
	params := pe.proj.Parameters()
	params = append(params, pe.posEmb)
	return params
}

// Train sets the module to training mode
func (pe *PatchEmbedding) Train() {
	pe.training = true
	pe.proj.Train()
	pe.drop.Train()
}

// Eval sets the module to evaluation mode
func (pe *PatchEmbedding) Eval() {
	pe.training = false
	pe.proj.Eval()
	pe.drop.Eval()
}

// IsTraining returns true if in training mode
func (pe *PatchEmbedding) IsTraining() bool {
	return pe.training
}
