package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-vit/tensor"
)

// Dataset interface defines methods that all datasets must implement. Each
// sample carries the index of the acquisition modality it came from; datasets
// without modality structure return 0.
type Dataset interface {
	Len() int                                                                          // Total number of samples
	Get(idx int) (image *tensor.Tensor, label *tensor.Tensor, modality int, err error) // Returns a single sample
}

// Batch represents a batch of images, labels and per-sample modality indices.
// Modality is an Int32 tensor shaped (batch,).
type Batch struct {
	Image    *tensor.Tensor
	Label    *tensor.Tensor
	Modality *tensor.Tensor
}

// DataLoader provides batching, shuffling, and efficient data loading
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	device    tensor.DeviceType
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, device tensor.DeviceType) *DataLoader {
	if batchSize <= 0 {
		batchSize = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		device:    device,
		indices:   indices,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := rand.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}

	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch loads a batch of samples and combines them into batched tensors
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}
	batchSize := len(indices)

	// First sample fixes shapes and dtypes for the whole batch
	firstImage, firstLabel, _, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %v", indices[0], err)
	}

	imageShape := append([]int{batchSize}, firstImage.Shape...)
	labelShape := append([]int{batchSize}, firstLabel.Shape...)

	batchImage, err := tensor.Zeros(imageShape, firstImage.DType, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch image tensor: %v", err)
	}
	batchLabel, err := tensor.Zeros(labelShape, firstLabel.DType, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch label tensor: %v", err)
	}
	modalities := make([]int32, batchSize)

	for i, idx := range indices {
		image, label, modality, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}

		if err := dl.copyInto(batchImage, image, i); err != nil {
			return nil, fmt.Errorf("failed to copy image for sample %d: %v", i, err)
		}
		if err := dl.copyInto(batchLabel, label, i); err != nil {
			return nil, fmt.Errorf("failed to copy label for sample %d: %v", i, err)
		}
		modalities[i] = int32(modality)
	}

	batchModality, err := tensor.NewTensor([]int{batchSize}, tensor.Int32, tensor.CPU, modalities)
	if err != nil {
		return nil, fmt.Errorf("failed to create modality tensor: %v", err)
	}

	if dl.device != tensor.CPU {
		batchImage, err = batchImage.ToDevice(dl.device)
		if err != nil {
			return nil, fmt.Errorf("failed to transfer batch image to %s: %v", dl.device, err)
		}
		batchLabel, err = batchLabel.ToDevice(dl.device)
		if err != nil {
			return nil, fmt.Errorf("failed to transfer batch label to %s: %v", dl.device, err)
		}
		batchModality, err = batchModality.ToDevice(dl.device)
		if err != nil {
			return nil, fmt.Errorf("failed to transfer batch modality to %s: %v", dl.device, err)
		}
	}

	return &Batch{
		Image:    batchImage,
		Label:    batchLabel,
		Modality: batchModality,
	}, nil
}

// copyInto copies a sample tensor into a specific position in the batch tensor
func (dl *DataLoader) copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	if batchTensor.DType != sampleTensor.DType {
		return fmt.Errorf("dtype mismatch: batch %s, sample %s", batchTensor.DType, sampleTensor.DType)
	}

	sampleSize := sampleTensor.NumElems
	offset := batchIndex * sampleSize

	switch batchTensor.DType {
	case tensor.Float32:
		batchData := batchTensor.Data.([]float32)
		sampleData := sampleTensor.Data.([]float32)
		if len(sampleData) != sampleSize {
			return fmt.Errorf("sample data size mismatch: expected %d, got %d", sampleSize, len(sampleData))
		}
		copy(batchData[offset:offset+sampleSize], sampleData)

	case tensor.Int32:
		batchData := batchTensor.Data.([]int32)
		sampleData := sampleTensor.Data.([]int32)
		if len(sampleData) != sampleSize {
			return fmt.Errorf("sample data size mismatch: expected %d, got %d", sampleSize, len(sampleData))
		}
		copy(batchData[offset:offset+sampleSize], sampleData)

	default:
		return fmt.Errorf("unsupported dtype for batch copying: %s", batchTensor.DType)
	}

	return nil
}

// Iterator returns a channel-based iterator for easy use in training loops
func (dl *DataLoader) Iterator() <-chan *Batch {
	batchChan := make(chan *Batch, 1)

	go func() {
		defer close(batchChan)

		dl.Reset()

		for dl.HasNext() {
			batch, err := dl.Next()
			if err != nil {
				fmt.Printf("DataLoader error: %v\n", err)
				return
			}
			if batch == nil {
				break
			}
			batchChan <- batch
		}
	}()

	return batchChan
}

// TensorDataset serves pre-built tensors, one image and label per sample
type TensorDataset struct {
	images     []*tensor.Tensor
	labels     []*tensor.Tensor
	modalities []int
}

// NewTensorDataset creates a dataset from parallel image and label slices.
// Modalities may be nil, in which case every sample reports modality 0.
func NewTensorDataset(images, labels []*tensor.Tensor, modalities []int) (*TensorDataset, error) {
	if len(images) != len(labels) {
		return nil, fmt.Errorf("images and labels must have the same length: got %d and %d", len(images), len(labels))
	}
	if modalities != nil && len(modalities) != len(images) {
		return nil, fmt.Errorf("modalities must match images: got %d and %d", len(modalities), len(images))
	}

	return &TensorDataset{
		images:     images,
		labels:     labels,
		modalities: modalities,
	}, nil
}

// Len returns the number of samples in the dataset
func (ds *TensorDataset) Len() int {
	return len(ds.images)
}

// Get returns a sample at the given index
func (ds *TensorDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, int, error) {
	if idx < 0 || idx >= len(ds.images) {
		return nil, nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.images))
	}
	modality := 0
	if ds.modalities != nil {
		modality = ds.modalities[idx]
	}
	return ds.images[idx], ds.labels[idx], modality, nil
}

// SyntheticDataset generates deterministic random samples for tests and
// examples. Sample idx is always the same tensor regardless of access order,
// and modalities cycle through the configured count.
type SyntheticDataset struct {
	size          int
	imageShape    []int
	numClasses    int
	numModalities int
	seed          int64
}

// NewSyntheticDataset creates a new SyntheticDataset producing Float32 images
// of the given per-sample shape and Int32 class labels.
func NewSyntheticDataset(size int, imageShape []int, numClasses, numModalities int, seed int64) *SyntheticDataset {
	if numClasses <= 0 {
		numClasses = 2
	}
	if numModalities <= 0 {
		numModalities = 1
	}
	return &SyntheticDataset{
		size:          size,
		imageShape:    imageShape,
		numClasses:    numClasses,
		numModalities: numModalities,
		seed:          seed,
	}
}

// Len returns the size of the dataset
func (sd *SyntheticDataset) Len() int {
	return sd.size
}

// Get generates the sample for idx
func (sd *SyntheticDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, int, error) {
	if idx < 0 || idx >= sd.size {
		return nil, nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, sd.size)
	}

	rng := rand.New(rand.NewSource(sd.seed + int64(idx)))

	imageSize := 1
	for _, dim := range sd.imageShape {
		imageSize *= dim
	}
	imageData := make([]float32, imageSize)
	for i := range imageData {
		imageData[i] = rng.Float32()*2.0 - 1.0 // Range [-1, 1]
	}
	image, err := tensor.NewTensor(sd.imageShape, tensor.Float32, tensor.CPU, imageData)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to create image tensor: %v", err)
	}

	labelData := []int32{int32(rng.Intn(sd.numClasses))}
	label, err := tensor.NewTensor([]int{1}, tensor.Int32, tensor.CPU, labelData)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to create label tensor: %v", err)
	}

	return image, label, idx % sd.numModalities, nil
}
