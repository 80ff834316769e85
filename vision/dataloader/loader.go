package dataloader

import (
	"fmt"
	"image"
	"os"
	"strconv"

	"github.com/tsawler/go-vit/tensor"
	"github.com/tsawler/go-vit/vision/dataset"
	"github.com/tsawler/go-vit/vision/preprocessing"
)

// Config holds configuration for a FileDataset
type Config struct {
	ImageSize    int
	Channels     int
	Normalize    preprocessing.NormalizeMode
	MaxCacheSize int           // Maximum number of decoded files to cache
	CacheManager *CacheManager // Optional shared cache
}

// FileDataset serves datalist entries as tensors, decoding image files on
// demand through a shared LRU cache. Integer labels become (1,) Int32 class
// tensors; label paths are decoded as class-index masks shaped (1, H, W).
type FileDataset struct {
	entries   []dataset.DatalistEntry
	processor *preprocessing.ImageProcessor
	imageSize int
	channels  int

	cache      *CacheManager
	ownedCache bool
}

// NewFileDataset creates a dataset over the given datalist entries
func NewFileDataset(entries []dataset.DatalistEntry, config Config) (*FileDataset, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("dataset needs at least one entry")
	}
	if config.ImageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", config.ImageSize)
	}

	channels := config.Channels
	if channels != 3 {
		channels = 1
	}

	cache := config.CacheManager
	ownedCache := false
	if cache == nil {
		maxCacheSize := config.MaxCacheSize
		if maxCacheSize == 0 {
			maxCacheSize = 1000
		}
		cache = NewCacheManager(maxCacheSize)
		ownedCache = true
	}

	return &FileDataset{
		entries:    entries,
		processor:  preprocessing.NewImageProcessor(config.ImageSize, channels, config.Normalize),
		imageSize:  config.ImageSize,
		channels:   channels,
		cache:      cache,
		ownedCache: ownedCache,
	}, nil
}

// Len returns the number of samples
func (fd *FileDataset) Len() int {
	return len(fd.entries)
}

// Get loads one sample, decoding through the cache
func (fd *FileDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, int, error) {
	if idx < 0 || idx >= len(fd.entries) {
		return nil, nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(fd.entries))
	}
	entry := fd.entries[idx]

	imageData, err := fd.loadImage(entry.Image)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to load image %s: %w", entry.Image, err)
	}
	img, err := tensor.NewTensor([]int{fd.channels, fd.imageSize, fd.imageSize}, tensor.Float32, tensor.CPU, imageData)
	if err != nil {
		return nil, nil, 0, err
	}

	label, err := fd.loadLabel(entry.Label)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to load label %q: %w", entry.Label, err)
	}

	return img, label, entry.Modality, nil
}

// loadImage decodes an image file with caching
func (fd *FileDataset) loadImage(path string) ([]float32, error) {
	if data, ok := fd.cache.Get(path); ok {
		return data, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	processed, err := fd.processor.DecodeAndPreprocess(file)
	if err != nil {
		return nil, err
	}

	fd.cache.Put(path, processed.Data)
	return processed.Data, nil
}

// loadLabel builds the label tensor for one entry. An integer label is a
// classification target; anything else is treated as a path to a mask image
// whose 8-bit gray levels are class indices.
func (fd *FileDataset) loadLabel(label string) (*tensor.Tensor, error) {
	if class, err := strconv.Atoi(label); err == nil {
		return tensor.NewTensor([]int{1}, tensor.Int32, tensor.CPU, []int32{int32(class)})
	}

	maskData, err := fd.loadMask(label)
	if err != nil {
		return nil, err
	}
	indices := make([]int32, len(maskData))
	for i, v := range maskData {
		indices[i] = int32(v)
	}
	return tensor.NewTensor([]int{1, fd.imageSize, fd.imageSize}, tensor.Int32, tensor.CPU, indices)
}

// loadMask decodes a label mask with caching. Masks are resampled with
// nearest-neighbor lookup and never normalized, so class indices survive.
func (fd *FileDataset) loadMask(path string) ([]float32, error) {
	key := "mask:" + path
	if data, ok := fd.cache.Get(key); ok {
		return data, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("mask has empty bounds %v", bounds)
	}

	scaleX := float64(width) / float64(fd.imageSize)
	scaleY := float64(height) / float64(fd.imageSize)

	data := make([]float32, fd.imageSize*fd.imageSize)
	for y := 0; y < fd.imageSize; y++ {
		for x := 0; x < fd.imageSize; x++ {
			srcX := bounds.Min.X + int(float64(x)*scaleX)
			srcY := bounds.Min.Y + int(float64(y)*scaleY)
			if srcX >= bounds.Max.X {
				srcX = bounds.Max.X - 1
			}
			if srcY >= bounds.Max.Y {
				srcY = bounds.Max.Y - 1
			}
			r, _, _, _ := img.At(srcX, srcY).RGBA()
			data[y*fd.imageSize+x] = float32(r >> 8)
		}
	}

	fd.cache.Put(key, data)
	return data, nil
}

// Stats returns cache statistics
func (fd *FileDataset) Stats() string {
	return fd.cache.Stats().String()
}

// ClearCache clears the cache when this dataset owns it
func (fd *FileDataset) ClearCache() {
	if fd.ownedCache {
		fd.cache.Clear()
	}
}

// GetCacheManager returns the cache manager for sharing between datasets
func (fd *FileDataset) GetCacheManager() *CacheManager {
	return fd.cache
}

// NewSharedFileDatasets creates train and validation datasets over one cache,
// sized to hold every decoded file when MaxCacheSize is unset.
func NewSharedFileDatasets(train, val []dataset.DatalistEntry, config Config) (*FileDataset, *FileDataset, error) {
	if config.CacheManager == nil {
		cacheSize := config.MaxCacheSize
		if cacheSize == 0 {
			// images plus masks
			cacheSize = 2 * (len(train) + len(val))
		}
		config.CacheManager = NewCacheManager(cacheSize)
	}

	trainDS, err := NewFileDataset(train, config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create training dataset: %w", err)
	}
	valDS, err := NewFileDataset(val, config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create validation dataset: %w", err)
	}
	return trainDS, valDS, nil
}
