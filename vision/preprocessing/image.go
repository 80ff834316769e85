package preprocessing

import (
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"

	_ "image/jpeg"
	_ "image/png"
)

// NormalizeMode selects the intensity normalization applied after decoding
type NormalizeMode int

const (
	// NormalizeNone keeps raw intensities in [0, 1]
	NormalizeNone NormalizeMode = iota
	// NormalizeMinMax rescales each image to span [0, 1] exactly
	NormalizeMinMax
	// NormalizeMeanStd shifts each image to zero mean and unit variance
	NormalizeMeanStd
)

// String returns the mode name
func (m NormalizeMode) String() string {
	switch m {
	case NormalizeMinMax:
		return "minmax"
	case NormalizeMeanStd:
		return "meanstd"
	default:
		return "none"
	}
}

// ImageProcessor decodes PNG or JPEG images into float32 CHW tensors with
// buffer reuse. Medical slices are usually single channel; Channels selects
// between grayscale luminance and RGB output.
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	targetSize    int
	channels      int
	normalize     NormalizeMode
}

// NewImageProcessor creates a processor producing targetSize x targetSize
// images with the given channel count (1 or 3) and normalization mode.
func NewImageProcessor(targetSize, channels int, normalize NormalizeMode) *ImageProcessor {
	if channels != 3 {
		channels = 1
	}
	return &ImageProcessor{
		targetSize: targetSize,
		channels:   channels,
		normalize:  normalize,
	}
}

// ProcessedImage represents a preprocessed image ready for model input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a PNG or JPEG image, resizes it to the target
// size with nearest-neighbor sampling, and returns normalized float32 data in
// CHW layout.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	if p.targetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", p.targetSize)
	}

	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("image has empty bounds %v", bounds)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	plane := p.targetSize * p.targetSize
	requiredSize := p.channels * plane
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	scaleX := float64(width) / float64(p.targetSize)
	scaleY := float64(height) / float64(p.targetSize)

	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			srcX := bounds.Min.X + int(float64(x)*scaleX)
			srcY := bounds.Min.Y + int(float64(y)*scaleY)
			if srcX >= bounds.Max.X {
				srcX = bounds.Max.X - 1
			}
			if srcY >= bounds.Max.Y {
				srcY = bounds.Max.Y - 1
			}

			r, g, b, _ := img.At(srcX, srcY).RGBA()
			idx := y*p.targetSize + x
			if p.channels == 1 {
				// ITU-R 601 luminance
				data[idx] = (0.299*float32(r) + 0.587*float32(g) + 0.114*float32(b)) / 65535.0
			} else {
				data[0*plane+idx] = float32(r) / 65535.0
				data[1*plane+idx] = float32(g) / 65535.0
				data[2*plane+idx] = float32(b) / 65535.0
			}
		}
	}

	normalizeIntensities(data, p.normalize)

	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: p.channels,
	}, nil
}

// TargetSize returns the configured output size
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// Channels returns the configured output channel count
func (p *ImageProcessor) Channels() int {
	return p.channels
}

// normalizeIntensities rescales the decoded intensities in place
func normalizeIntensities(data []float32, mode NormalizeMode) {
	if len(data) == 0 {
		return
	}

	switch mode {
	case NormalizeMinMax:
		minV := data[0]
		maxV := data[0]
		for _, v := range data {
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
		span := maxV - minV
		if span == 0 {
			for i := range data {
				data[i] = 0
			}
			return
		}
		for i := range data {
			data[i] = (data[i] - minV) / span
		}

	case NormalizeMeanStd:
		var sum float64
		for _, v := range data {
			sum += float64(v)
		}
		mean := sum / float64(len(data))

		var sqSum float64
		for _, v := range data {
			d := float64(v) - mean
			sqSum += d * d
		}
		std := math.Sqrt(sqSum / float64(len(data)))
		if std == 0 {
			for i := range data {
				data[i] = 0
			}
			return
		}
		for i := range data {
			data[i] = float32((float64(data[i]) - mean) / std)
		}
	}
}

// PreprocessBatch preprocesses multiple images concurrently, each worker
// holding its own processor so buffers are never shared.
func PreprocessBatch(imagePaths []string, targetSize, channels int, normalize NormalizeMode, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize, channels, normalize)

			for j := range jobs {
				file, err := os.Open(j.path)
				if err != nil {
					errs[j.index] = err
					continue
				}

				img, err := processor.DecodeAndPreprocess(file)
				file.Close()

				if err != nil {
					errs[j.index] = err
				} else {
					results[j.index] = img
				}
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}

	return results, nil
}
