package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/tsawler/go-vit/tensor"
)

// SurfaceDistanceMetric computes the average surface distance between one-hot
// prediction and ground-truth masks. Surface voxels are foreground voxels with
// at least one face neighbor outside the mask, and distances between the two
// surfaces are resolved with a k-d tree lookup. When a sample has no surface
// on either side the class scores NaN.
type SurfaceDistanceMetric struct {
	includeBackground bool
	symmetric         bool
	rows              [][]float32
}

// NewSurfaceDistanceMetric creates a new SurfaceDistanceMetric. With symmetric
// set, distances are measured in both directions and averaged together.
func NewSurfaceDistanceMetric(includeBackground, symmetric bool) *SurfaceDistanceMetric {
	return &SurfaceDistanceMetric{includeBackground: includeBackground, symmetric: symmetric}
}

// Compute returns the (batch, classes) surface distances for one batch and
// buffers them for Aggregate
func (sm *SurfaceDistanceMetric) Compute(yPred, y *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, _, start, err := checkOneHotPair(yPred, y, sm.includeBackground)
	if err != nil {
		return nil, err
	}
	if len(yPred.Shape) < 3 {
		return nil, fmt.Errorf("surface distance requires spatial dimensions, got shape %v", yPred.Shape)
	}

	dims := yPred.Shape[2:]
	spatial := 1
	for _, d := range dims {
		spatial *= d
	}

	pd := yPred.Data.([]float32)
	td := y.Data.([]float32)
	outClasses := classes - start
	out := make([]float32, batch*outClasses)

	for b := 0; b < batch; b++ {
		for c := start; c < classes; c++ {
			offset := (b*classes + c) * spatial
			predSurf := surfaceVoxels(pd[offset:offset+spatial], dims)
			truthSurf := surfaceVoxels(td[offset:offset+spatial], dims)

			col := c - start
			if len(predSurf) == 0 || len(truthSurf) == 0 {
				out[b*outClasses+col] = float32(math.NaN())
				continue
			}

			dists := surfaceDistances(predSurf, truthSurf)
			if sm.symmetric {
				dists = append(dists, surfaceDistances(truthSurf, predSurf)...)
			}
			var sum float64
			for _, d := range dists {
				sum += d
			}
			out[b*outClasses+col] = float32(sum / float64(len(dists)))
		}
	}

	for b := 0; b < batch; b++ {
		row := make([]float32, outClasses)
		copy(row, out[b*outClasses:(b+1)*outClasses])
		sm.rows = append(sm.rows, row)
	}

	return tensor.NewTensor([]int{batch, outClasses}, tensor.Float32, yPred.Device, out)
}

// Aggregate reduces the buffered rows to per-class means over valid samples
func (sm *SurfaceDistanceMetric) Aggregate() ([]float32, []float32, error) {
	return aggregateRows(sm.rows)
}

// Reset discards the buffered rows
func (sm *SurfaceDistanceMetric) Reset() {
	sm.rows = nil
}

// surfaceVoxels returns the coordinates of mask voxels that touch the mask
// boundary. A voxel is foreground when its value exceeds 0.5, and on the
// surface when any face neighbor is background or out of bounds.
func surfaceVoxels(mask []float32, dims []int) []kdtree.Point {
	rank := len(dims)
	strides := make([]int, rank)
	stride := 1
	for i := rank - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}

	var points []kdtree.Point
	coord := make([]int, rank)
	for idx, v := range mask {
		if v <= 0.5 {
			continue
		}
		rem := idx
		for i := 0; i < rank; i++ {
			coord[i] = rem / strides[i]
			rem %= strides[i]
		}
		onSurface := false
		for i := 0; i < rank && !onSurface; i++ {
			for _, d := range [2]int{-1, 1} {
				n := coord[i] + d
				if n < 0 || n >= dims[i] {
					onSurface = true
					break
				}
				if mask[idx+d*strides[i]] <= 0.5 {
					onSurface = true
					break
				}
			}
		}
		if !onSurface {
			continue
		}
		p := make(kdtree.Point, rank)
		for i, c := range coord {
			p[i] = float64(c)
		}
		points = append(points, p)
	}
	return points
}

// surfaceDistances returns the Euclidean distance from each point in from to
// its nearest neighbor in to. The tree reports squared distances, so the
// results are square-rooted.
func surfaceDistances(from, to []kdtree.Point) []float64 {
	pts := make(kdtree.Points, len(to))
	copy(pts, to)
	tree := kdtree.New(pts, false)

	dists := make([]float64, len(from))
	for i, p := range from {
		_, d := tree.Nearest(p)
		dists[i] = math.Sqrt(d)
	}
	return dists
}
