package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

// BroadcastShapes reports the result shape of combining shape1 and shape2
// under NumPy-style broadcasting, aligning trailing dimensions.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	maxDims := len(shape1)
	if len(shape2) > maxDims {
		maxDims = len(shape2)
	}

	resultShape := make([]int, maxDims)
	for i := 0; i < maxDims; i++ {
		dim1, dim2 := 1, 1
		if idx := len(shape1) - 1 - i; idx >= 0 {
			dim1 = shape1[idx]
		}
		if idx := len(shape2) - 1 - i; idx >= 0 {
			dim2 = shape2[idx]
		}

		resultIdx := maxDims - 1 - i
		switch {
		case dim1 == dim2:
			resultShape[resultIdx] = dim1
		case dim1 == 1:
			resultShape[resultIdx] = dim2
		case dim2 == 1:
			resultShape[resultIdx] = dim1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable: dimension %d (%d vs %d)",
				shape1, shape2, i, dim1, dim2)
		}
	}
	return resultShape, nil
}

// broadcastIndex maps a flat index in outShape to the flat index of the
// element an input with inShape contributes at that position.
func broadcastIndex(idx int, outShape, inShape []int) int {
	srcIdx := 0
	srcStride := 1
	offset := len(outShape) - len(inShape)
	for i := len(outShape) - 1; i >= 0; i-- {
		coord := idx % outShape[i]
		idx /= outShape[i]
		j := i - offset
		if j >= 0 {
			if inShape[j] > 1 {
				srcIdx += coord * srcStride
			}
			srcStride *= inShape[j]
		}
	}
	return srcIdx
}

func elementwise(t1, t2 *Tensor, opName string, f32 func(a, b float32) float32, i32 func(a, b int32) int32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := BroadcastShapes(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	same := sameShape(t1.Shape, t2.Shape)

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)
		if same {
			for i := range resultData {
				resultData[i] = f32(data1[i], data2[i])
			}
		} else {
			for i := range resultData {
				resultData[i] = f32(data1[broadcastIndex(i, outputShape, t1.Shape)],
					data2[broadcastIndex(i, outputShape, t2.Shape)])
			}
		}
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)
		if same {
			for i := range resultData {
				resultData[i] = i32(data1[i], data2[i])
			}
		} else {
			for i := range resultData {
				resultData[i] = i32(data1[broadcastIndex(i, outputShape, t1.Shape)],
					data2[broadcastIndex(i, outputShape, t2.Shape)])
			}
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for %s: %s", opName, t1.DType)
	}

	return result, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Add",
		func(a, b float32) float32 { return a + b },
		func(a, b int32) int32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Sub",
		func(a, b float32) float32 { return a - b },
		func(a, b int32) int32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Mul",
		func(a, b float32) float32 { return a * b },
		func(a, b int32) int32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Div",
		func(a, b float32) float32 { return a / b },
		func(a, b int32) int32 { return a / b })
}

// Scale multiplies every element by a scalar.
func Scale(t *Tensor, value float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Scale only supports Float32 tensors")
	}

	data := t.Data.([]float32)
	resultData := make([]float32, len(data))
	s := float32(value)
	for i, v := range data {
		resultData[i] = v * s
	}

	return NewTensor(t.Shape, t.DType, t.Device, resultData)
}

func unaryFloat(t *Tensor, opName string, f func(float32) float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for %s: %s", opName, t.DType)
	}

	data := t.Data.([]float32)
	resultData := make([]float32, len(data))
	for i, v := range data {
		resultData[i] = f(v)
	}

	return NewTensor(t.Shape, t.DType, t.Device, resultData)
}

func ReLU(t *Tensor) (*Tensor, error) {
	return unaryFloat(t, "ReLU", func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	return unaryFloat(t, "Sigmoid", func(v float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(v))))
	})
}

func Tanh(t *Tensor) (*Tensor, error) {
	return unaryFloat(t, "Tanh", func(v float32) float32 {
		return float32(math.Tanh(float64(v)))
	})
}

func Exp(t *Tensor) (*Tensor, error) {
	return unaryFloat(t, "Exp", func(v float32) float32 {
		return float32(math.Exp(float64(v)))
	})
}

func Log(t *Tensor) (*Tensor, error) {
	return unaryFloat(t, "Log", func(v float32) float32 {
		return float32(math.Log(float64(v)))
	})
}

// Softmax normalizes the last axis into a probability distribution, shifting
// by the row maximum for numeric stability.
func Softmax(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Softmax only supports Float32 tensors")
	}
	if len(t.Shape) < 1 {
		return nil, fmt.Errorf("Softmax requires at least one dimension")
	}

	rowLen := t.Shape[len(t.Shape)-1]
	data := t.Data.([]float32)
	resultData := make([]float32, len(data))

	for row := 0; row < t.NumElems/rowLen; row++ {
		off := row * rowLen
		maxVal := data[off]
		for i := 1; i < rowLen; i++ {
			if data[off+i] > maxVal {
				maxVal = data[off+i]
			}
		}
		var sum float32
		for i := 0; i < rowLen; i++ {
			e := float32(math.Exp(float64(data[off+i] - maxVal)))
			resultData[off+i] = e
			sum += e
		}
		for i := 0; i < rowLen; i++ {
			resultData[off+i] /= sum
		}
	}

	return NewTensor(t.Shape, t.DType, t.Device, resultData)
}

// Mean reduces all elements to a one-element tensor.
func Mean(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Mean only supports Float32 tensors")
	}

	data := t.Data.([]float32)
	var sum float64
	for _, v := range data {
		sum += float64(v)
	}

	return NewTensor([]int{1}, Float32, t.Device, []float32{float32(sum / float64(len(data)))})
}

// ArgMax returns the index of the largest value along dim, with dim removed
// from the shape. A tensor with a single dimension reduces to shape [1].
func ArgMax(t *Tensor, dim int) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("ArgMax only supports Float32 tensors")
	}
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}

	outputShape := make([]int, 0, len(t.Shape)-1)
	for i, size := range t.Shape {
		if i != dim {
			outputShape = append(outputShape, size)
		}
	}
	if len(outputShape) == 0 {
		outputShape = []int{1}
	}

	result, err := Zeros(outputShape, Int32, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]int32)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	dimSize := t.Shape[dim]
	inner := 1
	for i := dim + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}

	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			best := int32(0)
			bestVal := data[o*dimSize*inner+in]
			for d := 1; d < dimSize; d++ {
				v := data[(o*dimSize+d)*inner+in]
				if v > bestVal {
					bestVal = v
					best = int32(d)
				}
			}
			resultData[o*inner+in] = best
		}
	}

	return result, nil
}
