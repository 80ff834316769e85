package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

func getIndicesFromLinear(linearIndex int, shape []int) []int {
	indices := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		indices[i] = linearIndex % shape[i]
		linearIndex /= shape[i]
	}
	return indices
}

func gemm32(m, n, k int, aData, bData, cData []float32) {
	a := blas32.General{Rows: m, Cols: k, Stride: k, Data: aData}
	b := blas32.General{Rows: k, Cols: n, Stride: n, Data: bData}
	c := blas32.General{Rows: m, Cols: n, Stride: n, Data: cData}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a, b, 0, c)
}

// MatMul multiplies over the trailing two axes. Supported forms: 2-D x 2-D,
// N-D x 2-D (the 2-D operand is applied to every leading batch), and equal
// rank batched with identical leading dimensions. Float32 is routed through
// BLAS, Int32 through a reference loop.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	if len(t1.Shape) < 2 || len(t2.Shape) < 2 {
		return nil, fmt.Errorf("matmul requires tensors with at least 2 dimensions")
	}

	rows1 := t1.Shape[len(t1.Shape)-2]
	cols1 := t1.Shape[len(t1.Shape)-1]
	rows2 := t2.Shape[len(t2.Shape)-2]
	cols2 := t2.Shape[len(t2.Shape)-1]

	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", rows1, cols1, rows2, cols2)
	}

	switch {
	case len(t1.Shape) == 2 && len(t2.Shape) == 2:
		result, err := Zeros([]int{rows1, cols2}, t1.DType, t1.Device)
		if err != nil {
			return nil, err
		}
		if err := matmul2D(t1, t2, result, 0, 0, 0, rows1, cols1, cols2); err != nil {
			return nil, err
		}
		return result, nil

	case len(t1.Shape) > 2 && len(t2.Shape) == 2:
		// Flatten the leading batch into rows and run a single multiply.
		outputShape := make([]int, len(t1.Shape))
		copy(outputShape, t1.Shape)
		outputShape[len(outputShape)-1] = cols2
		result, err := Zeros(outputShape, t1.DType, t1.Device)
		if err != nil {
			return nil, err
		}
		if err := matmul2D(t1, t2, result, 0, 0, 0, t1.NumElems/cols1, cols1, cols2); err != nil {
			return nil, err
		}
		return result, nil

	case len(t1.Shape) == len(t2.Shape):
		for i := 0; i < len(t1.Shape)-2; i++ {
			if t1.Shape[i] != t2.Shape[i] {
				return nil, fmt.Errorf("batched matmul requires matching leading dimensions: %v vs %v", t1.Shape, t2.Shape)
			}
		}
		outputShape := make([]int, len(t1.Shape))
		copy(outputShape, t1.Shape)
		outputShape[len(outputShape)-1] = cols2
		result, err := Zeros(outputShape, t1.DType, t1.Device)
		if err != nil {
			return nil, err
		}
		batches := 1
		for i := 0; i < len(t1.Shape)-2; i++ {
			batches *= t1.Shape[i]
		}
		for b := 0; b < batches; b++ {
			err := matmul2D(t1, t2, result, b*rows1*cols1, b*rows2*cols2, b*rows1*cols2, rows1, cols1, cols2)
			if err != nil {
				return nil, err
			}
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported matmul ranks: %v x %v", t1.Shape, t2.Shape)
	}
}

func matmul2D(t1, t2, result *Tensor, off1, off2, offR, m, k, n int) error {
	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)
		gemm32(m, n, k, data1[off1:off1+m*k], data2[off2:off2+k*n], resultData[offR:offR+m*n])
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum int32
				for kk := 0; kk < k; kk++ {
					sum += data1[off1+i*k+kk] * data2[off2+kk*n+j]
				}
				resultData[offR+i*n+j] = sum
			}
		}
	default:
		return fmt.Errorf("unsupported dtype for MatMul: %s", t1.DType)
	}
	return nil
}

func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	if dim0 < 0 || dim0 >= len(t.Shape) {
		return nil, fmt.Errorf("dim0 %d out of range for tensor with %d dimensions", dim0, len(t.Shape))
	}
	if dim1 < 0 || dim1 >= len(t.Shape) {
		return nil, fmt.Errorf("dim1 %d out of range for tensor with %d dimensions", dim1, len(t.Shape))
	}

	outputShape := make([]int, len(t.Shape))
	copy(outputShape, t.Shape)
	outputShape[dim0], outputShape[dim1] = outputShape[dim1], outputShape[dim0]

	result, err := Zeros(outputShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		resultData := result.Data.([]float32)
		for i := 0; i < t.NumElems; i++ {
			indices := getIndicesFromLinear(i, t.Shape)
			indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
			resultData[getIndex(indices, result.Strides)] = data[i]
		}
	case Int32:
		data := t.Data.([]int32)
		resultData := result.Data.([]int32)
		for i := 0; i < t.NumElems; i++ {
			indices := getIndicesFromLinear(i, t.Shape)
			indices[dim0], indices[dim1] = indices[dim1], indices[dim0]
			resultData[getIndex(indices, result.Strides)] = data[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
	}

	return result, nil
}

func Flatten(t *Tensor) (*Tensor, error) {
	return t.Reshape([]int{t.NumElems})
}

func Squeeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if t.Shape[dim] != 1 {
		return nil, fmt.Errorf("cannot squeeze dimension %d with size %d (must be 1)", dim, t.Shape[dim])
	}

	newShape := make([]int, 0, len(t.Shape)-1)
	for i, size := range t.Shape {
		if i != dim {
			newShape = append(newShape, size)
		}
	}
	if len(newShape) == 0 {
		newShape = []int{1}
	}

	return t.Reshape(newShape)
}

func Unsqueeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim > len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for unsqueeze operation", dim)
	}

	newShape := make([]int, len(t.Shape)+1)
	copy(newShape[:dim], t.Shape[:dim])
	newShape[dim] = 1
	copy(newShape[dim+1:], t.Shape[dim:])

	return t.Reshape(newShape)
}

func Sum(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Sum: %s", t.DType)
	}

	var outputShape []int
	if keepDim {
		outputShape = make([]int, len(t.Shape))
		copy(outputShape, t.Shape)
		outputShape[dim] = 1
	} else {
		outputShape = make([]int, 0, len(t.Shape)-1)
		for i, size := range t.Shape {
			if i != dim {
				outputShape = append(outputShape, size)
			}
		}
		if len(outputShape) == 0 {
			outputShape = []int{1}
		}
	}

	result, err := Zeros(outputShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

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
		for d := 0; d < dimSize; d++ {
			for in := 0; in < inner; in++ {
				resultData[o*inner+in] += data[(o*dimSize+d)*inner+in]
			}
		}
	}

	return result, nil
}

// Concat joins tensors along dim. All other dimensions must match.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	first := tensors[0]
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(first.Shape))
	}

	dimTotal := 0
	for _, t := range tensors {
		if err := checkCompatibility(first, t); err != nil {
			return nil, err
		}
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("concat requires equal ranks: %v vs %v", first.Shape, t.Shape)
		}
		for i := range t.Shape {
			if i != dim && t.Shape[i] != first.Shape[i] {
				return nil, fmt.Errorf("concat shapes differ outside dim %d: %v vs %v", dim, first.Shape, t.Shape)
			}
		}
		dimTotal += t.Shape[dim]
	}

	outputShape := make([]int, len(first.Shape))
	copy(outputShape, first.Shape)
	outputShape[dim] = dimTotal

	result, err := Zeros(outputShape, first.DType, first.Device)
	if err != nil {
		return nil, err
	}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= outputShape[i]
	}
	inner := 1
	for i := dim + 1; i < len(outputShape); i++ {
		inner *= outputShape[i]
	}

	switch first.DType {
	case Float32:
		resultData := result.Data.([]float32)
		for o := 0; o < outer; o++ {
			dst := o * dimTotal * inner
			for _, t := range tensors {
				chunk := t.Shape[dim] * inner
				copy(resultData[dst:dst+chunk], t.Data.([]float32)[o*chunk:(o+1)*chunk])
				dst += chunk
			}
		}
	case Int32:
		resultData := result.Data.([]int32)
		for o := 0; o < outer; o++ {
			dst := o * dimTotal * inner
			for _, t := range tensors {
				chunk := t.Shape[dim] * inner
				copy(resultData[dst:dst+chunk], t.Data.([]int32)[o*chunk:(o+1)*chunk])
				dst += chunk
			}
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Concat: %s", first.DType)
	}

	return result, nil
}

// Narrow copies a contiguous range [start, start+length) along dim.
func Narrow(t *Tensor, dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if start < 0 || length <= 0 || start+length > t.Shape[dim] {
		return nil, fmt.Errorf("narrow range [%d, %d) out of bounds for dimension of size %d", start, start+length, t.Shape[dim])
	}

	outputShape := make([]int, len(t.Shape))
	copy(outputShape, t.Shape)
	outputShape[dim] = length

	result, err := Zeros(outputShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.Shape[i]
	}
	inner := 1
	for i := dim + 1; i < len(t.Shape); i++ {
		inner *= t.Shape[i]
	}
	srcDim := t.Shape[dim]

	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		resultData := result.Data.([]float32)
		for o := 0; o < outer; o++ {
			src := (o*srcDim + start) * inner
			copy(resultData[o*length*inner:(o+1)*length*inner], data[src:src+length*inner])
		}
	case Int32:
		data := t.Data.([]int32)
		resultData := result.Data.([]int32)
		for o := 0; o < outer; o++ {
			src := (o*srcDim + start) * inner
			copy(resultData[o*length*inner:(o+1)*length*inner], data[src:src+length*inner])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Narrow: %s", t.DType)
	}

	return result, nil
}
