package tensor

import (
	"fmt"
	"math"
)

var gradEnabled = true

// SetGradEnabled toggles graph recording for subsequently created tensors and
// returns the previous setting. Evaluation passes run with recording off.
func SetGradEnabled(enabled bool) bool {
	prev := gradEnabled
	gradEnabled = enabled
	return prev
}

func GradEnabled() bool {
	return gradEnabled
}

// WithCreator marks result as produced by op when any input requires
// gradients and recording is enabled. Composite operations defined outside
// this package (fused losses, patch extraction) use it to join the graph.
func WithCreator(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	if !gradEnabled {
		return result
	}
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			return result
		}
	}
	return result
}

// reduceGradientToShape sums a gradient over the axes that were broadcast so
// it matches the shape of the tensor it flows into.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	g := grad
	var err error
	for len(g.Shape) > len(targetShape) {
		g, err = Sum(g, 0, false)
		if err != nil {
			return nil, err
		}
	}
	for i := range targetShape {
		if targetShape[i] == 1 && g.Shape[i] != 1 {
			g, err = Sum(g, i, true)
			if err != nil {
				return nil, err
			}
		}
	}
	if !sameShape(g.Shape, targetShape) {
		return nil, fmt.Errorf("cannot reduce gradient shape %v to %v", grad.Shape, targetShape)
	}
	return g, nil
}

func (t *Tensor) accumulateGrad(g *Tensor) error {
	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return err
		}
		clone.requiresGrad = false
		clone.creator = nil
		t.grad = clone
		return nil
	}
	sum, err := Add(t.grad, g)
	if err != nil {
		return err
	}
	sum.requiresGrad = false
	sum.creator = nil
	t.grad = sum
	return nil
}

// Backward runs reverse-mode differentiation from a scalar tensor,
// accumulating gradients into every reachable tensor that requires them.
// Gradients from repeated uses of a tensor are summed.
func (t *Tensor) Backward() error {
	if t.DType != Float32 {
		return fmt.Errorf("backward only supports Float32 tensors, got %s", t.DType)
	}
	if t.NumElems != 1 {
		return fmt.Errorf("backward can only start from a scalar tensor, got %d elements", t.NumElems)
	}

	seed, err := Ones(t.Shape, Float32, t.Device)
	if err != nil {
		return err
	}
	if err := t.accumulateGrad(seed); err != nil {
		return err
	}

	visited := make(map[*Tensor]bool)
	var order []*Tensor
	var visit func(*Tensor)
	visit = func(n *Tensor) {
		if n == nil || visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(t)

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || node.grad == nil {
			continue
		}
		grads := node.creator.Backward(node.grad)
		inputs := node.creator.Inputs()
		if len(grads) != len(inputs) {
			return fmt.Errorf("operation produced %d gradients for %d inputs", len(grads), len(inputs))
		}
		for j, in := range inputs {
			if grads[j] == nil || in == nil || !in.requiresGrad {
				continue
			}
			if err := in.accumulateGrad(grads[j]); err != nil {
				return err
			}
		}
	}

	return nil
}

// AddOp, binary addition with broadcasting.
type AddOp struct {
	a, b *Tensor
}

func (op *AddOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	var ga, gb *Tensor
	if op.a.requiresGrad {
		ga, _ = reduceGradientToShape(gradOut, op.a.Shape)
	}
	if op.b.requiresGrad {
		gb, _ = reduceGradientToShape(gradOut, op.b.Shape)
	}
	return []*Tensor{ga, gb}
}

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := Add(a, b)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &AddOp{a: a, b: b}, a, b), nil
}

// SubOp, binary subtraction with broadcasting.
type SubOp struct {
	a, b *Tensor
}

func (op *SubOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	var ga, gb *Tensor
	if op.a.requiresGrad {
		ga, _ = reduceGradientToShape(gradOut, op.a.Shape)
	}
	if op.b.requiresGrad {
		neg, _ := Scale(gradOut, -1)
		gb, _ = reduceGradientToShape(neg, op.b.Shape)
	}
	return []*Tensor{ga, gb}
}

func SubAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := Sub(a, b)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &SubOp{a: a, b: b}, a, b), nil
}

// MulOp, element-wise multiplication with broadcasting.
type MulOp struct {
	a, b *Tensor
}

func (op *MulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	var ga, gb *Tensor
	if op.a.requiresGrad {
		prod, _ := Mul(gradOut, op.b)
		ga, _ = reduceGradientToShape(prod, op.a.Shape)
	}
	if op.b.requiresGrad {
		prod, _ := Mul(gradOut, op.a)
		gb, _ = reduceGradientToShape(prod, op.b.Shape)
	}
	return []*Tensor{ga, gb}
}

func MulAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &MulOp{a: a, b: b}, a, b), nil
}

// ScaleOp, multiplication by a constant.
type ScaleOp struct {
	a     *Tensor
	value float64
}

func (op *ScaleOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	ga, _ := Scale(gradOut, op.value)
	return []*Tensor{ga}
}

func ScaleAutograd(a *Tensor, value float64) (*Tensor, error) {
	result, err := Scale(a, value)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &ScaleOp{a: a, value: value}, a), nil
}

// MatMulOp, matrix multiplication over the trailing two axes.
type MatMulOp struct {
	a, b *Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.a, op.b
	var ga, gb *Tensor
	if a.requiresGrad {
		bt, _ := Transpose(b, len(b.Shape)-2, len(b.Shape)-1)
		ga, _ = MatMul(gradOut, bt)
	}
	if b.requiresGrad {
		if len(a.Shape) > 2 && len(b.Shape) == 2 {
			// Collapse the batch into rows so the weight gradient is a
			// single accumulated multiply.
			k := a.Shape[len(a.Shape)-1]
			n := gradOut.Shape[len(gradOut.Shape)-1]
			a2, _ := a.Reshape([]int{a.NumElems / k, k})
			g2, _ := gradOut.Reshape([]int{gradOut.NumElems / n, n})
			at, _ := Transpose(a2, 0, 1)
			gb, _ = MatMul(at, g2)
		} else {
			at, _ := Transpose(a, len(a.Shape)-2, len(a.Shape)-1)
			gb, _ = MatMul(at, gradOut)
		}
	}
	return []*Tensor{ga, gb}
}

func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &MatMulOp{a: a, b: b}, a, b), nil
}

// ReLUOp.
type ReLUOp struct {
	a *Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	aData := op.a.Data.([]float32)
	gData := gradOut.Data.([]float32)
	out := make([]float32, len(gData))
	for i := range out {
		if aData[i] > 0 {
			out[i] = gData[i]
		}
	}
	ga, _ := NewTensor(op.a.Shape, Float32, op.a.Device, out)
	return []*Tensor{ga}
}

func ReLUAutograd(a *Tensor) (*Tensor, error) {
	result, err := ReLU(a)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &ReLUOp{a: a}, a), nil
}

// SigmoidOp.
type SigmoidOp struct {
	a      *Tensor
	result *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	yData := op.result.Data.([]float32)
	gData := gradOut.Data.([]float32)
	out := make([]float32, len(gData))
	for i := range out {
		out[i] = gData[i] * yData[i] * (1 - yData[i])
	}
	ga, _ := NewTensor(op.a.Shape, Float32, op.a.Device, out)
	return []*Tensor{ga}
}

func SigmoidAutograd(a *Tensor) (*Tensor, error) {
	result, err := Sigmoid(a)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &SigmoidOp{a: a, result: result}, a), nil
}

// TanhOp.
type TanhOp struct {
	a      *Tensor
	result *Tensor
}

func (op *TanhOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *TanhOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	yData := op.result.Data.([]float32)
	gData := gradOut.Data.([]float32)
	out := make([]float32, len(gData))
	for i := range out {
		out[i] = gData[i] * (1 - yData[i]*yData[i])
	}
	ga, _ := NewTensor(op.a.Shape, Float32, op.a.Device, out)
	return []*Tensor{ga}
}

func TanhAutograd(a *Tensor) (*Tensor, error) {
	result, err := Tanh(a)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &TanhOp{a: a, result: result}, a), nil
}

const geluCoeff = 0.7978845608028654 // sqrt(2/pi)

// GELUOp, tanh approximation.
type GELUOp struct {
	a *Tensor
}

func (op *GELUOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *GELUOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	aData := op.a.Data.([]float32)
	gData := gradOut.Data.([]float32)
	out := make([]float32, len(gData))
	for i := range out {
		x := float64(aData[i])
		u := geluCoeff * (x + 0.044715*x*x*x)
		th := math.Tanh(u)
		du := geluCoeff * (1 + 3*0.044715*x*x)
		d := 0.5*(1+th) + 0.5*x*(1-th*th)*du
		out[i] = gData[i] * float32(d)
	}
	ga, _ := NewTensor(op.a.Shape, Float32, op.a.Device, out)
	return []*Tensor{ga}
}

func GELUAutograd(a *Tensor) (*Tensor, error) {
	result, err := unaryFloat(a, "GELU", func(v float32) float32 {
		x := float64(v)
		return float32(0.5 * x * (1 + math.Tanh(geluCoeff*(x+0.044715*x*x*x))))
	})
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &GELUOp{a: a}, a), nil
}

// SoftmaxOp over the last axis.
type SoftmaxOp struct {
	a      *Tensor
	result *Tensor
}

func (op *SoftmaxOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *SoftmaxOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	yData := op.result.Data.([]float32)
	gData := gradOut.Data.([]float32)
	out := make([]float32, len(gData))
	rowLen := op.a.Shape[len(op.a.Shape)-1]
	for row := 0; row < len(gData)/rowLen; row++ {
		off := row * rowLen
		var dot float32
		for i := 0; i < rowLen; i++ {
			dot += gData[off+i] * yData[off+i]
		}
		for i := 0; i < rowLen; i++ {
			out[off+i] = yData[off+i] * (gData[off+i] - dot)
		}
	}
	ga, _ := NewTensor(op.a.Shape, Float32, op.a.Device, out)
	return []*Tensor{ga}
}

func SoftmaxAutograd(a *Tensor) (*Tensor, error) {
	result, err := Softmax(a)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &SoftmaxOp{a: a, result: result}, a), nil
}

// LayerNormOp normalizes the last axis with per-feature affine parameters.
type LayerNormOp struct {
	x, gamma, beta *Tensor
	xhat           []float32
	invStd         []float32
}

func (op *LayerNormOp) Inputs() []*Tensor { return []*Tensor{op.x, op.gamma, op.beta} }

func (op *LayerNormOp) Backward(gradOut *Tensor) []*Tensor {
	c := op.x.Shape[len(op.x.Shape)-1]
	rows := op.x.NumElems / c
	gData := gradOut.Data.([]float32)
	gammaData := op.gamma.Data.([]float32)

	var gx, ggamma, gbeta *Tensor
	if op.gamma.requiresGrad {
		out := make([]float32, c)
		for r := 0; r < rows; r++ {
			off := r * c
			for i := 0; i < c; i++ {
				out[i] += gData[off+i] * op.xhat[off+i]
			}
		}
		ggamma, _ = NewTensor(op.gamma.Shape, Float32, op.x.Device, out)
	}
	if op.beta.requiresGrad {
		out := make([]float32, c)
		for r := 0; r < rows; r++ {
			off := r * c
			for i := 0; i < c; i++ {
				out[i] += gData[off+i]
			}
		}
		gbeta, _ = NewTensor(op.beta.Shape, Float32, op.x.Device, out)
	}
	if op.x.requiresGrad {
		out := make([]float32, op.x.NumElems)
		for r := 0; r < rows; r++ {
			off := r * c
			var m1, m2 float32
			for i := 0; i < c; i++ {
				dxhat := gData[off+i] * gammaData[i]
				m1 += dxhat
				m2 += dxhat * op.xhat[off+i]
			}
			m1 /= float32(c)
			m2 /= float32(c)
			for i := 0; i < c; i++ {
				dxhat := gData[off+i] * gammaData[i]
				out[off+i] = op.invStd[r] * (dxhat - m1 - op.xhat[off+i]*m2)
			}
		}
		gx, _ = NewTensor(op.x.Shape, Float32, op.x.Device, out)
	}
	return []*Tensor{gx, ggamma, gbeta}
}

// LayerNormAutograd normalizes the last axis of x and applies gamma and beta,
// both shaped (features).
func LayerNormAutograd(x, gamma, beta *Tensor, eps float32) (*Tensor, error) {
	if x.DType != Float32 {
		return nil, fmt.Errorf("layer norm only supports Float32 tensors")
	}
	c := x.Shape[len(x.Shape)-1]
	if gamma.NumElems != c || beta.NumElems != c {
		return nil, fmt.Errorf("layer norm affine size mismatch: features %d, gamma %d, beta %d", c, gamma.NumElems, beta.NumElems)
	}

	rows := x.NumElems / c
	xData := x.Data.([]float32)
	gammaData := gamma.Data.([]float32)
	betaData := beta.Data.([]float32)

	out := make([]float32, x.NumElems)
	xhat := make([]float32, x.NumElems)
	invStd := make([]float32, rows)

	for r := 0; r < rows; r++ {
		off := r * c
		var mean float32
		for i := 0; i < c; i++ {
			mean += xData[off+i]
		}
		mean /= float32(c)
		var variance float32
		for i := 0; i < c; i++ {
			d := xData[off+i] - mean
			variance += d * d
		}
		variance /= float32(c)
		is := float32(1.0 / math.Sqrt(float64(variance+eps)))
		invStd[r] = is
		for i := 0; i < c; i++ {
			xh := (xData[off+i] - mean) * is
			xhat[off+i] = xh
			out[off+i] = gammaData[i]*xh + betaData[i]
		}
	}

	result, err := NewTensor(x.Shape, Float32, x.Device, out)
	if err != nil {
		return nil, err
	}
	op := &LayerNormOp{x: x, gamma: gamma, beta: beta, xhat: xhat, invStd: invStd}
	return WithCreator(result, op, x, gamma, beta), nil
}

// InstanceNormOp normalizes the last axis of a (batch, channels, length)
// tensor per sample and channel. Affine parameters are per channel; with a
// modality tensor they are rows of per-modality tables.
type InstanceNormOp struct {
	x, gamma, beta *Tensor
	modalities     *Tensor
	xhat           []float32
	invStd         []float32
}

func (op *InstanceNormOp) Inputs() []*Tensor {
	if op.modalities != nil {
		return []*Tensor{op.x, op.gamma, op.beta, op.modalities}
	}
	return []*Tensor{op.x, op.gamma, op.beta}
}

func (op *InstanceNormOp) Backward(gradOut *Tensor) []*Tensor {
	batch := op.x.Shape[0]
	channels := op.x.Shape[1]
	length := op.x.Shape[2]
	gData := gradOut.Data.([]float32)
	gammaData := op.gamma.Data.([]float32)

	var modData []int32
	if op.modalities != nil {
		modData = op.modalities.Data.([]int32)
	}
	gammaRow := func(b int) int {
		if modData != nil {
			return int(modData[b]) * channels
		}
		return 0
	}

	var gx, ggamma, gbeta *Tensor
	if op.gamma.requiresGrad {
		out := make([]float32, op.gamma.NumElems)
		for b := 0; b < batch; b++ {
			rowOff := gammaRow(b)
			for ch := 0; ch < channels; ch++ {
				off := (b*channels + ch) * length
				var s float32
				for i := 0; i < length; i++ {
					s += gData[off+i] * op.xhat[off+i]
				}
				out[rowOff+ch] += s
			}
		}
		ggamma, _ = NewTensor(op.gamma.Shape, Float32, op.x.Device, out)
	}
	if op.beta.requiresGrad {
		out := make([]float32, op.beta.NumElems)
		for b := 0; b < batch; b++ {
			rowOff := gammaRow(b)
			for ch := 0; ch < channels; ch++ {
				off := (b*channels + ch) * length
				var s float32
				for i := 0; i < length; i++ {
					s += gData[off+i]
				}
				out[rowOff+ch] += s
			}
		}
		gbeta, _ = NewTensor(op.beta.Shape, Float32, op.x.Device, out)
	}
	if op.x.requiresGrad {
		out := make([]float32, op.x.NumElems)
		for b := 0; b < batch; b++ {
			rowOff := gammaRow(b)
			for ch := 0; ch < channels; ch++ {
				off := (b*channels + ch) * length
				gamma := gammaData[rowOff+ch]
				var m1, m2 float32
				for i := 0; i < length; i++ {
					dxhat := gData[off+i] * gamma
					m1 += dxhat
					m2 += dxhat * op.xhat[off+i]
				}
				m1 /= float32(length)
				m2 /= float32(length)
				is := op.invStd[b*channels+ch]
				for i := 0; i < length; i++ {
					dxhat := gData[off+i] * gamma
					out[off+i] = is * (dxhat - m1 - op.xhat[off+i]*m2)
				}
			}
		}
		gx, _ = NewTensor(op.x.Shape, Float32, op.x.Device, out)
	}
	if op.modalities != nil {
		return []*Tensor{gx, ggamma, gbeta, nil}
	}
	return []*Tensor{gx, ggamma, gbeta}
}

func instanceNormForward(x, gamma, beta, modalities *Tensor, eps float32) (*Tensor, error) {
	if x.DType != Float32 {
		return nil, fmt.Errorf("instance norm only supports Float32 tensors")
	}
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("instance norm expects a (batch, channels, length) tensor, got shape %v", x.Shape)
	}
	batch := x.Shape[0]
	channels := x.Shape[1]
	length := x.Shape[2]

	var modData []int32
	numRows := 1
	if modalities != nil {
		if modalities.DType != Int32 {
			return nil, fmt.Errorf("modalities must be an Int32 tensor, got %s", modalities.DType)
		}
		if modalities.NumElems != batch {
			return nil, fmt.Errorf("modalities length %d does not match batch size %d", modalities.NumElems, batch)
		}
		modData = modalities.Data.([]int32)
		if len(gamma.Shape) != 2 || gamma.Shape[1] != channels {
			return nil, fmt.Errorf("conditional affine table must be (modalities, %d), got %v", channels, gamma.Shape)
		}
		numRows = gamma.Shape[0]
		for i, m := range modData {
			if m < 0 || int(m) >= numRows {
				return nil, fmt.Errorf("modality %d at sample %d outside affine table with %d rows", m, i, numRows)
			}
		}
	} else if gamma.NumElems != channels || beta.NumElems != channels {
		return nil, fmt.Errorf("instance norm affine size mismatch: channels %d, gamma %d, beta %d", channels, gamma.NumElems, beta.NumElems)
	}

	xData := x.Data.([]float32)
	gammaData := gamma.Data.([]float32)
	betaData := beta.Data.([]float32)

	out := make([]float32, x.NumElems)
	xhat := make([]float32, x.NumElems)
	invStd := make([]float32, batch*channels)

	for b := 0; b < batch; b++ {
		rowOff := 0
		if modData != nil {
			rowOff = int(modData[b]) * channels
		}
		for ch := 0; ch < channels; ch++ {
			off := (b*channels + ch) * length
			var mean float32
			for i := 0; i < length; i++ {
				mean += xData[off+i]
			}
			mean /= float32(length)
			var variance float32
			for i := 0; i < length; i++ {
				d := xData[off+i] - mean
				variance += d * d
			}
			variance /= float32(length)
			is := float32(1.0 / math.Sqrt(float64(variance+eps)))
			invStd[b*channels+ch] = is
			g := gammaData[rowOff+ch]
			bt := betaData[rowOff+ch]
			for i := 0; i < length; i++ {
				xh := (xData[off+i] - mean) * is
				xhat[off+i] = xh
				out[off+i] = g*xh + bt
			}
		}
	}

	result, err := NewTensor(x.Shape, Float32, x.Device, out)
	if err != nil {
		return nil, err
	}
	op := &InstanceNormOp{x: x, gamma: gamma, beta: beta, modalities: modalities, xhat: xhat, invStd: invStd}
	return WithCreator(result, op, x, gamma, beta), nil
}

// InstanceNormAutograd normalizes a (batch, channels, length) tensor over its
// last axis with per-channel affine parameters.
func InstanceNormAutograd(x, gamma, beta *Tensor, eps float32) (*Tensor, error) {
	return instanceNormForward(x, gamma, beta, nil, eps)
}

// InstanceNormCondAutograd is InstanceNormAutograd with per-modality affine
// tables shaped (modalities, channels); each sample uses the row selected by
// its modality id.
func InstanceNormCondAutograd(x, gammaTable, betaTable, modalities *Tensor, eps float32) (*Tensor, error) {
	if modalities == nil {
		return nil, fmt.Errorf("conditional instance norm requires a modality tensor")
	}
	return instanceNormForward(x, gammaTable, betaTable, modalities, eps)
}

// DropoutOp applies a precomputed mask.
type DropoutOp struct {
	a    *Tensor
	mask []float32
}

func (op *DropoutOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *DropoutOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	gData := gradOut.Data.([]float32)
	out := make([]float32, len(gData))
	for i := range out {
		out[i] = gData[i] * op.mask[i]
	}
	ga, _ := NewTensor(op.a.Shape, Float32, op.a.Device, out)
	return []*Tensor{ga}
}

// DropoutAutograd multiplies x by a mask of kept-and-rescaled entries. The
// caller owns mask generation so that layer seeding stays reproducible.
func DropoutAutograd(a *Tensor, mask []float32) (*Tensor, error) {
	if a.DType != Float32 {
		return nil, fmt.Errorf("dropout only supports Float32 tensors")
	}
	if len(mask) != a.NumElems {
		return nil, fmt.Errorf("dropout mask length %d does not match tensor size %d", len(mask), a.NumElems)
	}
	aData := a.Data.([]float32)
	out := make([]float32, len(aData))
	for i := range out {
		out[i] = aData[i] * mask[i]
	}
	result, err := NewTensor(a.Shape, Float32, a.Device, out)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &DropoutOp{a: a, mask: mask}, a), nil
}

// ReshapeOp.
type ReshapeOp struct {
	a *Tensor
}

func (op *ReshapeOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	shape := make([]int, len(op.a.Shape))
	copy(shape, op.a.Shape)
	ga, _ := gradOut.Reshape(shape)
	return []*Tensor{ga}
}

func ReshapeAutograd(a *Tensor, newShape []int) (*Tensor, error) {
	result, err := a.Reshape(newShape)
	if err != nil {
		return nil, err
	}
	result.requiresGrad = false
	result.creator = nil
	return WithCreator(result, &ReshapeOp{a: a}, a), nil
}

// TransposeOp swaps two axes.
type TransposeOp struct {
	a          *Tensor
	dim0, dim1 int
}

func (op *TransposeOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *TransposeOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	ga, _ := Transpose(gradOut, op.dim0, op.dim1)
	return []*Tensor{ga}
}

func TransposeAutograd(a *Tensor, dim0, dim1 int) (*Tensor, error) {
	result, err := Transpose(a, dim0, dim1)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &TransposeOp{a: a, dim0: dim0, dim1: dim1}, a), nil
}

// ConcatOp joins tensors along an axis.
type ConcatOp struct {
	inputs []*Tensor
	dim    int
}

func (op *ConcatOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatOp) Backward(gradOut *Tensor) []*Tensor {
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		size := in.Shape[op.dim]
		if in.requiresGrad {
			grads[i], _ = Narrow(gradOut, op.dim, offset, size)
		}
		offset += size
	}
	return grads
}

func ConcatAutograd(tensors []*Tensor, dim int) (*Tensor, error) {
	result, err := Concat(tensors, dim)
	if err != nil {
		return nil, err
	}
	inputs := make([]*Tensor, len(tensors))
	copy(inputs, tensors)
	return WithCreator(result, &ConcatOp{inputs: inputs, dim: dim}, tensors...), nil
}

// NarrowOp selects a contiguous range along an axis.
type NarrowOp struct {
	a                  *Tensor
	dim, start, length int
}

func (op *NarrowOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *NarrowOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	ga, _ := Zeros(op.a.Shape, Float32, op.a.Device)
	gaData := ga.Data.([]float32)
	gData := gradOut.Data.([]float32)

	outer := 1
	for i := 0; i < op.dim; i++ {
		outer *= op.a.Shape[i]
	}
	inner := 1
	for i := op.dim + 1; i < len(op.a.Shape); i++ {
		inner *= op.a.Shape[i]
	}
	srcDim := op.a.Shape[op.dim]

	for o := 0; o < outer; o++ {
		dst := (o*srcDim + op.start) * inner
		copy(gaData[dst:dst+op.length*inner], gData[o*op.length*inner:(o+1)*op.length*inner])
	}
	return []*Tensor{ga}
}

func NarrowAutograd(a *Tensor, dim, start, length int) (*Tensor, error) {
	result, err := Narrow(a, dim, start, length)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &NarrowOp{a: a, dim: dim, start: start, length: length}, a), nil
}

// ExpandOp broadcasts a tensor to a larger shape.
type ExpandOp struct {
	a *Tensor
}

func (op *ExpandOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *ExpandOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	ga, _ := reduceGradientToShape(gradOut, op.a.Shape)
	return []*Tensor{ga}
}

// ExpandAutograd broadcasts a to targetShape; the gradient sums back over the
// broadcast axes.
func ExpandAutograd(a *Tensor, targetShape []int) (*Tensor, error) {
	if a.DType != Float32 {
		return nil, fmt.Errorf("expand only supports Float32 tensors")
	}
	outShape, err := BroadcastShapes(a.Shape, targetShape)
	if err != nil {
		return nil, err
	}
	if !sameShape(outShape, targetShape) {
		return nil, fmt.Errorf("cannot expand shape %v to %v", a.Shape, targetShape)
	}

	aData := a.Data.([]float32)
	out := make([]float32, calculateNumElements(targetShape))
	for i := range out {
		out[i] = aData[broadcastIndex(i, targetShape, a.Shape)]
	}
	result, err := NewTensor(targetShape, Float32, a.Device, out)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &ExpandOp{a: a}, a), nil
}

// MeanOp reduces all elements to a scalar.
type MeanOp struct {
	a *Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *MeanOp) Backward(gradOut *Tensor) []*Tensor {
	if !op.a.requiresGrad {
		return []*Tensor{nil}
	}
	g := gradOut.Data.([]float32)[0] / float32(op.a.NumElems)
	out := make([]float32, op.a.NumElems)
	for i := range out {
		out[i] = g
	}
	ga, _ := NewTensor(op.a.Shape, Float32, op.a.Device, out)
	return []*Tensor{ga}
}

func MeanAutograd(a *Tensor) (*Tensor, error) {
	result, err := Mean(a)
	if err != nil {
		return nil, err
	}
	return WithCreator(result, &MeanOp{a: a}, a), nil
}
