package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-vit/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns a scalar tensor wired into the autograd graph; calling
// Backward on it propagates gradients into the model.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if predicted.DType != target.DType {
		return nil, fmt.Errorf("predicted and target tensors must have the same dtype")
	}
	if len(predicted.Shape) != len(target.Shape) {
		return nil, fmt.Errorf("predicted and target tensors must have the same shape")
	}
	for i, dim := range predicted.Shape {
		if dim != target.Shape[i] {
			return nil, fmt.Errorf("predicted and target tensors must have the same shape")
		}
	}

	diff, err := tensor.SubAutograd(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("subtraction failed: %v", err)
	}
	squared, err := tensor.MulAutograd(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("multiplication failed: %v", err)
	}
	loss, err := tensor.MeanAutograd(squared)
	if err != nil {
		return nil, fmt.Errorf("mean computation failed: %v", err)
	}
	if mse.reduction == "sum" {
		loss, err = tensor.ScaleAutograd(loss, float64(predicted.NumElems))
		if err != nil {
			return nil, fmt.Errorf("sum scaling failed: %v", err)
		}
	}
	return loss, nil
}

// crossEntropyOp is the fused softmax + negative log likelihood node. It
// stores the row softmax so the backward pass is a single (p - t) sweep.
type crossEntropyOp struct {
	logits  *tensor.Tensor
	target  *tensor.Tensor
	probs   []float32
	classes int
	spatial int
	scale   float32
}

func (op *crossEntropyOp) Inputs() []*tensor.Tensor {
	return []*tensor.Tensor{op.logits, op.target}
}

func (op *crossEntropyOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	grads := make([]*tensor.Tensor, 2)
	if !op.logits.RequiresGrad() {
		return grads
	}
	w := gradOut.Data.([]float32)[0] * op.scale

	gradData := make([]float32, op.logits.NumElems)
	batch := op.logits.Shape[0]
	c := op.classes
	s := op.spatial

	switch td := op.target.Data.(type) {
	case []int32:
		for b := 0; b < batch; b++ {
			for pos := 0; pos < s; pos++ {
				cls := int(td[b*s+pos])
				for j := 0; j < c; j++ {
					idx := (b*c+j)*s + pos
					g := op.probs[idx]
					if j == cls {
						g -= 1.0
					}
					gradData[idx] = w * g
				}
			}
		}
	case []float32:
		for i := range gradData {
			gradData[i] = w * (op.probs[i] - td[i])
		}
	}

	grad, _ := tensor.NewTensor(op.logits.Shape, tensor.Float32, op.logits.Device, gradData)
	grads[0] = grad
	return grads
}

// CrossEntropyLoss implements softmax cross entropy over the class axis.
// Predictions are logits shaped (batch, classes) or (batch, classes,
// *spatial); targets are Int32 class indices shaped (batch, *spatial) or
// Float32 one-hot tensors matching the prediction shape.
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// Forward computes the Cross Entropy loss
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if predicted.DType != tensor.Float32 {
		return nil, fmt.Errorf("predicted must be Float32, got %s", predicted.DType)
	}
	if len(predicted.Shape) < 2 {
		return nil, fmt.Errorf("predicted must have at least 2 dimensions (batch, classes), got shape %v", predicted.Shape)
	}

	batch := predicted.Shape[0]
	classes := predicted.Shape[1]
	spatial := predicted.NumElems / (batch * classes)

	switch target.DType {
	case tensor.Int32:
		if target.Shape[0] != batch || target.NumElems != batch*spatial {
			return nil, fmt.Errorf("target shape %v does not index predictions shaped %v", target.Shape, predicted.Shape)
		}
	case tensor.Float32:
		if target.NumElems != predicted.NumElems {
			return nil, fmt.Errorf("one-hot target shape %v must match predicted shape %v", target.Shape, predicted.Shape)
		}
	default:
		return nil, fmt.Errorf("target must be Int32 class indices or Float32 one-hot, got %s", target.DType)
	}

	probs, err := classSoftmax(predicted, batch, classes, spatial)
	if err != nil {
		return nil, err
	}

	var total float64
	switch td := target.Data.(type) {
	case []int32:
		for b := 0; b < batch; b++ {
			for pos := 0; pos < spatial; pos++ {
				cls := td[b*spatial+pos]
				if cls < 0 || int(cls) >= classes {
					return nil, fmt.Errorf("target class %d out of range [0, %d)", cls, classes)
				}
				p := probs[(b*classes+int(cls))*spatial+pos]
				if p < 1e-10 {
					p = 1e-10
				}
				total += -math.Log(float64(p))
			}
		}
	case []float32:
		for i, t := range td {
			if t == 0 {
				continue
			}
			p := probs[i]
			if p < 1e-10 {
				p = 1e-10
			}
			total += -float64(t) * math.Log(float64(p))
		}
	}

	scale := float32(1.0)
	if ce.reduction == "mean" {
		scale = 1.0 / float32(batch*spatial)
	}

	out, err := tensor.NewTensor([]int{1}, tensor.Float32, predicted.Device, []float32{float32(total) * scale})
	if err != nil {
		return nil, err
	}
	op := &crossEntropyOp{
		logits:  predicted,
		target:  target,
		probs:   probs,
		classes: classes,
		spatial: spatial,
		scale:   scale,
	}
	return tensor.WithCreator(out, op, predicted, target), nil
}

// classSoftmax computes a max-shifted softmax over the class axis of a
// (batch, classes, *spatial) tensor.
func classSoftmax(logits *tensor.Tensor, batch, classes, spatial int) ([]float32, error) {
	data, ok := logits.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("softmax only supports Float32 tensors")
	}
	probs := make([]float32, len(data))
	for b := 0; b < batch; b++ {
		for pos := 0; pos < spatial; pos++ {
			maxVal := float32(math.Inf(-1))
			for j := 0; j < classes; j++ {
				v := data[(b*classes+j)*spatial+pos]
				if v > maxVal {
					maxVal = v
				}
			}
			var sum float32
			for j := 0; j < classes; j++ {
				idx := (b*classes+j)*spatial + pos
				e := float32(math.Exp(float64(data[idx] - maxVal)))
				probs[idx] = e
				sum += e
			}
			for j := 0; j < classes; j++ {
				probs[(b*classes+j)*spatial+pos] /= sum
			}
		}
	}
	return probs, nil
}

// softDiceOp computes soft dice over (batch, classes, spatial) probabilities
// against a one-hot target, keeping per-channel intersection and denominator
// sums for the backward pass.
type softDiceOp struct {
	probs      *tensor.Tensor
	target     *tensor.Tensor
	startClass int
	smoothNr   float32
	smoothDr   float32
	inter      []float32
	denom      []float32
	count      int
}

func (op *softDiceOp) Inputs() []*tensor.Tensor {
	return []*tensor.Tensor{op.probs, op.target}
}

func (op *softDiceOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	grads := make([]*tensor.Tensor, 2)
	if !op.probs.RequiresGrad() {
		return grads
	}
	w := gradOut.Data.([]float32)[0] / float32(op.count)

	batch := op.probs.Shape[0]
	classes := op.probs.Shape[1]
	spatial := op.probs.Shape[2]
	td := op.target.Data.([]float32)

	gradData := make([]float32, op.probs.NumElems)
	for b := 0; b < batch; b++ {
		for c := op.startClass; c < classes; c++ {
			num := 2*op.inter[b*classes+c] + op.smoothNr
			den := op.denom[b*classes+c] + op.smoothDr
			for s := 0; s < spatial; s++ {
				idx := (b*classes+c)*spatial + s
				gradData[idx] = -w * (2*td[idx]*den - num) / (den * den)
			}
		}
	}

	grad, _ := tensor.NewTensor(op.probs.Shape, tensor.Float32, op.probs.Device, gradData)
	grads[0] = grad
	return grads
}

// DiceLoss implements soft dice loss over one-hot targets, the standard
// segmentation objective for sparse anatomical structures.
type DiceLoss struct {
	includeBackground bool
	softmax           bool
	smoothNr          float32
	smoothDr          float32
}

// NewDiceLoss creates a dice loss. When softmax is set the class axis of the
// predictions is softmaxed first; includeBackground false skips class 0 in
// the average.
func NewDiceLoss(includeBackground, softmax bool) *DiceLoss {
	return &DiceLoss{
		includeBackground: includeBackground,
		softmax:           softmax,
		smoothNr:          1e-5,
		smoothDr:          1e-5,
	}
}

// Forward computes the mean soft dice loss over batch and class
func (dl *DiceLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if predicted.DType != tensor.Float32 || target.DType != tensor.Float32 {
		return nil, fmt.Errorf("dice loss requires Float32 predictions and one-hot targets")
	}
	if len(predicted.Shape) < 2 {
		return nil, fmt.Errorf("predicted must have at least 2 dimensions (batch, classes), got shape %v", predicted.Shape)
	}
	if predicted.NumElems != target.NumElems {
		return nil, fmt.Errorf("predicted shape %v and target shape %v must match", predicted.Shape, target.Shape)
	}

	batch := predicted.Shape[0]
	classes := predicted.Shape[1]
	spatial := predicted.NumElems / (batch * classes)

	startClass := 0
	if !dl.includeBackground {
		if classes < 2 {
			return nil, fmt.Errorf("cannot exclude background with %d classes", classes)
		}
		startClass = 1
	}

	probs, err := tensor.ReshapeAutograd(predicted, []int{batch, classes, spatial})
	if err != nil {
		return nil, err
	}
	if dl.softmax {
		probs, err = tensor.TransposeAutograd(probs, 1, 2)
		if err != nil {
			return nil, err
		}
		probs, err = tensor.SoftmaxAutograd(probs)
		if err != nil {
			return nil, err
		}
		probs, err = tensor.TransposeAutograd(probs, 1, 2)
		if err != nil {
			return nil, err
		}
	}

	targetR, err := target.Reshape([]int{batch, classes, spatial})
	if err != nil {
		return nil, err
	}

	pd := probs.Data.([]float32)
	td := targetR.Data.([]float32)
	inter := make([]float32, batch*classes)
	denom := make([]float32, batch*classes)
	var total float64
	count := batch * (classes - startClass)
	for b := 0; b < batch; b++ {
		for c := startClass; c < classes; c++ {
			var i, d float32
			for s := 0; s < spatial; s++ {
				idx := (b*classes+c)*spatial + s
				i += pd[idx] * td[idx]
				d += pd[idx] + td[idx]
			}
			inter[b*classes+c] = i
			denom[b*classes+c] = d
			total += 1.0 - float64(2*i+dl.smoothNr)/float64(d+dl.smoothDr)
		}
	}

	out, err := tensor.NewTensor([]int{1}, tensor.Float32, predicted.Device, []float32{float32(total / float64(count))})
	if err != nil {
		return nil, err
	}
	op := &softDiceOp{
		probs:      probs,
		target:     targetR,
		startClass: startClass,
		smoothNr:   dl.smoothNr,
		smoothDr:   dl.smoothDr,
		inter:      inter,
		denom:      denom,
		count:      count,
	}
	return tensor.WithCreator(out, op, probs, targetR), nil
}

// DiceCELoss combines dice and cross entropy, the usual compound objective
// for medical segmentation.
type DiceCELoss struct {
	dice       *DiceLoss
	ce         *CrossEntropyLoss
	lambdaDice float64
	lambdaCE   float64
}

// NewDiceCELoss creates a weighted dice + cross entropy loss
func NewDiceCELoss(includeBackground bool, lambdaDice, lambdaCE float64) *DiceCELoss {
	if lambdaDice <= 0 {
		lambdaDice = 1.0
	}
	if lambdaCE <= 0 {
		lambdaCE = 1.0
	}
	return &DiceCELoss{
		dice:       NewDiceLoss(includeBackground, true),
		ce:         NewCrossEntropyLoss("mean"),
		lambdaDice: lambdaDice,
		lambdaCE:   lambdaCE,
	}
}

// Forward computes lambdaDice * dice + lambdaCE * cross entropy
func (l *DiceCELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	diceLoss, err := l.dice.Forward(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("dice term failed: %v", err)
	}
	ceLoss, err := l.ce.Forward(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("cross entropy term failed: %v", err)
	}

	diceLoss, err = tensor.ScaleAutograd(diceLoss, l.lambdaDice)
	if err != nil {
		return nil, err
	}
	ceLoss, err = tensor.ScaleAutograd(ceLoss, l.lambdaCE)
	if err != nil {
		return nil, err
	}
	return tensor.AddAutograd(diceLoss, ceLoss)
}
