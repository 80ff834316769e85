package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-vit/tensor"
)

// Metric is the contract for scalar epoch metrics updated batch by batch.
type Metric interface {
	Name() string
	Update(yPred, y *tensor.Tensor) error
	Aggregate() (float64, error)
	Reset()
}

// CumulativeMetric is the contract for per-sample per-class metrics. Compute
// returns the batch values shaped (batch, classes) with NaN marking classes
// that are undefined for a sample, and buffers the same rows internally so
// Aggregate can reduce over the whole epoch.
type CumulativeMetric interface {
	Compute(yPred, y *tensor.Tensor) (*tensor.Tensor, error)
	Aggregate() (perClass []float32, notNans []float32, err error)
	Reset()
}

// LossMeter tracks a running weighted mean loss
type LossMeter struct {
	sum   float64
	count int
}

// NewLossMeter creates a new LossMeter
func NewLossMeter() *LossMeter {
	return &LossMeter{}
}

// Update adds a value observed over n samples
func (m *LossMeter) Update(value float64, n int) {
	if n <= 0 {
		n = 1
	}
	m.sum += value * float64(n)
	m.count += n
}

// Average returns the weighted mean of all updates, 0 before any update
func (m *LossMeter) Average() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Count returns the number of samples seen
func (m *LossMeter) Count() int {
	return m.count
}

// Reset clears the meter
func (m *LossMeter) Reset() {
	m.sum = 0
	m.count = 0
}

// DiceMetric computes per-sample per-class dice overlap between one-hot
// prediction and ground-truth tensors. A class with no ground-truth voxels
// in a sample scores NaN for that sample, so empty classes never drag the
// aggregate down.
type DiceMetric struct {
	includeBackground bool
	rows              [][]float32
}

// NewDiceMetric creates a new DiceMetric
func NewDiceMetric(includeBackground bool) *DiceMetric {
	return &DiceMetric{includeBackground: includeBackground}
}

// Compute returns the (batch, classes) dice values for one batch and buffers
// them for Aggregate
func (dm *DiceMetric) Compute(yPred, y *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, spatial, start, err := checkOneHotPair(yPred, y, dm.includeBackground)
	if err != nil {
		return nil, err
	}

	pd := yPred.Data.([]float32)
	td := y.Data.([]float32)
	outClasses := classes - start
	out := make([]float32, batch*outClasses)

	for b := 0; b < batch; b++ {
		for c := start; c < classes; c++ {
			var inter, yo, po float32
			for s := 0; s < spatial; s++ {
				idx := (b*classes+c)*spatial + s
				inter += pd[idx] * td[idx]
				yo += td[idx]
				po += pd[idx]
			}
			col := c - start
			if yo == 0 {
				out[b*outClasses+col] = float32(math.NaN())
			} else {
				out[b*outClasses+col] = 2 * inter / (yo + po)
			}
		}
	}

	for b := 0; b < batch; b++ {
		row := make([]float32, outClasses)
		copy(row, out[b*outClasses:(b+1)*outClasses])
		dm.rows = append(dm.rows, row)
	}

	return tensor.NewTensor([]int{batch, outClasses}, tensor.Float32, yPred.Device, out)
}

// Aggregate reduces the buffered rows to per-class means over valid samples.
// Classes with no valid sample report 0 with a zero validity count.
func (dm *DiceMetric) Aggregate() ([]float32, []float32, error) {
	return aggregateRows(dm.rows)
}

// Reset discards the buffered rows
func (dm *DiceMetric) Reset() {
	dm.rows = nil
}

// checkOneHotPair validates a (batch, classes, *spatial) one-hot pair and
// resolves the background offset.
func checkOneHotPair(yPred, y *tensor.Tensor, includeBackground bool) (batch, classes, spatial, start int, err error) {
	if yPred.DType != tensor.Float32 || y.DType != tensor.Float32 {
		return 0, 0, 0, 0, fmt.Errorf("metric requires Float32 one-hot tensors")
	}
	if len(yPred.Shape) < 2 {
		return 0, 0, 0, 0, fmt.Errorf("prediction must have at least 2 dimensions (batch, classes), got shape %v", yPred.Shape)
	}
	if yPred.NumElems != y.NumElems {
		return 0, 0, 0, 0, fmt.Errorf("prediction shape %v and truth shape %v must match", yPred.Shape, y.Shape)
	}

	batch = yPred.Shape[0]
	classes = yPred.Shape[1]
	spatial = yPred.NumElems / (batch * classes)
	if !includeBackground {
		if classes < 2 {
			return 0, 0, 0, 0, fmt.Errorf("cannot exclude background with %d classes", classes)
		}
		start = 1
	}
	return batch, classes, spatial, start, nil
}

// aggregateRows reduces buffered (sample, class) rows with NaN skipping.
func aggregateRows(rows [][]float32) ([]float32, []float32, error) {
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("no samples accumulated")
	}
	classes := len(rows[0])
	perClass := make([]float32, classes)
	notNans := make([]float32, classes)
	for c := 0; c < classes; c++ {
		var sum float64
		var count int
		for _, row := range rows {
			v := row[c]
			if math.IsNaN(float64(v)) {
				continue
			}
			sum += float64(v)
			count++
		}
		notNans[c] = float32(count)
		if count > 0 {
			perClass[c] = float32(sum / float64(count))
		}
	}
	return perClass, notNans, nil
}

// NanSkipMean averages per-class values over classes with a nonzero validity
// count, the final scalar reduction of the validation loop.
func NanSkipMean(perClass, notNans []float32) float64 {
	var sum float64
	var count int
	for c, v := range perClass {
		if c < len(notNans) && notNans[c] > 0 {
			sum += float64(v)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// ConfusionMatrixMetric accumulates an argmax confusion matrix for
// classification outputs and reports overall accuracy.
type ConfusionMatrixMetric struct {
	numClasses int
	counts     []int64
	total      int64
}

// NewConfusionMatrixMetric creates a confusion matrix over numClasses
func NewConfusionMatrixMetric(numClasses int) (*ConfusionMatrixMetric, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("numClasses must be positive, got %d", numClasses)
	}
	return &ConfusionMatrixMetric{
		numClasses: numClasses,
		counts:     make([]int64, numClasses*numClasses),
	}, nil
}

// Name returns the metric name
func (cm *ConfusionMatrixMetric) Name() string {
	return "accuracy"
}

// Update accumulates one batch. Predictions are (batch, classes) scores;
// labels are Int32 class indices shaped (batch,) or (batch, 1), or Float32
// one-hot rows.
func (cm *ConfusionMatrixMetric) Update(yPred, y *tensor.Tensor) error {
	if len(yPred.Shape) != 2 || yPred.Shape[1] != cm.numClasses {
		return fmt.Errorf("expected (batch, %d) predictions, got shape %v", cm.numClasses, yPred.Shape)
	}
	if yPred.DType != tensor.Float32 {
		return fmt.Errorf("predictions must be Float32, got %s", yPred.DType)
	}
	batch := yPred.Shape[0]
	pd := yPred.Data.([]float32)

	trueClass := func(b int) (int, error) {
		switch td := y.Data.(type) {
		case []int32:
			if y.NumElems != batch {
				return 0, fmt.Errorf("expected %d labels, got %d", batch, y.NumElems)
			}
			return int(td[b]), nil
		case []float32:
			if y.NumElems != batch*cm.numClasses {
				return 0, fmt.Errorf("expected (batch, %d) one-hot labels, got shape %v", cm.numClasses, y.Shape)
			}
			best := 0
			for j := 1; j < cm.numClasses; j++ {
				if td[b*cm.numClasses+j] > td[b*cm.numClasses+best] {
					best = j
				}
			}
			return best, nil
		default:
			return 0, fmt.Errorf("unsupported label dtype %s", y.DType)
		}
	}

	for b := 0; b < batch; b++ {
		pred := 0
		for j := 1; j < cm.numClasses; j++ {
			if pd[b*cm.numClasses+j] > pd[b*cm.numClasses+pred] {
				pred = j
			}
		}
		actual, err := trueClass(b)
		if err != nil {
			return err
		}
		if actual < 0 || actual >= cm.numClasses {
			return fmt.Errorf("label class %d out of range [0, %d)", actual, cm.numClasses)
		}
		cm.counts[actual*cm.numClasses+pred]++
		cm.total++
	}
	return nil
}

// Aggregate returns overall accuracy
func (cm *ConfusionMatrixMetric) Aggregate() (float64, error) {
	if cm.total == 0 {
		return 0, fmt.Errorf("no samples accumulated")
	}
	var correct int64
	for i := 0; i < cm.numClasses; i++ {
		correct += cm.counts[i*cm.numClasses+i]
	}
	return float64(correct) / float64(cm.total), nil
}

// Matrix returns a copy of the confusion matrix, rows true and columns
// predicted
func (cm *ConfusionMatrixMetric) Matrix() [][]int64 {
	out := make([][]int64, cm.numClasses)
	for i := range out {
		out[i] = make([]int64, cm.numClasses)
		copy(out[i], cm.counts[i*cm.numClasses:(i+1)*cm.numClasses])
	}
	return out
}

// Precision returns precision for one class, 0 when the class was never
// predicted
func (cm *ConfusionMatrixMetric) Precision(class int) float64 {
	if class < 0 || class >= cm.numClasses {
		return 0
	}
	var predicted int64
	for i := 0; i < cm.numClasses; i++ {
		predicted += cm.counts[i*cm.numClasses+class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(cm.counts[class*cm.numClasses+class]) / float64(predicted)
}

// Recall returns recall for one class, 0 when the class never occurred
func (cm *ConfusionMatrixMetric) Recall(class int) float64 {
	if class < 0 || class >= cm.numClasses {
		return 0
	}
	var actual int64
	for j := 0; j < cm.numClasses; j++ {
		actual += cm.counts[class*cm.numClasses+j]
	}
	if actual == 0 {
		return 0
	}
	return float64(cm.counts[class*cm.numClasses+class]) / float64(actual)
}

// Reset clears all counts
func (cm *ConfusionMatrixMetric) Reset() {
	for i := range cm.counts {
		cm.counts[i] = 0
	}
	cm.total = 0
}
