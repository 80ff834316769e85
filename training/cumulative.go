package training

import (
	"fmt"
	"math"
	"sort"

	"github.com/tsawler/go-vit/tensor"
)

// ModalityCumulative buffers per-sample per-class metric values grouped by
// acquisition modality. Extend is fed the (batch, classes) output of a
// cumulative metric together with the batch's modality indices, and Reduce
// collapses one modality's buffer with NaN-skipping means.
type ModalityCumulative struct {
	numClasses int
	samples    map[int][][]float32
	total      int
}

// ModalityReduction is the reduced view of one modality's buffer. Valid is
// false when no class had a single non-NaN sample, in which case the modality
// carries no signal and should be skipped.
type ModalityReduction struct {
	PerClass []float32
	NotNans  []float32
	Average  float32
	Valid    bool
}

// NewModalityCumulative creates an empty accumulator
func NewModalityCumulative() *ModalityCumulative {
	return &ModalityCumulative{samples: make(map[int][][]float32)}
}

// Extend buffers one batch of metric rows. Values must be a (batch, classes)
// Float32 tensor; modalities an Int32 tensor with one index per sample, or
// nil to file every sample under modality 0.
func (mc *ModalityCumulative) Extend(values, modalities *tensor.Tensor) error {
	if values.DType != tensor.Float32 {
		return fmt.Errorf("metric values must be Float32, got %s", values.DType)
	}
	if len(values.Shape) != 2 {
		return fmt.Errorf("metric values must be (batch, classes), got shape %v", values.Shape)
	}
	batch := values.Shape[0]
	classes := values.Shape[1]
	if mc.numClasses == 0 {
		mc.numClasses = classes
	} else if classes != mc.numClasses {
		return fmt.Errorf("class count changed from %d to %d between batches", mc.numClasses, classes)
	}

	var mods []int32
	if modalities != nil {
		md, ok := modalities.Data.([]int32)
		if !ok {
			return fmt.Errorf("modalities must be Int32, got %s", modalities.DType)
		}
		if modalities.NumElems != batch {
			return fmt.Errorf("expected %d modality indices, got %d", batch, modalities.NumElems)
		}
		mods = md
	}

	vd := values.Data.([]float32)
	for b := 0; b < batch; b++ {
		mod := 0
		if mods != nil {
			mod = int(mods[b])
		}
		row := make([]float32, classes)
		copy(row, vd[b*classes:(b+1)*classes])
		mc.samples[mod] = append(mc.samples[mod], row)
		mc.total++
	}
	return nil
}

// Len returns the number of buffered samples across all modalities
func (mc *ModalityCumulative) Len() int {
	return mc.total
}

// NumClasses returns the class count fixed by the first Extend, 0 before any
func (mc *ModalityCumulative) NumClasses() int {
	return mc.numClasses
}

// Modalities returns the modality indices seen so far in ascending order
func (mc *ModalityCumulative) Modalities() []int {
	mods := make([]int, 0, len(mc.samples))
	for m := range mc.samples {
		mods = append(mods, m)
	}
	sort.Ints(mods)
	return mods
}

// Reduce collapses one modality's buffer. Each class averages its non-NaN
// samples and reports the count of samples that contributed; classes with no
// valid sample report 0. Average is the mean over classes that had at least
// one valid sample.
func (mc *ModalityCumulative) Reduce(modality int) ModalityReduction {
	rows := mc.samples[modality]
	if len(rows) == 0 {
		return ModalityReduction{}
	}

	perClass := make([]float32, mc.numClasses)
	notNans := make([]float32, mc.numClasses)
	for c := 0; c < mc.numClasses; c++ {
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

	var avgSum float64
	var avgCount int
	for c := 0; c < mc.numClasses; c++ {
		if notNans[c] > 0 {
			avgSum += float64(perClass[c])
			avgCount++
		}
	}

	red := ModalityReduction{PerClass: perClass, NotNans: notNans}
	if avgCount > 0 {
		red.Average = float32(avgSum / float64(avgCount))
		red.Valid = true
	}
	return red
}

// Reset discards all buffered samples and the fixed class count
func (mc *ModalityCumulative) Reset() {
	mc.samples = make(map[int][][]float32)
	mc.numClasses = 0
	mc.total = 0
}
