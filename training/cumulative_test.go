package training

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-vit/tensor"
)

func TestModalityCumulative(t *testing.T) {
	nan := float32(math.NaN())

	t.Run("reduce per modality with NaN skipping", func(t *testing.T) {
		mc := NewModalityCumulative()

		// Samples 0 and 1 are modality 0, sample 2 is modality 1 and
		// carries no valid class at all.
		values, _ := tensor.NewTensor([]int{3, 2}, tensor.Float32, tensor.CPU,
			[]float32{1, nan, 0.5, 1, nan, nan})
		modalities, _ := tensor.NewTensor([]int{3}, tensor.Int32, tensor.CPU,
			[]int32{0, 0, 1})

		if err := mc.Extend(values, modalities); err != nil {
			t.Fatalf("extend failed: %v", err)
		}
		if mc.Len() != 3 {
			t.Errorf("expected 3 buffered samples, got %d", mc.Len())
		}
		if mc.NumClasses() != 2 {
			t.Errorf("expected 2 classes, got %d", mc.NumClasses())
		}
		if diff := cmp.Diff([]int{0, 1}, mc.Modalities()); diff != "" {
			t.Errorf("modalities mismatch (-want +got):\n%s", diff)
		}

		red := mc.Reduce(0)
		if !red.Valid {
			t.Fatal("expected modality 0 reduction to be valid")
		}
		// class0: (1 + 0.5) / 2; class1: only sample 1 contributes
		if diff := cmp.Diff([]float32{0.75, 1.0}, red.PerClass, approx); diff != "" {
			t.Errorf("per-class mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]float32{2, 1}, red.NotNans); diff != "" {
			t.Errorf("not-NaN counts mismatch (-want +got):\n%s", diff)
		}
		if math.Abs(float64(red.Average)-0.875) > 1e-6 {
			t.Errorf("expected average 0.875, got %.6f", red.Average)
		}

		if mc.Reduce(1).Valid {
			t.Error("expected all-NaN modality 1 reduction to be invalid")
		}
	})

	t.Run("unseen modality reduces to invalid", func(t *testing.T) {
		mc := NewModalityCumulative()
		values, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{0.5, 0.5})
		if err := mc.Extend(values, nil); err != nil {
			t.Fatalf("extend failed: %v", err)
		}
		if mc.Reduce(3).Valid {
			t.Error("expected unseen modality to reduce invalid")
		}
	})

	t.Run("nil modalities file under modality 0", func(t *testing.T) {
		mc := NewModalityCumulative()
		values, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU,
			[]float32{1, 0, 0, 1})
		if err := mc.Extend(values, nil); err != nil {
			t.Fatalf("extend failed: %v", err)
		}
		if diff := cmp.Diff([]int{0}, mc.Modalities()); diff != "" {
			t.Errorf("modalities mismatch (-want +got):\n%s", diff)
		}
		red := mc.Reduce(0)
		if !red.Valid {
			t.Fatal("expected valid reduction")
		}
		if diff := cmp.Diff([]float32{0.5, 0.5}, red.PerClass, approx); diff != "" {
			t.Errorf("per-class mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("accumulates across batches", func(t *testing.T) {
		mc := NewModalityCumulative()
		first, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{1, nan})
		second, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{0.5, 1})
		if err := mc.Extend(first, nil); err != nil {
			t.Fatalf("extend failed: %v", err)
		}
		if err := mc.Extend(second, nil); err != nil {
			t.Fatalf("extend failed: %v", err)
		}

		red := mc.Reduce(0)
		if diff := cmp.Diff([]float32{0.75, 1.0}, red.PerClass, approx); diff != "" {
			t.Errorf("per-class mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]float32{2, 1}, red.NotNans); diff != "" {
			t.Errorf("not-NaN counts mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("class count change between batches errors", func(t *testing.T) {
		mc := NewModalityCumulative()
		two, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{1, 1})
		three, _ := tensor.NewTensor([]int{1, 3}, tensor.Float32, tensor.CPU, []float32{1, 1, 1})
		if err := mc.Extend(two, nil); err != nil {
			t.Fatalf("extend failed: %v", err)
		}
		if err := mc.Extend(three, nil); err == nil {
			t.Error("expected error when class count changes")
		}
	})

	t.Run("validation", func(t *testing.T) {
		mc := NewModalityCumulative()

		intValues, _ := tensor.NewTensor([]int{1, 2}, tensor.Int32, tensor.CPU, nil)
		if err := mc.Extend(intValues, nil); err == nil {
			t.Error("expected error for Int32 values")
		}

		flat, _ := tensor.NewTensor([]int{4}, tensor.Float32, tensor.CPU, nil)
		if err := mc.Extend(flat, nil); err == nil {
			t.Error("expected error for rank-1 values")
		}

		values, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU, nil)
		short, _ := tensor.NewTensor([]int{1}, tensor.Int32, tensor.CPU, []int32{0})
		if err := mc.Extend(values, short); err == nil {
			t.Error("expected error for modality count mismatch")
		}

		floatMods, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, nil)
		if err := mc.Extend(values, floatMods); err == nil {
			t.Error("expected error for Float32 modalities")
		}
	})

	t.Run("reset clears buffers and class count", func(t *testing.T) {
		mc := NewModalityCumulative()
		values, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{1, 1})
		if err := mc.Extend(values, nil); err != nil {
			t.Fatalf("extend failed: %v", err)
		}
		mc.Reset()
		if mc.Len() != 0 || mc.NumClasses() != 0 || len(mc.Modalities()) != 0 {
			t.Error("expected empty accumulator after reset")
		}

		// A different class count is accepted after reset
		three, _ := tensor.NewTensor([]int{1, 3}, tensor.Float32, tensor.CPU, []float32{1, 1, 1})
		if err := mc.Extend(three, nil); err != nil {
			t.Errorf("extend after reset failed: %v", err)
		}
	})
}
