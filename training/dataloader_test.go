package training

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-vit/tensor"
)

func makeTensorDataset(t *testing.T, n int, modalities []int) *TensorDataset {
	t.Helper()
	images := make([]*tensor.Tensor, n)
	labels := make([]*tensor.Tensor, n)
	for i := 0; i < n; i++ {
		img, err := tensor.NewTensor([]int{2, 3}, tensor.Float32, tensor.CPU,
			[]float32{float32(i), 1, 2, 3, 4, 5})
		if err != nil {
			t.Fatalf("failed to create image: %v", err)
		}
		lab, err := tensor.NewTensor([]int{1}, tensor.Int32, tensor.CPU, []int32{int32(i % 2)})
		if err != nil {
			t.Fatalf("failed to create label: %v", err)
		}
		images[i] = img
		labels[i] = lab
	}
	ds, err := NewTensorDataset(images, labels, modalities)
	if err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}
	return ds
}

func TestDataLoader(t *testing.T) {
	t.Run("batch shapes and modality tensor", func(t *testing.T) {
		ds := makeTensorDataset(t, 5, []int{0, 1, 2, 0, 1})
		loader := NewDataLoader(ds, 2, false, tensor.CPU)

		if loader.Len() != 3 {
			t.Fatalf("expected 3 batches, got %d", loader.Len())
		}

		loader.Reset()
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if diff := cmp.Diff([]int{2, 2, 3}, batch.Image.Shape); diff != "" {
			t.Fatalf("image shape mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]int{2, 1}, batch.Label.Shape); diff != "" {
			t.Fatalf("label shape mismatch (-want +got):\n%s", diff)
		}
		if batch.Modality.DType != tensor.Int32 {
			t.Fatalf("expected Int32 modality tensor, got %s", batch.Modality.DType)
		}
		if diff := cmp.Diff([]int{2}, batch.Modality.Shape); diff != "" {
			t.Fatalf("modality shape mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]int32{0, 1}, batch.Modality.Data.([]int32)); diff != "" {
			t.Errorf("modality values mismatch (-want +got):\n%s", diff)
		}

		// first image occupies the first sample slot of the batch
		if got := batch.Image.Data.([]float32)[0]; got != 0 {
			t.Errorf("expected sample 0 first, got leading value %v", got)
		}
	})

	t.Run("partial final batch", func(t *testing.T) {
		ds := makeTensorDataset(t, 5, nil)
		loader := NewDataLoader(ds, 2, false, tensor.CPU)

		loader.Reset()
		var shapes [][]int
		for loader.HasNext() {
			batch, err := loader.Next()
			if err != nil {
				t.Fatalf("next failed: %v", err)
			}
			if batch == nil {
				break
			}
			shapes = append(shapes, batch.Image.Shape)
		}
		want := [][]int{{2, 2, 3}, {2, 2, 3}, {1, 2, 3}}
		if diff := cmp.Diff(want, shapes); diff != "" {
			t.Errorf("batch shapes mismatch (-want +got):\n%s", diff)
		}

		// exhausted epoch reports nil batch
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("next after exhaustion failed: %v", err)
		}
		if batch != nil {
			t.Error("expected nil batch at end of epoch")
		}

		loader.Reset()
		if !loader.HasNext() {
			t.Error("expected batches again after reset")
		}
	})

	t.Run("batch size clamps to one", func(t *testing.T) {
		ds := makeTensorDataset(t, 3, nil)
		loader := NewDataLoader(ds, 0, false, tensor.CPU)
		if loader.Len() != 3 {
			t.Errorf("expected 3 single-sample batches, got %d", loader.Len())
		}
	})

	t.Run("shuffle visits every sample once", func(t *testing.T) {
		// unique modality per sample identifies it through the batch
		ds := makeTensorDataset(t, 5, []int{0, 1, 2, 3, 4})
		loader := NewDataLoader(ds, 2, true, tensor.CPU)

		loader.Reset()
		var seen []int
		for loader.HasNext() {
			batch, err := loader.Next()
			if err != nil {
				t.Fatalf("next failed: %v", err)
			}
			if batch == nil {
				break
			}
			for _, m := range batch.Modality.Data.([]int32) {
				seen = append(seen, int(m))
			}
		}
		sort.Ints(seen)
		if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, seen); diff != "" {
			t.Errorf("shuffled epoch is not a permutation (-want +got):\n%s", diff)
		}
	})

	t.Run("iterator yields every batch", func(t *testing.T) {
		ds := makeTensorDataset(t, 4, nil)
		loader := NewDataLoader(ds, 2, false, tensor.CPU)

		count := 0
		for batch := range loader.Iterator() {
			if batch == nil {
				t.Fatal("iterator produced nil batch")
			}
			count++
		}
		if count != 2 {
			t.Errorf("expected 2 batches from iterator, got %d", count)
		}
	})
}

func TestTensorDataset(t *testing.T) {
	t.Run("length and modality mismatches", func(t *testing.T) {
		img, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{1, 2})
		lab, _ := tensor.NewTensor([]int{1}, tensor.Int32, tensor.CPU, []int32{0})

		if _, err := NewTensorDataset([]*tensor.Tensor{img}, nil, nil); err == nil {
			t.Error("expected error for image/label length mismatch")
		}
		if _, err := NewTensorDataset([]*tensor.Tensor{img}, []*tensor.Tensor{lab}, []int{0, 1}); err == nil {
			t.Error("expected error for modality length mismatch")
		}
	})

	t.Run("get bounds", func(t *testing.T) {
		ds := makeTensorDataset(t, 2, []int{3, 4})
		if _, _, _, err := ds.Get(-1); err == nil {
			t.Error("expected error for negative index")
		}
		if _, _, _, err := ds.Get(2); err == nil {
			t.Error("expected error for out-of-range index")
		}

		_, _, modality, err := ds.Get(1)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if modality != 4 {
			t.Errorf("expected modality 4, got %d", modality)
		}
	})
}

func TestSyntheticDataset(t *testing.T) {
	t.Run("deterministic samples", func(t *testing.T) {
		ds := NewSyntheticDataset(10, []int{1, 4, 4}, 3, 2, 99)

		first, label1, mod1, err := ds.Get(3)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		second, label2, mod2, err := ds.Get(3)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}

		if diff := cmp.Diff(first.Data.([]float32), second.Data.([]float32)); diff != "" {
			t.Errorf("repeated reads differ (-first +second):\n%s", diff)
		}
		if diff := cmp.Diff(label1.Data.([]int32), label2.Data.([]int32)); diff != "" {
			t.Errorf("repeated labels differ (-first +second):\n%s", diff)
		}
		if mod1 != mod2 {
			t.Errorf("repeated modalities differ: %d then %d", mod1, mod2)
		}
	})

	t.Run("modalities cycle", func(t *testing.T) {
		ds := NewSyntheticDataset(6, []int{2}, 2, 3, 0)
		for idx := 0; idx < 6; idx++ {
			_, _, modality, err := ds.Get(idx)
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if modality != idx%3 {
				t.Errorf("sample %d: expected modality %d, got %d", idx, idx%3, modality)
			}
		}
	})

	t.Run("labels in class range", func(t *testing.T) {
		ds := NewSyntheticDataset(20, []int{2}, 4, 1, 7)
		for idx := 0; idx < 20; idx++ {
			_, label, _, err := ds.Get(idx)
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			v := label.Data.([]int32)[0]
			if v < 0 || v >= 4 {
				t.Errorf("sample %d: label %d out of range", idx, v)
			}
		}
	})

	t.Run("bounds", func(t *testing.T) {
		ds := NewSyntheticDataset(2, []int{2}, 2, 1, 0)
		if _, _, _, err := ds.Get(2); err == nil {
			t.Error("expected error for out-of-range index")
		}
	})
}

func TestSubsetDataset(t *testing.T) {
	t.Run("caps length", func(t *testing.T) {
		full := makeTensorDataset(t, 6, []int{0, 1, 2, 0, 1, 2})
		subset, err := NewSubsetDataset(full, 4)
		if err != nil {
			t.Fatalf("failed to create subset: %v", err)
		}

		if subset.Len() != 4 {
			t.Errorf("expected length 4, got %d", subset.Len())
		}

		img, _, mod, err := subset.Get(3)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if img.Data.([]float32)[0] != 3 {
			t.Errorf("expected sample 3 from the underlying dataset, got leading value %v", img.Data.([]float32)[0])
		}
		if mod != 0 {
			t.Errorf("expected modality 0, got %d", mod)
		}

		if _, _, _, err := subset.Get(4); err == nil {
			t.Error("expected error past the limit")
		}
	})

	t.Run("limit clamps to dataset size", func(t *testing.T) {
		full := makeTensorDataset(t, 3, []int{0, 0, 0})
		subset, err := NewSubsetDataset(full, 10)
		if err != nil {
			t.Fatalf("failed to create subset: %v", err)
		}
		if subset.Len() != 3 {
			t.Errorf("expected length 3, got %d", subset.Len())
		}
	})

	t.Run("negative limit", func(t *testing.T) {
		full := makeTensorDataset(t, 3, []int{0, 0, 0})
		if _, err := NewSubsetDataset(full, -1); err == nil {
			t.Error("expected error for negative limit")
		}
	})

	t.Run("batches through the loader", func(t *testing.T) {
		full := makeTensorDataset(t, 6, []int{0, 1, 2, 0, 1, 2})
		subset, err := NewSubsetDataset(full, 4)
		if err != nil {
			t.Fatalf("failed to create subset: %v", err)
		}

		loader := NewDataLoader(subset, 2, false, tensor.CPU)
		batches := 0
		for loader.HasNext() {
			if _, err := loader.Next(); err != nil {
				t.Fatalf("next failed: %v", err)
			}
			batches++
		}
		if batches != 2 {
			t.Errorf("expected 2 batches over the subset, got %d", batches)
		}
	})
}
