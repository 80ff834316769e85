package layers

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-vit/tensor"
)

func TestParseNormKind(t *testing.T) {
	tests := []struct {
		name    string
		want    NormKind
		wantErr bool
	}{
		{name: "layer", want: NormLayer},
		{name: "instance", want: NormInstance},
		{name: "instance_cond", want: NormInstanceCond},
		{name: "group", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("name "+tt.name, func(t *testing.T) {
			kind, err := ParseNormKind(tt.name)
			if tt.wantErr {
				var ce *ConfigurationError
				if !errors.As(err, &ce) {
					t.Errorf("expected ConfigurationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNormKind failed: %v", err)
			}
			if kind != tt.want {
				t.Errorf("expected %v, got %v", tt.want, kind)
			}
			if kind.String() != tt.name {
				t.Errorf("String roundtrip: expected %q, got %q", tt.name, kind.String())
			}
		})
	}
}

func TestNormKindNeedsModality(t *testing.T) {
	if NormLayer.NeedsModality() || NormInstance.NeedsModality() {
		t.Error("unconditional kinds should not need modalities")
	}
	if !NormInstanceCond.NeedsModality() {
		t.Error("instance_cond should need modalities")
	}
}

func TestLayerNorm(t *testing.T) {
	t.Run("forward", func(t *testing.T) {
		ln, err := NewLayerNorm(4, 0, tensor.CPU)
		if err != nil {
			t.Fatalf("NewLayerNorm failed: %v", err)
		}
		input, _ := tensor.NewTensor([]int{1, 4}, tensor.Float32, tensor.CPU, []float32{1, 2, 3, 4})
		output, err := ln.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		want := []float32{-1.3416, -0.4472, 0.4472, 1.3416}
		if diff := cmp.Diff(want, output.Data.([]float32), approx); diff != "" {
			t.Errorf("output mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("feature mismatch", func(t *testing.T) {
		ln, _ := NewLayerNorm(4, 0, tensor.CPU)
		input, _ := tensor.Zeros([]int{1, 3}, tensor.Float32, tensor.CPU)
		if _, err := ln.Forward(input); err == nil {
			t.Error("expected error for wrong feature size")
		}
	})

	t.Run("parameters", func(t *testing.T) {
		ln, _ := NewLayerNorm(4, 0, tensor.CPU)
		if len(ln.Parameters()) != 2 {
			t.Errorf("expected 2 parameters, got %d", len(ln.Parameters()))
		}
	})

	t.Run("invalid feature size", func(t *testing.T) {
		_, err := NewLayerNorm(0, 0, tensor.CPU)
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("expected ConfigurationError, got %v", err)
		}
	})
}

func TestInstanceNorm(t *testing.T) {
	t.Run("forward", func(t *testing.T) {
		in, err := NewInstanceNorm(2, 0, tensor.CPU)
		if err != nil {
			t.Fatalf("NewInstanceNorm failed: %v", err)
		}
		input, _ := tensor.NewTensor([]int{1, 2, 3}, tensor.Float32, tensor.CPU,
			[]float32{1, 2, 3, 10, 20, 30})
		output, err := in.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		want := []float32{-1.2247, 0, 1.2247, -1.2247, 0, 1.2247}
		if diff := cmp.Diff(want, output.Data.([]float32), approx); diff != "" {
			t.Errorf("output mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("not affine", func(t *testing.T) {
		in, _ := NewInstanceNorm(2, 0, tensor.CPU)
		if len(in.Parameters()) != 0 {
			t.Errorf("expected no parameters, got %d", len(in.Parameters()))
		}
	})

	t.Run("rank mismatch", func(t *testing.T) {
		in, _ := NewInstanceNorm(2, 0, tensor.CPU)
		input, _ := tensor.Zeros([]int{2, 2}, tensor.Float32, tensor.CPU)
		if _, err := in.Forward(input); err == nil {
			t.Error("expected error for rank 2 input")
		}
	})
}

func TestInstanceCondNorm(t *testing.T) {
	t.Run("per modality affine rows", func(t *testing.T) {
		cn, err := NewInstanceCondNorm(2, 1, 0, tensor.CPU)
		if err != nil {
			t.Fatalf("NewInstanceCondNorm failed: %v", err)
		}
		params := cn.Parameters()
		params[0].SetData([]float32{1, 2})
		params[1].SetData([]float32{0, 10})

		input, _ := tensor.NewTensor([]int{2, 1, 2}, tensor.Float32, tensor.CPU,
			[]float32{0, 2, 0, 4})
		modalities, _ := tensor.NewTensor([]int{2}, tensor.Int32, tensor.CPU, []int32{0, 1})

		output, err := cn.ForwardCond(input, modalities)
		if err != nil {
			t.Fatalf("ForwardCond failed: %v", err)
		}
		want := []float32{-1, 1, 8, 12}
		if diff := cmp.Diff(want, output.Data.([]float32), approx); diff != "" {
			t.Errorf("output mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("modalities required", func(t *testing.T) {
		cn, _ := NewInstanceCondNorm(2, 1, 0, tensor.CPU)
		input, _ := tensor.Zeros([]int{1, 1, 4}, tensor.Float32, tensor.CPU)
		_, err := cn.Forward(input)
		var me *MissingModalityError
		if !errors.As(err, &me) {
			t.Errorf("expected MissingModalityError, got %v", err)
		}
	})

	t.Run("invalid modality count", func(t *testing.T) {
		_, err := NewInstanceCondNorm(0, 4, 0, tensor.CPU)
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("expected ConfigurationError, got %v", err)
		}
	})
}

func TestNormApply(t *testing.T) {
	t.Run("layer kind", func(t *testing.T) {
		norm, err := NewNorm(NormSpec{Kind: NormLayer}, 4, tensor.CPU)
		if err != nil {
			t.Fatalf("NewNorm failed: %v", err)
		}
		input, _ := tensor.NewTensor([]int{1, 1, 4}, tensor.Float32, tensor.CPU, []float32{1, 2, 3, 4})
		output, err := norm.Apply(input, nil)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		want := []float32{-1.3416, -0.4472, 0.4472, 1.3416}
		if diff := cmp.Diff(want, output.Data.([]float32), approx); diff != "" {
			t.Errorf("output mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("instance kind normalizes over tokens", func(t *testing.T) {
		norm, err := NewNorm(NormSpec{Kind: NormInstance}, 1, tensor.CPU)
		if err != nil {
			t.Fatalf("NewNorm failed: %v", err)
		}
		input, _ := tensor.NewTensor([]int{1, 2, 1}, tensor.Float32, tensor.CPU, []float32{1, 3})
		output, err := norm.Apply(input, nil)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if diff := cmp.Diff([]int{1, 2, 1}, output.Shape); diff != "" {
			t.Errorf("shape mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]float32{-1, 1}, output.Data.([]float32), approx); diff != "" {
			t.Errorf("output mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("conditional kind needs modalities", func(t *testing.T) {
		norm, err := NewNorm(NormSpec{Kind: NormInstanceCond, NumModalities: 3}, 4, tensor.CPU)
		if err != nil {
			t.Fatalf("NewNorm failed: %v", err)
		}
		input, _ := tensor.Zeros([]int{2, 5, 4}, tensor.Float32, tensor.CPU)

		_, err = norm.Apply(input, nil)
		var me *MissingModalityError
		if !errors.As(err, &me) {
			t.Errorf("expected MissingModalityError, got %v", err)
		}

		modalities, _ := tensor.NewTensor([]int{2}, tensor.Int32, tensor.CPU, []int32{0, 2})
		output, err := norm.Apply(input, modalities)
		if err != nil {
			t.Fatalf("Apply with modalities failed: %v", err)
		}
		if diff := cmp.Diff([]int{2, 5, 4}, output.Shape); diff != "" {
			t.Errorf("shape mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := NewNorm(NormSpec{Kind: NormKind(99)}, 4, tensor.CPU)
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("expected ConfigurationError, got %v", err)
		}
	})
}
