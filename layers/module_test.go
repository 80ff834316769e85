package layers

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tsawler/go-vit/tensor"
)

var approx = cmpopts.EquateApprox(1e-4, 1e-6)

func TestLinear(t *testing.T) {
	SetRandomSeed(42)

	t.Run("known weights", func(t *testing.T) {
		linear, err := NewLinear(2, 2, true, tensor.CPU)
		if err != nil {
			t.Fatalf("NewLinear failed: %v", err)
		}
		params := linear.Parameters()
		if len(params) != 2 {
			t.Fatalf("expected 2 parameters, got %d", len(params))
		}
		params[0].SetData([]float32{1, 2, 3, 4})
		params[1].SetData([]float32{10, 20})

		input, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{1, 1})
		output, err := linear.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if diff := cmp.Diff([]float32{14, 26}, output.Data.([]float32), approx); diff != "" {
			t.Errorf("output mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("sequence input", func(t *testing.T) {
		linear, err := NewLinear(4, 5, true, tensor.CPU)
		if err != nil {
			t.Fatalf("NewLinear failed: %v", err)
		}
		input, _ := tensor.Zeros([]int{2, 3, 4}, tensor.Float32, tensor.CPU)
		output, err := linear.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if diff := cmp.Diff([]int{2, 3, 5}, output.Shape); diff != "" {
			t.Errorf("shape mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("without bias", func(t *testing.T) {
		linear, err := NewLinear(3, 2, false, tensor.CPU)
		if err != nil {
			t.Fatalf("NewLinear failed: %v", err)
		}
		if len(linear.Parameters()) != 1 {
			t.Errorf("expected 1 parameter without bias, got %d", len(linear.Parameters()))
		}
	})

	t.Run("input size mismatch", func(t *testing.T) {
		linear, _ := NewLinear(3, 2, true, tensor.CPU)
		input, _ := tensor.Zeros([]int{1, 4}, tensor.Float32, tensor.CPU)
		if _, err := linear.Forward(input); err == nil {
			t.Error("expected error for mismatched input size")
		}
	})

	t.Run("invalid sizes", func(t *testing.T) {
		_, err := NewLinear(0, 2, true, tensor.CPU)
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("expected ConfigurationError, got %v", err)
		}
	})

	t.Run("gradient flow", func(t *testing.T) {
		linear, _ := NewLinear(2, 2, true, tensor.CPU)
		input, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{1, -1})
		output, err := linear.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		loss, _ := tensor.MeanAutograd(output)
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		for i, p := range linear.Parameters() {
			if p.Grad() == nil {
				t.Errorf("parameter %d has nil gradient", i)
			}
		}
	})
}

func TestDropout(t *testing.T) {
	SetRandomSeed(7)

	t.Run("invalid rate", func(t *testing.T) {
		_, err := NewDropout(1.5)
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("expected ConfigurationError, got %v", err)
		}
		if _, err := NewDropout(-0.1); err == nil {
			t.Error("expected error for negative rate")
		}
	})

	t.Run("identity when eval", func(t *testing.T) {
		drop, _ := NewDropout(0.9)
		drop.Eval()
		input, _ := tensor.NewTensor([]int{4}, tensor.Float32, tensor.CPU, []float32{1, 2, 3, 4})
		output, err := drop.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if output != input {
			t.Error("expected pass-through in eval mode")
		}
	})

	t.Run("identity when rate is zero", func(t *testing.T) {
		drop, _ := NewDropout(0)
		input, _ := tensor.NewTensor([]int{4}, tensor.Float32, tensor.CPU, []float32{1, 2, 3, 4})
		output, _ := drop.Forward(input)
		if output != input {
			t.Error("expected pass-through for rate 0")
		}
	})

	t.Run("drops and rescales", func(t *testing.T) {
		drop, _ := NewDropout(0.5)
		input, _ := tensor.Ones([]int{1000}, tensor.Float32, tensor.CPU)
		output, err := drop.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		var zeros, kept int
		for _, v := range output.Data.([]float32) {
			switch v {
			case 0:
				zeros++
			case 2:
				kept++
			default:
				t.Fatalf("unexpected value %v, want 0 or 2", v)
			}
		}
		if zeros == 0 || kept == 0 {
			t.Errorf("expected a mix of dropped and kept entries, got %d zeros and %d kept", zeros, kept)
		}
	})
}

func TestActivationModules(t *testing.T) {
	input, _ := tensor.NewTensor([]int{3}, tensor.Float32, tensor.CPU, []float32{-1, 0, 1})

	t.Run("relu", func(t *testing.T) {
		output, err := NewReLU().Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if diff := cmp.Diff([]float32{0, 0, 1}, output.Data.([]float32), approx); diff != "" {
			t.Errorf("output mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("tanh bounded", func(t *testing.T) {
		output, err := NewTanh().Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		for i, v := range output.Data.([]float32) {
			if v < -1 || v > 1 {
				t.Errorf("element %d = %v outside [-1, 1]", i, v)
			}
		}
	})

	t.Run("gelu near relu for large inputs", func(t *testing.T) {
		big, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{10, -10})
		output, err := NewGELU().Forward(big)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		data := output.Data.([]float32)
		if data[0] < 9.99 || data[1] > 0.01 {
			t.Errorf("unexpected GELU tails: %v", data)
		}
	})

	t.Run("sigmoid midpoint", func(t *testing.T) {
		output, err := NewSigmoid().Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if diff := cmp.Diff(float32(0.5), output.Data.([]float32)[1], approx); diff != "" {
			t.Errorf("sigmoid(0) mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSequential(t *testing.T) {
	SetRandomSeed(42)

	linear, _ := NewLinear(4, 3, true, tensor.CPU)
	seq := NewSequential(linear, NewTanh())

	input, _ := tensor.Zeros([]int{2, 4}, tensor.Float32, tensor.CPU)
	output, err := seq.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if diff := cmp.Diff([]int{2, 3}, output.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	if len(seq.Parameters()) != 2 {
		t.Errorf("expected 2 parameters, got %d", len(seq.Parameters()))
	}

	seq.Eval()
	if seq.IsTraining() || linear.IsTraining() {
		t.Error("Eval did not propagate to children")
	}
	seq.Train()
	if !linear.IsTraining() {
		t.Error("Train did not propagate to children")
	}

	seq.Add(NewReLU())
	output, err = seq.Forward(input)
	if err != nil {
		t.Fatalf("Forward after Add failed: %v", err)
	}
	if diff := cmp.Diff([]int{2, 3}, output.Shape); diff != "" {
		t.Errorf("shape mismatch after Add (-want +got):\n%s", diff)
	}
}
