package tensor

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approx = cmpopts.EquateApprox(1e-4, 1e-6)

func TestElementwiseOps(t *testing.T) {
	tests := []struct {
		name   string
		op     func(a, b *Tensor) (*Tensor, error)
		aShape []int
		aData  []float32
		bShape []int
		bData  []float32
		want   []float32
	}{
		{
			name: "add same shape",
			op:   Add, aShape: []int{2, 2}, aData: []float32{1, 2, 3, 4},
			bShape: []int{2, 2}, bData: []float32{10, 20, 30, 40},
			want: []float32{11, 22, 33, 44},
		},
		{
			name: "add row broadcast",
			op:   Add, aShape: []int{2, 3}, aData: []float32{1, 2, 3, 4, 5, 6},
			bShape: []int{3}, bData: []float32{10, 20, 30},
			want: []float32{11, 22, 33, 14, 25, 36},
		},
		{
			name: "add cross broadcast",
			op:   Add, aShape: []int{2, 1}, aData: []float32{1, 2},
			bShape: []int{1, 3}, bData: []float32{10, 20, 30},
			want: []float32{11, 21, 31, 12, 22, 32},
		},
		{
			name: "sub",
			op:   Sub, aShape: []int{3}, aData: []float32{5, 7, 9},
			bShape: []int{3}, bData: []float32{1, 2, 3},
			want: []float32{4, 5, 6},
		},
		{
			name: "mul",
			op:   Mul, aShape: []int{3}, aData: []float32{2, 3, 4},
			bShape: []int{3}, bData: []float32{5, 6, 7},
			want: []float32{10, 18, 28},
		},
		{
			name: "div",
			op:   Div, aShape: []int{3}, aData: []float32{10, 18, 28},
			bShape: []int{3}, bData: []float32{5, 6, 7},
			want: []float32{2, 3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := NewTensor(tt.aShape, Float32, CPU, tt.aData)
			b, _ := NewTensor(tt.bShape, Float32, CPU, tt.bData)
			result, err := tt.op(a, b)
			if err != nil {
				t.Fatalf("operation failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, result.Data.([]float32), approx); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("incompatible shapes", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 3}, Float32, CPU, nil)
		b, _ := NewTensor([]int{4}, Float32, CPU, nil)
		a.SetData(float32(0))
		b.SetData(float32(0))
		if _, err := Add(a, b); err == nil {
			t.Error("expected broadcast error")
		}
	})

	t.Run("mixed dtypes", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
		b, _ := NewTensor([]int{2}, Int32, CPU, []int32{1, 2})
		if _, err := Add(a, b); err == nil {
			t.Error("expected dtype error")
		}
	})

	t.Run("int32 add", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, Int32, CPU, []int32{1, 2})
		b, _ := NewTensor([]int{2}, Int32, CPU, []int32{10, 20})
		result, err := Add(a, b)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if diff := cmp.Diff([]int32{11, 22}, result.Data.([]int32)); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		name    string
		shape1  []int
		shape2  []int
		want    []int
		wantErr bool
	}{
		{name: "same", shape1: []int{2, 3}, shape2: []int{2, 3}, want: []int{2, 3}},
		{name: "trailing", shape1: []int{2, 3}, shape2: []int{3}, want: []int{2, 3}},
		{name: "ones expand", shape1: []int{2, 1, 4}, shape2: []int{1, 3, 1}, want: []int{2, 3, 4}},
		{name: "rank extend", shape1: []int{5, 2, 3}, shape2: []int{1}, want: []int{5, 2, 3}},
		{name: "incompatible", shape1: []int{2, 3}, shape2: []int{4}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BroadcastShapes(tt.shape1, tt.shape2)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BroadcastShapes failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("shape mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScale(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, -2, 3})
	result, err := Scale(a, 2.5)
	if err != nil {
		t.Fatalf("Scale failed: %v", err)
	}
	if diff := cmp.Diff([]float32{2.5, -5, 7.5}, result.Data.([]float32), approx); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestActivations(t *testing.T) {
	t.Run("relu", func(t *testing.T) {
		a, _ := NewTensor([]int{4}, Float32, CPU, []float32{-1, 0, 2, -3})
		result, _ := ReLU(a)
		if diff := cmp.Diff([]float32{0, 0, 2, 0}, result.Data.([]float32)); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("sigmoid", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, Float32, CPU, []float32{0, 100})
		result, _ := Sigmoid(a)
		if diff := cmp.Diff([]float32{0.5, 1}, result.Data.([]float32), approx); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("tanh", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, Float32, CPU, []float32{0, 0.5})
		result, _ := Tanh(a)
		want := []float32{0, float32(math.Tanh(0.5))}
		if diff := cmp.Diff(want, result.Data.([]float32), approx); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("exp log roundtrip", func(t *testing.T) {
		a, _ := NewTensor([]int{3}, Float32, CPU, []float32{0.5, 1, 2})
		e, _ := Exp(a)
		back, _ := Log(e)
		if diff := cmp.Diff(a.Data.([]float32), back.Data.([]float32), approx); diff != "" {
			t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSoftmax(t *testing.T) {
	t.Run("rows sum to one", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 0.1, 0.2, 0.3})
		result, err := Softmax(a)
		if err != nil {
			t.Fatalf("Softmax failed: %v", err)
		}
		data := result.Data.([]float32)
		for row := 0; row < 2; row++ {
			var sum float32
			for i := 0; i < 3; i++ {
				sum += data[row*3+i]
			}
			if math.Abs(float64(sum)-1) > 1e-5 {
				t.Errorf("row %d sums to %v, want 1", row, sum)
			}
		}
	})

	t.Run("uniform input", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, Float32, CPU, []float32{0, 0})
		result, _ := Softmax(a)
		if diff := cmp.Diff([]float32{0.5, 0.5}, result.Data.([]float32), approx); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("large values stay finite", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1000, 1000})
		result, _ := Softmax(a)
		if diff := cmp.Diff([]float32{0.5, 0.5}, result.Data.([]float32), approx); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestMean(t *testing.T) {
	a, _ := NewTensor([]int{4}, Float32, CPU, []float32{1, 2, 3, 6})
	result, err := Mean(a)
	if err != nil {
		t.Fatalf("Mean failed: %v", err)
	}
	if diff := cmp.Diff([]int{1}, result.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if result.Data.([]float32)[0] != 3 {
		t.Errorf("mean = %v, want 3", result.Data.([]float32)[0])
	}
}

func TestArgMax(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 5, 2, 7, 3, 4})

	t.Run("last dim", func(t *testing.T) {
		result, err := ArgMax(a, 1)
		if err != nil {
			t.Fatalf("ArgMax failed: %v", err)
		}
		if result.DType != Int32 {
			t.Errorf("dtype = %s, want Int32", result.DType)
		}
		if diff := cmp.Diff([]int{2}, result.Shape); diff != "" {
			t.Errorf("shape mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]int32{1, 0}, result.Data.([]int32)); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("first dim", func(t *testing.T) {
		result, err := ArgMax(a, 0)
		if err != nil {
			t.Fatalf("ArgMax failed: %v", err)
		}
		if diff := cmp.Diff([]int32{1, 0, 1}, result.Data.([]int32)); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("dim out of range", func(t *testing.T) {
		if _, err := ArgMax(a, 2); err == nil {
			t.Error("expected error for out-of-range dim")
		}
	})
}

func TestSqrt(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{4, 9, 2.25})
	result, err := Sqrt(a)
	if err != nil {
		t.Fatalf("Sqrt failed: %v", err)
	}
	if diff := cmp.Diff([]float32{2, 3, 1.5}, result.Data.([]float32), approx); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	neg, _ := NewTensor([]int{1}, Float32, CPU, []float32{-1})
	result, _ = Sqrt(neg)
	if !math.IsNaN(float64(result.Data.([]float32)[0])) {
		t.Error("expected NaN for negative input")
	}
}
