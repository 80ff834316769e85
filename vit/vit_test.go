package vit

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-vit/layers"
	"github.com/tsawler/go-vit/tensor"
)

// smallConfig keeps test models tiny while exercising every component.
func smallConfig() Config {
	return Config{
		InChannels: 1,
		ImgSize:    []int{4, 4},
		PatchSize:  []int{2, 2},
		HiddenSize: 8,
		MLPDim:     16,
		NumLayers:  2,
		NumHeads:   2,
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	if cfg.HiddenSize != 768 {
		t.Errorf("expected hidden size 768, got %d", cfg.HiddenSize)
	}
	if cfg.MLPDim != 3072 {
		t.Errorf("expected mlp dim 3072, got %d", cfg.MLPDim)
	}
	if cfg.NumLayers != 12 {
		t.Errorf("expected 12 layers, got %d", cfg.NumLayers)
	}
	if cfg.NumHeads != 12 {
		t.Errorf("expected 12 heads, got %d", cfg.NumHeads)
	}
	if cfg.PosEmbed != "conv" {
		t.Errorf("expected conv position embedding, got %q", cfg.PosEmbed)
	}
	if cfg.NumClasses != 2 {
		t.Errorf("expected 2 classes, got %d", cfg.NumClasses)
	}
	if cfg.PostActivation != "Tanh" {
		t.Errorf("expected Tanh post activation, got %q", cfg.PostActivation)
	}
	if cfg.NormType != layers.NormLayer {
		t.Errorf("expected layer normalization, got %v", cfg.NormType)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:      "dropout too large",
			mutate:    func(c *Config) { c.DropoutRate = 1.5 },
			wantField: "dropout_rate",
		},
		{
			name:      "dropout negative",
			mutate:    func(c *Config) { c.DropoutRate = -0.1 },
			wantField: "dropout_rate",
		},
		{
			name:      "heads do not divide hidden",
			mutate:    func(c *Config) { c.HiddenSize = 10; c.NumHeads = 3 },
			wantField: "hidden_size",
		},
		{
			name:      "unsupported position embedding",
			mutate:    func(c *Config) { c.PosEmbed = "learnable" },
			wantField: "pos_embed",
		},
		{
			name:      "conditional norm without modalities",
			mutate:    func(c *Config) { c.NormType = layers.NormInstanceCond },
			wantField: "num_modalities",
		},
		{
			name:      "patch dimensions mismatch",
			mutate:    func(c *Config) { c.PatchSize = []int{2} },
			wantField: "patch_size",
		},
		{
			name:      "missing channels",
			mutate:    func(c *Config) { c.InChannels = 0 },
			wantField: "in_channels",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("New failed: %v", err)
				}
				return
			}
			var ce *layers.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("expected field %q, got %q", tt.wantField, ce.Field)
			}
		})
	}
}

func TestModelFeatureMode(t *testing.T) {
	layers.SetRandomSeed(42)

	model, err := New(smallConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if model.NumTokens() != 4 {
		t.Errorf("expected 4 tokens, got %d", model.NumTokens())
	}

	input, _ := tensor.Random([]int{2, 1, 4, 4}, tensor.Float32, tensor.CPU)
	output, hidden, err := model.Forward(input, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if diff := cmp.Diff([]int{2, 4, 8}, output.Shape); diff != "" {
		t.Errorf("output shape mismatch (-want +got):\n%s", diff)
	}
	if len(hidden) != 2 {
		t.Fatalf("expected one hidden state per block, got %d", len(hidden))
	}
	for i, h := range hidden {
		if diff := cmp.Diff([]int{2, 4, 8}, h.Shape); diff != "" {
			t.Errorf("hidden state %d shape mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestModelClassification(t *testing.T) {
	layers.SetRandomSeed(42)

	cfg := smallConfig()
	cfg.Classification = true
	cfg.NumClasses = 3

	model, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if model.NumTokens() != 5 {
		t.Errorf("expected class token to extend sequence to 5, got %d", model.NumTokens())
	}

	input, _ := tensor.Random([]int{2, 1, 4, 4}, tensor.Float32, tensor.CPU)
	output, hidden, err := model.Forward(input, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if diff := cmp.Diff([]int{2, 3}, output.Shape); diff != "" {
		t.Errorf("output shape mismatch (-want +got):\n%s", diff)
	}
	for _, v := range output.Data.([]float32) {
		if v < -1 || v > 1 {
			t.Errorf("Tanh head produced %v outside [-1, 1]", v)
		}
	}
	for i, h := range hidden {
		if diff := cmp.Diff([]int{2, 5, 8}, h.Shape); diff != "" {
			t.Errorf("hidden state %d shape mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestModelBareHead(t *testing.T) {
	layers.SetRandomSeed(42)

	cfg := smallConfig()
	cfg.Classification = true
	cfg.NumClasses = 4
	cfg.PostActivation = "none"

	model, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	input, _ := tensor.Random([]int{1, 1, 4, 4}, tensor.Float32, tensor.CPU)
	output, _, err := model.Forward(input, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if diff := cmp.Diff([]int{1, 4}, output.Shape); diff != "" {
		t.Errorf("output shape mismatch (-want +got):\n%s", diff)
	}
}

func TestModelConditionalNorm(t *testing.T) {
	layers.SetRandomSeed(42)

	cfg := smallConfig()
	cfg.NormType = layers.NormInstanceCond
	cfg.NumModalities = 2

	model, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	input, _ := tensor.Random([]int{2, 1, 4, 4}, tensor.Float32, tensor.CPU)

	_, _, err = model.Forward(input, nil)
	var me *layers.MissingModalityError
	if !errors.As(err, &me) {
		t.Errorf("expected MissingModalityError, got %v", err)
	}

	modalities, _ := tensor.NewTensor([]int{2}, tensor.Int32, tensor.CPU, []int32{0, 1})
	output, hidden, err := model.Forward(input, modalities)
	if err != nil {
		t.Fatalf("Forward with modalities failed: %v", err)
	}
	if diff := cmp.Diff([]int{2, 4, 8}, output.Shape); diff != "" {
		t.Errorf("output shape mismatch (-want +got):\n%s", diff)
	}
	if len(hidden) != 2 {
		t.Errorf("expected 2 hidden states, got %d", len(hidden))
	}
}

func TestModelGradientFlow(t *testing.T) {
	layers.SetRandomSeed(42)

	cfg := smallConfig()
	cfg.Classification = true

	model, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	input, _ := tensor.Random([]int{2, 1, 4, 4}, tensor.Float32, tensor.CPU)
	output, _, err := model.Forward(input, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	loss, err := tensor.MeanAutograd(output)
	if err != nil {
		t.Fatalf("MeanAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, p := range model.Parameters() {
		if p.Grad() == nil {
			t.Errorf("parameter %d has nil gradient", i)
		}
	}
}

func TestModelTrainEval(t *testing.T) {
	model, err := New(smallConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !model.IsTraining() {
		t.Error("expected new model in training mode")
	}
	model.Eval()
	if model.IsTraining() {
		t.Error("Eval did not switch mode")
	}
	model.Train()
	if !model.IsTraining() {
		t.Error("Train did not switch mode")
	}
}
