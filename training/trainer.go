package training

import (
	"fmt"
	"time"

	"github.com/tsawler/go-vit/tensor"
)

// Model is the contract the trainer needs from a network: a forward pass that
// threads per-sample modality indices and returns the output together with
// the per-layer hidden states, plus parameter access and train/eval switching.
type Model interface {
	Forward(input, modalities *tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
}

// TrainerConfig holds configuration for the epoch loops
type TrainerConfig struct {
	Device          tensor.DeviceType
	AMP             bool // Scale losses and unscale gradients around each optimizer step
	MaxTrainBatches int  // Stop each training epoch after N batches (0 = full epoch)
	PrintEvery      int  // Print training progress every N batches (0 = every batch)
	ValidateEvery   int  // Run validation every N epochs (0 = every epoch)
	EarlyStopping   bool // Stop Fit when validation loss stops improving
	Patience        int  // Epochs to wait for improvement before stopping
}

// ValidationResult summarizes one validation epoch
type ValidationResult struct {
	Loss            float64            // Mean criterion loss over the epoch
	MeanDice        float64            // Mean of per-class dice over classes with valid samples
	SurfaceDistance float64            // Mean surface distance, when a surface metric is set
	HasSurface      bool               // Whether SurfaceDistance was computed
	Values          map[string]float64 // The values handed to the epoch logger
	Extra           map[string]float64 // Aggregates of the additional metrics
}

// Trainer runs the training and validation epoch loops. The validation loop
// discretizes each decollated sample with the post transforms, feeds the
// overlap metrics, and reduces them both globally and per modality.
type Trainer struct {
	model     Model
	optimizer Optimizer
	criterion Loss
	config    TrainerConfig
	baseLR    float64

	scheduler LRScheduler
	scaler    *GradScaler
	inferer   ModelInferer
	logger    EpochLogger

	postPred  []PostTransform
	postLabel []PostTransform

	diceMetric        CumulativeMetric
	surfaceMetric     CumulativeMetric
	diceByModality    *ModalityCumulative
	surfaceByModality *ModalityCumulative
	extraMetrics      []Metric

	trainMeter *LossMeter
	valMeter   *LossMeter
	history    *TrainingHistory
}

// NewTrainer creates a new Trainer. The dice metric defaults to foreground
// dice; the surface metric is off until SetSurfaceMetric is called.
func NewTrainer(model Model, optimizer Optimizer, criterion Loss, config TrainerConfig) *Trainer {
	t := &Trainer{
		model:          model,
		optimizer:      optimizer,
		criterion:      criterion,
		config:         config,
		baseLR:         optimizer.GetLR(),
		diceMetric:     NewDiceMetric(false),
		diceByModality: NewModalityCumulative(),
		trainMeter:     NewLossMeter(),
		valMeter:       NewLossMeter(),
		history:        NewTrainingHistory(),
	}
	if config.AMP {
		t.scaler = NewGradScaler()
	}
	return t
}

// SetScheduler installs a learning rate schedule applied at the start of each
// Fit epoch. The base rate is the optimizer rate at construction time.
func (t *Trainer) SetScheduler(s LRScheduler) {
	t.scheduler = s
}

// SetInferer replaces the plain model call used during validation
func (t *Trainer) SetInferer(inferer ModelInferer) {
	t.inferer = inferer
}

// SetPostTransforms sets the per-sample transforms applied to predictions and
// labels before the overlap metrics see them.
func (t *Trainer) SetPostTransforms(pred, label []PostTransform) {
	t.postPred = pred
	t.postLabel = label
}

// SetDiceMetric replaces the default dice metric, nil disables it
func (t *Trainer) SetDiceMetric(m CumulativeMetric) {
	t.diceMetric = m
	t.diceByModality = NewModalityCumulative()
}

// SetSurfaceMetric installs a surface distance metric, nil disables it
func (t *Trainer) SetSurfaceMetric(m CumulativeMetric) {
	t.surfaceMetric = m
	t.surfaceByModality = NewModalityCumulative()
}

// AddMetric registers an additional metric updated with the raw validation
// outputs and labels each batch.
func (t *Trainer) AddMetric(m Metric) {
	t.extraMetrics = append(t.extraMetrics, m)
}

// SetLogger installs an epoch logger for the validation values
func (t *Trainer) SetLogger(logger EpochLogger) {
	t.logger = logger
}

// Scaler returns the gradient scaler, nil unless AMP is enabled
func (t *Trainer) Scaler() *GradScaler {
	return t.scaler
}

// History returns the per-epoch records accumulated by Fit
func (t *Trainer) History() *TrainingHistory {
	return t.history
}

// TrainEpoch runs one training epoch and returns the mean loss. The loop
// prints per-batch progress and honors MaxTrainBatches for smoke runs.
func (t *Trainer) TrainEpoch(loader *DataLoader, epoch int) (float64, error) {
	t.model.Train()
	t.trainMeter.Reset()

	printEvery := t.config.PrintEvery
	if printEvery <= 0 {
		printEvery = 1
	}

	loader.Reset()
	batchCount := 0
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return 0, fmt.Errorf("training epoch %d failed: %v", epoch, err)
		}
		if batch == nil {
			break
		}

		t.optimizer.ZeroGrad()

		input, err := t.ensureDeviceMatch(batch.Image)
		if err != nil {
			return 0, fmt.Errorf("failed to match input device to model: %v", err)
		}

		output, _, err := t.model.Forward(input, batch.Modality)
		if err != nil {
			return 0, fmt.Errorf("forward pass failed: %v", err)
		}

		loss, err := t.criterion.Forward(output, batch.Label)
		if err != nil {
			return 0, fmt.Errorf("loss computation failed: %v", err)
		}

		lossValue, err := loss.Float64()
		if err != nil {
			return 0, fmt.Errorf("failed to get loss value: %v", err)
		}

		if t.scaler != nil {
			scaled, err := t.scaler.Scale(loss)
			if err != nil {
				return 0, fmt.Errorf("loss scaling failed: %v", err)
			}
			if err := scaled.Backward(); err != nil {
				return 0, fmt.Errorf("backward pass failed: %v", err)
			}
			if err := t.scaler.Step(t.optimizer, t.model.Parameters()); err != nil {
				return 0, fmt.Errorf("optimizer step failed: %v", err)
			}
			t.scaler.Update()
		} else {
			if err := loss.Backward(); err != nil {
				return 0, fmt.Errorf("backward pass failed: %v", err)
			}
			if err := t.optimizer.Step(); err != nil {
				return 0, fmt.Errorf("optimizer step failed: %v", err)
			}
		}

		t.trainMeter.Update(lossValue, batch.Image.Shape[0])
		batchCount++

		if batchCount%printEvery == 0 {
			fmt.Printf("Train batch %d, loss %.6f\n", batchCount, lossValue)
		}

		if t.config.MaxTrainBatches > 0 && batchCount >= t.config.MaxTrainBatches {
			break
		}
	}

	avg := t.trainMeter.Average()
	t.trainMeter.Reset()
	return avg, nil
}

// ValidateEpoch runs one validation epoch. Gradients are disabled for the
// duration, each sample is discretized through the post transforms, and the
// metric buffers are reduced per modality and globally before being cleared.
func (t *Trainer) ValidateEpoch(loader *DataLoader, epoch int) (*ValidationResult, error) {
	t.model.Eval()
	prev := tensor.SetGradEnabled(false)
	defer tensor.SetGradEnabled(prev)

	loader.Reset()
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return nil, fmt.Errorf("validation epoch %d failed: %v", epoch, err)
		}
		if batch == nil {
			break
		}

		input, err := t.ensureDeviceMatch(batch.Image)
		if err != nil {
			return nil, fmt.Errorf("failed to match input device to model: %v", err)
		}

		var output *tensor.Tensor
		if t.inferer != nil {
			output, err = t.inferer(input, batch.Modality)
		} else {
			output, _, err = t.model.Forward(input, batch.Modality)
		}
		if err != nil {
			return nil, fmt.Errorf("validation forward pass failed: %v", err)
		}

		loss, err := t.criterion.Forward(output, batch.Label)
		if err != nil {
			return nil, fmt.Errorf("validation loss computation failed: %v", err)
		}
		lossValue, err := loss.Float64()
		if err != nil {
			return nil, fmt.Errorf("failed to get validation loss value: %v", err)
		}
		t.valMeter.Update(lossValue, batch.Image.Shape[0])

		if err := t.updateOverlapMetrics(output, batch); err != nil {
			return nil, err
		}

		for _, m := range t.extraMetrics {
			if err := m.Update(output, batch.Label); err != nil {
				return nil, fmt.Errorf("metric %s update failed: %v", m.Name(), err)
			}
		}
	}

	result, err := t.reduceValidation(epoch)
	if err != nil {
		return nil, err
	}
	t.resetValidationState()
	return result, nil
}

// updateOverlapMetrics discretizes one batch and feeds the dice and surface
// metrics together with their per-modality accumulators.
func (t *Trainer) updateOverlapMetrics(output *tensor.Tensor, batch *Batch) error {
	if t.diceMetric == nil && t.surfaceMetric == nil {
		return nil
	}

	predSamples, err := Decollate(output)
	if err != nil {
		return fmt.Errorf("failed to decollate predictions: %v", err)
	}
	labelSamples, err := Decollate(batch.Label)
	if err != nil {
		return fmt.Errorf("failed to decollate labels: %v", err)
	}

	for i := range predSamples {
		predSamples[i], err = ApplyTransforms(predSamples[i], t.postPred)
		if err != nil {
			return fmt.Errorf("prediction transform failed: %v", err)
		}
	}
	for i := range labelSamples {
		labelSamples[i], err = ApplyTransforms(labelSamples[i], t.postLabel)
		if err != nil {
			return fmt.Errorf("label transform failed: %v", err)
		}
	}

	predBatch, err := Stack(predSamples)
	if err != nil {
		return fmt.Errorf("failed to stack predictions: %v", err)
	}
	labelBatch, err := Stack(labelSamples)
	if err != nil {
		return fmt.Errorf("failed to stack labels: %v", err)
	}

	if t.diceMetric != nil {
		values, err := t.diceMetric.Compute(predBatch, labelBatch)
		if err != nil {
			return fmt.Errorf("dice computation failed: %v", err)
		}
		if err := t.diceByModality.Extend(values, batch.Modality); err != nil {
			return fmt.Errorf("dice accumulation failed: %v", err)
		}
	}
	if t.surfaceMetric != nil {
		values, err := t.surfaceMetric.Compute(predBatch, labelBatch)
		if err != nil {
			return fmt.Errorf("surface distance computation failed: %v", err)
		}
		if err := t.surfaceByModality.Extend(values, batch.Modality); err != nil {
			return fmt.Errorf("surface distance accumulation failed: %v", err)
		}
	}
	return nil
}

// reduceValidation collapses the epoch's metric buffers into the logged
// values and the returned summary. Modalities where every sample was NaN are
// skipped entirely.
func (t *Trainer) reduceValidation(epoch int) (*ValidationResult, error) {
	values := make(map[string]float64)

	if t.diceMetric != nil {
		for _, mod := range t.diceByModality.Modalities() {
			red := t.diceByModality.Reduce(mod)
			if !red.Valid {
				continue
			}
			for c, v := range red.PerClass {
				values[fmt.Sprintf("val_modality%d_dice/class%d", mod, c)] = float64(v)
			}
			values[fmt.Sprintf("val_modality%d_dice/avg", mod)] = float64(red.Average)
		}
	}
	if t.surfaceMetric != nil {
		for _, mod := range t.surfaceByModality.Modalities() {
			red := t.surfaceByModality.Reduce(mod)
			if !red.Valid {
				continue
			}
			for c, v := range red.PerClass {
				values[fmt.Sprintf("val_modality%d_surface_distance/class%d", mod, c)] = float64(v)
			}
			values[fmt.Sprintf("val_modality%d_surface_distance/avg", mod)] = float64(red.Average)
		}
	}

	result := &ValidationResult{
		Loss:   t.valMeter.Average(),
		Values: values,
	}

	if t.diceMetric != nil && t.diceByModality.Len() > 0 {
		perClass, notNans, err := t.diceMetric.Aggregate()
		if err != nil {
			return nil, fmt.Errorf("dice aggregation failed: %v", err)
		}
		for c, v := range perClass {
			values[fmt.Sprintf("val_total_dice/class%d", c)] = float64(v)
		}
		result.MeanDice = NanSkipMean(perClass, notNans)
	}
	if t.surfaceMetric != nil && t.surfaceByModality.Len() > 0 {
		perClass, notNans, err := t.surfaceMetric.Aggregate()
		if err != nil {
			return nil, fmt.Errorf("surface distance aggregation failed: %v", err)
		}
		for c, v := range perClass {
			values[fmt.Sprintf("val_total_surface_distance/class%d", c)] = float64(v)
		}
		result.SurfaceDistance = NanSkipMean(perClass, notNans)
		result.HasSurface = true
	}

	if len(t.extraMetrics) > 0 {
		result.Extra = make(map[string]float64, len(t.extraMetrics))
		for _, m := range t.extraMetrics {
			agg, err := m.Aggregate()
			if err != nil {
				return nil, fmt.Errorf("metric %s aggregation failed: %v", m.Name(), err)
			}
			result.Extra[m.Name()] = agg
		}
	}

	if t.logger != nil {
		if err := t.logger.Log(values, epoch); err != nil {
			return nil, fmt.Errorf("epoch logging failed: %v", err)
		}
	}

	return result, nil
}

// resetValidationState clears every accumulator touched by ValidateEpoch
func (t *Trainer) resetValidationState() {
	t.valMeter.Reset()
	if t.diceMetric != nil {
		t.diceMetric.Reset()
		t.diceByModality.Reset()
	}
	if t.surfaceMetric != nil {
		t.surfaceMetric.Reset()
		t.surfaceByModality.Reset()
	}
	for _, m := range t.extraMetrics {
		m.Reset()
	}
}

// Fit runs the complete training loop with scheduled learning rates,
// periodic validation, and optional early stopping on validation loss.
func (t *Trainer) Fit(trainLoader, valLoader *DataLoader, epochs int) (*TrainingHistory, error) {
	fmt.Printf("Starting training for %d epochs on %s\n", epochs, t.config.Device)

	validateEvery := t.config.ValidateEvery
	if validateEvery <= 0 {
		validateEvery = 1
	}

	bestValLoss := float64(1e10)
	patienceCounter := 0

	for epoch := 0; epoch < epochs; epoch++ {
		epochStart := time.Now()

		if t.scheduler != nil {
			t.optimizer.SetLR(t.scheduler.GetLR(epoch, 0, t.baseLR))
		}

		trainLoss, err := t.TrainEpoch(trainLoader, epoch)
		if err != nil {
			return nil, fmt.Errorf("training epoch %d failed: %v", epoch, err)
		}

		record := EpochRecord{
			Epoch:        epoch,
			TrainLoss:    trainLoss,
			LearningRate: t.optimizer.GetLR(),
		}

		if valLoader != nil && (epoch+1)%validateEvery == 0 {
			result, err := t.ValidateEpoch(valLoader, epoch)
			if err != nil {
				return nil, fmt.Errorf("validation epoch %d failed: %v", epoch, err)
			}
			record.ValLoss = result.Loss
			record.MeanDice = result.MeanDice
			record.SurfaceDistance = result.SurfaceDistance
			record.Validated = true

			if t.config.EarlyStopping {
				if result.Loss < bestValLoss {
					bestValLoss = result.Loss
					patienceCounter = 0
				} else {
					patienceCounter++
					if patienceCounter >= t.config.Patience {
						record.Duration = time.Since(epochStart)
						t.history.Append(record)
						t.printEpochSummary(record, epochs)
						fmt.Printf("Early stopping triggered after %d epochs\n", epoch+1)
						return t.history, nil
					}
				}
			}
		}

		record.Duration = time.Since(epochStart)
		t.history.Append(record)
		t.printEpochSummary(record, epochs)
	}

	return t.history, nil
}

// Predict runs inference on a single batch with gradients disabled
func (t *Trainer) Predict(input, modalities *tensor.Tensor) (*tensor.Tensor, error) {
	t.model.Eval()
	prev := tensor.SetGradEnabled(false)
	defer tensor.SetGradEnabled(prev)

	input, err := t.ensureDeviceMatch(input)
	if err != nil {
		return nil, fmt.Errorf("failed to match input device to model: %v", err)
	}

	if t.inferer != nil {
		return t.inferer(input, modalities)
	}
	output, _, err := t.model.Forward(input, modalities)
	return output, err
}

// printEpochSummary prints a summary of the epoch results
func (t *Trainer) printEpochSummary(record EpochRecord, epochs int) {
	fmt.Printf("Epoch %d/%d: train loss=%.4f", record.Epoch+1, epochs, record.TrainLoss)
	if record.Validated {
		fmt.Printf(", val loss=%.4f, mean dice=%.4f", record.ValLoss, record.MeanDice)
	}
	fmt.Printf(", lr=%.6g, time=%v\n", record.LearningRate, record.Duration)
}

// GetModelDevice returns the device type of the first model parameter
func (t *Trainer) GetModelDevice() tensor.DeviceType {
	params := t.model.Parameters()
	if len(params) > 0 {
		return params[0].Device
	}
	return tensor.CPU
}

// ensureDeviceMatch ensures input tensor is on the same device as the model
func (t *Trainer) ensureDeviceMatch(input *tensor.Tensor) (*tensor.Tensor, error) {
	modelDevice := t.GetModelDevice()
	if input.Device == modelDevice {
		return input, nil
	}
	return input.ToDevice(modelDevice)
}
