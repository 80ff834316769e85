package training

import (
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the epoch and base rate; the trainer owns
// the base rate and pushes the result into the optimizer.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// WarmupCosineScheduler ramps the learning rate linearly over the warmup
// epochs, then follows a cosine anneal down to EtaMin over the remaining
// epochs. The customary schedule for transformer training.
type WarmupCosineScheduler struct {
	WarmupEpochs int     // Epochs of linear ramp from 0 to baseLR
	TotalEpochs  int     // Total schedule length including warmup
	EtaMin       float64 // Minimum learning rate after annealing
}

// NewWarmupCosineScheduler creates a warmup plus cosine annealing scheduler
func NewWarmupCosineScheduler(warmupEpochs, totalEpochs int, etaMin float64) *WarmupCosineScheduler {
	if warmupEpochs < 0 {
		warmupEpochs = 0
	}
	if totalEpochs <= warmupEpochs {
		totalEpochs = warmupEpochs + 1
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &WarmupCosineScheduler{
		WarmupEpochs: warmupEpochs,
		TotalEpochs:  totalEpochs,
		EtaMin:       etaMin,
	}
}

func (s *WarmupCosineScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch < s.WarmupEpochs {
		return baseLR * float64(epoch+1) / float64(s.WarmupEpochs)
	}
	progress := float64(epoch-s.WarmupEpochs) / float64(s.TotalEpochs-s.WarmupEpochs)
	if progress >= 1 {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*progress))/2
}

func (s *WarmupCosineScheduler) GetName() string {
	return "WarmupCosine"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
