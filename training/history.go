package training

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EpochRecord holds the summary values of one Fit epoch
type EpochRecord struct {
	Epoch           int           `json:"epoch"`
	TrainLoss       float64       `json:"train_loss"`
	ValLoss         float64       `json:"val_loss"`
	MeanDice        float64       `json:"mean_dice"`
	SurfaceDistance float64       `json:"surface_distance"`
	LearningRate    float64       `json:"learning_rate"`
	Duration        time.Duration `json:"duration"`
	Validated       bool          `json:"validated"`
}

// TrainingHistory collects per-epoch records across a Fit run
type TrainingHistory struct {
	Records []EpochRecord `json:"records"`
}

// NewTrainingHistory creates an empty history
func NewTrainingHistory() *TrainingHistory {
	return &TrainingHistory{}
}

// Append adds one epoch record
func (h *TrainingHistory) Append(record EpochRecord) {
	h.Records = append(h.Records, record)
}

// Len returns the number of recorded epochs
func (h *TrainingHistory) Len() int {
	return len(h.Records)
}

// BestDice returns the validated record with the highest mean dice, false
// when no epoch was validated.
func (h *TrainingHistory) BestDice() (EpochRecord, bool) {
	var best EpochRecord
	found := false
	for _, r := range h.Records {
		if !r.Validated {
			continue
		}
		if !found || r.MeanDice > best.MeanDice {
			best = r
			found = true
		}
	}
	return best, found
}

// SaveJSON writes the history to a file as indented JSON
func (h *TrainingHistory) SaveJSON(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write history file: %v", err)
	}
	return nil
}

// LoadHistory reads a history file written by SaveJSON
func LoadHistory(path string) (*TrainingHistory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history file: %v", err)
	}
	var h TrainingHistory
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse history file: %v", err)
	}
	return &h, nil
}
