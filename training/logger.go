package training

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// EpochLogger receives the scalar values produced by one validation epoch
type EpochLogger interface {
	Log(values map[string]float64, epoch int) error
}

// ConsoleLogger prints epoch values to stdout in sorted key order
type ConsoleLogger struct{}

// Log prints one line per value
func (ConsoleLogger) Log(values map[string]float64, epoch int) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("epoch %d %s: %.6f\n", epoch, k, values[k])
	}
	return nil
}

// JSONLinesLogger appends one JSON object per epoch to a file, each record
// carrying the epoch number alongside the metric values.
type JSONLinesLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLinesLogger creates the log file, truncating any existing one
func NewJSONLinesLogger(path string) (*JSONLinesLogger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %v", err)
	}
	return &JSONLinesLogger{file: f, enc: json.NewEncoder(f)}, nil
}

// Log writes one record
func (l *JSONLinesLogger) Log(values map[string]float64, epoch int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record := make(map[string]float64, len(values)+1)
	for k, v := range values {
		record[k] = v
	}
	record["epoch"] = float64(epoch)
	if err := l.enc.Encode(record); err != nil {
		return fmt.Errorf("failed to write log record: %v", err)
	}
	return nil
}

// Close closes the underlying file
func (l *JSONLinesLogger) Close() error {
	return l.file.Close()
}
