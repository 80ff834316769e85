package layers

import "fmt"

// ConfigurationError reports an invalid hyperparameter at construction time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// MissingModalityError reports that a modality-conditioned layer was invoked
// without per-sample modality ids.
type MissingModalityError struct {
	Layer string
}

func (e *MissingModalityError) Error() string {
	return fmt.Sprintf("modalities must be passed to the forward step when using %s", e.Layer)
}
