package provisioning

import (
	"errors"
	"fmt"
)

// ErrUnsupportedStrategy is returned when no detection strategy is registered
// for a requested kind.
var ErrUnsupportedStrategy = errors.New("unsupported os detection strategy")

// ClassificationError reports output that no detection rule recognized. Raw
// carries the unparsed text for diagnosis.
type ClassificationError struct {
	MachineID string
	Stage     string
	Raw       string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("unable to classify os of machine %s at %s: unrecognized output %q", e.MachineID, e.Stage, e.Raw)
}

// ConfigurationError reports a missing or unusable install definition.
type ConfigurationError struct {
	Family  OSFamily
	Service ServiceType
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("install configuration for %s on %s: %s", e.Service, e.Family, e.Reason)
}

// StepError reports the first failing line of an install script, attributed
// to the most recent step label.
type StepError struct {
	Service ServiceType
	Step    string
	Line    string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("install %s: step %q failed: %v", e.Service, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
