package instrument

import (
	"errors"
	"fmt"
)

// ConfigurationError is a caller logic error: an unregistered channel,
// mismatched batch lengths, an invalid value.  It is never retried and is
// always raised before any hardware is touched.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

// Configurationf formats a new ConfigurationError
func Configurationf(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// InstrumentError is a communication or hardware fault.  It is not retried;
// a silent retry against a biased device is unsafe.
type InstrumentError struct {
	// Op is the operation that failed, e.g. "ramp"
	Op string

	// Err is the underlying fault
	Err error
}

func (e *InstrumentError) Error() string {
	return fmt.Sprintf("instrument error: %s: %v", e.Op, e.Err)
}

func (e *InstrumentError) Unwrap() error {
	return e.Err
}

// Fault wraps err as an InstrumentError for op.  nil stays nil, and errors
// that are already classified (instrument or configuration) pass through.
func Fault(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *InstrumentError
	if errors.As(err, &ie) {
		return err
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return err
	}
	return &InstrumentError{Op: op, Err: err}
}

// IsConfiguration returns true if err is or wraps a ConfigurationError
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsInstrument returns true if err is or wraps an InstrumentError
func IsInstrument(err error) bool {
	var ie *InstrumentError
	return errors.As(err, &ie)
}
