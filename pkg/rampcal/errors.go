package rampcal

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrGeometryMismatch is returned when reference data or channel layout
	// does not line up with the cube. It aborts processing of the exposure.
	ErrGeometryMismatch = errors.New("geometry mismatch")
	// ErrExternalStep matches every *ExternalStepError.
	ErrExternalStep = errors.New("external step failed")
	// ErrInvalidParams is returned for out-of-range step parameters.
	ErrInvalidParams = errors.New("invalid parameters")
)

// ExternalStepError identifies a delegated calibration step that failed.
type ExternalStepError struct {
	Step  string
	Cause error
}

func (e *ExternalStepError) Error() string {
	if e == nil {
		return "unknown external step error"
	}
	return fmt.Sprintf("external step %q: %v", e.Step, e.Cause)
}

func (e *ExternalStepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *ExternalStepError) Is(target error) bool {
	return target == ErrExternalStep
}

// externalFailure wraps err unless it already names a failed external step.
func externalFailure(step string, err error) error {
	if err == nil {
		return nil
	}
	var se *ExternalStepError
	if errors.As(err, &se) {
		return err
	}
	return &ExternalStepError{Step: step, Cause: err}
}
