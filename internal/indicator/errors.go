package indicator

import (
	"errors"
	"fmt"

	"github.com/ehr/cohort/internal/cohort"
	"github.com/ehr/cohort/internal/observation"
	"github.com/ehr/cohort/internal/param"
)

// Error kinds reported by EvaluationError.Kind.
const (
	KindDataAccess = "data_access"
	KindBinding    = "binding"
	KindUniverse   = "universe"
	KindInternal   = "internal"
)

// EvaluationError is returned when an indicator cannot be evaluated. Kind
// tells infrastructure failures (retry) apart from configuration failures
// (fix the binding or definition).
type EvaluationError struct {
	Indicator string
	Err       error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("indicator %s: %v", e.Indicator, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Kind classifies the underlying cause.
func (e *EvaluationError) Kind() string {
	var (
		de *observation.DataAccessError
		be *param.BindingError
		ue *cohort.UniverseError
	)
	switch {
	case errors.As(e.Err, &be):
		return KindBinding
	case errors.As(e.Err, &ue):
		return KindUniverse
	case errors.As(e.Err, &de):
		return KindDataAccess
	}
	return KindInternal
}

// KindOf returns the kind of err if it is (or wraps) an EvaluationError.
func KindOf(err error) (string, bool) {
	var ee *EvaluationError
	if errors.As(err, &ee) {
		return ee.Kind(), true
	}
	return "", false
}
