package collector

import (
	"errors"
	"fmt"

	"modcollect/internal/procedure"
)

// ErrValidation is the parent of every caller error. No state is mutated when
// one is returned.
var ErrValidation = errors.New("validation error")

var (
	ErrDuplicateSchedule      = fmt.Errorf("%w: schedule already exists", ErrValidation)
	ErrScheduleNotFound       = fmt.Errorf("%w: schedule not found", ErrValidation)
	ErrMissingDefaultTemplate = fmt.Errorf("%w: default template not in template set", ErrValidation)
	ErrTemplateNotFound       = fmt.Errorf("%w: template not found", ErrValidation)
	ErrRecordNotFound         = fmt.Errorf("%w: record not found", ErrValidation)
)

// ErrTimeout is returned by RunOnDemand when an in-flight run did not finish
// within the allowed wait.
var ErrTimeout = errors.New("timed out waiting for in-flight run")

// AcquisitionError reports a failed procedure run.
type AcquisitionError = procedure.AcquisitionError

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
