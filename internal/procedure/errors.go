package procedure

import "fmt"

// AcquisitionError is returned for any failure while running a procedure:
// opening the session, a transport or protocol error, a script exception or
// an unusable return value.
type AcquisitionError struct {
	Device string
	Stage  string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquisition from %s failed at %s: %v", e.Device, e.Stage, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

const (
	StageOpen    = "open"
	StageExecute = "execute"
	StageResult  = "result"
)
