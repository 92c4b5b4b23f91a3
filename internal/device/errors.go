package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goburrow/modbus"
)

var ErrSessionClosed = errors.New("device session closed")

// ConnectionError reports that the device could not be reached or the link
// dropped mid-request.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device %s: connection: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a well-formed exception or malformed response from
// the device.
type ProtocolError struct {
	Addr          string
	Op            string
	FunctionCode  byte
	ExceptionCode byte
	Err           error
}

func (e *ProtocolError) Error() string {
	if e.ExceptionCode != 0 {
		return fmt.Sprintf("device %s: %s: exception %d (function %d): %v", e.Addr, e.Op, e.ExceptionCode, e.FunctionCode, e.Err)
	}
	return fmt.Sprintf("device %s: %s: %v", e.Addr, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// classify wraps a client error. Modbus exceptions and response validation
// failures are protocol errors; everything else is treated as a link failure.
func classify(addr, op string, err error) error {
	if err == nil {
		return nil
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &ProtocolError{Addr: addr, Op: op, FunctionCode: mbErr.FunctionCode, ExceptionCode: mbErr.ExceptionCode, Err: err}
	}
	if isResponseFormatErr(err) {
		return &ProtocolError{Addr: addr, Op: op, Err: err}
	}
	return &ConnectionError{Addr: addr, Err: fmt.Errorf("%s: %w", op, err)}
}

// goburrow reports malformed responses as plain formatted errors.
func isResponseFormatErr(err error) bool {
	msg := err.Error()
	for _, p := range []string{"modbus: response", "modbus: quantity", "modbus: length", "modbus: fifo"} {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}
