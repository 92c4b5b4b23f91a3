package procedure

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// OpKind names one register operation. The same names are bound as
// functions inside scripts.
type OpKind string

const (
	ReadCoils              OpKind = "read_coils"
	ReadDiscreteInputs     OpKind = "read_discrete_inputs"
	ReadHoldingRegisters   OpKind = "read_holding_registers"
	ReadInputRegisters     OpKind = "read_input_registers"
	WriteSingleCoil        OpKind = "write_single_coil"
	WriteSingleRegister    OpKind = "write_single_register"
	WriteMultipleCoils     OpKind = "write_multiple_coils"
	WriteMultipleRegisters OpKind = "write_multiple_registers"
)

func (k OpKind) IsRead() bool {
	switch k {
	case ReadCoils, ReadDiscreteInputs, ReadHoldingRegisters, ReadInputRegisters:
		return true
	}
	return false
}

func (k OpKind) IsWrite() bool {
	switch k {
	case WriteSingleCoil, WriteSingleRegister, WriteMultipleCoils, WriteMultipleRegisters:
		return true
	}
	return false
}

// Op is one step of a declarative procedure. Reads append their bytes to the
// payload; writes take Value/Values literally or from the kwarg named by
// ValueFrom.
type Op struct {
	Op        OpKind `json:"op"`
	Address   uint16 `json:"address"`
	Count     uint16 `json:"count,omitempty"`
	Value     any    `json:"value,omitempty"`
	Values    []any  `json:"values,omitempty"`
	ValueFrom string `json:"value_from,omitempty"`
}

func (o Op) validate() error {
	switch {
	case o.Op.IsRead():
		if o.Count == 0 {
			return fmt.Errorf("%s: count must be > 0", o.Op)
		}
	case o.Op == WriteSingleCoil || o.Op == WriteSingleRegister:
		if o.Value == nil && o.ValueFrom == "" {
			return fmt.Errorf("%s: value or value_from is required", o.Op)
		}
	case o.Op == WriteMultipleCoils || o.Op == WriteMultipleRegisters:
		if len(o.Values) == 0 && o.ValueFrom == "" {
			return fmt.Errorf("%s: values or value_from is required", o.Op)
		}
	default:
		return fmt.Errorf("unknown op %q", o.Op)
	}
	return nil
}

// Procedure is a schedule's acquisition routine: either script source
// defining main(kwargs), or a list of register operations.
type Procedure struct {
	Script string
	Ops    []Op
}

var ErrEmptyProcedure = errors.New("procedure is empty")

func (p Procedure) IsZero() bool { return strings.TrimSpace(p.Script) == "" && len(p.Ops) == 0 }

func (p Procedure) Kind() string {
	switch {
	case strings.TrimSpace(p.Script) != "":
		return "script"
	case len(p.Ops) > 0:
		return "ops"
	default:
		return "empty"
	}
}

// UnmarshalJSON accepts a bare string (script), a bare array (ops), or
// {"script": ...} / {"ops": [...]}.
func (p *Procedure) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = Procedure{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = Procedure{Script: s}
		return nil
	case '[':
		var ops []Op
		if err := json.Unmarshal(b, &ops); err != nil {
			return fmt.Errorf("procedure ops: %w", err)
		}
		*p = Procedure{Ops: ops}
		return nil
	case '{':
		var raw struct {
			Script string `json:"script"`
			Ops    []Op   `json:"ops"`
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("procedure: %w", err)
		}
		if raw.Script != "" && len(raw.Ops) > 0 {
			return errors.New("procedure: script and ops are mutually exclusive")
		}
		*p = Procedure{Script: raw.Script, Ops: raw.Ops}
		return nil
	default:
		return fmt.Errorf("procedure: expected string, array or object")
	}
}

func (p Procedure) MarshalJSON() ([]byte, error) {
	if len(p.Ops) > 0 {
		return json.Marshal(p.Ops)
	}
	return json.Marshal(p.Script)
}
