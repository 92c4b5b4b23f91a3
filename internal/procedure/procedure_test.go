package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"modcollect/internal/device"
	logx "modcollect/pkg/logx"
)

var testDevice = device.Descriptor{Mode: device.ModeTCP, Host: "mem", Port: 502}

func newRunner(t *testing.T, dev *device.MemoryDevice) *Runner {
	t.Helper()
	r, err := NewRunner(dev, logx.Nop(), 4)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestProcedureJSONForms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		kind string
	}{
		{name: "script string", in: `"function main(k){ return [1] }"`, kind: "script"},
		{name: "ops array", in: `[{"op":"read_holding_registers","address":0,"count":2}]`, kind: "ops"},
		{name: "object script", in: `{"script":"function main(){ return '01' }"}`, kind: "script"},
		{name: "object ops", in: `{"ops":[{"op":"read_coils","address":1,"count":8}]}`, kind: "ops"},
		{name: "null", in: `null`, kind: "empty"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var p Procedure
			if err := json.Unmarshal([]byte(tt.in), &p); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if p.Kind() != tt.kind {
				t.Fatalf("Kind = %q, want %q", p.Kind(), tt.kind)
			}
		})
	}

	var p Procedure
	if err := json.Unmarshal([]byte(`{"script":"x","ops":[{"op":"read_coils","count":1}]}`), &p); err == nil {
		t.Fatal("expected error when both script and ops are set")
	}
}

func TestRunOpsConcatenatesReads(t *testing.T) {
	t.Parallel()
	dev := device.NewMemoryDevice(16)
	dev.SetRegisters(0, 0x3039, 0x41bc, 0x0000)
	r := newRunner(t, dev)

	p := Procedure{Ops: []Op{
		{Op: ReadHoldingRegisters, Address: 0, Count: 1},
		{Op: WriteSingleRegister, Address: 10, ValueFrom: "setpoint"},
		{Op: ReadInputRegisters, Address: 1, Count: 2},
	}}
	if err := r.Validate(p); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	raw, err := r.Run(context.Background(), testDevice, p, map[string]any{"setpoint": float64(42)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := string(raw); got != "\x30\x39\x41\xbc\x00\x00" {
		t.Fatalf("raw = %x", raw)
	}
	if dev.Holding(10) != 42 {
		t.Fatalf("holding[10] = %d, want 42", dev.Holding(10))
	}
	if dev.Opens() != 1 || dev.Closes() != 1 {
		t.Fatalf("session not closed: opens=%d closes=%d", dev.Opens(), dev.Closes())
	}
}

func TestRunScript(t *testing.T) {
	t.Parallel()
	dev := device.NewMemoryDevice(16)
	dev.SetRegisters(0, 0x3039, 0xcfc7)
	r := newRunner(t, dev)

	src := `
function main(kwargs) {
	if (kwargs.coil !== undefined) {
		write_single_coil(kwargs.coil, true);
	}
	write_multiple_registers(8, [1, 2]);
	var a = read_holding_registers(0, 2);
	log("read", a.length, "bytes");
	return a.concat(read_holding_registers(8, 1));
}`
	raw, err := r.Run(context.Background(), testDevice, Procedure{Script: src}, map[string]any{"coil": float64(3)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []byte{0x30, 0x39, 0xcf, 0xc7, 0x00, 0x01}; string(raw) != string(want) {
		t.Fatalf("raw = %x, want %x", raw, want)
	}
	if !dev.Coil(3) {
		t.Fatal("coil 3 not written")
	}

	// Same source reuses the compiled program.
	if _, err := r.Run(context.Background(), testDevice, Procedure{Script: src}, nil); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if r.CachedPrograms() != 1 {
		t.Fatalf("CachedPrograms = %d, want 1", r.CachedPrograms())
	}
}

func TestRunScriptReturnForms(t *testing.T) {
	t.Parallel()
	dev := device.NewMemoryDevice(4)
	r := newRunner(t, dev)
	tests := []struct {
		name string
		src  string
		want string
	}{
		{name: "hex string", src: `function main(){ return "30 39" }`, want: "\x30\x39"},
		{name: "typed array", src: `function main(){ return new Uint8Array([0x41, 0xbc]) }`, want: "\x41\xbc"},
		{name: "array buffer", src: `function main(){ var b = new Uint8Array([7]); return b.buffer }`, want: "\x07"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := r.Run(context.Background(), testDevice, Procedure{Script: tt.src}, nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if string(raw) != tt.want {
				t.Fatalf("raw = %x, want %x", raw, tt.want)
			}
		})
	}
}

func TestRunFailuresAreAcquisitionErrors(t *testing.T) {
	t.Parallel()
	dev := device.NewMemoryDevice(4)
	r := newRunner(t, dev)
	tests := []struct {
		name  string
		p     Procedure
		stage string
	}{
		{name: "throw", p: Procedure{Script: `function main(){ throw new Error("boom") }`}, stage: StageExecute},
		{name: "no main", p: Procedure{Script: `var x = 1`}, stage: StageExecute},
		{name: "bad result", p: Procedure{Script: `function main(){ return [300] }`}, stage: StageResult},
		{name: "undefined result", p: Procedure{Script: `function main(){ }`}, stage: StageResult},
		{name: "out of range read", p: Procedure{Ops: []Op{{Op: ReadHoldingRegisters, Address: 3, Count: 4}}}, stage: StageExecute},
		{name: "missing kwarg", p: Procedure{Ops: []Op{{Op: WriteSingleRegister, Address: 0, ValueFrom: "nope"}}}, stage: StageExecute},
		{name: "empty", p: Procedure{}, stage: StageExecute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := r.Run(context.Background(), testDevice, tt.p, nil)
			var ae *AcquisitionError
			if !errors.As(err, &ae) {
				t.Fatalf("expected AcquisitionError, got %v", err)
			}
			if ae.Stage != tt.stage {
				t.Fatalf("Stage = %q, want %q (%v)", ae.Stage, tt.stage, err)
			}
		})
	}
}

func TestRunScriptDeviceErrorIsUnwrappable(t *testing.T) {
	t.Parallel()
	dev := device.NewMemoryDevice(4)
	r := newRunner(t, dev)
	_, err := r.Run(context.Background(), testDevice, Procedure{Script: `function main(){ return read_input_registers(10, 1) }`}, nil)
	var pe *device.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError inside %v", err)
	}
	if dev.Closes() != 1 {
		t.Fatalf("session must be closed after failure, closes=%d", dev.Closes())
	}
}

func TestRunOpenFailure(t *testing.T) {
	t.Parallel()
	dev := device.NewMemoryDevice(4)
	dev.OpenErr = errors.New("refused")
	r := newRunner(t, dev)
	_, err := r.Run(context.Background(), testDevice, Procedure{Script: `function main(){ return [1] }`}, nil)
	var ae *AcquisitionError
	if !errors.As(err, &ae) || ae.Stage != StageOpen {
		t.Fatalf("expected open-stage AcquisitionError, got %v", err)
	}
	var ce *device.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError inside %v", err)
	}
}

func TestRunScriptInterruptedByContext(t *testing.T) {
	t.Parallel()
	dev := device.NewMemoryDevice(4)
	r := newRunner(t, dev)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.Run(ctx, testDevice, Procedure{Script: `function main(){ for(;;){} }`}, nil)
	if err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Fatalf("expected interrupted error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("interrupt took too long")
	}
}

func TestValidateRejectsSyntaxErrors(t *testing.T) {
	t.Parallel()
	r := newRunner(t, device.NewMemoryDevice(1))
	if err := r.Validate(Procedure{Script: "function main( {"}); err == nil {
		t.Fatal("expected compile error")
	}
	if err := r.Validate(Procedure{Ops: []Op{{Op: "erase_everything"}}}); err == nil {
		t.Fatal("expected unknown op error")
	}
	if err := r.Validate(Procedure{}); !errors.Is(err, ErrEmptyProcedure) {
		t.Fatalf("Validate(empty) = %v", err)
	}
}

func TestScriptsCannotReachHost(t *testing.T) {
	t.Parallel()
	r := newRunner(t, device.NewMemoryDevice(1))
	for _, src := range []string{
		`function main(){ return require("fs") }`,
		`function main(){ return process.env }`,
	} {
		if _, err := r.Run(context.Background(), testDevice, Procedure{Script: src}, nil); err == nil {
			t.Fatalf("expected %q to fail", src)
		}
	}
}
