package procedure

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"modcollect/internal/decoder"
	"modcollect/internal/device"
	logx "modcollect/pkg/logx"
)

// runScript evaluates src in a fresh runtime. Only the register operations,
// kwargs, log and two byte helpers are visible to the script; there is no
// module loader and no host access.
func (r *Runner) runScript(ctx context.Context, sess device.Session, src string, kwargs map[string]any) ([]byte, error) {
	prg, err := r.program(src)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	b := &bindings{ctx: ctx, vm: vm, sess: sess, log: r.log}
	if err := b.install(kwargs); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	if _, err := vm.RunProgram(prg); err != nil {
		return nil, scriptErr(err)
	}
	mainFn, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return nil, errors.New("procedure does not define main(kwargs)")
	}
	res, err := mainFn(goja.Undefined(), vm.Get("kwargs"))
	if err != nil {
		return nil, scriptErr(err)
	}
	raw, err := exportBytes(res)
	if err != nil {
		return nil, &AcquisitionError{Stage: StageResult, Err: err}
	}
	return raw, nil
}

// scriptErr unwraps Go errors thrown through the script so callers can
// still match ConnectionError and ProtocolError.
func scriptErr(err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if inner := ie.Unwrap(); inner != nil {
			return fmt.Errorf("procedure interrupted: %w", inner)
		}
		return fmt.Errorf("procedure interrupted: %v", ie.Value())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if inner := ex.Unwrap(); inner != nil {
			return inner
		}
		return fmt.Errorf("procedure threw: %s", ex.Value().String())
	}
	return err
}

type bindings struct {
	ctx  context.Context
	vm   *goja.Runtime
	sess device.Session
	log  logx.Logger
}

func (b *bindings) install(kwargs map[string]any) error {
	fns := map[string]func(goja.FunctionCall) goja.Value{
		string(ReadCoils):              b.read(b.sess.ReadCoils),
		string(ReadDiscreteInputs):     b.read(b.sess.ReadDiscreteInputs),
		string(ReadHoldingRegisters):   b.read(b.sess.ReadHoldingRegisters),
		string(ReadInputRegisters):     b.read(b.sess.ReadInputRegisters),
		string(WriteSingleCoil):        b.writeSingleCoil,
		string(WriteSingleRegister):    b.writeSingleRegister,
		string(WriteMultipleCoils):     b.writeMultipleCoils,
		string(WriteMultipleRegisters): b.writeMultipleRegisters,
		"registers":                    b.registers,
		"bits":                         b.bits,
		"log":                          b.logLine,
	}
	for name, fn := range fns {
		if err := b.vm.Set(name, fn); err != nil {
			return err
		}
	}
	return b.vm.Set("kwargs", kwargs)
}

func (b *bindings) throw(err error) {
	panic(b.vm.NewGoError(err))
}

func (b *bindings) address(call goja.FunctionCall, idx int) uint16 {
	return b.u16(call.Argument(idx), "address")
}

func (b *bindings) u16(v goja.Value, what string) uint16 {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		b.throw(fmt.Errorf("%s is required", what))
	}
	n, err := toUint16(v.Export())
	if err != nil {
		b.throw(fmt.Errorf("%s: %w", what, err))
	}
	return n
}

func (b *bindings) byteArray(raw []byte) goja.Value {
	items := make([]any, len(raw))
	for i, x := range raw {
		items[i] = int64(x)
	}
	return b.vm.NewArray(items...)
}

func (b *bindings) read(fn func(context.Context, uint16, uint16) ([]byte, error)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		addr := b.address(call, 0)
		count := b.u16(call.Argument(1), "count")
		raw, err := fn(b.ctx, addr, count)
		if err != nil {
			b.throw(err)
		}
		return b.byteArray(raw)
	}
}

func (b *bindings) writeSingleCoil(call goja.FunctionCall) goja.Value {
	addr := b.address(call, 0)
	if err := b.sess.WriteSingleCoil(b.ctx, addr, call.Argument(1).ToBoolean()); err != nil {
		b.throw(err)
	}
	return goja.Undefined()
}

func (b *bindings) writeSingleRegister(call goja.FunctionCall) goja.Value {
	addr := b.address(call, 0)
	v := b.u16(call.Argument(1), "value")
	if err := b.sess.WriteSingleRegister(b.ctx, addr, v); err != nil {
		b.throw(err)
	}
	return goja.Undefined()
}

func (b *bindings) list(v goja.Value) []any {
	xs, ok := v.Export().([]any)
	if !ok || len(xs) == 0 {
		b.throw(errors.New("values must be a non-empty array"))
	}
	return xs
}

func (b *bindings) writeMultipleCoils(call goja.FunctionCall) goja.Value {
	addr := b.address(call, 0)
	xs := b.list(call.Argument(1))
	vs := make([]bool, len(xs))
	for i, x := range xs {
		v, err := toBool(x)
		if err != nil {
			b.throw(err)
		}
		vs[i] = v
	}
	if err := b.sess.WriteMultipleCoils(b.ctx, addr, vs); err != nil {
		b.throw(err)
	}
	return goja.Undefined()
}

func (b *bindings) writeMultipleRegisters(call goja.FunctionCall) goja.Value {
	addr := b.address(call, 0)
	xs := b.list(call.Argument(1))
	vs := make([]uint16, len(xs))
	for i, x := range xs {
		v, err := toUint16(x)
		if err != nil {
			b.throw(err)
		}
		vs[i] = v
	}
	if err := b.sess.WriteMultipleRegisters(b.ctx, addr, vs); err != nil {
		b.throw(err)
	}
	return goja.Undefined()
}

// registers(bytes) -> [uint16...]
func (b *bindings) registers(call goja.FunctionCall) goja.Value {
	raw, err := exportBytes(call.Argument(0))
	if err != nil {
		b.throw(err)
	}
	items := make([]any, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		items = append(items, int64(raw[i])<<8|int64(raw[i+1]))
	}
	return b.vm.NewArray(items...)
}

// bits(bytes, count) -> [bool...]
func (b *bindings) bits(call goja.FunctionCall) goja.Value {
	raw, err := exportBytes(call.Argument(0))
	if err != nil {
		b.throw(err)
	}
	count := len(raw) * 8
	if arg := call.Argument(1); !goja.IsUndefined(arg) {
		count = int(arg.ToInteger())
	}
	bs := device.UnpackBits(raw, count)
	items := make([]any, len(bs))
	for i, x := range bs {
		items[i] = x
	}
	return b.vm.NewArray(items...)
}

func (b *bindings) logLine(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = a.String()
	}
	b.log.Debug("procedure log", logx.String("msg", strings.Join(parts, " ")))
	return goja.Undefined()
}

// exportBytes accepts an array of byte values, an ArrayBuffer, a typed
// array, or a hex string.
func exportBytes(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, errors.New("procedure returned no data")
	}
	switch x := v.Export().(type) {
	case []byte:
		return append([]byte(nil), x...), nil
	case goja.ArrayBuffer:
		return append([]byte(nil), x.Bytes()...), nil
	case string:
		raw, err := decoder.ParseHex(x)
		if err != nil {
			return nil, fmt.Errorf("procedure returned a string that is not hex: %w", err)
		}
		return raw, nil
	case []any:
		out := make([]byte, len(x))
		for i, e := range x {
			n, err := toUint16(e)
			if err != nil || n > 0xFF {
				return nil, fmt.Errorf("procedure result[%d] = %v is not a byte", i, e)
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("procedure returned %T, want bytes", x)
	}
}
