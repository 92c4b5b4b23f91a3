package procedure

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"

	"modcollect/internal/device"
	logx "modcollect/pkg/logx"
)

const DefaultCacheSize = 128

// Runner executes procedures against devices. It is safe for concurrent
// use; every invocation gets its own session and, for scripts, its own
// JavaScript runtime.
type Runner struct {
	opener   device.Opener
	log      logx.Logger
	programs *lru.Cache[string, *goja.Program]
}

func NewRunner(opener device.Opener, log logx.Logger, cacheSize int) (*Runner, error) {
	if opener == nil {
		return nil, errors.New("procedure: nil device opener")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *goja.Program](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("procedure: program cache: %w", err)
	}
	return &Runner{opener: opener, log: log.With(logx.String("comp", "procedure")), programs: cache}, nil
}

// Validate checks a procedure without touching a device. Scripts are
// compiled (and cached); ops are checked for shape.
func (r *Runner) Validate(p Procedure) error {
	switch p.Kind() {
	case "script":
		_, err := r.program(p.Script)
		return err
	case "ops":
		for i, op := range p.Ops {
			if err := op.validate(); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
		}
		return nil
	default:
		return ErrEmptyProcedure
	}
}

// CachedPrograms reports how many compiled scripts are held.
func (r *Runner) CachedPrograms() int { return r.programs.Len() }

func (r *Runner) program(src string) (*goja.Program, error) {
	if prg, ok := r.programs.Get(src); ok {
		return prg, nil
	}
	prg, err := goja.Compile("procedure", src, true)
	if err != nil {
		return nil, fmt.Errorf("compile procedure: %w", err)
	}
	r.programs.Add(src, prg)
	return prg, nil
}

// Run opens a session to dev, executes p with kwargs and returns the raw
// payload. The session is closed on every path. Every failure, panics
// included, comes back as *AcquisitionError.
func (r *Runner) Run(ctx context.Context, dev device.Descriptor, p Procedure, kwargs map[string]any) (raw []byte, err error) {
	addr := dev.String()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("procedure panicked", logx.String("device", addr), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			raw = nil
			err = &AcquisitionError{Device: addr, Stage: StageExecute, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	if p.IsZero() {
		return nil, &AcquisitionError{Device: addr, Stage: StageExecute, Err: ErrEmptyProcedure}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	sess, err := r.opener.Open(ctx, dev)
	if err != nil {
		return nil, &AcquisitionError{Device: addr, Stage: StageOpen, Err: err}
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			r.log.Debug("device session close failed", logx.String("device", addr), logx.Err(cerr))
		}
	}()

	if p.Kind() == "script" {
		raw, err = r.runScript(ctx, sess, p.Script, kwargs)
	} else {
		raw, err = runOps(ctx, sess, p.Ops, kwargs)
	}
	if err != nil {
		var ae *AcquisitionError
		if errors.As(err, &ae) {
			ae.Device = addr
			return nil, ae
		}
		return nil, &AcquisitionError{Device: addr, Stage: StageExecute, Err: err}
	}
	return raw, nil
}

func runOps(ctx context.Context, sess device.Session, ops []Op, kwargs map[string]any) ([]byte, error) {
	var out []byte
	for i, op := range ops {
		if err := op.validate(); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		b, err := applyOp(ctx, sess, op, kwargs)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, op.Op, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func applyOp(ctx context.Context, sess device.Session, op Op, kwargs map[string]any) ([]byte, error) {
	switch op.Op {
	case ReadCoils:
		return sess.ReadCoils(ctx, op.Address, op.Count)
	case ReadDiscreteInputs:
		return sess.ReadDiscreteInputs(ctx, op.Address, op.Count)
	case ReadHoldingRegisters:
		return sess.ReadHoldingRegisters(ctx, op.Address, op.Count)
	case ReadInputRegisters:
		return sess.ReadInputRegisters(ctx, op.Address, op.Count)
	}

	single, many, err := opValues(op, kwargs)
	if err != nil {
		return nil, err
	}
	switch op.Op {
	case WriteSingleCoil:
		v, err := toBool(single)
		if err != nil {
			return nil, err
		}
		return nil, sess.WriteSingleCoil(ctx, op.Address, v)
	case WriteSingleRegister:
		v, err := toUint16(single)
		if err != nil {
			return nil, err
		}
		return nil, sess.WriteSingleRegister(ctx, op.Address, v)
	case WriteMultipleCoils:
		vs := make([]bool, len(many))
		for i, x := range many {
			if vs[i], err = toBool(x); err != nil {
				return nil, fmt.Errorf("values[%d]: %w", i, err)
			}
		}
		return nil, sess.WriteMultipleCoils(ctx, op.Address, vs)
	case WriteMultipleRegisters:
		vs := make([]uint16, len(many))
		for i, x := range many {
			if vs[i], err = toUint16(x); err != nil {
				return nil, fmt.Errorf("values[%d]: %w", i, err)
			}
		}
		return nil, sess.WriteMultipleRegisters(ctx, op.Address, vs)
	}
	return nil, fmt.Errorf("unknown op %q", op.Op)
}

// opValues resolves a write's operand, preferring the named kwarg.
func opValues(op Op, kwargs map[string]any) (single any, many []any, err error) {
	if op.ValueFrom == "" {
		return op.Value, op.Values, nil
	}
	v, ok := kwargs[op.ValueFrom]
	if !ok {
		return nil, nil, fmt.Errorf("missing kwarg %q", op.ValueFrom)
	}
	if xs, ok := v.([]any); ok {
		return nil, xs, nil
	}
	return v, []any{v}, nil
}

func toUint16(v any) (uint16, error) {
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case float32:
		n = float64(x)
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case uint16:
		return x, nil
	case uint64:
		n = float64(x)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("register value %v (%T) is not a number", v, v)
	}
	if n < 0 || n > 0xFFFF || n != float64(int64(n)) {
		return 0, fmt.Errorf("register value %v out of range", v)
	}
	return uint16(n), nil
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case int64:
		return x != 0, nil
	default:
		return false, fmt.Errorf("coil value %v (%T) is not a boolean", v, v)
	}
}
