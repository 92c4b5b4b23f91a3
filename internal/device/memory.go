package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDevice is an in-process register bank that satisfies Opener. It backs
// offline runs of procedures and the package tests of everything above the
// transport.
type MemoryDevice struct {
	mu       sync.Mutex
	coils    []bool
	discrete []bool
	holding  []uint16
	input    []uint16

	// OpenErr, when set, fails every Open.
	OpenErr error
	// Delay is slept (honouring ctx) before each operation.
	Delay time.Duration

	opens  atomic.Int64
	closes atomic.Int64
}

// NewMemoryDevice allocates size cells in each of the four tables.
func NewMemoryDevice(size int) *MemoryDevice {
	return &MemoryDevice{
		coils:    make([]bool, size),
		discrete: make([]bool, size),
		holding:  make([]uint16, size),
		input:    make([]uint16, size),
	}
}

// SetRegisters writes values into both holding and input tables at address.
func (m *MemoryDevice) SetRegisters(address uint16, values ...uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.holding[address:], values)
	copy(m.input[address:], values)
}

func (m *MemoryDevice) SetDiscrete(address uint16, values ...bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.discrete[address:], values)
}

func (m *MemoryDevice) Holding(address uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holding[address]
}

func (m *MemoryDevice) Coil(address uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coils[address]
}

// Opens and Closes count session lifecycle calls.
func (m *MemoryDevice) Opens() int64  { return m.opens.Load() }
func (m *MemoryDevice) Closes() int64 { return m.closes.Load() }

func (m *MemoryDevice) Open(ctx context.Context, d Descriptor) (Session, error) {
	if m.OpenErr != nil {
		return nil, &ConnectionError{Addr: d.String(), Err: m.OpenErr}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Addr: d.String(), Err: err}
	}
	m.opens.Add(1)
	return &memorySession{dev: m, addr: d.String()}, nil
}

var errIllegalAddress = errors.New("illegal data address")

type memorySession struct {
	dev    *MemoryDevice
	addr   string
	closed atomic.Bool
}

func (s *memorySession) wait(ctx context.Context, op string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if d := s.dev.Delay; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return &ConnectionError{Addr: s.addr, Err: fmt.Errorf("%s: %w", op, ctx.Err())}
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Addr: s.addr, Err: fmt.Errorf("%s: %w", op, err)}
	}
	return nil
}

func (s *memorySession) bounds(op string, n int, address, count uint16) error {
	if count == 0 || int(address)+int(count) > n {
		return &ProtocolError{Addr: s.addr, Op: op, ExceptionCode: 2, Err: errIllegalAddress}
	}
	return nil
}

func (s *memorySession) readBits(ctx context.Context, op string, table func() []bool, address, count uint16) ([]byte, error) {
	if err := s.wait(ctx, op); err != nil {
		return nil, err
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	t := table()
	if err := s.bounds(op, len(t), address, count); err != nil {
		return nil, err
	}
	return PackBits(t[address : address+count]), nil
}

func (s *memorySession) readRegs(ctx context.Context, op string, table func() []uint16, address, count uint16) ([]byte, error) {
	if err := s.wait(ctx, op); err != nil {
		return nil, err
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	t := table()
	if err := s.bounds(op, len(t), address, count); err != nil {
		return nil, err
	}
	return RegisterBytes(t[address : address+count]), nil
}

func (s *memorySession) ReadCoils(ctx context.Context, address, count uint16) ([]byte, error) {
	return s.readBits(ctx, "read_coils", func() []bool { return s.dev.coils }, address, count)
}

func (s *memorySession) ReadDiscreteInputs(ctx context.Context, address, count uint16) ([]byte, error) {
	return s.readBits(ctx, "read_discrete_inputs", func() []bool { return s.dev.discrete }, address, count)
}

func (s *memorySession) ReadHoldingRegisters(ctx context.Context, address, count uint16) ([]byte, error) {
	return s.readRegs(ctx, "read_holding_registers", func() []uint16 { return s.dev.holding }, address, count)
}

func (s *memorySession) ReadInputRegisters(ctx context.Context, address, count uint16) ([]byte, error) {
	return s.readRegs(ctx, "read_input_registers", func() []uint16 { return s.dev.input }, address, count)
}

func (s *memorySession) WriteSingleCoil(ctx context.Context, address uint16, value bool) error {
	return s.WriteMultipleCoils(ctx, address, []bool{value})
}

func (s *memorySession) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	return s.WriteMultipleRegisters(ctx, address, []uint16{value})
}

func (s *memorySession) WriteMultipleCoils(ctx context.Context, address uint16, values []bool) error {
	if err := s.wait(ctx, "write_coils"); err != nil {
		return err
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if err := s.bounds("write_coils", len(s.dev.coils), address, uint16(len(values))); err != nil {
		return err
	}
	copy(s.dev.coils[address:], values)
	return nil
}

func (s *memorySession) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error {
	if err := s.wait(ctx, "write_registers"); err != nil {
		return err
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if err := s.bounds("write_registers", len(s.dev.holding), address, uint16(len(values))); err != nil {
		return err
	}
	copy(s.dev.holding[address:], values)
	return nil
}

func (s *memorySession) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.dev.closes.Add(1)
	}
	return nil
}
