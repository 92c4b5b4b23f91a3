package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	logx "modcollect/pkg/logx"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultBaudRate = 19200
)

type handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// ModbusOpener dials devices over Modbus TCP, RTU or ASCII.
type ModbusOpener struct {
	// Timeout applies when the descriptor does not carry its own.
	Timeout time.Duration
	Log     logx.Logger
}

func NewModbusOpener(timeout time.Duration, log logx.Logger) *ModbusOpener {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ModbusOpener{Timeout: timeout, Log: log}
}

func (o *ModbusOpener) Open(ctx context.Context, d Descriptor) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Addr: d.String(), Err: err}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = o.Timeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	// goburrow has no context support; clamp its I/O timeout to the deadline.
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && left < timeout {
			timeout = left
		}
	}

	var h handler
	switch d.Mode {
	case ModeRTU:
		rh := modbus.NewRTUClientHandler(d.Serial.Device)
		applySerial(&rh.BaudRate, &rh.DataBits, &rh.StopBits, &rh.Parity, d.Serial)
		rh.SlaveId = d.UnitID
		rh.Timeout = timeout
		h = rh
	case ModeASCII:
		ah := modbus.NewASCIIClientHandler(d.Serial.Device)
		applySerial(&ah.BaudRate, &ah.DataBits, &ah.StopBits, &ah.Parity, d.Serial)
		ah.SlaveId = d.UnitID
		ah.Timeout = timeout
		h = ah
	default:
		th := modbus.NewTCPClientHandler(d.Address())
		th.SlaveId = d.UnitID
		th.Timeout = timeout
		h = th
	}

	if err := h.Connect(); err != nil {
		return nil, &ConnectionError{Addr: d.String(), Err: err}
	}
	o.Log.Debug("device session opened", logx.String("device", d.String()), logx.Duration("timeout", timeout))
	return &modbusSession{
		addr:    d.String(),
		handler: h,
		client:  modbus.NewClient(h),
		log:     o.Log,
	}, nil
}

func applySerial(baud, dataBits, stopBits *int, parity *string, s Serial) {
	*baud = s.BaudRate
	if *baud <= 0 {
		*baud = defaultBaudRate
	}
	*dataBits = s.DataBits
	if *dataBits <= 0 {
		*dataBits = 8
	}
	*stopBits = s.StopBits
	if *stopBits <= 0 {
		*stopBits = 1
	}
	*parity = strings.ToUpper(strings.TrimSpace(s.Parity))
	if *parity == "" {
		*parity = "N"
	}
}

type modbusSession struct {
	addr    string
	handler handler
	client  modbus.Client
	log     logx.Logger

	mu     sync.Mutex
	closed bool
}

func (s *modbusSession) do(ctx context.Context, op string, fn func() ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Addr: s.addr, Err: err}
	}
	b, err := fn()
	if err != nil {
		return nil, classify(s.addr, op, err)
	}
	return b, nil
}

func (s *modbusSession) ReadCoils(ctx context.Context, address, count uint16) ([]byte, error) {
	return s.do(ctx, "read_coils", func() ([]byte, error) { return s.client.ReadCoils(address, count) })
}

func (s *modbusSession) ReadDiscreteInputs(ctx context.Context, address, count uint16) ([]byte, error) {
	return s.do(ctx, "read_discrete_inputs", func() ([]byte, error) { return s.client.ReadDiscreteInputs(address, count) })
}

func (s *modbusSession) ReadHoldingRegisters(ctx context.Context, address, count uint16) ([]byte, error) {
	return s.do(ctx, "read_holding_registers", func() ([]byte, error) { return s.client.ReadHoldingRegisters(address, count) })
}

func (s *modbusSession) ReadInputRegisters(ctx context.Context, address, count uint16) ([]byte, error) {
	return s.do(ctx, "read_input_registers", func() ([]byte, error) { return s.client.ReadInputRegisters(address, count) })
}

func (s *modbusSession) WriteSingleCoil(ctx context.Context, address uint16, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := s.do(ctx, "write_single_coil", func() ([]byte, error) { return s.client.WriteSingleCoil(address, v) })
	return err
}

func (s *modbusSession) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	_, err := s.do(ctx, "write_single_register", func() ([]byte, error) { return s.client.WriteSingleRegister(address, value) })
	return err
}

func (s *modbusSession) WriteMultipleCoils(ctx context.Context, address uint16, values []bool) error {
	if len(values) == 0 {
		return fmt.Errorf("write_multiple_coils: no values")
	}
	_, err := s.do(ctx, "write_multiple_coils", func() ([]byte, error) {
		return s.client.WriteMultipleCoils(address, uint16(len(values)), PackBits(values))
	})
	return err
}

func (s *modbusSession) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error {
	if len(values) == 0 {
		return fmt.Errorf("write_multiple_registers: no values")
	}
	_, err := s.do(ctx, "write_multiple_registers", func() ([]byte, error) {
		return s.client.WriteMultipleRegisters(address, uint16(len(values)), RegisterBytes(values))
	})
	return err
}

func (s *modbusSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.handler.Close()
	s.log.Debug("device session closed", logx.String("device", s.addr))
	return err
}

// PackBits packs booleans LSB-first, eight per byte, as coils travel on the wire.
func PackBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

// UnpackBits is the inverse of PackBits, limited to count bits.
func UnpackBits(b []byte, count int) []bool {
	out := make([]bool, 0, count)
	for i := 0; i < count && i/8 < len(b); i++ {
		out = append(out, b[i/8]&(1<<(uint(i)%8)) != 0)
	}
	return out
}

// RegisterBytes encodes registers big-endian.
func RegisterBytes(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}
