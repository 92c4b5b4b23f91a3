// Package simulator runs a Modbus TCP slave preloaded with a fixed register
// map. It stands in for a field device during local runs and in transport
// tests.
package simulator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tbrandon/mbserver"

	logx "modcollect/pkg/logx"
)

// FixtureRegisters is loaded at address 0 of both the holding and input
// tables. It packs one sample of every decoder family:
//
//	0-3   "welcome!"           B64_STRING
//	4-5   "ABCD"               B32_STRING
//	6     "EF"                 B16_STRING
//	7     "GH"                 B8_STRING x2
//	8-11  -6101065172474983726 B64_INT
//	12-15 17212176183586094827 B64_UINT
//	16-17 1234567890           B32_INT
//	18-19 -1234567890          B32_INT
//	20    12345                B16_UINT
//	21    -12345               B16_INT
//	22    61600                B16_FLOAT
//	23-26 123456789.01234567   B64_FLOAT
//	27-28 12345678             B32_FLOAT
//	29    1234                 B16_FLOAT
var FixtureRegisters = []uint16{
	0x7765, 0x6c63, 0x6f6d, 0x6521,
	0x4142, 0x4344,
	0x4546,
	0x4748,
	0xab54, 0xa98c, 0xeb1f, 0x0ad2,
	0xeedd, 0xef0b, 0x8216, 0x7eeb,
	0x4996, 0x02d2,
	0xb669, 0xfd2e,
	0x3039,
	0xcfc7,
	0x7b85,
	0x419d, 0x6f34, 0x540c, 0xa458,
	0x4b3c, 0x614e,
	0x64d2,
}

// Simulator wraps an mbserver.Server. Register tables must be loaded before
// Listen; the server goroutine owns them afterwards.
type Simulator struct {
	srv *mbserver.Server
	log logx.Logger

	mu   sync.Mutex
	addr string

	requests atomic.Int64
}

func New(log logx.Logger) *Simulator {
	s := &Simulator{srv: mbserver.NewServer(), log: log.With(logx.String("comp", "simulator"))}
	s.Load(0, FixtureRegisters...)
	for i := 0; i < 16; i++ {
		s.srv.DiscreteInputs[i] = byte(i % 2)
	}

	type handlerFn = func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception)
	for code, fn := range map[uint8]handlerFn{
		1:  mbserver.ReadCoils,
		2:  mbserver.ReadDiscreteInputs,
		3:  mbserver.ReadHoldingRegisters,
		4:  mbserver.ReadInputRegisters,
		5:  mbserver.WriteSingleCoil,
		6:  mbserver.WriteHoldingRegister,
		15: mbserver.WriteMultipleCoils,
		16: mbserver.WriteHoldingRegisters,
	} {
		s.srv.RegisterFunctionHandler(code, s.counted(code, fn))
	}
	return s
}

func (s *Simulator) counted(code uint8, fn func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception)) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
	return func(srv *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		s.requests.Add(1)
		s.log.Debug("request", logx.Int("function", int(code)))
		return fn(srv, frame)
	}
}

// Load writes values into the holding and input tables at address.
func (s *Simulator) Load(address uint16, values ...uint16) {
	copy(s.srv.HoldingRegisters[address:], values)
	copy(s.srv.InputRegisters[address:], values)
}

// Requests counts handled requests.
func (s *Simulator) Requests() int64 { return s.requests.Load() }

// Listen starts serving on addr. An empty port (":0" style) picks a free one.
func (s *Simulator) Listen(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("simulator: %w", err)
	}
	if port == "0" {
		free, err := FreeAddr(host)
		if err != nil {
			return err
		}
		addr = free
	}
	if err := s.srv.ListenTCP(addr); err != nil {
		return fmt.Errorf("simulator: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	s.log.Info("simulator listening", logx.String("addr", addr), logx.Int("registers", len(FixtureRegisters)))
	return nil
}

func (s *Simulator) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Simulator) Close() {
	s.srv.Close()
	s.log.Info("simulator stopped", logx.Int64("requests", s.requests.Load()))
}

// Run serves on addr until ctx is done.
func (s *Simulator) Run(ctx context.Context, addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	<-ctx.Done()
	s.Close()
	return nil
}

// FreeAddr asks the kernel for an unused TCP port on host.
func FreeAddr(host string) (string, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("simulator: pick port: %w", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr, nil
}
