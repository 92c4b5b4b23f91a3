package device

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type Mode string

const (
	ModeTCP   Mode = "tcp"
	ModeRTU   Mode = "rtu"
	ModeASCII Mode = "ascii"
)

// ParseMode accepts the comm types used in schedule catalogs. An empty
// string means tcp.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeTCP:
		return ModeTCP, nil
	case ModeRTU:
		return ModeRTU, nil
	case ModeASCII:
		return ModeASCII, nil
	default:
		return "", fmt.Errorf("unknown comm type %q", s)
	}
}

// Serial holds line settings for rtu/ascii devices.
type Serial struct {
	Device   string `json:"device,omitempty"`
	BaudRate int    `json:"baud_rate,omitempty"`
	DataBits int    `json:"data_bits,omitempty"`
	StopBits int    `json:"stop_bits,omitempty"`
	Parity   string `json:"parity,omitempty"`
}

// Descriptor identifies one field device.
type Descriptor struct {
	Mode    Mode          `json:"mode"`
	Host    string        `json:"host,omitempty"`
	Port    int           `json:"port,omitempty"`
	UnitID  byte          `json:"unit_id"`
	Serial  Serial        `json:"serial,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Address is host:port for tcp devices and the serial device path otherwise.
func (d Descriptor) Address() string {
	if d.Mode == ModeRTU || d.Mode == ModeASCII {
		return d.Serial.Device
	}
	port := d.Port
	if port == 0 {
		port = 502
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

func (d Descriptor) String() string {
	mode := d.Mode
	if mode == "" {
		mode = ModeTCP
	}
	return string(mode) + "://" + d.Address()
}

func (d Descriptor) Validate() error {
	switch d.Mode {
	case "", ModeTCP:
		if strings.TrimSpace(d.Host) == "" {
			return fmt.Errorf("tcp device: host is required")
		}
		if d.Port < 0 || d.Port > 65535 {
			return fmt.Errorf("tcp device: invalid port %d", d.Port)
		}
	case ModeRTU, ModeASCII:
		if strings.TrimSpace(d.Serial.Device) == "" {
			return fmt.Errorf("%s device: serial device path is required", d.Mode)
		}
		switch strings.ToUpper(d.Serial.Parity) {
		case "", "N", "E", "O":
		default:
			return fmt.Errorf("%s device: invalid parity %q", d.Mode, d.Serial.Parity)
		}
	default:
		return fmt.Errorf("unknown device mode %q", d.Mode)
	}
	return nil
}

// Session is a live connection to one device. Reads of coils and discrete
// inputs return packed bits; register reads return big-endian register bytes.
// Close is idempotent.
type Session interface {
	ReadCoils(ctx context.Context, address, count uint16) ([]byte, error)
	ReadDiscreteInputs(ctx context.Context, address, count uint16) ([]byte, error)
	ReadHoldingRegisters(ctx context.Context, address, count uint16) ([]byte, error)
	ReadInputRegisters(ctx context.Context, address, count uint16) ([]byte, error)

	WriteSingleCoil(ctx context.Context, address uint16, value bool) error
	WriteSingleRegister(ctx context.Context, address, value uint16) error
	WriteMultipleCoils(ctx context.Context, address uint16, values []bool) error
	WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error

	Close() error
}

// Opener establishes sessions from descriptors.
type Opener interface {
	Open(ctx context.Context, d Descriptor) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, d Descriptor) (Session, error)

func (f OpenerFunc) Open(ctx context.Context, d Descriptor) (Session, error) { return f(ctx, d) }
