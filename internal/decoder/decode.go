package decoder

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/x448/float16"
)

const (
	NoteNoData    = "item exists but no data"
	NoteMalformed = "malformed data"
)

type chunk struct {
	b        []byte
	register int
	complete bool
}

// chunks splits raw by the declared width of each field. Offsets are
// positional: a field always advances the cursor by its declared width,
// so a short payload leaves the trailing fields incomplete.
func chunks(raw []byte, fields []Field) []chunk {
	out := make([]chunk, len(fields))
	off := 0
	for i, f := range fields {
		n := f.Type.Size()
		c := chunk{register: off / 2}
		end := off + n
		switch {
		case off >= len(raw):
		case end > len(raw):
			c.b = raw[off:]
		default:
			c.b = raw[off:end]
			c.complete = n > 0
		}
		out[i] = c
		off = end
	}
	return out
}

// Decode turns a raw payload into a record following the template order.
// It never fails: a field that cannot be decoded carries a null placeholder.
func Decode(raw []byte, fields []Field, at time.Time) Record {
	rec := Record{
		Time:   at,
		Hex:    spacedHex(raw),
		Fields: make([]FieldValue, 0, len(fields)),
	}
	for i, c := range chunks(raw, fields) {
		rec.Fields = append(rec.Fields, decodeField(fields[i], c))
	}
	return rec
}

func decodeField(f Field, c chunk) FieldValue {
	fv := FieldValue{Key: f.Key, Type: f.Type, Register: c.register}
	if !c.complete {
		fv.Note = NoteNoData
		return fv
	}

	h := groupedHex(c.b)
	raw, err := unpack(f.Type, c.b)
	if err != nil {
		fv.Hex = &h
		fv.Note = NoteMalformed
		return fv
	}

	fv.Hex = &h
	fv.Raw = raw
	fv.Note = f.Note
	fv.Scale = f.Scale
	fv.Value = scaled(raw, f.Scale)
	return fv
}

func unpack(t DataType, b []byte) (any, error) {
	info, ok := typeTable[t]
	if !ok {
		return nil, fmt.Errorf("unknown data type %q", t)
	}
	switch info.kind {
	case kindBool:
		return b[0] != 0, nil
	case kindBits:
		return fmt.Sprintf("%07b", b[0]), nil
	case kindUint:
		return beUint(b), nil
	case kindInt:
		switch len(b) {
		case 1:
			return int64(int8(b[0])), nil
		case 2:
			return int64(int16(binary.BigEndian.Uint16(b))), nil
		case 4:
			return int64(int32(binary.BigEndian.Uint32(b))), nil
		default:
			return int64(binary.BigEndian.Uint64(b)), nil
		}
	case kindFloat:
		switch len(b) {
		case 2:
			return float64(float16.Frombits(binary.BigEndian.Uint16(b)).Float32()), nil
		case 4:
			return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
		default:
			return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
		}
	case kindString:
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("invalid utf-8")
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("unsupported data type %q", t)
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func scaled(raw any, scale *float64) any {
	if scale == nil || *scale == 0 {
		return raw
	}
	switch v := raw.(type) {
	case uint64:
		return float64(v) * *scale
	case int64:
		return float64(v) * *scale
	case float64:
		return v * *scale
	default:
		return raw
	}
}

// spacedHex renders bytes as "30 39".
func spacedHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, x := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(hex.EncodeToString([]byte{x}))
	}
	return sb.String()
}

// groupedHex renders bytes as nibble groups of four: "556e 6974".
func groupedHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) <= 4 {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + len(s)/4)
	for i := 0; i < len(s); i += 4 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		end := i + 4
		if end > len(s) {
			end = len(s)
		}
		sb.WriteString(s[i:end])
	}
	return sb.String()
}

// ParseHex accepts payloads written as "30 39", "3039" or "0x3039".
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", "-", "", "\n", "", "\t", "").Replace(s)
	return hex.DecodeString(s)
}
