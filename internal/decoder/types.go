package decoder

import (
	"fmt"
	"sort"
	"strings"
)

// DataType names the binary layout of one template field.
type DataType string

const (
	Bit1Boolean DataType = "BIT1_BOOLEAN"
	Bit8        DataType = "BIT8"

	B8Uint  DataType = "B8_UINT"
	B16Uint DataType = "B16_UINT"
	B32Uint DataType = "B32_UINT"
	B64Uint DataType = "B64_UINT"

	B8Int  DataType = "B8_INT"
	B16Int DataType = "B16_INT"
	B32Int DataType = "B32_INT"
	B64Int DataType = "B64_INT"

	B16Float DataType = "B16_FLOAT"
	B32Float DataType = "B32_FLOAT"
	B64Float DataType = "B64_FLOAT"

	B8String  DataType = "B8_STRING"
	B16String DataType = "B16_STRING"
	B32String DataType = "B32_STRING"
	B64String DataType = "B64_STRING"
)

type kind uint8

const (
	kindBool kind = iota + 1
	kindBits
	kindUint
	kindInt
	kindFloat
	kindString
)

type typeInfo struct {
	size int
	kind kind
}

var typeTable = map[DataType]typeInfo{
	Bit1Boolean: {1, kindBool},
	Bit8:        {1, kindBits},

	B8Uint:  {1, kindUint},
	B16Uint: {2, kindUint},
	B32Uint: {4, kindUint},
	B64Uint: {8, kindUint},

	B8Int:  {1, kindInt},
	B16Int: {2, kindInt},
	B32Int: {4, kindInt},
	B64Int: {8, kindInt},

	B16Float: {2, kindFloat},
	B32Float: {4, kindFloat},
	B64Float: {8, kindFloat},

	B8String:  {1, kindString},
	B16String: {2, kindString},
	B32String: {4, kindString},
	B64String: {8, kindString},
}

// Size returns the number of payload bytes the type consumes, or 0 when unknown.
func (t DataType) Size() int { return typeTable[t].size }

func (t DataType) Valid() bool {
	_, ok := typeTable[t]
	return ok
}

// Numeric reports whether decoded values of this type can be scaled.
func (t DataType) Numeric() bool {
	switch typeTable[t].kind {
	case kindUint, kindInt, kindFloat:
		return true
	default:
		return false
	}
}

// ParseDataType accepts the canonical upper-case names, case-insensitively.
func ParseDataType(s string) (DataType, error) {
	t := DataType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown data type %q", s)
	}
	return t, nil
}

// DataTypes lists every supported type, sorted by name.
func DataTypes() []DataType {
	out := make([]DataType, 0, len(typeTable))
	for t := range typeTable {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Field is one entry of a decode template.
type Field struct {
	Key   string   `json:"key"`
	Type  DataType `json:"type"`
	Note  string   `json:"note"`
	Scale *float64 `json:"scale"`
}

// Validate checks a template: keys must be non-empty and unique, types known.
func Validate(fields []Field) error {
	seen := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			return fmt.Errorf("field %d: empty key", i)
		}
		if _, dup := seen[f.Key]; dup {
			return fmt.Errorf("field %q: duplicate key", f.Key)
		}
		seen[f.Key] = struct{}{}
		if !f.Type.Valid() {
			return fmt.Errorf("field %q: unknown data type %q", f.Key, f.Type)
		}
	}
	return nil
}

// Width is the total payload size a template expects.
func Width(fields []Field) int {
	n := 0
	for _, f := range fields {
		n += f.Type.Size()
	}
	return n
}
