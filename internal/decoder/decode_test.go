package decoder

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

func TestDecodeSingleUint16(t *testing.T) {
	t.Parallel()
	rec := Decode([]byte{0x30, 0x39}, []Field{{Key: "n", Type: B16Uint}}, time.Now())
	if rec.Hex != "30 39" {
		t.Fatalf("Hex = %q, want %q", rec.Hex, "30 39")
	}
	fv, ok := rec.Field("n")
	if !ok {
		t.Fatal("field n missing")
	}
	if fv.Raw != uint64(12345) {
		t.Fatalf("Raw = %#v, want 12345", fv.Raw)
	}
	if fv.Hex == nil || *fv.Hex != "3039" {
		t.Fatalf("field hex = %v, want 3039", fv.Hex)
	}
}

func TestDecodeFixtureRegisters(t *testing.T) {
	t.Parallel()
	raw, err := ParseHex("7765 6c63 6f6d 6521 4142 4344 4546 4748 ab54 a98c eb1f 0ad2 eedd ef0b 8216 7eeb 4996 02d2 b669 fd2e 3039 cfc7 7b85 419d 6f34 540c a458 4b3c 614e 64d2")
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	fields := []Field{
		{Key: "greeting", Type: B64String},
		{Key: "abcd", Type: B32String},
		{Key: "ef", Type: B16String},
		{Key: "g", Type: B8String},
		{Key: "h", Type: B8String},
		{Key: "i64", Type: B64Int},
		{Key: "u64", Type: B64Uint},
		{Key: "i32", Type: B32Int},
		{Key: "neg32", Type: B32Int},
		{Key: "u16", Type: B16Uint},
		{Key: "neg16", Type: B16Int},
		{Key: "half", Type: B16Float},
		{Key: "f64", Type: B64Float},
		{Key: "f32", Type: B32Float},
		{Key: "half2", Type: B16Float},
	}
	if w := Width(fields); w != len(raw) {
		t.Fatalf("Width = %d, payload = %d", w, len(raw))
	}
	rec := Decode(raw, fields, time.Now())

	want := map[string]any{
		"greeting": "welcome!",
		"abcd":     "ABCD",
		"ef":       "EF",
		"g":        "G",
		"h":        "H",
		"i64":      int64(-6101065172474983726),
		"u64":      uint64(17212176183586094827),
		"i32":      int64(1234567890),
		"neg32":    int64(-1234567890),
		"u16":      uint64(12345),
		"neg16":    int64(-12345),
		"half":     61600.0,
		"f64":      123456789.01234567,
		"f32":      12345678.0,
		"half2":    1234.0,
	}
	for key, w := range want {
		fv, ok := rec.Field(key)
		if !ok {
			t.Fatalf("field %q missing", key)
		}
		if fv.Raw != w {
			t.Fatalf("%s: Raw = %#v, want %#v", key, fv.Raw, w)
		}
	}
	if rec.Degraded() != 0 {
		t.Fatalf("Degraded = %d, want 0", rec.Degraded())
	}
	greeting, _ := rec.Field("greeting")
	if *greeting.Hex != "7765 6c63 6f6d 6521" {
		t.Fatalf("grouped hex = %q", *greeting.Hex)
	}
	if f32, _ := rec.Field("f32"); f32.Register != 27 {
		t.Fatalf("f32 register offset = %d, want 27", f32.Register)
	}
}

func TestDecodeTruncatedFieldDegrades(t *testing.T) {
	t.Parallel()
	fields := []Field{
		{Key: "a", Type: B16Uint},
		{Key: "t", Type: B32Float, Note: "temperature", Scale: f64(2)},
		{Key: "b", Type: B16Uint},
	}
	rec := Decode([]byte{0x00, 0x01, 0x41, 0xbc}, fields, time.Now())

	a, _ := rec.Field("a")
	if a.Raw != uint64(1) {
		t.Fatalf("a.Raw = %#v, want 1", a.Raw)
	}
	for _, key := range []string{"t", "b"} {
		fv, _ := rec.Field(key)
		if fv.Value != nil || fv.Raw != nil || fv.Hex != nil || fv.Scale != nil {
			t.Fatalf("%s: expected null placeholder, got %+v", key, fv)
		}
		if fv.Note != NoteNoData {
			t.Fatalf("%s: Note = %q, want %q", key, fv.Note, NoteNoData)
		}
	}
	if rec.Degraded() != 2 {
		t.Fatalf("Degraded = %d, want 2", rec.Degraded())
	}
}

func TestDecodeScaling(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		scale *float64
		want  any
	}{
		{name: "scaled", scale: f64(0.1), want: 99.9},
		{name: "nil scale", scale: nil, want: uint64(999)},
		{name: "zero scale", scale: f64(0), want: uint64(999)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := Decode([]byte{0x03, 0xe7}, []Field{{Key: "v", Type: B16Uint, Scale: tt.scale}}, time.Now())
			fv, _ := rec.Field("v")
			if want, ok := tt.want.(float64); ok {
				got, ok := fv.Value.(float64)
				if !ok || math.Abs(got-want) > 1e-9 {
					t.Fatalf("Value = %#v, want ~%v", fv.Value, want)
				}
				return
			}
			if fv.Value != tt.want {
				t.Fatalf("Value = %#v, want %#v", fv.Value, tt.want)
			}
		})
	}
}

func TestDecodeBitsAndBool(t *testing.T) {
	t.Parallel()
	rec := Decode([]byte{0x05, 0x00, 0x81}, []Field{
		{Key: "bits", Type: Bit8},
		{Key: "off", Type: Bit1Boolean},
		{Key: "on", Type: Bit1Boolean, Scale: f64(10)},
	}, time.Now())
	bits, _ := rec.Field("bits")
	if bits.Raw != "0000101" {
		t.Fatalf("bits = %#v, want 0000101", bits.Raw)
	}
	off, _ := rec.Field("off")
	if off.Raw != false {
		t.Fatalf("off = %#v", off.Raw)
	}
	on, _ := rec.Field("on")
	if on.Value != true {
		t.Fatalf("boolean must not be scaled, got %#v", on.Value)
	}
}

func TestDecodeMalformedString(t *testing.T) {
	t.Parallel()
	rec := Decode([]byte{0xff, 0xfe}, []Field{{Key: "s", Type: B16String}}, time.Now())
	fv, _ := rec.Field("s")
	if fv.Ok() || fv.Note != NoteMalformed {
		t.Fatalf("expected malformed placeholder, got %+v", fv)
	}
	if fv.Hex == nil || *fv.Hex != "fffe" {
		t.Fatalf("malformed field should keep hex, got %v", fv.Hex)
	}
}

func TestDecodeDeterministic(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fields := []Field{{Key: "a", Type: B32Float}, {Key: "b", Type: B16Int, Scale: f64(0.5)}}
	raw := []byte{0x41, 0xbc, 0x00, 0x00, 0xff, 0xfe}
	r1 := Decode(raw, fields, at)
	r2 := Decode(raw, fields, at)
	if !reflect.DeepEqual(r1, r2) {
		t.Fatalf("decode not deterministic:\n%+v\n%+v", r1, r2)
	}
}

func TestRecordJSONShape(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 3, 1, 12, 30, 5, 0, time.Local)
	rec := Decode([]byte{0x41, 0xbc, 0x00, 0x00}, []Field{
		{Key: "t", Type: B32Float, Note: "temp"},
		{Key: "missing", Type: B16Uint},
	}, at)
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"datetime":"2024-03-01 12:30:05"`) {
		t.Fatalf("datetime missing: %s", s)
	}
	if strings.Index(s, `"t":`) > strings.Index(s, `"missing":`) {
		t.Fatalf("data keys out of template order: %s", s)
	}

	var out struct {
		Hex  string                    `json:"hex"`
		Data map[string]map[string]any `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Hex != "41 bc 00 00" {
		t.Fatalf("hex = %q", out.Hex)
	}
	if out.Data["t"]["value"] != 23.5 {
		t.Fatalf("t.value = %#v, want 23.5", out.Data["t"]["value"])
	}
	if out.Data["missing"]["value"] != nil || out.Data["missing"]["note"] != NoteNoData {
		t.Fatalf("missing = %#v", out.Data["missing"])
	}
}

func TestParseDataType(t *testing.T) {
	t.Parallel()
	got, err := ParseDataType(" b32_float ")
	if err != nil || got != B32Float {
		t.Fatalf("ParseDataType = %q, %v", got, err)
	}
	if _, err := ParseDataType("B24_UINT"); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if err := Validate([]Field{{Key: "a", Type: B8Uint}, {Key: "a", Type: B8Uint}}); err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestDecodeHalfFloat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  []byte
		want float64
	}{
		{"one", []byte{0x3c, 0x00}, 1},
		{"minus two", []byte{0xc0, 0x00}, -2},
		{"max", []byte{0x7b, 0xff}, 65504},
		{"smallest subnormal", []byte{0x00, 0x01}, math.Ldexp(1, -24)},
		{"inf", []byte{0x7c, 0x00}, math.Inf(1)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := Decode(tt.raw, []Field{{Key: "h", Type: B16Float}}, time.Now())
			fv, _ := rec.Field("h")
			if got, ok := fv.Value.(float64); !ok || got != tt.want {
				t.Fatalf("Value = %#v, want %v", fv.Value, tt.want)
			}
		})
	}

	rec := Decode([]byte{0x7e, 0x00}, []Field{{Key: "h", Type: B16Float}}, time.Now())
	if fv, _ := rec.Field("h"); !math.IsNaN(fv.Value.(float64)) {
		t.Fatalf("0x7e00 = %v, want NaN", fv.Value)
	}
}
