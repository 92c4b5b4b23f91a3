package decoder

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// DateTimeLayout is the wall-clock format used in serialized records.
const DateTimeLayout = "2006-01-02 15:04:05"

// FieldValue is one decoded field. Hex, Raw, Scale and Value are nil when the
// payload did not cover the field.
type FieldValue struct {
	Key      string
	Type     DataType
	Hex      *string
	Raw      any
	Note     string
	Scale    *float64
	Value    any
	Register int
}

// Ok reports whether the field decoded.
func (f FieldValue) Ok() bool { return f.Raw != nil }

func (f FieldValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  DataType `json:"type"`
		Hex   *string  `json:"hex"`
		Raw   any      `json:"raw"`
		Note  string   `json:"note"`
		Scale *float64 `json:"scale"`
		Value any      `json:"value"`
	}{f.Type, f.Hex, finite(f.Raw), f.Note, f.Scale, finite(f.Value)})
}

// encoding/json rejects NaN and Inf.
func finite(v any) any {
	if x, ok := v.(float64); ok && (math.IsNaN(x) || math.IsInf(x, 0)) {
		return nil
	}
	return v
}

// Record is the decoded result of one acquisition.
type Record struct {
	Time   time.Time
	Hex    string
	Fields []FieldValue
}

// Field looks up a decoded field by key.
func (r Record) Field(key string) (FieldValue, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return FieldValue{}, false
}

// Degraded counts fields that carry a null placeholder.
func (r Record) Degraded() int {
	n := 0
	for _, f := range r.Fields {
		if !f.Ok() {
			n++
		}
	}
	return n
}

// MarshalJSON keeps data keys in template order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"datetime":`)
	dt, _ := json.Marshal(r.Time.Format(DateTimeLayout))
	buf.Write(dt)
	buf.WriteString(`,"hex":`)
	hx, _ := json.Marshal(r.Hex)
	buf.Write(hx)
	buf.WriteString(`,"data":{`)
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}
