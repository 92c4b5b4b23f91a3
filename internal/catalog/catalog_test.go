package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"modcollect/internal/collector"
	"modcollect/internal/decoder"
	"modcollect/internal/device"
	"modcollect/internal/procedure"
	"modcollect/internal/task/scheduler"
	logx "modcollect/pkg/logx"
)

const sampleYAML = `
sensor-1:
  description: boiler room
  trigger: {type: interval, setting: {seconds: 5}}
  comm: {type: tcp, setting: {host: 10.0.0.7, port: 1502, unit_id: 3, timeout: 1.5}}
  default_template: default
  templates:
    default:
      procedure: [{op: read_holding_registers, address: 0, count: 2}]
      fields:
        - {key: t, type: b32_float, note: celsius}
meter-2:
  enabled: false
  trigger: {type: cron, setting: {minute: "*/5"}}
  comm:
    type: rtu
    setting: {device: /dev/ttyUSB0, baud_rate: 9600, parity: e, unit_id: 7, timeout: 250ms}
  default_template: energy
  templates:
    energy:
      procedure: |
        function main(kwargs) { return read_input_registers(0, 1); }
      fields:
        - {name: kwh, type: B16_UINT, scale: 0.1}
`

func TestParseAndBuild(t *testing.T) {
	t.Parallel()

	f, err := Parse("schedules.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	defs, err := f.Build(time.UTC)
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}
	// sorted by id
	meter, sensor := defs[0], defs[1]
	if meter.ID != "meter-2" || sensor.ID != "sensor-1" {
		t.Fatalf("ids = %q,%q, want meter-2,sensor-1", meter.ID, sensor.ID)
	}

	if sensor.Trigger.Kind != scheduler.KindInterval || sensor.Trigger.Every != 5*time.Second {
		t.Fatalf("sensor trigger = %v, want interval 5s", sensor.Trigger)
	}
	if !sensor.Enabled || sensor.Source != collector.SourceFile || sensor.Description != "boiler room" {
		t.Fatalf("sensor def = %+v", sensor)
	}
	wantDev := device.Descriptor{Mode: device.ModeTCP, Host: "10.0.0.7", Port: 1502, UnitID: 3, Timeout: 1500 * time.Millisecond}
	if sensor.Device != wantDev {
		t.Fatalf("sensor device = %+v, want %+v", sensor.Device, wantDev)
	}
	tpl := sensor.Templates["default"]
	if tpl.Name != "default" || len(tpl.Procedure.Ops) != 1 || tpl.Procedure.Ops[0].Op != procedure.ReadHoldingRegisters {
		t.Fatalf("sensor template = %+v", tpl)
	}
	if len(tpl.Fields) != 1 || tpl.Fields[0].Type != decoder.B32Float || tpl.Fields[0].Note != "celsius" {
		t.Fatalf("sensor fields = %+v", tpl.Fields)
	}

	if meter.Enabled {
		t.Fatalf("meter enabled = true, want false")
	}
	if meter.Trigger.Kind != scheduler.KindCron {
		t.Fatalf("meter trigger = %v, want cron", meter.Trigger)
	}
	if meter.Device.Mode != device.ModeRTU || meter.Device.Serial.Parity != "E" || meter.Device.Timeout != 250*time.Millisecond {
		t.Fatalf("meter device = %+v", meter.Device)
	}
	energy := meter.Templates["energy"]
	if !strings.Contains(energy.Procedure.Script, "read_input_registers") {
		t.Fatalf("meter script = %q", energy.Procedure.Script)
	}
	if energy.Fields[0].Key != "kwh" || energy.Fields[0].Scale == nil || *energy.Fields[0].Scale != 0.1 {
		t.Fatalf("meter fields = %+v", energy.Fields)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	src := `{"s": {"trigger": {"type": "date", "setting": {"run_date": "2099-01-02T03:04:05Z"}},
	  "comm": {"type": "tcp", "setting": {"host": "h"}}, "default_template": "d",
	  "templates": {"d": {"procedure": "function main(){return []}", "fields": []}}}}`
	f, err := Parse("cat.json", []byte(src))
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	defs, err := f.Build(time.UTC)
	if err != nil {
		t.Fatalf("Build error = %v", err)
	}
	want := time.Date(2099, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := defs[0].Trigger; got.Kind != scheduler.KindDate || len(got.Dates) != 1 || !got.Dates[0].Equal(want) {
		t.Fatalf("trigger = %v, want date %v", got, want)
	}
}

func TestBuildRejects(t *testing.T) {
	t.Parallel()

	base := func(mut string) string {
		return `
s:
  trigger: {type: interval, setting: {seconds: 1}}
  comm: {type: tcp, setting: {host: h}}
  default_template: d
  templates:
    d:
      procedure: [{op: read_coils, address: 0, count: 1}]
      fields: [{key: a, type: B8_UINT}]
` + mut
	}
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown key", base("  bogus: 1\n"), "unknown field"},
		{"bad trigger", strings.Replace(base(""), "type: interval", "type: weekly", 1), "trigger"},
		{"bad comm", strings.Replace(base(""), "type: tcp", "type: can", 1), "comm"},
		{"missing host", strings.Replace(base(""), "{host: h}", "{port: 1}", 1), "host is required"},
		{"bad unit", strings.Replace(base(""), "{host: h}", "{host: h, unit_id: 300}", 1), "unit_id"},
		{"bad type", strings.Replace(base(""), "B8_UINT", "B12_UINT", 1), "unknown data type"},
		{"dup field", strings.Replace(base(""), "[{key: a, type: B8_UINT}]", "[{key: a, type: B8_UINT}, {key: a, type: B8_INT}]", 1), "duplicate"},
		{"bad timeout", strings.Replace(base(""), "{host: h}", "{host: h, timeout: soon}", 1), "invalid duration"},
		{"negative timeout", strings.Replace(base(""), "{host: h}", "{host: h, timeout: -2}", 1), "must be >= 0"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := Parse("c.yaml", []byte(tt.src))
			if err == nil {
				_, err = f.Build(time.UTC)
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	return p
}

const oneSchedule = `
%s:
  trigger: {type: interval, setting: {every: 1m}}
  comm: {type: tcp, setting: {host: h}}
  default_template: d
  templates:
    d:
      procedure: [{op: read_holding_registers, address: 0, count: 1}]
      fields: [{key: v, type: B16_UINT}]
`

func TestLoadAllDuplicateID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", strings.Replace(oneSchedule, "%s", "x", 1))
	b := writeFile(t, dir, "b.yaml", strings.Replace(oneSchedule, "%s", "x", 1))
	if _, err := LoadAll([]string{a, b}); err == nil || !strings.Contains(err.Error(), "defined in both") {
		t.Fatalf("LoadAll error = %v, want duplicate id", err)
	}

	c := writeFile(t, dir, "c.yaml", strings.Replace(oneSchedule, "%s", "y", 1))
	f, err := LoadAll([]string{a, c})
	if err != nil {
		t.Fatalf("LoadAll error = %v", err)
	}
	if len(f) != 2 {
		t.Fatalf("len = %d, want 2", len(f))
	}
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls [][]collector.ScheduleDef
}

func (r *fakeReconciler) Reconcile(source collector.Source, defs []collector.ScheduleDef) collector.ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, defs)
	res := collector.ReconcileResult{Failed: map[string]error{}}
	for _, d := range defs {
		res.Added = append(res.Added, d.ID)
	}
	return res
}

func (r *fakeReconciler) last() []collector.ScheduleDef {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func TestWatcherSync(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", strings.Replace(oneSchedule, "%s", "x", 1))
	rec := &fakeReconciler{}
	w := NewWatcher([]string{a, " ", a}, rec, nil, logx.Nop())

	if got := w.Paths(); len(got) != 1 {
		t.Fatalf("Paths() = %v, want one path", got)
	}
	res, err := w.Sync()
	if err != nil {
		t.Fatalf("Sync error = %v", err)
	}
	if len(res.Added) != 1 || res.Added[0] != "x" {
		t.Fatalf("Added = %v, want [x]", res.Added)
	}

	// A broken catalog is rejected before it reaches the collector.
	writeFile(t, dir, "a.yaml", "x: [")
	if _, err := w.Sync(); err == nil {
		t.Fatalf("Sync error = nil, want parse error")
	}
	if n := len(rec.calls); n != 1 {
		t.Fatalf("reconcile calls = %d, want 1", n)
	}

	if w.SetPaths([]string{a}) {
		t.Fatalf("SetPaths(same) = true, want false")
	}
	if !w.SetPaths(nil) {
		t.Fatalf("SetPaths(nil) = false, want true")
	}
	if _, err := w.Sync(); err != nil {
		t.Fatalf("Sync error = %v", err)
	}
	if got := rec.last(); len(got) != 0 {
		t.Fatalf("last defs = %v, want none", got)
	}
}
