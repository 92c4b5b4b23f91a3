package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"modcollect/internal/collector"
	"modcollect/internal/decoder"
	"modcollect/internal/procedure"
	"modcollect/internal/storage"
	logx "modcollect/pkg/logx"
)

type fakeCollector struct {
	mu      sync.Mutex
	defs    map[string]collector.ScheduleDef
	history map[string][]decoder.Record

	onDemand    decoder.Record
	onDemandErr error
	gotKwargs   map[string]any
	gotTimeout  time.Duration
	gotTemplate string
}

func newFake() *fakeCollector {
	return &fakeCollector{defs: map[string]collector.ScheduleDef{}, history: map[string][]decoder.Record{}}
}

func notFound(id string) error { return fmt.Errorf("%w: %s", collector.ErrScheduleNotFound, id) }

func (f *fakeCollector) AddSchedule(def collector.ScheduleDef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[def.ID]; ok {
		return fmt.Errorf("%w: %s", collector.ErrDuplicateSchedule, def.ID)
	}
	if _, ok := def.Templates[def.DefaultTemplate]; !ok {
		return collector.ErrMissingDefaultTemplate
	}
	f.defs[def.ID] = def
	return nil
}

func (f *fakeCollector) RemoveSchedule(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[id]; !ok {
		return notFound(id)
	}
	delete(f.defs, id)
	return nil
}

func (f *fakeCollector) UpdateSchedule(id string, u collector.ScheduleUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.defs[id]
	if !ok {
		return notFound(id)
	}
	if u.Trigger != nil {
		d.Trigger = *u.Trigger
	}
	if u.Enabled != nil {
		d.Enabled = *u.Enabled
	}
	f.defs[id] = d
	return nil
}

func (f *fakeCollector) info(d collector.ScheduleDef) collector.ScheduleInfo {
	names := make([]string, 0, len(d.Templates))
	for n := range d.Templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return collector.ScheduleInfo{
		ID:              d.ID,
		Trigger:         d.Trigger.String(),
		Device:          d.Device.String(),
		Enabled:         d.Enabled,
		Paused:          !d.Enabled,
		DefaultTemplate: d.DefaultTemplate,
		Templates:       names,
		Source:          d.Source,
	}
}

func (f *fakeCollector) ListSchedules() []collector.ScheduleInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []collector.ScheduleInfo{}
	for _, d := range f.defs {
		out = append(out, f.info(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeCollector) Schedule(id string) (collector.ScheduleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.defs[id]
	if !ok {
		return collector.ScheduleInfo{}, notFound(id)
	}
	return f.info(d), nil
}

func (f *fakeCollector) Templates(id string) ([]collector.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.defs[id]
	if !ok {
		return nil, notFound(id)
	}
	out := []collector.Template{}
	for _, t := range d.Templates {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeCollector) Template(id, name string) (collector.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.defs[id]
	if !ok {
		return collector.Template{}, notFound(id)
	}
	t, ok := d.Templates[name]
	if !ok {
		return collector.Template{}, fmt.Errorf("%w: %s/%s", collector.ErrTemplateNotFound, id, name)
	}
	return t, nil
}

func (f *fakeCollector) History(id string) ([]decoder.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[id]; !ok {
		return nil, notFound(id)
	}
	return f.history[id], nil
}

func (f *fakeCollector) HistoryAt(id string, index int) (decoder.Record, error) {
	recs, err := f.History(id)
	if err != nil {
		return decoder.Record{}, err
	}
	if index < 0 || index >= len(recs) {
		return decoder.Record{}, fmt.Errorf("%w: %s[%d]", collector.ErrRecordNotFound, id, index)
	}
	return recs[index], nil
}

func (f *fakeCollector) LastFetch(id string) (decoder.Record, error) {
	recs, err := f.History(id)
	if err != nil {
		return decoder.Record{}, err
	}
	if len(recs) == 0 {
		return decoder.Record{}, fmt.Errorf("%w: %s has no data yet", collector.ErrRecordNotFound, id)
	}
	return recs[len(recs)-1], nil
}

func (f *fakeCollector) RunOnDemand(ctx context.Context, id, templateName string, kwargs map[string]any, timeout time.Duration) (decoder.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[id]; !ok {
		return decoder.Record{}, notFound(id)
	}
	f.gotKwargs, f.gotTimeout, f.gotTemplate = kwargs, timeout, templateName
	return f.onDemand, f.onDemandErr
}

var tempField = []decoder.Field{{Key: "t", Type: decoder.B32Float}}

func record(v string) decoder.Record {
	raw, _ := decoder.ParseHex(v)
	return decoder.Decode(raw, tempField, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code, w.Body.Bytes()
}

const addBody = `{
  "id": "sensor-1",
  "trigger": {"type": "interval", "setting": {"seconds": 5}},
  "comm": {"type": "tcp", "setting": {"host": "127.0.0.1", "port": 1502, "unit_id": 1}},
  "default_template": "default",
  "templates": {"default": {
    "procedure": [{"op": "read_holding_registers", "address": 0, "count": 2}],
    "fields": [{"key": "t", "type": "B32_FLOAT"}]}}
}`

func TestStatusOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("x: %w", collector.ErrScheduleNotFound), http.StatusNotFound},
		{"template", collector.ErrTemplateNotFound, http.StatusNotFound},
		{"record", collector.ErrRecordNotFound, http.StatusNotFound},
		{"duplicate", collector.ErrDuplicateSchedule, http.StatusConflict},
		{"validation", collector.ErrMissingDefaultTemplate, http.StatusBadRequest},
		{"timeout", collector.ErrTimeout, http.StatusGatewayTimeout},
		{"acquisition", &collector.AcquisitionError{Device: "d", Stage: procedure.StageOpen, Err: errors.New("refused")}, http.StatusBadGateway},
		{"disabled", storage.ErrDisabled, http.StatusNotFound},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := statusOf(tt.err); got != tt.want {
				t.Fatalf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestScheduleLifecycle(t *testing.T) {
	t.Parallel()

	fc := newFake()
	h := NewRouter(&API{Collector: fc, Location: func() *time.Location { return time.UTC }}, RouterConfig{})

	code, body := do(t, h, http.MethodPost, "/api/v1/schedules", addBody)
	if code != http.StatusCreated {
		t.Fatalf("POST status = %d, want 201 (%s)", code, body)
	}
	var info collector.ScheduleInfo
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info.ID != "sensor-1" || info.Source != collector.SourceAPI || info.Trigger != "interval[5s]" {
		t.Fatalf("info = %+v", info)
	}

	if code, _ := do(t, h, http.MethodPost, "/api/v1/schedules", addBody); code != http.StatusConflict {
		t.Fatalf("duplicate POST status = %d, want 409", code)
	}
	if code, _ := do(t, h, http.MethodPost, "/api/v1/schedules", `{"id": "x", "trigger": {"type": "never"}}`); code != http.StatusBadRequest {
		t.Fatalf("bad POST status = %d, want 400", code)
	}
	if code, _ := do(t, h, http.MethodPost, "/api/v1/schedules", `{"trigger": {}}`); code != http.StatusBadRequest {
		t.Fatalf("POST without id status = %d, want 400", code)
	}

	code, body = do(t, h, http.MethodGet, "/api/v1/schedules", "")
	var list []collector.ScheduleInfo
	if code != http.StatusOK || json.Unmarshal(body, &list) != nil || len(list) != 1 {
		t.Fatalf("GET list = %d %s", code, body)
	}

	code, body = do(t, h, http.MethodPatch, "/api/v1/schedules/sensor-1",
		`{"trigger": {"type": "cron", "setting": {"expr": "*/5 * * * *"}}, "enabled": false}`)
	if code != http.StatusOK {
		t.Fatalf("PATCH status = %d, want 200 (%s)", code, body)
	}
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info.Enabled || info.Trigger != "cron[*/5 * * * *]" {
		t.Fatalf("patched info = %+v", info)
	}
	code, body = do(t, h, http.MethodPatch, "/api/v1/schedules/sensor-1",
		`{"trigger": {"type": "interval", "setting": {"seconds": -1}}, "enabled": true}`)
	if code != http.StatusBadRequest {
		t.Fatalf("PATCH bad trigger status = %d, want 400 (%s)", code, body)
	}
	code, body = do(t, h, http.MethodGet, "/api/v1/schedules/sensor-1", "")
	if code != http.StatusOK || json.Unmarshal(body, &info) != nil {
		t.Fatalf("GET after bad PATCH = %d %s", code, body)
	}
	if info.Enabled || info.Trigger != "cron[*/5 * * * *]" {
		t.Fatalf("rejected PATCH changed info = %+v", info)
	}
	if code, _ := do(t, h, http.MethodPatch, "/api/v1/schedules/sensor-1", `{}`); code != http.StatusBadRequest {
		t.Fatalf("empty PATCH status = %d, want 400", code)
	}
	if code, _ := do(t, h, http.MethodPatch, "/api/v1/schedules/nope", `{"enabled": true}`); code != http.StatusNotFound {
		t.Fatalf("PATCH unknown status = %d, want 404", code)
	}

	if code, _ := do(t, h, http.MethodGet, "/api/v1/schedules/sensor-1/templates", ""); code != http.StatusOK {
		t.Fatalf("GET templates status = %d", code)
	}
	code, body = do(t, h, http.MethodGet, "/api/v1/schedules/sensor-1/templates/default", "")
	if code != http.StatusOK || !strings.Contains(string(body), `"B32_FLOAT"`) {
		t.Fatalf("GET template = %d %s", code, body)
	}
	if code, _ := do(t, h, http.MethodGet, "/api/v1/schedules/sensor-1/templates/other", ""); code != http.StatusNotFound {
		t.Fatalf("GET unknown template status = %d, want 404", code)
	}

	if code, _ := do(t, h, http.MethodDelete, "/api/v1/schedules/sensor-1", ""); code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", code)
	}
	if code, _ := do(t, h, http.MethodDelete, "/api/v1/schedules/sensor-1", ""); code != http.StatusNotFound {
		t.Fatalf("second DELETE status = %d, want 404", code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	t.Parallel()

	fc := newFake()
	h := NewRouter(&API{Collector: fc}, RouterConfig{})
	if code, body := do(t, h, http.MethodPost, "/api/v1/schedules", addBody); code != http.StatusCreated {
		t.Fatalf("POST status = %d (%s)", code, body)
	}

	if code, _ := do(t, h, http.MethodGet, "/api/v1/schedules/sensor-1/data?last_fetch=1", ""); code != http.StatusNotFound {
		t.Fatalf("last_fetch before data status = %d, want 404", code)
	}
	if code, body := do(t, h, http.MethodGet, "/api/v1/schedules/sensor-1/data", ""); code != http.StatusOK || string(body) != "[]" {
		t.Fatalf("data before any run = %d %s, want 200 []", code, body)
	}

	fc.mu.Lock()
	fc.history["sensor-1"] = []decoder.Record{record("41 bc 00 00"), record("41 c0 00 00")}
	fc.mu.Unlock()

	code, body := do(t, h, http.MethodGet, "/api/v1/schedules/sensor-1/data", "")
	var recs []struct {
		Datetime string `json:"datetime"`
		Hex      string `json:"hex"`
		Data     map[string]struct {
			Value float64 `json:"value"`
		} `json:"data"`
	}
	if code != http.StatusOK || json.Unmarshal(body, &recs) != nil {
		t.Fatalf("GET data = %d %s", code, body)
	}
	if len(recs) != 2 || recs[0].Data["t"].Value != 23.5 || recs[1].Data["t"].Value != 24 {
		t.Fatalf("records = %+v, want [23.5 24]", recs)
	}
	if recs[0].Datetime != "2024-05-01 12:00:00" {
		t.Fatalf("datetime = %q", recs[0].Datetime)
	}

	code, body = do(t, h, http.MethodGet, "/api/v1/schedules/sensor-1/data?last_fetch=true", "")
	if code != http.StatusOK || !strings.Contains(string(body), `"value":24`) {
		t.Fatalf("last_fetch = %d %s", code, body)
	}
	code, body = do(t, h, http.MethodGet, "/api/v1/schedules/sensor-1/data/0", "")
	if code != http.StatusOK || !strings.Contains(string(body), `"value":23.5`) {
		t.Fatalf("data/0 = %d %s", code, body)
	}
	if code, _ := do(t, h, http.MethodGet, "/api/v1/schedules/sensor-1/data/5", ""); code != http.StatusNotFound {
		t.Fatalf("data/5 status = %d, want 404", code)
	}
	if code, _ := do(t, h, http.MethodGet, "/api/v1/schedules/sensor-1/data/x", ""); code != http.StatusBadRequest {
		t.Fatalf("data/x status = %d, want 400", code)
	}
	if code, _ := do(t, h, http.MethodGet, "/api/v1/schedules/ghost/data", ""); code != http.StatusNotFound {
		t.Fatalf("unknown schedule data status = %d, want 404", code)
	}
}

func TestProcedureCall(t *testing.T) {
	t.Parallel()

	fc := newFake()
	h := NewRouter(&API{Collector: fc}, RouterConfig{})
	if code, body := do(t, h, http.MethodPost, "/api/v1/schedules", addBody); code != http.StatusCreated {
		t.Fatalf("POST status = %d (%s)", code, body)
	}
	fc.onDemand = record("41 bc 00 00")

	code, body := do(t, h, http.MethodPost, "/api/v1/procedure_call",
		`{"id": "sensor-1", "template": "default", "kwargs": {"setpoint": 7}, "timeout": "2s"}`)
	if code != http.StatusOK || !strings.Contains(string(body), `"value":23.5`) {
		t.Fatalf("procedure_call = %d %s", code, body)
	}
	fc.mu.Lock()
	if fc.gotTimeout != 2*time.Second || fc.gotTemplate != "default" || fc.gotKwargs["setpoint"] != float64(7) {
		t.Fatalf("call args = %v %q %v", fc.gotTimeout, fc.gotTemplate, fc.gotKwargs)
	}
	fc.mu.Unlock()

	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"timeout", collector.ErrTimeout, `{"id": "sensor-1"}`, http.StatusGatewayTimeout},
		{"acquisition", &collector.AcquisitionError{Device: "tcp://x", Stage: procedure.StageExecute, Err: errors.New("exception 2")}, `{"id": "sensor-1"}`, http.StatusBadGateway},
		{"bad timeout", nil, `{"id": "sensor-1", "timeout": "later"}`, http.StatusBadRequest},
		{"missing id", nil, `{"template": "default"}`, http.StatusBadRequest},
		{"unknown schedule", nil, `{"id": "ghost"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		fc.mu.Lock()
		fc.onDemandErr = tt.err
		fc.mu.Unlock()
		if code, body := do(t, h, http.MethodPost, "/api/v1/procedure_call", tt.body); code != tt.want {
			t.Fatalf("%s: status = %d, want %d (%s)", tt.name, code, tt.want, body)
		}
	}
}

func TestAudit(t *testing.T) {
	t.Parallel()

	h := NewRouter(&API{Collector: newFake()}, RouterConfig{})
	if code, _ := do(t, h, http.MethodGet, "/api/v1/audit", ""); code != http.StatusNotFound {
		t.Fatalf("audit disabled status = %d, want 404", code)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, s := range []string{"a", "b", "a"} {
		if err := st.AppendAudit(ctx, storage.AuditEntry{At: base.Add(time.Duration(i) * time.Minute), Kind: collector.EventScheduleAdded, Schedule: s}); err != nil {
			t.Fatalf("AppendAudit error = %v", err)
		}
	}

	h = NewRouter(&API{Collector: newFake(), Audit: st}, RouterConfig{})
	code, body := do(t, h, http.MethodGet, "/api/v1/audit?schedule=a&limit=10", "")
	var entries []storage.AuditEntry
	if code != http.StatusOK || json.Unmarshal(body, &entries) != nil {
		t.Fatalf("GET audit = %d %s", code, body)
	}
	if len(entries) != 2 || !entries[0].At.After(entries[1].At) {
		t.Fatalf("entries = %+v, want 2 newest first", entries)
	}
	if code, _ := do(t, h, http.MethodGet, "/api/v1/audit?since=yesterday", ""); code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d, want 400", code)
	}
	if code, _ := do(t, h, http.MethodGet, "/api/v1/audit?limit=-1", ""); code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", code)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "modcollect_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	h := NewRouter(&API{Collector: newFake(), Gatherer: reg}, RouterConfig{})
	code, body := do(t, h, http.MethodGet, "/metrics", "")
	if code != http.StatusOK || !bytes.Contains(body, []byte("modcollect_test_total 1")) {
		t.Fatalf("GET /metrics = %d %s", code, body)
	}
	code, body = do(t, h, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || !bytes.Contains(body, []byte(`"status":"ok"`)) {
		t.Fatalf("GET /healthz = %d %s", code, body)
	}
	if code, _ := do(t, h, http.MethodGet, "/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof disabled status = %d, want 404", code)
	}
}

func TestPprofToken(t *testing.T) {
	t.Parallel()

	h := NewRouter(&API{Collector: newFake()}, RouterConfig{Pprof: PprofConfig{Enabled: true, Token: "s3cret"}})

	if code, _ := do(t, h, http.MethodGet, "/debug/pprof/cmdline", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", code)
	}
	if code, _ := do(t, h, http.MethodGet, "/debug/pprof/cmdline?token=wrong", ""); code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", code)
	}
	if code, _ := do(t, h, http.MethodGet, "/debug/pprof/cmdline?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("bearer token status = %d, want 200", w.Code)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, &API{Collector: newFake()}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	select {
	case <-svc.Ready():
	case <-time.After(3 * time.Second):
		t.Fatalf("server not ready")
	}
	addr := svc.Addr()
	if addr == "" {
		t.Fatalf("Addr() empty after ready")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	svc.Stop(stopCtx)
	if got := svc.Addr(); got != "" {
		t.Fatalf("Addr() after Stop = %q, want empty", got)
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatalf("GET after Stop succeeded, want connection error")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8080", true},
		{"localhost:1", true},
		{"[::1]:80", true},
		{":8080", false},
		{"0.0.0.0:8080", false},
		{"10.1.2.3:80", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
