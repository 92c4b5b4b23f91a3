package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"modcollect/internal/collector"
	"modcollect/internal/config"
	"modcollect/internal/decoder"
	"modcollect/internal/device"
	"modcollect/internal/task/scheduler"
)

// Parse decodes a catalog. The format follows name's extension (.yaml/.yml
// or JSON otherwise); unknown keys are rejected.
func Parse(name string, data []byte) (File, error) {
	var f File
	if err := config.DecodeStrict(name, data, &f); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", name, err)
	}
	if f == nil {
		f = File{}
	}
	return f, nil
}

func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, b)
}

// LoadAll merges several catalogs. An id may appear in only one file.
func LoadAll(paths []string) (File, error) {
	out := File{}
	from := map[string]string{}
	for _, p := range paths {
		f, err := Load(p)
		if err != nil {
			return nil, err
		}
		for id, e := range f {
			if prev, dup := from[id]; dup {
				return nil, fmt.Errorf("catalog: schedule %q defined in both %s and %s", id, prev, p)
			}
			from[id] = p
			out[id] = e
		}
	}
	return out, nil
}

// Build converts every entry, ordered by id. Any invalid entry fails the
// whole catalog.
func (f File) Build(loc *time.Location) ([]collector.ScheduleDef, error) {
	ids := make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	defs := make([]collector.ScheduleDef, 0, len(ids))
	for _, id := range ids {
		def, err := f[id].Def(id, loc)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Def converts one entry. Enabled defaults to true.
func (e Entry) Def(id string, loc *time.Location) (collector.ScheduleDef, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return collector.ScheduleDef{}, fmt.Errorf("catalog: empty schedule id")
	}
	wrap := func(what string, err error) error {
		return fmt.Errorf("catalog: schedule %q: %s: %w", id, what, err)
	}

	trig, err := scheduler.ParseTrigger(e.Trigger.Type, e.Trigger.Setting, loc)
	if err != nil {
		return collector.ScheduleDef{}, wrap("trigger", err)
	}
	dev, err := e.Comm.Descriptor()
	if err != nil {
		return collector.ScheduleDef{}, wrap("comm", err)
	}

	tpls := make(map[string]collector.Template, len(e.Templates))
	for name, ts := range e.Templates {
		tpl, err := ts.Template(name)
		if err != nil {
			return collector.ScheduleDef{}, wrap("template "+name, err)
		}
		tpls[name] = tpl
	}

	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	return collector.ScheduleDef{
		ID:              id,
		Trigger:         trig,
		Device:          dev,
		Templates:       tpls,
		DefaultTemplate: strings.TrimSpace(e.DefaultTemplate),
		Enabled:         enabled,
		Description:     e.Description,
		Source:          collector.SourceFile,
	}, nil
}

// Descriptor maps a comm block onto a device descriptor and validates it.
func (c CommSpec) Descriptor() (device.Descriptor, error) {
	mode, err := device.ParseMode(c.Type)
	if err != nil {
		return device.Descriptor{}, err
	}
	s := c.Setting
	if s.UnitID < 0 || s.UnitID > 255 {
		return device.Descriptor{}, fmt.Errorf("unit_id %d out of range 0-255", s.UnitID)
	}
	d := device.Descriptor{
		Mode:    mode,
		Host:    strings.TrimSpace(s.Host),
		Port:    s.Port,
		UnitID:  byte(s.UnitID),
		Timeout: s.Timeout.Std(),
		Serial: device.Serial{
			Device:   strings.TrimSpace(s.Device),
			BaudRate: s.BaudRate,
			DataBits: s.DataBits,
			StopBits: s.StopBits,
			Parity:   strings.ToUpper(strings.TrimSpace(s.Parity)),
		},
	}
	if err := d.Validate(); err != nil {
		return device.Descriptor{}, err
	}
	return d, nil
}

// Template converts a template block. Field types are matched
// case-insensitively.
func (t TemplateSpec) Template(name string) (collector.Template, error) {
	fields := make([]decoder.Field, 0, len(t.Fields))
	for i, fs := range t.Fields {
		key := strings.TrimSpace(fs.Key)
		if key == "" {
			key = strings.TrimSpace(fs.Name)
		}
		typ, err := decoder.ParseDataType(fs.Type)
		if err != nil {
			return collector.Template{}, fmt.Errorf("field %d (%s): %w", i, key, err)
		}
		fields = append(fields, decoder.Field{Key: key, Type: typ, Note: fs.Note, Scale: fs.Scale})
	}
	if err := decoder.Validate(fields); err != nil {
		return collector.Template{}, err
	}
	return collector.Template{Name: name, Procedure: t.Procedure, Fields: fields}, nil
}
