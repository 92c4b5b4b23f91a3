package catalog

import (
	"modcollect/internal/config"
	"modcollect/internal/procedure"
)

// File is one decoded catalog: schedule id to entry.
type File map[string]Entry

// Entry is the declarative form of one schedule.
type Entry struct {
	Description     string                  `json:"description,omitempty"`
	Enabled         *bool                   `json:"enabled,omitempty"`
	Trigger         TriggerSpec             `json:"trigger"`
	Comm            CommSpec                `json:"comm"`
	DefaultTemplate string                  `json:"default_template"`
	Templates       map[string]TemplateSpec `json:"templates"`
}

type TriggerSpec struct {
	Type    string         `json:"type"`
	Setting map[string]any `json:"setting,omitempty"`
}

type CommSpec struct {
	Type    string      `json:"type"`
	Setting CommSetting `json:"setting"`
}

// CommSetting carries both tcp and serial parameters; which ones apply
// depends on CommSpec.Type. Timeout is seconds (number) or a duration string.
type CommSetting struct {
	Host     string          `json:"host,omitempty"`
	Port     int             `json:"port,omitempty"`
	UnitID   int             `json:"unit_id,omitempty"`
	Device   string          `json:"device,omitempty"`
	BaudRate int             `json:"baud_rate,omitempty"`
	DataBits int             `json:"data_bits,omitempty"`
	StopBits int             `json:"stop_bits,omitempty"`
	Parity   string          `json:"parity,omitempty"`
	Timeout  config.Duration `json:"timeout,omitempty"`
}

type TemplateSpec struct {
	Procedure procedure.Procedure `json:"procedure"`
	Fields    []FieldSpec         `json:"fields"`
}

// FieldSpec accepts "name" as an alias of "key".
type FieldSpec struct {
	Key   string   `json:"key,omitempty"`
	Name  string   `json:"name,omitempty"`
	Type  string   `json:"type"`
	Note  string   `json:"note,omitempty"`
	Scale *float64 `json:"scale"`
}
