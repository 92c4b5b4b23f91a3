package collector

import (
	"time"

	"modcollect/internal/eventbus"
)

// Event types published on the bus.
const (
	EventScheduleAdded    = "schedule.added"
	EventScheduleRemoved  = "schedule.removed"
	EventScheduleModified = "schedule.modified"
	EventScheduleEnabled  = "schedule.enabled"
	EventScheduleDisabled = "schedule.disabled"
	EventRunCompleted     = "run.completed"
	EventRunFailed        = "run.failed"
	EventOnDemandDone     = "ondemand.completed"
	EventOnDemandFailed   = "ondemand.failed"
)

// Event is the payload of every collector bus event.
type Event struct {
	Schedule string        `json:"schedule"`
	Template string        `json:"template,omitempty"`
	Source   Source        `json:"source,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

func (c *Collector) publish(typ string, ev Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
