package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the execution engine.
//
// The scheduler is trigger-only; execution settings belong here. The app
// layer maps config.task_engine into this struct.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

// RunState is the in-flight gate for one logical job (one schedule).
// A task holding it counts as running from enqueue until it finishes, so
// a trigger that fires faster than execution cannot pile up the queue.
type RunState struct {
	mu       sync.Mutex
	inflight bool
}

// TryAcquire claims the gate without blocking.
func (s *RunState) TryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *RunState) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

// Busy reports whether the gate is held. It is a snapshot only.
func (s *RunState) Busy() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine. When State is set the task
// is skipped at enqueue time if another task holding the same State has not
// finished yet.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	SkippedOverlap   uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []HistoryItem
}
