// Package eventbus fans collector and executor events out to in-process
// consumers (the audit sink, the debug log).
package eventbus

import (
	"sort"
	"sync"
	"time"
)

// Event is one published signal. Data carries the publisher's payload
// (collector.Event, engine.Event).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus never blocks the publisher: a subscriber whose buffer is full misses
// the event and the drop is counted against its name.
type Bus interface {
	Publish(e Event)
	Subscribe(name string, buffer int) (ch <-chan Event, unsubscribe func())
}

// DropFunc is told about every event a subscriber missed.
type DropFunc func(subscriber, eventType string)

type Option func(*MemBus)

// WithDropHook reports dropped deliveries, e.g. to a metrics counter.
func WithDropHook(fn DropFunc) Option {
	return func(b *MemBus) { b.onDrop = fn }
}

const defaultBuffer = 8

type subscriber struct {
	name    string
	ch      chan Event
	dropped uint64
}

// MemBus is an in-memory Bus without background goroutines.
type MemBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    uint64
	onDrop DropFunc

	dropMu  sync.Mutex
	dropped map[string]uint64
}

func New(opts ...Option) *MemBus {
	b := &MemBus{subs: map[uint64]*subscriber{}, dropped: map[string]uint64{}}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish delivers e to every subscriber with buffer room. Sends happen under
// the read lock, so unsubscribe (which closes under the write lock) cannot
// race a send.
func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var missed []string
	b.mu.RLock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			missed = append(missed, s.name)
		}
	}
	b.mu.RUnlock()

	if len(missed) == 0 {
		return
	}
	b.dropMu.Lock()
	for _, name := range missed {
		b.dropped[name]++
	}
	b.dropMu.Unlock()
	if b.onDrop != nil {
		for _, name := range missed {
			b.onDrop(name, e.Type)
		}
	}
}

func (b *MemBus) Subscribe(name string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{name: name, ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Dropped returns missed deliveries per subscriber name since New.
func (b *MemBus) Dropped() map[string]uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	out := make(map[string]uint64, len(b.dropped))
	for k, v := range b.dropped {
		out[k] = v
	}
	return out
}

// Subscribers lists the names currently subscribed, sorted.
func (b *MemBus) Subscribers() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.name)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}
