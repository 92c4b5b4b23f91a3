// Package history keeps the most recent decoded records per schedule.
//
// Each schedule gets a fixed-capacity ring buffer created lazily on the first
// append, plus a single last-fetch slot. Nothing is persisted.
package history

import (
	"sync"

	"modcollect/internal/decoder"
)

// DefaultCapacity is the per-schedule ring size.
const DefaultCapacity = 60

type ring struct {
	buf  []decoder.Record
	head int // index of the oldest record
	n    int
}

func (r *ring) push(rec decoder.Record) {
	c := len(r.buf)
	if r.n < c {
		r.buf[(r.head+r.n)%c] = rec
		r.n++
		return
	}
	r.buf[r.head] = rec
	r.head = (r.head + 1) % c
}

// ordered returns a copy, oldest first.
func (r *ring) ordered() []decoder.Record {
	out := make([]decoder.Record, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

type Store struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string]*ring
	last     map[string]decoder.Record
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		rings:    map[string]*ring{},
		last:     map[string]decoder.Record{},
	}
}

func (s *Store) Capacity() int { return s.capacity }

// Append pushes rec into id's buffer, evicting the oldest record past
// capacity, and overwrites the last-fetch slot.
func (s *Store) Append(id string, rec decoder.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rings[id]
	if r == nil {
		r = &ring{buf: make([]decoder.Record, s.capacity)}
		s.rings[id] = r
	}
	r.push(rec)
	s.last[id] = rec
}

// Get returns id's buffered records, oldest to newest. The slice is a copy.
func (s *Store) Get(id string) []decoder.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.rings[id]
	if r == nil {
		return nil
	}
	return r.ordered()
}

// At returns one buffered record. Negative indexes count back from the newest.
func (s *Store) At(id string, index int) (decoder.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.rings[id]
	if r == nil {
		return decoder.Record{}, false
	}
	if index < 0 {
		index += r.n
	}
	if index < 0 || index >= r.n {
		return decoder.Record{}, false
	}
	return r.buf[(r.head+index)%len(r.buf)], true
}

func (s *Store) LastFetch(id string) (decoder.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.last[id]
	return rec, ok
}

func (s *Store) Len(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.rings[id]; r != nil {
		return r.n
	}
	return 0
}

// Total counts buffered records across all schedules.
func (s *Store) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.rings {
		n += r.n
	}
	return n
}

// Remove drops id's buffer and last-fetch slot. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.rings, id)
	delete(s.last, id)
	s.mu.Unlock()
}
