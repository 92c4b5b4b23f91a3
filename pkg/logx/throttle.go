package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates repeated log lines per key (for example per schedule id),
// so a device that stays offline does not flood the sinks.
//
// Zero value is not usable; use NewThrottle.
type Throttle struct {
	mu    sync.Mutex
	every time.Duration
	burst int
	m     map[string]*throttleEntry
}

type throttleEntry struct {
	lim        *rate.Limiter
	suppressed int
}

func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 30 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, m: map[string]*throttleEntry{}}
}

// Allow reports whether a line for key may be emitted now. When it returns
// true, suppressed is the number of lines dropped for key since the last
// allowed one.
func (t *Throttle) Allow(key string) (ok bool, suppressed int) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.m[key]
	if e == nil {
		e = &throttleEntry{lim: rate.NewLimiter(rate.Every(t.every), t.burst)}
		t.m[key] = e
	}
	if !e.lim.Allow() {
		e.suppressed++
		return false, 0
	}
	n := e.suppressed
	e.suppressed = 0
	return true, n
}

// Forget drops the limiter for key.
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.m, key)
	t.mu.Unlock()
}
