// Package perfctr tracks per-hart boot performance counters.
//
// Each counter records the wall-clock time between successive laps: the
// boot state machine allocates one counter per application hart the
// first time its Initialization succeeds, and laps it every time the hart returns to
// Idle, so "how long did this hart's last boot cycle take" is always one
// lap away. This package only keeps the in-memory case the boot core
// actually needs: no on-disk trace format, since that belongs to the
// platform's own profiling facility, not this module.
package perfctr

import (
	"fmt"
	"sync"
	"time"
)

// Handle identifies one allocated counter.
type Handle uint32

const invalidHandle Handle = 0

// Sample is one completed lap.
type Sample struct {
	Name     string
	Duration time.Duration
	At       time.Time
}

// Counters is a registry of named per-hart performance counters.
//
// The zero value is not ready for use; call New.
type Counters struct {
	mu      sync.Mutex
	now     func() time.Time
	names   map[Handle]string
	last    map[Handle]time.Time
	samples map[Handle][]Sample
	next    Handle
}

// Option configures a new Counters registry.
type Option func(*Counters)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Counters) { c.now = now }
}

// New returns an empty counter registry.
func New(opts ...Option) *Counters {
	c := &Counters{
		now:     time.Now,
		names:   make(map[Handle]string),
		last:    make(map[Handle]time.Time),
		samples: make(map[Handle][]Sample),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Allocate reserves a new named counter, seeded at the current time.
func (c *Counters) Allocate(name string) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	h := c.next
	c.names[h] = name
	c.last[h] = c.now()
	return h
}

// Lap records the duration since the counter was allocated or last
// lapped, and resets the reference point to now. Lapping an unknown or
// already-freed handle is a no-op: a machine that restarts mid-boot may
// lap a stale handle from a prior attempt, and that is routine, not an
// error.
func (c *Counters) Lap(h Handle) (time.Duration, bool) {
	if h == invalidHandle {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.last[h]
	if !ok {
		return 0, false
	}
	now := c.now()
	d := now.Sub(last)
	c.last[h] = now
	c.samples[h] = append(c.samples[h], Sample{Name: c.names[h], Duration: d, At: now})
	return d, true
}

// Free releases a counter. Freeing is optional: counters are cheap and a
// monitor reset clears the whole registry, but a long-lived process that
// restarts individual harts many times should free counters for harts it
// no longer tracks.
func (c *Counters) Free(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.names, h)
	delete(c.last, h)
	delete(c.samples, h)
}

// Samples returns the recorded laps for h, oldest first.
func (c *Counters) Samples(h Handle) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Sample, len(c.samples[h]))
	copy(out, c.samples[h])
	return out
}

// Name returns the name a handle was allocated with.
func (c *Counters) Name(h Handle) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name, ok := c.names[h]
	return name, ok
}

func (h Handle) String() string {
	if h == invalidHandle {
		return "perfctr(invalid)"
	}
	return fmt.Sprintf("perfctr(%d)", uint32(h))
}
