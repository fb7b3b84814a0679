package perfctr

import (
	"time"

	"github.com/tinyrange/hartmon/internal/platform"
)

// platformCounters adapts *Counters to platform.PerfCounters, translating
// between this package's Handle and platform.PerfHandle (both opaque
// uint32s by construction, so the conversion is a direct cast).
type platformCounters struct {
	c *Counters
}

// PlatformCounters returns a platform.PerfCounters backed by c.
func PlatformCounters(c *Counters) platform.PerfCounters {
	return &platformCounters{c: c}
}

func (p *platformCounters) Allocate(name string) platform.PerfHandle {
	return platform.PerfHandle(p.c.Allocate(name))
}

func (p *platformCounters) Lap(h platform.PerfHandle) (time.Duration, bool) {
	return p.c.Lap(Handle(h))
}
