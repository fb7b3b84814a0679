// Package scheduler implements the monitor hart's cooperative,
// single-threaded round robin over the fixed per-hart machine table.
// Every machine gets exactly one non-blocking Tick per pass; there is
// no goroutine per hart and no locking on the hot path.
//
// A Builder accumulates tickable machines, Build freezes the table, and
// the resulting Scheduler is only ever driven by repeated RunOnce/Run
// calls: register everything up front, then build once.
package scheduler

import "context"

// Ticker is anything the scheduler can advance by one non-blocking step.
// internal/machine.Machine satisfies this.
type Ticker interface {
	Tick()
}

// Builder accumulates Tickers before the machine table is frozen:
// register everything up front, then Build once.
type Builder struct {
	tickers []Ticker
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Register adds t to the table built by a subsequent Build call. The
// order machines are registered in is the order Tick visits them.
func (b *Builder) Register(t Ticker) {
	b.tickers = append(b.tickers, t)
}

// Build freezes the registered tickers into a Scheduler. The Builder may
// be discarded afterward.
func (b *Builder) Build() *Scheduler {
	return &Scheduler{tickers: append([]Ticker(nil), b.tickers...)}
}

// Scheduler drives a fixed table of Tickers in round robin. It holds no
// mutex: callers that need to observe state from another goroutine do so
// through the Tickers' own exported accessors (e.g.
// machine.Machine.State, which doesn't require the scheduler's
// involvement).
type Scheduler struct {
	tickers []Ticker
}

// Len reports how many Tickers this Scheduler drives.
func (s *Scheduler) Len() int { return len(s.tickers) }

// RunOnce advances every registered Ticker by exactly one Tick, in
// registration order, and returns. It never blocks beyond what an
// individual Tick call does.
func (s *Scheduler) RunOnce() {
	for _, t := range s.tickers {
		t.Tick()
	}
}

// Run calls RunOnce repeatedly until ctx is done. It is the monitor
// hart's main loop.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			s.RunOnce()
		}
	}
}
