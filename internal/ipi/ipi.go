// Package ipi implements the request/acknowledgement bookkeeping that
// sits on top of a platform.IPITransport: grouping one primary slot with
// its per-peer auxiliary slots into a single outstanding Request, holding
// each tracker to a bounded number of outstanding requests (at most one
// per target hart), and
// leaving the free-on-ack-versus-free-on-timeout decision to the caller.
// The transport itself - allocation of the underlying wire slots,
// delivery, and completion polling - is a platform collaborator
// (internal/platform.IPITransport); this package never talks to
// hardware directly.
//
// The slot bookkeeping (a fixed-size table of in-flight handles, a
// sentinel value for "not in use", and no blocking anywhere) follows
// the shape of a descriptor-ring allocator rather than inventing a new
// discipline for it.
package ipi

import (
	"errors"
	"time"

	"github.com/tinyrange/hartmon/internal/platform"
)

// Unused is the sentinel SlotID meaning "no auxiliary slot occupies this
// position". A real transport never hands out this value from Alloc.
const Unused platform.SlotID = 0

// MaxAux bounds the number of auxiliary acknowledgements a single
// request may wait on: one per peer application hart besides the
// primary target.
const MaxAux = bootAppHarts - 1

// bootAppHarts mirrors bootimage.NApp without importing it, so this
// package has no dependency on the image layout - only on the hart
// count the boot design fixes.
const bootAppHarts = 4

var (
	// ErrOutstandingLimitReached is returned by Allocate when the tracker
	// already has MaxOutstanding requests in flight.
	ErrOutstandingLimitReached = errors.New("ipi: outstanding request limit reached")

	// ErrNoSlot is returned by Allocate when the underlying transport's
	// slot pool is exhausted.
	ErrNoSlot = errors.New("ipi: transport has no free slot")

	// ErrUnknownTarget is returned by Deliver, CheckIfComplete, and Free
	// when passed a Request the tracker did not allocate.
	ErrUnknownTarget = errors.New("ipi: request not owned by this tracker")
)

// Request is one outstanding primary-plus-auxiliary IPI exchange.
type Request struct {
	Target     platform.HartID
	Msg        platform.Message
	AuxTargets []platform.HartID

	primary   platform.SlotID
	aux       [MaxAux]platform.SlotID
	startedAt time.Time
	delivered bool
}

// Tracker bounds the number of simultaneously outstanding Requests and
// aggregates primary-plus-auxiliary completion.
type Tracker struct {
	transport      platform.IPITransport
	timer          platform.Timer
	maxOutstanding int
	outstanding    map[platform.HartID]*Request
}

// New returns a Tracker backed by transport, using timer for timeout
// checks and admitting at most maxOutstanding simultaneous requests.
func New(transport platform.IPITransport, timer platform.Timer, maxOutstanding int) *Tracker {
	return &Tracker{
		transport:      transport,
		timer:          timer,
		maxOutstanding: maxOutstanding,
		outstanding:    make(map[platform.HartID]*Request),
	}
}

// Outstanding reports how many requests are currently in flight.
func (t *Tracker) Outstanding() int {
	return len(t.outstanding)
}

// Allocate reserves a primary slot for target and one auxiliary slot per
// entry in auxTargets, rejecting the request outright if the tracker is
// already at maxOutstanding or if target already has a
// request in flight. On any underlying Alloc failure, every slot already
// reserved for this request is freed before returning ErrNoSlot, so a
// partially-built request never leaks a slot.
func (t *Tracker) Allocate(target platform.HartID, msg platform.Message, auxTargets []platform.HartID) (*Request, error) {
	if len(auxTargets) > MaxAux {
		return nil, errors.New("ipi: too many auxiliary targets")
	}
	if _, busy := t.outstanding[target]; busy {
		return nil, errors.New("ipi: target already has an outstanding request")
	}
	if t.Outstanding() >= t.maxOutstanding {
		return nil, ErrOutstandingLimitReached
	}

	r := &Request{Target: target, Msg: msg, AuxTargets: append([]platform.HartID(nil), auxTargets...)}
	for i := range r.aux {
		r.aux[i] = Unused
	}

	primary, ok := t.transport.Alloc()
	if !ok {
		return nil, ErrNoSlot
	}
	r.primary = primary

	for i := range auxTargets {
		slot, ok := t.transport.Alloc()
		if !ok {
			t.transport.Free(r.primary)
			for j := 0; j < i; j++ {
				t.transport.Free(r.aux[j])
			}
			return nil, ErrNoSlot
		}
		r.aux[i] = slot
	}

	t.outstanding[target] = r
	return r, nil
}

// Deliver sends r's message through its primary slot, and through each
// auxiliary slot addressed to the corresponding AuxTargets entry. It may
// be called exactly once per Request; a second call returns an error.
func (t *Tracker) Deliver(r *Request) error {
	if err := t.own(r); err != nil {
		return err
	}
	if r.delivered {
		return errors.New("ipi: request already delivered")
	}

	if err := t.transport.Deliver(r.primary, r.Target, r.Msg); err != nil {
		return err
	}
	for i, peer := range r.AuxTargets {
		if err := t.transport.Deliver(r.aux[i], peer, r.Msg); err != nil {
			return err
		}
	}
	r.startedAt = t.timer.Now()
	r.delivered = true
	return nil
}

// CheckIfComplete reports whether the primary slot and every auxiliary
// slot have all reported completion.
func (t *Tracker) CheckIfComplete(r *Request) (bool, error) {
	if err := t.own(r); err != nil {
		return false, err
	}
	if !t.transport.CheckIfComplete(r.primary) {
		return false, nil
	}
	for i := range r.AuxTargets {
		if !t.transport.CheckIfComplete(r.aux[i]) {
			return false, nil
		}
	}
	return true, nil
}

// CheckTimeout reports whether r has been outstanding for at least
// timeout since Deliver was called. Calling it before Deliver always
// reports false.
func (t *Tracker) CheckTimeout(r *Request, timeout time.Duration) bool {
	if !r.delivered {
		return false
	}
	return t.timer.IsElapsed(r.startedAt, timeout)
}

// Free releases every slot r holds and removes it from the tracker,
// whether it is being freed because it completed or because it timed
// out; the caller decides which applies and Free does not care.
func (t *Tracker) Free(r *Request) error {
	if err := t.own(r); err != nil {
		return err
	}
	t.transport.Free(r.primary)
	for i := range r.AuxTargets {
		t.transport.Free(r.aux[i])
	}
	delete(t.outstanding, r.Target)
	return nil
}

func (t *Tracker) own(r *Request) error {
	if r == nil {
		return ErrUnknownTarget
	}
	if existing, ok := t.outstanding[r.Target]; !ok || existing != r {
		return ErrUnknownTarget
	}
	return nil
}
