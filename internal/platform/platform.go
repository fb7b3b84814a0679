// Package platform declares the collaborator interfaces the boot core
// consumes but does not implement: the IPI transport, the DMA copy
// primitive, the PMP permission oracle, the timer and trigger facilities,
// the domain registry, CRC32, and the debug sink. These are all supplied
// by whatever platform embeds the boot core, which defines "what the core
// needs" separately from "what the host provides".
package platform

import "time"

// HartID identifies an application hart. Hart 0 is the monitor hart
// itself and never appears as a PerHartMachine target.
type HartID uint32

// Timer provides monotonic time and elapsed-interval checks. All "wait"
// logic in the boot state machine is expressed by polling IsElapsed
// rather than blocking.
type Timer interface {
	Now() time.Time
	IsElapsed(start time.Time, interval time.Duration) bool
}

// TriggerEvent names one of the cross-component signals the boot core
// waits on or raises.
type TriggerEvent uint32

const (
	TriggerInvalid TriggerEvent = iota
	TriggerDDRTrained
	TriggerStartupComplete
	TriggerBootComplete
	TriggerPostBoot
)

func (e TriggerEvent) String() string {
	switch e {
	case TriggerDDRTrained:
		return "DDR_TRAINED"
	case TriggerStartupComplete:
		return "STARTUP_COMPLETE"
	case TriggerBootComplete:
		return "BOOT_COMPLETE"
	case TriggerPostBoot:
		return "POST_BOOT"
	default:
		return "INVALID"
	}
}

// Trigger is a level-set-and-test signalling primitive shared with
// collaborators outside this module (DDR training, startup sequencing,
// the aggregate boot-complete announcement).
type Trigger interface {
	IsNotified(ev TriggerEvent) bool
	Notify(ev TriggerEvent)
}

// Pmp is the physical-memory-protection oracle and programmer.
type Pmp interface {
	// CheckWrite reports whether target is permitted to have [addr,
	// addr+size) written on its behalf. This is the gate that must be
	// consulted before every DmaMemcpy the core issues.
	CheckWrite(target HartID, addr uint64, size uint64) bool

	// ConfigureAndLock programs and locks target's PMP regions from the
	// platform's static configuration. It is idempotent from the core's
	// point of view: PMPSetupHandler only ever calls it once per hart
	// per reset, guarded by its own bookkeeping, but a platform is free
	// to make repeat calls a no-op too.
	ConfigureAndLock(target HartID) error
}

// Dma is the bulk-copy and zero-fill primitive used to move image chunks
// into their execution addresses and to zero BSS regions.
type Dma interface {
	Memcpy(dst, src uint64, n uint64) error
	Memset(dst uint64, value byte, n uint64) error
}

// Ddr reports whether a physical address lies inside trained DDR.
type Ddr interface {
	IsAddrInDDR(addr uint64) bool
}

// Crc32 computes a CRC32 checksum over buf. The polynomial and table are
// a platform concern; the boot core only ever compares the result
// against a value embedded in the image.
type Crc32 interface {
	Compute(buf []byte) uint32
}

// MessageOp enumerates the IPI message kinds the boot core emits or
// consumes.
type MessageOp uint32

const (
	MsgInvalid MessageOp = iota
	MsgPMPSetup
	MsgOpenSBIInit
	MsgGoto
	MsgBootRequest
	MsgRprocBoot
)

func (op MessageOp) String() string {
	switch op {
	case MsgPMPSetup:
		return "PMP_SETUP"
	case MsgOpenSBIInit:
		return "OPENSBI_INIT"
	case MsgGoto:
		return "GOTO"
	case MsgBootRequest:
		return "BOOT_REQUEST"
	case MsgRprocBoot:
		return "RPROC_BOOT"
	default:
		return "INVALID"
	}
}

// Message is the payload carried by one IPI.
type Message struct {
	Op       MessageOp
	PrivMode uint8
	Entry    uint64
	Arg      uint64
}

// SlotID indexes one in-flight IPI message in the transport. It has
// meaning only to the transport and to internal/ipi, which assigns one
// to each machine's primary and auxiliary requests.
type SlotID uint32

// IPITransport is the inter-processor-interrupt delivery mechanism. The
// core allocates a slot, delivers a message through it, and polls for
// completion; the transport owns retransmission and the wire format.
type IPITransport interface {
	Alloc() (SlotID, bool)
	Deliver(slot SlotID, target HartID, msg Message) error
	CheckIfComplete(slot SlotID) bool
	Free(slot SlotID)

	// ConsumeIntent reports and clears a pending unsolicited message of
	// kind op addressed to target (used by Idle to poll for
	// BOOT_REQUEST). The returned
	// Message is only meaningful when ok is true.
	ConsumeIntent(target HartID, op MessageOp) (msg Message, ok bool)
}

// Domain is the supervisor runtime's notion of a hart group sharing one
// boot hart, entry point, and privilege mode.
type Domain struct {
	Name              string
	HartMask          uint32
	BootHart          HartID
	PrivMode          uint8
	EntryPoint        uint64
	Arg1              uint64
	ColdRebootAllowed bool
	WarmRebootAllowed bool
}

// Domains is the registry that informs the supervisor runtime about hart
// groupings.
type Domains interface {
	Register(d Domain) error
	Deregister(target HartID) error
	RegisterBootHart(target HartID) error
}

// PerfCounters is the per-hart boot performance counter facility
// (internal/perfctr implements it).
type PerfCounters interface {
	Allocate(name string) PerfHandle
	Lap(h PerfHandle) (time.Duration, bool)
}

// PerfHandle is an opaque performance counter handle. It is defined here,
// rather than imported from internal/perfctr, so that platform has no
// dependency on the concrete implementation package: any conforming
// PerfCounters works, including one that discards samples entirely.
type PerfHandle uint32

// Level mirrors debug.Level without this package depending on
// internal/debug, keeping the collaborator boundary implementation-free.
type Level uint16

const (
	LevelError Level = iota + 1
	LevelWarn
	LevelStatus
	LevelNormal
)

// Debug is the leveled print sink.
type Debug interface {
	Printf(lvl Level, format string, args ...any)
}

// HartState is the external, live indicator of what an application hart
// is doing, as observed by operators and debuggers, distinct from the
// PerHartMachine's own internal state.
type HartState uint32

const (
	HartStateUnknown HartState = iota
	HartStateBooting
	HartStateIdle
)

// HartStateSink publishes HartState transitions and does nothing else;
// it has no bearing on the boot core's own control flow.
type HartStateSink interface {
	Set(target HartID, state HartState)
}
