// Package monitor is the top-level orchestrator the monitor hart runs:
// it owns the per-hart machine table, the shared IPI request tracker,
// and the handful of operations an operator or the platform's own IPI
// dispatch calls into from outside the cooperative scheduler loop.
//
// It assembles a complete monitor out of independently built parts (one
// machine per configured hart, one scheduler, one shared IPI tracker)
// the same way a top-level machine is wired up out of a chipset plus a
// CPU table, rather than each machine owning its own private scheduler
// and transport.
package monitor

import (
	"errors"
	"time"

	"github.com/tinyrange/hartmon/internal/bootimage"
	"github.com/tinyrange/hartmon/internal/ipi"
	"github.com/tinyrange/hartmon/internal/machine"
	"github.com/tinyrange/hartmon/internal/platform"
	"github.com/tinyrange/hartmon/internal/scheduler"
)

var (
	ErrUnknownHart = errors.New("monitor: no machine registered for hart")
	ErrNoImage     = errors.New("monitor: no boot image registered")
)

// RestartAllHarts is the sentinel hart id RestartCore accepts to mean
// "every configured hart" instead of one in particular.
const RestartAllHarts platform.HartID = ^platform.HartID(0)

// Config collects every collaborator the monitor needs plus the fixed
// set of application harts it drives.
type Config struct {
	Harts      []platform.HartID
	Pmp        platform.Pmp
	Dma        platform.Dma
	Crc        platform.Crc32
	Debug      platform.Debug
	Perf       platform.PerfCounters
	Transport  platform.IPITransport
	Domains    platform.Domains
	Trigger    platform.Trigger
	HartStates platform.HartStateSink
	Timer      platform.Timer

	// Ddr reports whether a physical address lies in trained DDR. It is
	// forwarded to every machine so ZeroInitChunks can defer zeroing
	// addresses that aren't safe to touch yet.
	Ddr platform.Ddr

	// IPITimeout bounds how long a machine waits for an IPI ack before
	// failing with FailureTimeout.
	IPITimeout time.Duration

	// MaxOutstandingIPI bounds simultaneous in-flight IPI requests
	// across every hart.
	MaxOutstandingIPI int

	// Fallback builds the ancillary data blob handed to a hart whose
	// image carried no ANCILLIARY_DATA chunk.
	Fallback func(hart platform.HartID, entry uint64, privMode uint8) []byte
}

// Monitor owns the per-hart machine table and the collaborators shared
// across every machine.
type Monitor struct {
	cfg       Config
	ipi       *ipi.Tracker
	machines  map[platform.HartID]*machine.Machine
	hartIndex map[platform.HartID]int
	sched     *scheduler.Scheduler
	img       *bootimage.Image
	imageBase uint64

	// pmpSetupDone tracks which harts have already had their PMP
	// regions programmed since their last reset, so PMPSetupHandler
	// never reprograms a hart's regions twice in the same boot attempt.
	pmpSetupDone map[platform.HartID]bool
}

// New builds a Monitor for cfg.Harts, in the order given. hartIdx i is
// the position each hart occupies in a registered image's fixed
// NApp-sized hart table.
func New(cfg Config) *Monitor {
	tracker := ipi.New(cfg.Transport, cfg.Timer, cfg.MaxOutstandingIPI)

	mon := &Monitor{
		cfg:          cfg,
		ipi:          tracker,
		machines:     make(map[platform.HartID]*machine.Machine),
		hartIndex:    make(map[platform.HartID]int),
		pmpSetupDone: make(map[platform.HartID]bool),
	}

	b := scheduler.NewBuilder()
	for i, hart := range cfg.Harts {
		deps := machine.Deps{
			Pmp:        cfg.Pmp,
			Dma:        cfg.Dma,
			Crc:        cfg.Crc,
			Debug:      cfg.Debug,
			Perf:       cfg.Perf,
			IPI:        tracker,
			Transport:  cfg.Transport,
			Domains:    cfg.Domains,
			Trigger:    cfg.Trigger,
			HartStates: cfg.HartStates,
			Timer:      cfg.Timer,
			IPITimeout: cfg.IPITimeout,
			Fallback:   cfg.Fallback,
			Ddr:        cfg.Ddr,
			PeerHarts:  cfg.Harts,
		}
		m := machine.New(hart, i, deps)
		mon.machines[hart] = m
		mon.hartIndex[hart] = i
		b.Register(m)
	}
	mon.sched = b.Build()

	return mon
}

// Scheduler returns the round-robin scheduler driving every registered
// machine. The monitor hart's main loop calls Scheduler().Run(ctx).
func (mon *Monitor) Scheduler() *scheduler.Scheduler { return mon.sched }

// IPI returns the shared request tracker, for callers (tests, a debug
// console) that need to inspect outstanding requests directly.
func (mon *Monitor) IPI() *ipi.Tracker { return mon.ipi }

func (mon *Monitor) machineFor(hart platform.HartID) (*machine.Machine, error) {
	m, ok := mon.machines[hart]
	if !ok {
		return nil, ErrUnknownHart
	}
	return m, nil
}

// RegisterBootImage validates img and, on success, hands it to every
// registered machine so the next Tick each machine takes out of
// StateInitialization validates and proceeds.
func (mon *Monitor) RegisterBootImage(img *bootimage.Image, imageBase uint64) error {
	if err := bootimage.ValidateImage(img, mon.cfg.Crc, nil); err != nil {
		return err
	}
	mon.img = img
	mon.imageBase = imageBase
	for _, m := range mon.machines {
		m.RegisterImage(img, imageBase)
	}
	return nil
}

// RestartCore resets hart's machine back to StateInitialization,
// re-running it against the currently registered image, or every
// configured hart if hart is RestartAllHarts. The currently registered
// image is re-validated before anything is reset, so a since-corrupted
// image can never let a machine leave Idle.
//
// A hart sharing its boot image entry point with other harts takes
// them all down together (its co-boot group), matching the way
// registerHarts grouped them under one supervisor domain when they
// first booted. A hart whose table carries no chunks of its own - it
// never drove a co-boot group - is restarted alone.
func (mon *Monitor) RestartCore(hart platform.HartID) error {
	if hart == RestartAllHarts {
		for _, h := range mon.cfg.Harts {
			if err := mon.restartCore(h); err != nil {
				return err
			}
		}
		return nil
	}
	return mon.restartCore(hart)
}

func (mon *Monitor) restartCore(hart platform.HartID) error {
	if _, err := mon.machineFor(hart); err != nil {
		return err
	}
	if mon.img == nil {
		return ErrNoImage
	}
	if err := bootimage.ValidateImage(mon.img, mon.cfg.Crc, nil); err != nil {
		return err
	}

	idx, ok := mon.hartIndex[hart]
	if !ok {
		return ErrUnknownHart
	}
	entry := mon.img.Header.Hart[idx]

	localMask := uint32(1) << uint(idx)
	if entry.NumChunks > 0 {
		for peerIdx, peer := range mon.img.Header.Hart {
			if peerIdx == idx || !peer.HasEntryPoint() || peer.EntryPoint != entry.EntryPoint {
				continue
			}
			localMask |= 1 << uint(peerIdx)
		}
	}

	for peerIdx, peerHart := range mon.cfg.Harts {
		if localMask&(1<<uint(peerIdx)) == 0 {
			continue
		}
		if err := mon.recoverMachine(peerHart); err != nil {
			return err
		}
	}

	if mon.cfg.Trigger != nil {
		mon.cfg.Trigger.Notify(platform.TriggerPostBoot)
	}
	return nil
}

// recoverMachine returns hart's machine to a state it can safely
// restart its boot sequence from. A machine already mid supervisor
// handoff (StateOpenSbiInit) is left alone rather than torn out from
// under its in-flight OPENSBI_INIT request; every other state resets
// cleanly back to Initialization.
func (mon *Monitor) recoverMachine(hart platform.HartID) error {
	m, err := mon.machineFor(hart)
	if err != nil {
		return err
	}
	if m.State() == machine.StateOpenSbiInit {
		return nil
	}
	m.Reset()
	delete(mon.pmpSetupDone, hart)
	return nil
}

// RestartCoresUsingBitmask calls RestartCore for every hart whose bit is
// set in mask, where bit i addresses cfg.Harts[i].
func (mon *Monitor) RestartCoresUsingBitmask(mask uint32) error {
	for idx, hart := range mon.cfg.Harts {
		if mask&(1<<uint(idx)) == 0 {
			continue
		}
		if err := mon.RestartCore(hart); err != nil {
			return err
		}
	}
	return nil
}

// SkipBootIsSet reports whether the currently registered image marks
// hart with the skip-autoboot flag.
func (mon *Monitor) SkipBootIsSet(hart platform.HartID) (bool, error) {
	if mon.img == nil {
		return false, ErrNoImage
	}
	idx, ok := mon.hartIndex[hart]
	if !ok {
		return false, ErrUnknownHart
	}
	return mon.img.Header.Hart[idx].Flags.Has(bootimage.SkipAutoboot), nil
}

// PMPSetupRequest issues a standalone MsgPMPSetup IPI to hart outside
// the normal per-hart state machine, for operator-initiated PMP
// reconfiguration. The returned Request must be polled for completion
// and freed by the caller via IPI().
func (mon *Monitor) PMPSetupRequest(hart platform.HartID) (*ipi.Request, error) {
	if _, err := mon.machineFor(hart); err != nil {
		return nil, err
	}
	req, err := mon.ipi.Allocate(hart, platform.Message{Op: platform.MsgPMPSetup}, nil)
	if err != nil {
		return nil, err
	}
	if err := mon.ipi.Deliver(req); err != nil {
		mon.ipi.Free(req)
		return nil, err
	}
	return req, nil
}

// PMPSetupHandler is the remote-side handler run when a hart receives a
// MsgPMPSetup IPI: it programs and locks that hart's PMP regions. It is
// the monitor-side equivalent the platform invokes from its own
// interrupt context; this module never simulates the app hart's actual
// execution, only the request/ack bookkeeping around it.
//
// PMP regions are only ever programmed once per hart per reset:
// pmpSetupDone guards against a second MsgPMPSetup (an operator-issued
// PMPSetupRequest racing the boot sequence's own, say) reprogramming
// regions the hart may already be executing against.
func (mon *Monitor) PMPSetupHandler(hart platform.HartID) error {
	if mon.pmpSetupDone[hart] {
		return nil
	}
	if mon.cfg.HartStates != nil {
		mon.cfg.HartStates.Set(hart, platform.HartStateBooting)
	}
	if err := mon.cfg.Pmp.ConfigureAndLock(hart); err != nil {
		return err
	}
	mon.pmpSetupDone[hart] = true
	return nil
}

// IPIHandler dispatches one received IPI message to the appropriate
// monitor-side handler, by message op. Unrecognised ops are logged and
// otherwise ignored.
func (mon *Monitor) IPIHandler(hart platform.HartID, msg platform.Message) error {
	switch msg.Op {
	case platform.MsgPMPSetup:
		return mon.PMPSetupHandler(hart)
	case platform.MsgRprocBoot:
		// A remote-proc controller has already placed its target hart's
		// image in memory and wants it released straight into supervisor
		// handoff, skipping PMP setup and chunk download entirely.
		target := platform.HartID(msg.Arg)
		if tm, err := mon.machineFor(target); err == nil {
			tm.ForceOpenSbiInit()
		} else if mon.cfg.Debug != nil {
			mon.cfg.Debug.Printf(platform.LevelWarn, "hart %d: rproc_boot named unknown target hart %d", hart, target)
		}
		return mon.RestartCore(hart)
	case platform.MsgOpenSBIInit, platform.MsgGoto, platform.MsgBootRequest:
		// Handled entirely by the per-hart machine's own state
		// transitions; nothing further to do on receipt.
		return nil
	default:
		if mon.cfg.Debug != nil {
			mon.cfg.Debug.Printf(platform.LevelWarn, "hart %d: unrecognised ipi op %s", hart, msg.Op)
		}
		return nil
	}
}

// BootCustom runs a synchronous, non-cooperative boot of every
// configured application hart against img, entirely outside the
// per-hart machines and their scheduler: each hart's zero-init and
// chunk ranges are walked and copied to completion directly rather
// than one BootSubChunkSize slice per Tick, and each hart that has an
// entry point is sent its GOTO immediately rather than waiting on a
// machine's own OpenSbiInit/Wait handshake. It exists for bringing up a
// hand-supplied image (a debug payload, a recovery image) outside the
// normal RegisterBootImage-driven sequence.
//
// It returns the entry point and privilege mode the monitor hart itself
// should jump to once every application hart has been released: the
// last hart in cfg.Harts order whose table carried at least one chunk.
// Preserving "last qualifying hart wins" here, rather than rejecting an
// image with more than one such hart, matches every other table walk in
// this package in tolerating more than one row matching a predicate.
func (mon *Monitor) BootCustom(img *bootimage.Image, imageBase uint64) (entry uint64, privMode uint8, err error) {
	if err := bootimage.ValidateImage(img, mon.cfg.Crc, nil); err != nil {
		return 0, 0, err
	}

	haveTarget := false
	for idx, hart := range mon.cfg.Harts {
		he := img.Header.Hart[idx]

		if err := mon.zeroInitFor(hart, img); err != nil {
			return 0, 0, err
		}
		if err := mon.downloadFor(hart, img, imageBase, he); err != nil {
			return 0, 0, err
		}

		if he.NumChunks > 0 {
			entry, privMode = he.EntryPoint, he.PrivMode
			haveTarget = true
		}

		if !he.HasEntryPoint() {
			continue
		}
		req, err := mon.ipi.Allocate(hart, platform.Message{Op: platform.MsgGoto, PrivMode: he.PrivMode, Entry: he.EntryPoint}, nil)
		if err != nil {
			return 0, 0, err
		}
		if err := mon.ipi.Deliver(req); err != nil {
			mon.ipi.Free(req)
			return 0, 0, err
		}
		mon.ipi.Free(req)
	}

	if !haveTarget {
		return 0, 0, ErrNoImage
	}
	return entry, privMode, nil
}

// zeroInitFor walks img's entire zero-init table, zeroing every range
// hart owns and that its PMP regions currently permit writing to.
// Unlike the per-Tick ZeroInitChunks state, it runs to completion in
// one call.
func (mon *Monitor) zeroInitFor(hart platform.HartID, img *bootimage.Image) error {
	for i := uint32(0); ; i++ {
		zi, ok := img.ZIChunk(i)
		if !ok || zi.Sentinel() {
			return nil
		}
		if zi.Hart() != hart {
			continue
		}
		if !mon.cfg.Pmp.CheckWrite(hart, zi.ExecAddr, zi.Size) {
			continue
		}
		if err := mon.cfg.Dma.Memset(zi.ExecAddr, 0, zi.Size); err != nil {
			return err
		}
	}
}

// downloadFor walks [he.FirstChunk, he.LastChunk], copying every chunk
// hart owns and that its PMP regions currently permit writing to. Like
// zeroInitFor, it runs to completion in one call rather than one
// BootSubChunkSize slice per Tick.
func (mon *Monitor) downloadFor(hart platform.HartID, img *bootimage.Image, imageBase uint64, he bootimage.HartEntry) error {
	if he.NumChunks == 0 {
		return nil
	}
	for i := he.FirstChunk; i <= he.LastChunk; i++ {
		c, ok := img.Chunk(i)
		if !ok || c.Sentinel() {
			return nil
		}
		if c.Hart() != hart {
			continue
		}
		if !mon.cfg.Pmp.CheckWrite(hart, c.ExecAddr, c.Size) {
			continue
		}
		if err := mon.cfg.Dma.Memcpy(c.ExecAddr, c.LoadAddr, c.Size); err != nil {
			return err
		}
	}
	return nil
}

// Machine returns the machine driving hart, for callers that need
// direct read access to its state or failure kind.
func (mon *Monitor) Machine(hart platform.HartID) (*machine.Machine, error) {
	return mon.machineFor(hart)
}

// AllBootComplete reports whether every registered machine has finished
// booting.
func (mon *Monitor) AllBootComplete() bool {
	for _, m := range mon.machines {
		if !m.BootComplete() {
			return false
		}
	}
	return true
}
