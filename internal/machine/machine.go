// Package machine implements the per-hart boot state machine: the ten
// states an application hart passes through from the moment a boot
// image names it to the moment it either runs or lands in Error, one
// non-blocking Tick at a time so a single-threaded scheduler can
// interleave many harts.
//
// The state table (a small set of named states, each with an
// onEntry/handler/onExit triple, advanced by repeated non-blocking
// calls rather than a goroutine per hart) follows a device-lifecycle
// shape rather than a blocking, one-goroutine-per-hart design.
package machine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tinyrange/hartmon/internal/bootimage"
	"github.com/tinyrange/hartmon/internal/ipi"
	"github.com/tinyrange/hartmon/internal/platform"
)

// BootSubChunkSize bounds how many bytes of a chunk Download/ZeroInit
// copy in a single Tick, so no one hart can starve the scheduler with a
// large chunk.
const BootSubChunkSize = 256

// State names one of the ten states a PerHartMachine can occupy.
type State int

const (
	StateInitialization State = iota
	StateSetupPmp
	StateSetupPmpComplete
	StateZeroInitChunks
	StateDownloadChunks
	StateOpenSbiInit
	StateWait
	StateComplete
	StateIdle
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitialization:
		return "INITIALIZATION"
	case StateSetupPmp:
		return "SETUP_PMP"
	case StateSetupPmpComplete:
		return "SETUP_PMP_COMPLETE"
	case StateZeroInitChunks:
		return "ZERO_INIT_CHUNKS"
	case StateDownloadChunks:
		return "DOWNLOAD_CHUNKS"
	case StateOpenSbiInit:
		return "OPENSBI_INIT"
	case StateWait:
		return "WAIT"
	case StateComplete:
		return "COMPLETE"
	case StateIdle:
		return "IDLE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FailureKind classifies why a machine landed in StateError.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureNoImage
	FailureBadImage
	FailureTimeout
	FailurePermissionDenied
	FailureDeliveryFailed
)

func (f FailureKind) String() string {
	switch f {
	case FailureNoImage:
		return "NO_IMAGE"
	case FailureBadImage:
		return "BAD_IMAGE"
	case FailureTimeout:
		return "TIMEOUT"
	case FailurePermissionDenied:
		return "PERMISSION_DENIED"
	case FailureDeliveryFailed:
		return "DELIVERY_FAILED"
	default:
		return "NONE"
	}
}

// Deps collects the collaborators a Machine needs. Timer, Crc and IPI
// are required, and Pmp and Dma once a machine reaches chunk handling.
// Fallback, Ddr and PeerHarts are optional; a nil Debug, Perf,
// Transport, Domains, Trigger or HartStates is skipped where it would be
// used.
type Deps struct {
	Pmp        platform.Pmp
	Dma        platform.Dma
	Crc        platform.Crc32
	Debug      platform.Debug
	Perf       platform.PerfCounters
	IPI        *ipi.Tracker
	Transport  platform.IPITransport // for unsolicited intents; IPI only covers request/ack slots
	Domains    platform.Domains
	Trigger    platform.Trigger
	HartStates platform.HartStateSink
	Timer      platform.Timer
	IPITimeout time.Duration

	// Fallback builds the ancillary data blob to hand the supervisor
	// runtime when the image carries no ANCILLIARY_DATA chunk of its
	// own.
	Fallback func(hart platform.HartID, entry uint64, privMode uint8) []byte

	// Ddr reports whether a physical address lies in trained DDR. Nil
	// means treat every address as outside DDR (always safe to zero).
	Ddr platform.Ddr

	// PeerHarts is the ordered hart id occupying each position of the
	// image's per-hart table; index i is the hart bit i addresses in a
	// co-boot mask. It lets one machine look up another hart's id by
	// table position without owning the monitor's own hart table.
	PeerHarts []platform.HartID
}

// Machine drives one application hart through the boot state machine.
type Machine struct {
	hart platform.HartID
	deps Deps

	state          State
	stateEnteredAt time.Time
	failure        FailureKind

	img       *bootimage.Image
	imageBase uint64
	hartIdx   int // index into img.Header.Hart for this machine's hart

	chunkCursor uint32
	chunkOff    uint64
	ziCursor    uint32

	req        *ipi.Request
	perfHandle platform.PerfHandle

	ancillary     []byte
	ancillaryAddr uint64

	bootComplete atomic.Bool
}

// New constructs a Machine for hart, starting in StateInitialization.
func New(hart platform.HartID, hartIdx int, deps Deps) *Machine {
	return &Machine{
		hart:           hart,
		hartIdx:        hartIdx,
		deps:           deps,
		state:          StateInitialization,
		stateEnteredAt: deps.Timer.Now(),
	}
}

// Hart returns the application hart this machine drives.
func (m *Machine) Hart() platform.HartID { return m.hart }

// State reports the machine's current state.
func (m *Machine) State() State { return m.state }

// Failure reports why the machine entered StateError. It is
// FailureNone in every other state.
func (m *Machine) Failure() FailureKind { return m.failure }

// BootComplete reports whether this hart finished booting, using
// acquire-load semantics so a reader on another goroutine sees a
// consistent result without taking a lock.
func (m *Machine) BootComplete() bool { return m.bootComplete.Load() }

// RegisterImage attaches img to this machine, to be consumed by
// StateInitialization's handler on the next Tick. imageBase is the
// physical address img's byte 0 corresponds to.
func (m *Machine) RegisterImage(img *bootimage.Image, imageBase uint64) {
	m.img = img
	m.imageBase = imageBase
}

// Reset returns the machine to StateInitialization, clearing all
// per-boot-attempt bookkeeping. It is how internal/monitor implements
// RestartCore.
func (m *Machine) Reset() {
	if m.req != nil {
		m.deps.IPI.Free(m.req)
		m.req = nil
	}
	m.chunkCursor = 0
	m.chunkOff = 0
	m.ziCursor = 0
	m.failure = FailureNone
	m.bootComplete.Store(false)
	m.transitionTo(StateInitialization)
}

// ForceOpenSbiInit jumps the machine directly into StateOpenSbiInit,
// bypassing PMP setup and chunk download, for the remote-proc boot path
// where another agent has already placed this hart's image in memory.
func (m *Machine) ForceOpenSbiInit() {
	m.transitionTo(StateOpenSbiInit)
}

// Tick advances the machine by exactly one non-blocking step: at most
// one onEntry (on arrival into a new state this call), one handler
// invocation, and, if the handler requests a transition, one onExit
// immediately preceding it.
func (m *Machine) Tick() {
	next := m.dispatch(m.state)
	if next != m.state {
		m.transitionTo(next)
	}
}

func (m *Machine) transitionTo(next State) {
	m.onExit(m.state)
	m.state = next
	m.stateEnteredAt = m.deps.Timer.Now()
	m.onEntry(next)
}

func (m *Machine) logf(lvl platform.Level, format string, args ...any) {
	if m.deps.Debug == nil {
		return
	}
	m.deps.Debug.Printf(lvl, format, args...)
}

func (m *Machine) onEntry(s State) {
	switch s {
	case StateSetupPmp:
		m.registerHarts()
		m.beginIPI(platform.MsgPMPSetup, 0, 0, nil)
	case StateZeroInitChunks:
		m.ziCursor = 0
		m.chunkOff = 0
	case StateDownloadChunks:
		m.chunkOff = 0
		if m.img.Header.Hart[m.hartIdx].NumChunks == 0 {
			return
		}
		m.chunkCursor = m.img.Header.Hart[m.hartIdx].FirstChunk
	case StateOpenSbiInit:
		entry := m.img.Header.Hart[m.hartIdx].EntryPoint
		priv := m.img.Header.Hart[m.hartIdx].PrivMode
		m.beginIPI(platform.MsgOpenSBIInit, priv, entry, m.coBootAuxTargets())
	case StateWait:
		entry := m.img.Header.Hart[m.hartIdx].EntryPoint
		if entry != 0 {
			priv := m.img.Header.Hart[m.hartIdx].PrivMode
			m.beginIPI(platform.MsgGoto, priv, entry, nil)
		}
	case StateComplete:
		m.bootComplete.Store(true)
		if m.deps.Trigger != nil {
			m.deps.Trigger.Notify(platform.TriggerBootComplete)
		}
		if m.deps.HartStates != nil {
			m.deps.HartStates.Set(m.hart, platform.HartStateIdle)
		}
	case StateIdle:
		if m.deps.Perf != nil {
			m.deps.Perf.Lap(m.perfHandle)
		}
	case StateError:
		m.logf(platform.LevelError, "hart %d entered error state: %s", m.hart, m.failure)
		if m.deps.HartStates != nil {
			m.deps.HartStates.Set(m.hart, platform.HartStateUnknown)
		}
	}
}

func (m *Machine) onExit(s State) {
	switch s {
	case StateOpenSbiInit, StateWait:
		if m.req != nil {
			m.deps.IPI.Free(m.req)
			m.req = nil
		}
	case StateDownloadChunks:
		// Ancillary data, if any chunk carried it, is known only now:
		// re-register so the domain's Arg1 reflects it.
		m.registerHarts()
	}
}

func (m *Machine) beginIPI(op platform.MessageOp, priv uint8, entry uint64, auxTargets []platform.HartID) {
	msg := platform.Message{Op: op, PrivMode: priv, Entry: entry}
	req, err := m.deps.IPI.Allocate(m.hart, msg, auxTargets)
	if err != nil {
		m.logf(platform.LevelWarn, "hart %d: ipi allocate deferred: %v", m.hart, err)
		return
	}
	if err := m.deps.IPI.Deliver(req); err != nil {
		m.failure = FailureDeliveryFailed
		m.deps.IPI.Free(req)
		return
	}
	m.req = req
}

// isPrimaryBootHart reports whether this hart both owns at least one
// chunk and has somewhere to jump to, the condition registerHarts gates
// domain registration on.
func (m *Machine) isPrimaryBootHart() bool {
	if m.img == nil {
		return false
	}
	h := m.img.Header.Hart[m.hartIdx]
	return h.HasEntryPoint() && h.NumChunks > 0
}

// peerHart maps a position in the image's per-hart table to the hart id
// occupying it, using the same ordering the monitor built its bitmask
// conventions against.
func (m *Machine) peerHart(idx int) (platform.HartID, bool) {
	if idx < 0 || idx >= len(m.deps.PeerHarts) {
		return 0, false
	}
	return m.deps.PeerHarts[idx], true
}

// coBootAuxTargets returns the other application harts sharing this
// hart's entry point, for bundling their supervisor-init acknowledgement
// into the same outstanding Request as the primary message.
func (m *Machine) coBootAuxTargets() []platform.HartID {
	if m.img == nil {
		return nil
	}
	self := m.img.Header.Hart[m.hartIdx]
	var aux []platform.HartID
	for idx, peer := range m.img.Header.Hart {
		if idx == m.hartIdx || !peer.HasEntryPoint() || peer.EntryPoint != self.EntryPoint {
			continue
		}
		if hartID, ok := m.peerHart(idx); ok {
			aux = append(aux, hartID)
		}
	}
	return aux
}

// registerHarts builds the co-boot hart mask for this machine's target
// and, if it is a primary boot hart, registers the supervisor domain.
// Peers flagged SKIP_OPENSBI are deregistered instead of folded into the
// mask. Called once when PMP setup is requested and again once chunk
// download has revealed any ancillary data pointer.
func (m *Machine) registerHarts() {
	if m.img == nil || m.deps.Domains == nil {
		return
	}
	self := m.img.Header.Hart[m.hartIdx]
	mask := uint32(1) << uint(m.hartIdx)

	for idx, peer := range m.img.Header.Hart {
		if idx == m.hartIdx {
			continue
		}
		if peer.Flags.Has(bootimage.SkipOpenSBI) {
			if hartID, ok := m.peerHart(idx); ok {
				_ = m.deps.Domains.Deregister(hartID)
			}
			continue
		}
		if peer.HasEntryPoint() && peer.EntryPoint == self.EntryPoint {
			mask |= 1 << uint(idx)
		}
	}

	if !m.isPrimaryBootHart() || self.Flags.Has(bootimage.SkipOpenSBI) {
		return
	}

	dom := platform.Domain{
		Name:              self.Name,
		HartMask:          mask,
		BootHart:          m.hart,
		PrivMode:          self.PrivMode,
		EntryPoint:        self.EntryPoint,
		Arg1:              m.ancillaryAddr,
		ColdRebootAllowed: self.Flags.Has(bootimage.AllowColdReboot),
		WarmRebootAllowed: self.Flags.Has(bootimage.AllowWarmReboot),
	}
	if err := m.deps.Domains.Register(dom); err != nil {
		m.logf(platform.LevelWarn, "hart %d: domain register failed: %v", m.hart, err)
	}
}

// dispatch runs the current state's handler and returns the next state
// (which may equal the current one).
func (m *Machine) dispatch(s State) State {
	switch s {
	case StateInitialization:
		return m.handleInitialization()
	case StateSetupPmp:
		return m.handleSetupPmp()
	case StateSetupPmpComplete:
		return m.handleSetupPmpComplete()
	case StateZeroInitChunks:
		return m.handleZeroInitChunks()
	case StateDownloadChunks:
		return m.handleDownloadChunks()
	case StateOpenSbiInit:
		return m.handleOpenSbiInit()
	case StateWait:
		return m.handleWait()
	case StateComplete:
		return StateIdle
	case StateIdle:
		return m.handleIdle()
	case StateError:
		return StateError
	default:
		return StateError
	}
}

func (m *Machine) handleInitialization() State {
	if m.deps.Trigger != nil {
		if !m.deps.Trigger.IsNotified(platform.TriggerDDRTrained) || !m.deps.Trigger.IsNotified(platform.TriggerStartupComplete) {
			return StateInitialization
		}
	}
	if m.img == nil {
		m.failure = FailureNoImage
		return StateError
	}
	if err := bootimage.ValidateImage(m.img, m.deps.Crc, nil); err != nil {
		m.failure = FailureBadImage
		return StateError
	}
	if m.deps.Perf != nil && m.perfHandle == 0 {
		m.perfHandle = m.deps.Perf.Allocate(fmt.Sprintf("boot.hart%d", m.hart))
	}
	return StateSetupPmp
}

func (m *Machine) handleSetupPmp() State {
	if m.req == nil {
		// beginIPI deferred allocation on a full tracker; retry next tick.
		m.beginIPI(platform.MsgPMPSetup, 0, 0, nil)
		return StateSetupPmp
	}
	// The request only needs to have been enqueued to move on;
	// SetupPmpComplete is where the ack itself is polled.
	return StateSetupPmpComplete
}

func (m *Machine) handleSetupPmpComplete() State {
	if m.req != nil {
		done, err := m.deps.IPI.CheckIfComplete(m.req)
		if err != nil {
			m.failure = FailureDeliveryFailed
			return StateError
		}
		if !done {
			if m.deps.IPI.CheckTimeout(m.req, m.deps.IPITimeout) {
				m.deps.IPI.Free(m.req)
				m.req = nil
				m.failure = FailureTimeout
				return StateError
			}
			return StateSetupPmpComplete
		}
		m.deps.IPI.Free(m.req)
		m.req = nil
	}

	if m.img.Header.Hart[m.hartIdx].Flags.Has(bootimage.SkipAutoboot) {
		return StateComplete
	}
	return StateZeroInitChunks
}

func (m *Machine) handleZeroInitChunks() State {
	zi, ok := m.img.ZIChunk(m.ziCursor)
	if !ok {
		m.failure = FailureBadImage
		return StateError
	}
	if zi.Sentinel() {
		m.ziCursor = 0
		m.chunkOff = 0
		return StateDownloadChunks
	}

	ddrReady := true
	if m.deps.Ddr != nil && m.deps.Ddr.IsAddrInDDR(zi.ExecAddr) {
		ddrReady = m.deps.Trigger != nil && m.deps.Trigger.IsNotified(platform.TriggerDDRTrained)
	}
	if zi.Hart() != m.hart || !ddrReady {
		// Not ours yet, or the memory it targets isn't ready: another
		// machine or a later pass over this table will handle it.
		m.chunkOff = 0
		m.ziCursor++
		return StateZeroInitChunks
	}

	n := zi.Size - m.chunkOff
	if n > BootSubChunkSize {
		n = BootSubChunkSize
	}
	addr := zi.ExecAddr + m.chunkOff
	if !m.deps.Pmp.CheckWrite(m.hart, addr, n) {
		m.logf(platform.LevelWarn, "hart %d: zero-init at %#x denied by pmp, skipping chunk", m.hart, addr)
		m.chunkOff = 0
		m.ziCursor++
		return StateZeroInitChunks
	}
	if err := m.deps.Dma.Memset(addr, 0, n); err != nil {
		m.failure = FailureDeliveryFailed
		return StateError
	}

	m.chunkOff += n
	if m.chunkOff >= zi.Size {
		m.chunkOff = 0
		m.ziCursor++
	}
	return StateZeroInitChunks
}

func (m *Machine) handleDownloadChunks() State {
	hartEntry := m.img.Header.Hart[m.hartIdx]
	if hartEntry.NumChunks == 0 {
		return StateComplete
	}
	if m.chunkCursor > hartEntry.LastChunk {
		return StateOpenSbiInit
	}

	c, ok := m.img.Chunk(m.chunkCursor)
	if !ok {
		m.failure = FailureBadImage
		return StateError
	}
	if c.Sentinel() {
		return StateOpenSbiInit
	}

	if c.Hart() != m.hart {
		m.logf(platform.LevelWarn, "hart %d: chunk %d owned by hart %d, skipping", m.hart, m.chunkCursor, c.Hart())
		m.chunkOff = 0
		m.chunkCursor++
		return StateDownloadChunks
	}

	n := c.Size - m.chunkOff
	if n > BootSubChunkSize {
		n = BootSubChunkSize
	}
	loadAddr := c.LoadAddr + m.chunkOff
	execAddr := c.ExecAddr + m.chunkOff
	if !m.deps.Pmp.CheckWrite(m.hart, execAddr, n) {
		m.logf(platform.LevelWarn, "hart %d: chunk at %#x denied by pmp, skipping", m.hart, execAddr)
		m.chunkOff = 0
		m.chunkCursor++
		return StateDownloadChunks
	}
	if err := m.deps.Dma.Memcpy(execAddr, loadAddr, n); err != nil {
		m.failure = FailureDeliveryFailed
		return StateError
	}

	if c.Ancillary() && m.chunkOff == 0 {
		if data, ok := m.img.ChunkBytes(c, m.imageBase); ok {
			m.ancillary = data
			m.ancillaryAddr = c.ExecAddr
		}
	}

	m.chunkOff += n
	if m.chunkOff >= c.Size {
		m.chunkOff = 0
		m.chunkCursor++
	}
	return StateDownloadChunks
}

func (m *Machine) handleOpenSbiInit() State {
	if m.req == nil {
		return StateOpenSbiInit
	}
	done, err := m.deps.IPI.CheckIfComplete(m.req)
	if err != nil {
		m.failure = FailureDeliveryFailed
		return StateError
	}
	if done {
		return StateWait
	}
	if m.deps.IPI.CheckTimeout(m.req, m.deps.IPITimeout) {
		m.failure = FailureTimeout
		return StateError
	}
	return StateOpenSbiInit
}

func (m *Machine) handleWait() State {
	entry := m.img.Header.Hart[m.hartIdx].EntryPoint
	if entry == 0 {
		// No release requested for this hart: it is considered done
		// without ever being sent a GOTO.
		return StateComplete
	}
	if m.req == nil {
		return StateWait
	}
	done, err := m.deps.IPI.CheckIfComplete(m.req)
	if err != nil {
		m.failure = FailureDeliveryFailed
		return StateError
	}
	if done {
		return StateComplete
	}
	if m.deps.IPI.CheckTimeout(m.req, m.deps.IPITimeout) {
		m.failure = FailureTimeout
		return StateError
	}
	return StateWait
}

func (m *Machine) handleIdle() State {
	if m.deps.Transport == nil {
		return StateIdle
	}
	if _, ok := m.deps.Transport.ConsumeIntent(m.hart, platform.MsgBootRequest); ok {
		return StateInitialization
	}
	return StateIdle
}

// AncillaryData returns the bytes this machine found in an
// ANCILLIARY_DATA-tagged chunk during DownloadChunks, or the platform's
// fallback blob if none was found and deps.Fallback is set.
func (m *Machine) AncillaryData() []byte {
	if m.ancillary != nil {
		return m.ancillary
	}
	if m.deps.Fallback == nil || m.img == nil {
		return nil
	}
	entry := m.img.Header.Hart[m.hartIdx]
	return m.deps.Fallback(m.hart, entry.EntryPoint, entry.PrivMode)
}
