package machine

import (
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/hartmon/internal/bootimage"
	"github.com/tinyrange/hartmon/internal/ipi"
	"github.com/tinyrange/hartmon/internal/platform"
)

type sumCrc32 struct{}

func (sumCrc32) Compute(buf []byte) uint32 {
	var sum uint32
	for _, b := range buf {
		sum = sum*31 + uint32(b)
	}
	return sum
}

type fakeTimer struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeTimer) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTimer) IsElapsed(start time.Time, interval time.Duration) bool {
	return f.Now().Sub(start) >= interval
}

func (f *fakeTimer) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type fakePmp struct {
	mu   sync.Mutex
	deny map[uint64]bool
}

func (p *fakePmp) CheckWrite(target platform.HartID, addr, size uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.deny[addr]
}

func (p *fakePmp) ConfigureAndLock(target platform.HartID) error { return nil }

type fakeDma struct {
	mu    sync.Mutex
	calls int
}

func (d *fakeDma) Memcpy(dst, src, n uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil
}

func (d *fakeDma) Memset(dst uint64, value byte, n uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil
}

type fakeDebug struct{}

func (fakeDebug) Printf(lvl platform.Level, format string, args ...any) {}

type fakePerf struct{ mu sync.Mutex }

func (p *fakePerf) Allocate(name string) platform.PerfHandle { return 1 }
func (p *fakePerf) Lap(h platform.PerfHandle) (time.Duration, bool) {
	return time.Second, true
}

type fakeTrigger struct {
	mu       sync.Mutex
	notified map[platform.TriggerEvent]bool
}

// newFakeTrigger starts with DDR_TRAINED and STARTUP_COMPLETE already
// notified, the steady state most tests want; tests exercising the
// Initialization gate build a bare &fakeTrigger{notified: map[...]bool{}}
// instead.
func newFakeTrigger() *fakeTrigger {
	return &fakeTrigger{notified: map[platform.TriggerEvent]bool{
		platform.TriggerDDRTrained:      true,
		platform.TriggerStartupComplete: true,
	}}
}

func (t *fakeTrigger) IsNotified(ev platform.TriggerEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notified[ev]
}

func (t *fakeTrigger) Notify(ev platform.TriggerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notified[ev] = true
}

type fakeDomains struct {
	mu           sync.Mutex
	registered   []platform.Domain
	bootHarts    []platform.HartID
}

func (d *fakeDomains) Register(dom platform.Domain) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered = append(d.registered, dom)
	return nil
}

func (d *fakeDomains) Deregister(target platform.HartID) error { return nil }

func (d *fakeDomains) RegisterBootHart(target platform.HartID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bootHarts = append(d.bootHarts, target)
	return nil
}

type fakeHartStates struct {
	mu     sync.Mutex
	states map[platform.HartID]platform.HartState
}

func newFakeHartStates() *fakeHartStates {
	return &fakeHartStates{states: make(map[platform.HartID]platform.HartState)}
}

func (s *fakeHartStates) Set(target platform.HartID, state platform.HartState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[target] = state
}

type fakeTransport struct {
	mu           sync.Mutex
	next         platform.SlotID
	complete     map[platform.SlotID]bool
	autoComplete bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{next: 1, complete: make(map[platform.SlotID]bool), autoComplete: true}
}

func (f *fakeTransport) Alloc() (platform.SlotID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot := f.next
	f.next++
	return slot, true
}

func (f *fakeTransport) Deliver(slot platform.SlotID, target platform.HartID, msg platform.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.autoComplete {
		// Acknowledged instantly: a real transport would wait for a remote ack.
		f.complete[slot] = true
	}
	return nil
}

func (f *fakeTransport) CheckIfComplete(slot platform.SlotID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.complete[slot]
}

func (f *fakeTransport) Free(slot platform.SlotID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.complete, slot)
}

func (f *fakeTransport) ConsumeIntent(target platform.HartID, op platform.MessageOp) (platform.Message, bool) {
	return platform.Message{}, false
}

// buildImage constructs a single-hart image for hartIdx 0 (hart id 1,
// the id newTestMachine and the manual-Deps tests both use), owning
// exactly one chunk of its own.
func buildImage(t *testing.T, entryPoint uint64) *bootimage.Image {
	t.Helper()
	var h bootimage.Header
	h.Magic = bootimage.MagicPlain
	h.SetName = "test"
	h.Version = 1
	for i := range h.Hart {
		h.Hart[i] = bootimage.HartEntry{Name: "app", EntryPoint: entryPoint, PrivMode: 1}
	}
	h.Hart[0].FirstChunk = 0
	h.Hart[0].LastChunk = 0
	h.Hart[0].NumChunks = 1

	chunks := []bootimage.BootChunkDesc{{Owner: 1, LoadAddr: 0x1000, ExecAddr: 0x80200000, Size: 64}}
	buf := bootimage.Encode(h, chunks, nil, sumCrc32{})

	img, err := bootimage.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return img
}

func newTestMachine(t *testing.T, entryPoint uint64) (*Machine, *fakeTimer, *fakeTransport) {
	t.Helper()
	timer := &fakeTimer{now: time.Unix(0, 0)}
	transport := newFakeTransport()
	tracker := ipi.New(transport, timer, 4)

	deps := Deps{
		Pmp:        &fakePmp{deny: make(map[uint64]bool)},
		Dma:        &fakeDma{},
		Crc:        sumCrc32{},
		Debug:      fakeDebug{},
		Perf:       &fakePerf{},
		IPI:        tracker,
		Transport:  transport,
		Domains:    &fakeDomains{},
		Trigger:    newFakeTrigger(),
		HartStates: newFakeHartStates(),
		Timer:      timer,
		IPITimeout: 5 * time.Second,
	}

	m := New(platform.HartID(1), 0, deps)
	m.RegisterImage(buildImage(t, entryPoint), 0)
	return m, timer, transport
}

func runUntil(t *testing.T, m *Machine, want State, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if m.State() == want {
			return
		}
		m.Tick()
	}
	t.Fatalf("machine did not reach state %s within %d ticks, stuck at %s (failure=%s)", want, maxTicks, m.State(), m.Failure())
}

func TestMachineHappyPathReachesComplete(t *testing.T) {
	m, _, _ := newTestMachine(t, 0x80200000)
	runUntil(t, m, StateIdle, 200)
	if !m.BootComplete() {
		t.Fatalf("expected BootComplete to be true once the machine reaches Idle")
	}
}

func TestMachineSkipsGotoWhenEntryPointAbsent(t *testing.T) {
	m, _, _ := newTestMachine(t, 0)
	runUntil(t, m, StateIdle, 200)
	if m.Failure() != FailureNone {
		t.Fatalf("expected no failure, got %s", m.Failure())
	}
	if !m.BootComplete() {
		t.Fatalf("expected BootComplete to still be set when entry point is absent")
	}
}

func TestMachineNoImageFailsInitialization(t *testing.T) {
	timer := &fakeTimer{now: time.Unix(0, 0)}
	transport := newFakeTransport()
	tracker := ipi.New(transport, timer, 4)
	m := New(platform.HartID(2), 0, Deps{
		Crc:   sumCrc32{},
		Debug: fakeDebug{},
		IPI:   tracker,
		Timer: timer,
	})

	m.Tick()
	if m.State() != StateError {
		t.Fatalf("expected StateError, got %s", m.State())
	}
	if m.Failure() != FailureNoImage {
		t.Fatalf("expected FailureNoImage, got %s", m.Failure())
	}
}

func TestMachineBadCRCFailsInitialization(t *testing.T) {
	m, _, _ := newTestMachine(t, 0x80200000)
	// Corrupt the already-decoded header so ValidateImage's CRC check fails.
	m.img.Header.HeaderCRC ^= 0xFF

	m.Tick()
	if m.State() != StateError {
		t.Fatalf("expected StateError, got %s", m.State())
	}
	if m.Failure() != FailureBadImage {
		t.Fatalf("expected FailureBadImage, got %s", m.Failure())
	}
}

func TestMachinePermissionDeniedDuringDownload(t *testing.T) {
	m, _, _ := newTestMachine(t, 0x80200000)
	m.deps.Pmp.(*fakePmp).deny[0x80200000] = true

	runUntil(t, m, StateIdle, 200)
	if m.Failure() != FailureNone {
		t.Fatalf("expected a denied chunk to be skipped rather than fail the boot, got %s", m.Failure())
	}
	if !m.BootComplete() {
		t.Fatalf("expected BootComplete to still be set after skipping the denied chunk")
	}
	if m.deps.Dma.(*fakeDma).calls != 0 {
		t.Fatalf("expected the denied chunk to never reach Dma, got %d calls", m.deps.Dma.(*fakeDma).calls)
	}
}

func TestMachineTimesOutWaitingForPMPAck(t *testing.T) {
	timer := &fakeTimer{now: time.Unix(0, 0)}
	transport := newFakeTransport()
	transport.autoComplete = false
	tracker := ipi.New(transport, timer, 4)

	deps := Deps{
		Pmp:        &fakePmp{deny: make(map[uint64]bool)},
		Dma:        &fakeDma{},
		Crc:        sumCrc32{},
		Debug:      fakeDebug{},
		Perf:       &fakePerf{},
		IPI:        tracker,
		Transport:  transport,
		Domains:    &fakeDomains{},
		Trigger:    newFakeTrigger(),
		HartStates: newFakeHartStates(),
		Timer:      timer,
		IPITimeout: 5 * time.Second,
	}
	m := New(platform.HartID(1), 0, deps)
	m.RegisterImage(buildImage(t, 0x80200000), 0)

	m.Tick() // Initialization -> SetupPmp (onEntry issues the IPI)
	if m.State() != StateSetupPmp {
		t.Fatalf("expected StateSetupPmp, got %s", m.State())
	}

	m.Tick() // SetupPmp -> SetupPmpComplete (request enqueued, not yet acked)
	if m.State() != StateSetupPmpComplete {
		t.Fatalf("expected StateSetupPmpComplete, got %s", m.State())
	}

	timer.advance(10 * time.Second)
	m.Tick()
	if m.State() != StateError {
		t.Fatalf("expected StateError after timeout, got %s", m.State())
	}
	if m.Failure() != FailureTimeout {
		t.Fatalf("expected FailureTimeout, got %s", m.Failure())
	}
}

func TestMachineAncillaryDataFallsBackWhenImageCarriesNone(t *testing.T) {
	timer := &fakeTimer{now: time.Unix(0, 0)}
	transport := newFakeTransport()
	tracker := ipi.New(transport, timer, 4)

	var fallbackCalls int
	deps := Deps{
		Pmp:        &fakePmp{deny: make(map[uint64]bool)},
		Dma:        &fakeDma{},
		Crc:        sumCrc32{},
		Debug:      fakeDebug{},
		Perf:       &fakePerf{},
		IPI:        tracker,
		Transport:  transport,
		Domains:    &fakeDomains{},
		Trigger:    newFakeTrigger(),
		HartStates: newFakeHartStates(),
		Timer:      timer,
		IPITimeout: 5 * time.Second,
		Fallback: func(hart platform.HartID, entry uint64, privMode uint8) []byte {
			fallbackCalls++
			return []byte("fallback-dtb")
		},
	}
	m := New(platform.HartID(1), 0, deps)
	m.RegisterImage(buildImage(t, 0x80200000), 0)

	runUntil(t, m, StateIdle, 200)

	data := m.AncillaryData()
	if string(data) != "fallback-dtb" {
		t.Fatalf("expected fallback ancillary data, got %q", data)
	}
	if fallbackCalls != 1 {
		t.Fatalf("expected fallback to be called exactly once, got %d", fallbackCalls)
	}
}

func TestMachineResetReturnsToInitialization(t *testing.T) {
	m, _, _ := newTestMachine(t, 0x80200000)
	runUntil(t, m, StateIdle, 200)

	m.Reset()
	if m.State() != StateInitialization {
		t.Fatalf("expected StateInitialization after Reset, got %s", m.State())
	}
	if m.BootComplete() {
		t.Fatalf("expected BootComplete to be cleared after Reset")
	}
}
