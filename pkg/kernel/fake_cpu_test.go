package kernel

import (
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-emu/halcyon/pkg/cpu"
	"github.com/halcyon-emu/halcyon/pkg/mem"
)

const testBackend cpu.Backend = 99

// fakeCPU is a scripted stand-in for an emulation backend. Run and Step
// delegate to the factory-supplied functions; everything else records
// writes for assertions.
type fakeCPU struct {
	tid      int32
	entry    mem.Address
	stackTop mem.Address
	cfg      cpu.Config

	runFn  func(c *fakeCPU) int
	stepFn func(c *fakeCPU) int

	mu         sync.Mutex
	regs       map[int]uint32
	sp         mem.Address
	tlsBase    mem.Address
	returning  bool
	breakpoint bool
	traceCode  bool
	traceMem   bool
	closed     bool
	runs       int
	steps      int
}

var _ cpu.CPU = (*fakeCPU)(nil)

func (f *fakeCPU) Run(entry mem.Address) int {
	f.mu.Lock()
	f.runs++
	fn := f.runFn
	f.mu.Unlock()
	if fn == nil {
		return 0
	}
	return fn(f)
}

func (f *fakeCPU) Step(entry mem.Address) int {
	f.mu.Lock()
	f.steps++
	fn := f.stepFn
	f.mu.Unlock()
	if fn == nil {
		return 0
	}
	return fn(f)
}

func (f *fakeCPU) ReadReg(idx int) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[idx]
}

func (f *fakeCPU) WriteReg(idx int, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[idx] = v
}

func (f *fakeCPU) ReadSP() mem.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sp
}

func (f *fakeCPU) WriteSP(sp mem.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sp = sp
}

func (f *fakeCPU) WriteTLSBase(addr mem.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tlsBase = addr
}

func (f *fakeCPU) IsReturning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.returning
}

func (f *fakeCPU) SaveContext() cpu.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make(map[int]uint32, len(f.regs))
	for k, v := range f.regs {
		snapshot[k] = v
	}
	return snapshot
}

func (f *fakeCPU) RestoreContext(ctx cpu.Context) {
	snapshot := ctx.(map[int]uint32)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = make(map[int]uint32, len(snapshot))
	for k, v := range snapshot {
		f.regs[k] = v
	}
}

func (f *fakeCPU) HitBreakpoint() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breakpoint
}

func (f *fakeCPU) SetTraceCode(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traceCode = enabled
}

func (f *fakeCPU) SetTraceMemory(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traceMem = enabled
}

func (f *fakeCPU) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCPU) setBreakpoint(hit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakpoint = hit
}

func (f *fakeCPU) setReturning(r bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returning = r
}

func (f *fakeCPU) stats() (runs, steps int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, f.steps
}

// fakeFactory builds fakeCPUs through the backend registry and keeps hold
// of every instance it produced.
type fakeFactory struct {
	mu      sync.Mutex
	cpus    []*fakeCPU
	runFn   func(c *fakeCPU) int
	stepFn  func(c *fakeCPU) int
	initErr error
}

func registerFakeBackend(t *testing.T) *fakeFactory {
	t.Helper()
	f := &fakeFactory{}
	cpu.Register(testBackend, func(tid int32, entry, stackTop mem.Address, m mem.Allocator, cfg cpu.Config) (cpu.CPU, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.initErr != nil {
			return nil, f.initErr
		}
		c := &fakeCPU{
			tid:      tid,
			entry:    entry,
			stackTop: stackTop,
			cfg:      cfg,
			regs:     make(map[int]uint32),
			sp:       stackTop,
			runFn:    f.runFn,
			stepFn:   f.stepFn,
		}
		f.cpus = append(f.cpus, c)
		return c, nil
	})
	return f
}

func (f *fakeFactory) last(t *testing.T) *fakeCPU {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.cpus)
	return f.cpus[len(f.cpus)-1]
}

func newTestKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	k := New(cfg, log.NewNopLogger(), prometheus.NewRegistry())
	t.Cleanup(func() {
		require.NoError(t, k.Shutdown())
	})
	return k
}

func newTestMem(t *testing.T) *mem.State {
	t.Helper()
	m, err := mem.New(1 << 20)
	require.NoError(t, err)
	return m
}

type recordingDispatcher struct {
	mu    sync.Mutex
	nids  []uint32
	tids  []int32
	calls int
}

func (d *recordingDispatcher) CallImport(c cpu.CPU, nid uint32, tid int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nids = append(d.nids, nid)
	d.tids = append(d.tids, tid)
	d.calls++
}
