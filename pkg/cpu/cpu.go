// Package cpu abstracts the CPU-emulation backend that executes guest
// machine code. The kernel drives threads exclusively through the CPU
// interface; concrete backends register themselves by kind.
package cpu

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/halcyon-emu/halcyon/pkg/mem"
)

// Backend identifies a CPU-emulation implementation.
type Backend int

const (
	BackendUnicorn Backend = iota
	BackendDynarmic
)

func (b Backend) String() string {
	switch b {
	case BackendUnicorn:
		return "unicorn"
	case BackendDynarmic:
		return "dynarmic"
	default:
		return "unknown"
	}
}

// Context is an opaque snapshot of an execution context. It is produced
// and consumed only by the backend that created it.
type Context interface{}

// CPU is a single guest thread's execution context. Run and Step return
// the backend result code; a negative result is a fatal emulation error
// for the thread.
type CPU interface {
	Run(entry mem.Address) int
	Step(entry mem.Address) int

	ReadReg(idx int) uint32
	WriteReg(idx int, v uint32)
	ReadSP() mem.Address
	WriteSP(sp mem.Address)
	WriteTLSBase(addr mem.Address)

	// IsReturning reports whether the current supervisor call was raised
	// on the return path of an import thunk.
	IsReturning() bool

	SaveContext() Context
	RestoreContext(ctx Context)

	HitBreakpoint() bool

	SetTraceCode(enabled bool)
	SetTraceMemory(enabled bool)

	Close() error
}

// SVCHandler is invoked whenever guest code executes a trapped supervisor
// call, with the trapping instruction's immediate and program counter.
type SVCHandler func(c CPU, imm uint32, pc mem.Address)

// ImportDispatcher resolves a numeric import identifier to an emulated
// OS or library service. It is supplied by the import layer at thread
// creation.
type ImportDispatcher interface {
	CallImport(c CPU, nid uint32, tid int32)
}

// Config carries the per-thread hooks a backend needs at construction.
type Config struct {
	SVC SVCHandler
}

// Constructor builds a CPU bound to a thread id, entry point and stack top.
type Constructor func(tid int32, entry, stackTop mem.Address, m mem.Allocator, cfg Config) (CPU, error)

var (
	registryMu   sync.Mutex
	constructors = make(map[Backend]Constructor)
)

// Register installs the constructor for a backend kind, replacing any
// previous registration.
func Register(b Backend, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	constructors[b] = ctor
}

// New constructs an execution context with the registered backend.
func New(b Backend, tid int32, entry, stackTop mem.Address, m mem.Allocator, cfg Config) (CPU, error) {
	registryMu.Lock()
	ctor, ok := constructors[b]
	registryMu.Unlock()
	if !ok {
		return nil, errors.Errorf("cpu: no backend registered for %s", b)
	}
	c, err := ctor(tid, entry, stackTop, m, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "cpu: init %s context for thread %d", b, tid)
	}
	return c, nil
}
