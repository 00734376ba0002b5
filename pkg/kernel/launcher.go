package kernel

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/pkg/errors"

	"github.com/halcyon-emu/halcyon/pkg/cpu"
	"github.com/halcyon-emu/halcyon/pkg/mem"
)

const (
	// DefaultPriority is the sentinel the guest passes to request the
	// default thread priority; the top nibble marks the sentinel space.
	DefaultPriority = 0x10000100
	// DefaultPriorityUserInternal is the internal priority that sentinel
	// values are rebased onto.
	DefaultPriorityUserInternal = 0x60

	// stackFill is written over fresh stacks so underflows read a
	// recognizable pattern instead of zeroes.
	stackFill = 0xCC

	tlsSize = 0x800
)

// OptParam is the optional creation parameter block; its fields seed the
// first two integer registers before the thread ever runs.
type OptParam struct {
	Attr uint32
	Size uint32
}

func normalizePriority(raw int32) int32 {
	if raw&(DefaultPriority&0xF0000000) != 0 {
		return raw - DefaultPriority + DefaultPriorityUserInternal
	}
	return raw
}

// CreateThread allocates the guest stack and TLS for a new thread, builds
// its CPU context with the supervisor-call intercept wired to imports,
// and records it in the waiting set. The returned id is not running until
// StartThread.
func (k *Kernel) CreateThread(m mem.Allocator, entry mem.Address, name string, initPriority int32, stackSize uint32, backend cpu.Backend, imports cpu.ImportDispatcher, opt *OptParam) (int32, error) {
	tid := k.NextUID()

	stackAddr, err := m.Alloc(stackSize, fmt.Sprintf("stack for thread %s (#%d)", name, tid))
	if err != nil {
		return 0, errors.Wrapf(err, "thread %s", name)
	}
	stack, err := m.Slice(stackAddr, stackSize)
	if err != nil {
		_ = m.Free(stackAddr)
		return 0, errors.Wrapf(err, "thread %s", name)
	}
	for i := range stack {
		stack[i] = stackFill
	}
	stackTop := stackAddr + stackSize

	svc := func(c cpu.CPU, imm uint32, pc mem.Address) {
		addr := pc
		if !c.IsReturning() {
			addr = pc + 4
		}
		nid, err := mem.ReadWord(m, addr)
		if err != nil {
			level.Error(k.logger).Log("msg", "svc import id out of reach", "tid", tid, "pc", fmt.Sprintf("%#x", pc), "err", err)
			return
		}
		imports.CallImport(c, nid, tid)
	}

	c, err := cpu.New(backend, tid, entry, stackTop, m, cpu.Config{SVC: svc})
	if err != nil {
		_ = m.Free(stackAddr)
		return 0, errors.Wrapf(ErrGeneric, "init cpu for thread %s: %v", name, err)
	}
	if k.cfg.WatchCode {
		c.SetTraceCode(true)
	}
	if k.cfg.WatchMemory {
		c.SetTraceMemory(true)
	}
	if opt != nil {
		c.WriteReg(0, opt.Attr)
		c.WriteReg(1, opt.Size)
	}
	initCtx := c.SaveContext()

	tlsAddr, err := m.Alloc(tlsSize, fmt.Sprintf("TLS for thread %s (#%d)", name, tid))
	if err != nil {
		_ = c.Close()
		_ = m.Free(stackAddr)
		return 0, errors.Wrapf(err, "thread %s", name)
	}
	c.WriteTLSBase(tlsAddr + tlsSize)

	t := &Thread{
		ID:         tid,
		Name:       name,
		EntryPoint: entry,
		Priority:   normalizePriority(initPriority),
		StackAddr:  stackAddr,
		StackSize:  stackSize,
		TLSAddr:    tlsAddr,
		CPU:        c,
		initCtx:    initCtx,
		toDo:       ToDoWait,
		logger:     log.With(k.logger, "thread", name, "tid", tid),
	}
	t.cond = sync.NewCond(&t.mu)
	t.free = func() error {
		errs := multierror.New()
		errs.Add(m.Free(stackAddr))
		errs.Add(m.Free(tlsAddr))
		errs.Add(c.Close())
		return errs.Err()
	}
	// The registry's maps hold one reference until DeleteThread/Shutdown.
	t.refs.Store(1)

	k.mu.Lock()
	k.threads[tid] = t
	k.waiting[tid] = waitingThread{name: name}
	k.mu.Unlock()
	k.metrics.threadsCreated.Inc()

	return tid, nil
}

// threadParams is copied into the host thread; the handshake channel lets
// the launcher return as soon as the host thread no longer needs anything
// from the start call's frame.
type threadParams struct {
	tid    int32
	arglen uint32
	argp   mem.Address
	ready  chan struct{}
	done   chan struct{}
}

// StartThread moves a waiting thread to the running set and spawns its
// host thread. It blocks on the handshake until the host thread is
// underway. Returns ErrUnknownThreadID if the id is not in the waiting
// set; the registry is left untouched in that case.
func (k *Kernel) StartThread(tid int32, arglen uint32, argp mem.Address) error {
	k.mu.Lock()
	w, ok := k.waiting[tid]
	if !ok {
		k.mu.Unlock()
		return ErrUnknownThreadID
	}
	t, ok := k.threads[tid]
	if !ok {
		k.mu.Unlock()
		return ErrIllegalThreadID
	}
	level.Debug(k.logger).Log("msg", "starting thread", "name", w.name, "tid", tid)

	p := threadParams{
		tid:    tid,
		arglen: arglen,
		argp:   argp,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go k.threadMain(p)

	delete(k.waiting, tid)
	k.running[tid] = &runningThread{thread: t, done: p.done}
	k.mu.Unlock()
	k.metrics.threadsStarted.Inc()

	<-p.ready
	return nil
}

// threadMain is the host-thread body backing one guest thread.
func (k *Kernel) threadMain(p threadParams) {
	defer close(p.done)
	// CPU backends keep cgo state with thread affinity.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	close(p.ready)

	t := k.findThread(p.tid)
	if t == nil {
		level.Error(k.logger).Log("msg", "started thread is missing from the registry", "tid", p.tid)
		return
	}
	t.retain()
	defer func() {
		if err := t.release(); err != nil {
			level.Error(t.logger).Log("msg", "thread release failed", "err", err)
		}
	}()

	t.CPU.WriteReg(0, p.arglen)
	t.CPU.WriteReg(1, p.argp)

	next := ToDoRun
	if k.waitForDebugger.CompareAndSwap(true, false) {
		level.Info(t.logger).Log("msg", "holding first thread for debugger attach")
		next = ToDoWait
	}
	t.Dispatch(next)

	k.metrics.threadsRunning.Inc()
	defer k.metrics.threadsRunning.Dec()
	defer k.metrics.threadsExited.Inc()

	if err := t.Run(); err != nil {
		k.metrics.backendFailures.Inc()
		level.Error(t.logger).Log("msg", "thread execution failed", "err", err)
	}

	r0 := t.CPU.ReadReg(0)
	t.mu.Lock()
	t.retval = r0
	t.markExitLocked()
	t.mu.Unlock()
	t.RaiseWaitingThreads()
}

// WaitThreadEnd registers the waiter on the target's watcher set and
// parks the calling host thread on the waiter's condition variable until
// the target exits. Returns the target's return value. There is no
// timeout; a target that never exits blocks forever.
func (k *Kernel) WaitThreadEnd(waiterTID, targetTID int32) (uint32, error) {
	target := k.findThread(targetTID)
	if target == nil {
		return 0, ErrUnknownThreadID
	}
	waiter := k.findThread(waiterTID)
	if waiter == nil {
		return 0, ErrIllegalThreadID
	}

	target.mu.Lock()
	if target.toDo == ToDoExit {
		rv := target.retval
		target.mu.Unlock()
		return rv, nil
	}
	target.waiters = append(target.waiters, waiter)
	target.mu.Unlock()

	// Exited does not take the target's mutex, so two threads joining
	// each other never hold both record locks at once.
	waiter.mu.Lock()
	for !target.Exited() {
		waiter.cond.Wait()
	}
	waiter.mu.Unlock()
	return target.ReturnValue(), nil
}
