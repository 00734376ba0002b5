package kernel

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/halcyon-emu/halcyon/pkg/cpu"
	"github.com/halcyon-emu/halcyon/pkg/mem"
)

// ToDo is a guest thread's scheduling directive.
type ToDo int

const (
	// ToDoWait parks the thread on its condition variable until signaled.
	ToDoWait ToDo = iota
	// ToDoRun executes guest code continuously.
	ToDoRun
	// ToDoStep executes exactly one unit of guest work, then parks.
	ToDoStep
	// ToDoExit is terminal.
	ToDoExit
)

func (t ToDo) String() string {
	switch t {
	case ToDoWait:
		return "wait"
	case ToDoRun:
		return "run"
	case ToDoStep:
		return "step"
	case ToDoExit:
		return "exit"
	default:
		return "invalid"
	}
}

// Thread is the per-guest-thread record. The registry's maps and any
// in-flight host thread each hold a counted reference; the last release
// frees the guest stack, the TLS block and the CPU context.
//
// The mutex guards toDo, retval and the watcher set, and pairs with cond
// in the classic monitor pattern.
type Thread struct {
	ID         int32
	Name       string
	EntryPoint mem.Address
	Priority   int32

	StackAddr mem.Address
	StackSize uint32
	TLSAddr   mem.Address

	CPU     cpu.CPU
	initCtx cpu.Context

	mu      sync.Mutex
	cond    *sync.Cond
	toDo    ToDo
	retval  uint32
	waiters []*Thread

	// exited mirrors toDo == ToDoExit so that wait predicates can poll
	// another record's terminal state without taking its mutex. Mutual
	// joins would otherwise acquire two record mutexes in opposite
	// orders. Set only by markExitLocked, with mu held.
	exited atomic.Bool

	refs     atomic.Int32
	freeOnce sync.Once
	free     func() error

	logger log.Logger
}

// ToDo returns the thread's current scheduling directive.
func (t *Thread) ToDo() ToDo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toDo
}

// Dispatch sets the scheduling directive and wakes the thread if it is
// parked. Exit is sticky: once set it is never overwritten.
func (t *Thread) Dispatch(td ToDo) {
	t.mu.Lock()
	if t.toDo != ToDoExit {
		if td == ToDoExit {
			t.markExitLocked()
		} else {
			t.toDo = td
		}
	}
	t.cond.Broadcast()
	t.mu.Unlock()
}

// markExitLocked moves the record to its terminal state. Callers must
// hold mu.
func (t *Thread) markExitLocked() {
	t.toDo = ToDoExit
	t.exited.Store(true)
}

// Exited reports whether the thread reached its terminal state. It does
// not take the record's mutex, so it is safe in predicates that already
// hold another record's lock.
func (t *Thread) Exited() bool {
	return t.exited.Load()
}

// ReturnValue is the primary result register captured when the thread
// exited. Zero until then.
func (t *Thread) ReturnValue() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retval
}

// ResetContext restores the CPU to the snapshot taken at creation,
// before any guest code ran.
func (t *Thread) ResetContext() {
	t.CPU.RestoreContext(t.initCtx)
}

// AddWaiter registers w to be woken when this thread reaches exit.
func (t *Thread) AddWaiter(w *Thread) {
	t.mu.Lock()
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()
}

// Run drives the thread's execution until it reaches exit. It returns an
// error exactly when the backend reported a fatal result; the thread's
// state is exit on return either way. Other threads are unaffected by a
// failure here.
func (t *Thread) Run() error {
	t.mu.Lock()
	for {
		switch t.toDo {
		case ToDoExit:
			t.mu.Unlock()
			return nil

		case ToDoRun, ToDoStep:
			stepping := t.toDo == ToDoStep
			t.mu.Unlock()
			var res int
			if stepping {
				res = t.CPU.Step(t.EntryPoint)
			} else {
				res = t.CPU.Run(t.EntryPoint)
			}
			t.mu.Lock()
			if t.CPU.HitBreakpoint() {
				level.Info(t.logger).Log("msg", "stopping thread at breakpoint")
				t.toDo = ToDoWait
			}
			if res < 0 {
				level.Error(t.logger).Log("msg", "thread hit a cpu backend error", "result", res)
				t.markExitLocked()
				t.mu.Unlock()
				return errors.Wrapf(ErrGeneric, "cpu backend result %d", res)
			}
			if stepping {
				t.toDo = ToDoWait
				continue
			}
			if t.toDo == ToDoRun {
				// Ran to natural completion.
				t.markExitLocked()
				t.mu.Unlock()
				return nil
			}
			// Forced to wait or exit while executing; re-evaluate.

		case ToDoWait:
			t.cond.Wait()
		}
	}
}

// RaiseWaitingThreads signals every thread waiting on this one's
// completion and empties the watcher set. The set is swapped out under
// this record's lock, so a second call is a no-op; each watcher is then
// signaled under its own lock to avoid ordering against other exiting
// threads.
func (t *Thread) RaiseWaitingThreads() {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	for _, w := range waiters {
		w.mu.Lock()
		w.cond.Signal()
		w.mu.Unlock()
	}
}

func (t *Thread) retain() {
	t.refs.Inc()
}

// release drops one owning reference. The last release runs the cleanup
// hook, freeing guest memory and closing the CPU context exactly once.
func (t *Thread) release() error {
	if t.refs.Dec() > 0 {
		return nil
	}
	var err error
	t.freeOnce.Do(func() {
		err = t.free()
	})
	return err
}
