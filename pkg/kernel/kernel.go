// Package kernel implements the guest-thread execution core: it maps
// emulated OS threads onto host threads, drives each through a pluggable
// CPU backend, and coordinates blocking and waking between guest threads.
package kernel

import (
	"context"
	"flag"
	"slices"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/atomic"
)

type Config struct {
	// WatchCode enables guest instruction tracing on newly created threads.
	WatchCode bool `yaml:"watch_code"`
	// WatchMemory enables guest memory-access tracing on newly created
	// threads.
	WatchMemory bool `yaml:"watch_memory"`
	// WaitForDebugger holds the first thread started after boot in wait
	// so a debugger can attach before any guest code runs.
	WaitForDebugger bool `yaml:"wait_for_debugger"`
}

// RegisterFlags registers the flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.WatchCode, "kernel.watch-code", false, "Trace executed guest instructions on new threads.")
	f.BoolVar(&cfg.WatchMemory, "kernel.watch-memory", false, "Trace guest memory accesses on new threads.")
	f.BoolVar(&cfg.WaitForDebugger, "kernel.wait-for-debugger", false, "Hold the first started guest thread in wait until resumed by a debugger.")
}

type waitingThread struct {
	name string
}

// runningThread owns the host thread backing a started guest thread.
type runningThread struct {
	thread *Thread
	done   chan struct{}
}

// stop forces the guest thread to exit, wakes its watchers and blocks
// until the host thread has terminated.
func (r *runningThread) stop() {
	t := r.thread
	t.mu.Lock()
	t.markExitLocked()
	t.mu.Unlock()
	t.cond.Broadcast()
	t.RaiseWaitingThreads()
	<-r.done
}

// Kernel is the process-wide registry of guest threads. A single mutex
// serializes the id counter and the waiting/running/record maps; it is
// never held while guest code executes.
type Kernel struct {
	services.Service

	cfg     Config
	logger  log.Logger
	metrics *metrics

	mu      sync.Mutex
	nextUID int32
	threads map[int32]*Thread
	waiting map[int32]waitingThread
	running map[int32]*runningThread

	// waitForDebugger is a consume-once latch: the first thread start to
	// win the swap parks in wait instead of run. The race between
	// concurrent starts is deliberate and advisory only.
	waitForDebugger atomic.Bool
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) *Kernel {
	k := &Kernel{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(reg),
		nextUID: 1,
		threads: make(map[int32]*Thread),
		waiting: make(map[int32]waitingThread),
		running: make(map[int32]*runningThread),
	}
	k.waitForDebugger.Store(cfg.WaitForDebugger)
	k.Service = services.NewIdleService(k.starting, k.stopping)
	return k
}

func (k *Kernel) starting(context.Context) error { return nil }
func (k *Kernel) stopping(error) error           { return k.Shutdown() }

// NextUID allocates a process-unique id. Higher layers use it for sibling
// kernel objects as well as threads.
func (k *Kernel) NextUID() int32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	uid := k.nextUID
	k.nextUID++
	return uid
}

// GetThread looks up a thread record by id. Must not be called with the
// registry lock held.
func (k *Kernel) GetThread(tid int32) (*Thread, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.threads[tid]
	return t, ok
}

func (k *Kernel) findThread(tid int32) *Thread {
	t, _ := k.GetThread(tid)
	return t
}

// IsWaiting reports whether tid was created but not yet started.
func (k *Kernel) IsWaiting(tid int32) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.waiting[tid]
	return ok
}

// IsRunning reports whether tid has been started.
func (k *Kernel) IsRunning(tid int32) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.running[tid]
	return ok
}

// WaitingThreadIDs returns the ids of created-but-unstarted threads,
// sorted.
func (k *Kernel) WaitingThreadIDs() []int32 {
	k.mu.Lock()
	ids := lo.Keys(k.waiting)
	k.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// RunningThreadIDs returns the ids of started threads, sorted.
func (k *Kernel) RunningThreadIDs() []int32 {
	k.mu.Lock()
	ids := lo.Keys(k.running)
	k.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// DeleteThread removes a thread from the registry. A running thread is
// forced to exit, its watchers are woken, and the host thread is joined
// before the registry reference is dropped.
func (k *Kernel) DeleteThread(tid int32) error {
	k.mu.Lock()
	t, ok := k.threads[tid]
	if !ok {
		k.mu.Unlock()
		return ErrUnknownThreadID
	}
	r := k.running[tid]
	delete(k.threads, tid)
	delete(k.waiting, tid)
	delete(k.running, tid)
	k.mu.Unlock()

	if r != nil {
		r.stop()
	}
	return t.release()
}

// Shutdown tears down every thread: running handles are stopped and
// joined first, then all registry references are dropped, releasing guest
// stacks, TLS blocks and CPU contexts.
func (k *Kernel) Shutdown() error {
	k.mu.Lock()
	running := lo.Values(k.running)
	threads := lo.Values(k.threads)
	k.running = make(map[int32]*runningThread)
	k.waiting = make(map[int32]waitingThread)
	k.threads = make(map[int32]*Thread)
	k.mu.Unlock()

	for _, r := range running {
		r.stop()
	}
	errs := multierror.New()
	for _, t := range threads {
		errs.Add(t.release())
	}
	if err := errs.Err(); err != nil {
		level.Error(k.logger).Log("msg", "kernel shutdown released threads with errors", "err", err)
		return err
	}
	return nil
}
