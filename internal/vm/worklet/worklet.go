// Package worklet provides the one-shot continuation primitive the core
// uses to resume an operation that suspended (spec §9: "a small struct ...
// with a one-shot callback"). Rather than the source's stackless
// state-machine-per-operation, this generalizes
// internal/runtime/channels.Channel[T] into a goroutine/channel
// continuation: firing a Worklet runs its continuation once on the firing
// goroutine, a Queue can instead run posted Worklets from a lock-free MPMC
// ring buffer drained by a small worker pool, and callers that need to
// block on completion (copy.Transfer, AddressSpace.Fork) do so over an
// ordinary channel rather than hand-rolled state machines.
package worklet

import (
	"runtime"
	"sync"

	"github.com/orizon-lang/orizon-vmcore/internal/runtime/concurrency"
)

// Func is the continuation body run when a Worklet fires.
type Func func()

// Worklet is an opaque, one-shot continuation handle. Firing it more than
// once is a no-op for the second and later calls.
type Worklet struct {
	once sync.Once
	fn   Func
}

// New wraps fn in a one-shot Worklet.
func New(fn Func) *Worklet {
	return &Worklet{fn: fn}
}

// Fire runs the continuation exactly once, regardless of how many times
// Fire is called.
func (w *Worklet) Fire() {
	w.once.Do(w.fn)
}

// Queue is a small fixed-size worker pool that runs posted Worklets,
// backed by a lock-free MPMC ring buffer rather than a channel of jobs. It
// is the Go-native stand-in for the spec's external WorkQueue::post
// primitive.
type Queue struct {
	ring *concurrency.MPMCQueue[*Worklet]
	sem  chan struct{}
	wg   sync.WaitGroup
}

// NewQueue starts a Queue with the given number of worker goroutines and
// ring capacity.
func NewQueue(workers int, capacity uint64) *Queue {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 256
	}
	q := &Queue{
		ring: concurrency.NewMPMCQueue[*Worklet](capacity),
		sem:  make(chan struct{}, capacity),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.run()
	}
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for range q.sem {
		var w *Worklet
		for !q.ring.Dequeue(&w) {
			runtime.Gosched()
		}
		w.Fire()
	}
}

// Post schedules w to run on the queue. Handles are opaque and one-shot;
// posting an already-fired Worklet is harmless. Post blocks if the ring is
// at capacity, exerting backpressure on the caller rather than growing
// without bound.
func (q *Queue) Post(w *Worklet) {
	q.sem <- struct{}{}
	for !q.ring.Enqueue(w) {
		runtime.Gosched()
	}
}

// Close stops accepting new work and waits for in-flight worklets to drain.
func (q *Queue) Close() {
	close(q.sem)
	q.wg.Wait()
}

// Default is the process-wide work queue used by components that do not
// thread their own Queue through (mirrors the spec's "external primitive
// used only" treatment of the work queue/scheduler layer).
var Default = NewQueue(4, 256)

