// Package worker provides the lifecycle tree that connects the manager, the
// port servers and their client connections. Parents hold children through a
// roster; children keep a plain back-reference used only for detaching.
// Shutdown broadcasts recursively, deepest nodes applying their own stop.
package worker

import (
	"sync"
	"time"

	"github.com/quernd/quernd/ioloop"
)

// Impl is the owning object's shutdown hook. OnShutdown runs after the
// request has been propagated to all children; now is the zero time unless an
// immediate shutdown was requested.
type Impl interface {
	OnShutdown(asap, now time.Time)
}

type Worker struct {
	name string
	loop *ioloop.Loop
	impl Impl

	mtx      sync.Mutex
	cond     *sync.Cond
	parent   *Worker
	children map[*Worker]struct{}

	asapTime  time.Time
	nowTime   time.Time
	detaching bool

	// canDetach, when set, gates Detach: a connection with a running
	// handler refuses to detach and retries via Redetach.
	canDetach func() bool
}

// New creates a worker node and attaches it to parent (nil for the root).
// loop is the event loop the node's fds are pinned to; pass nil for nodes
// that own no fds.
func New(name string, parent *Worker, loop *ioloop.Loop, impl Impl) *Worker {
	w := &Worker{
		name:     name,
		loop:     loop,
		impl:     impl,
		parent:   parent,
		children: make(map[*Worker]struct{}),
	}
	w.cond = sync.NewCond(&w.mtx)
	if parent != nil {
		parent.attach(w)
	}
	return w
}

func (w *Worker) Name() string       { return w.name }
func (w *Worker) Loop() *ioloop.Loop { return w.loop }

// SetCanDetach installs the detach gate. Must be called before the node is
// shared across goroutines.
func (w *Worker) SetCanDetach(f func() bool) { w.canDetach = f }

func (w *Worker) attach(child *Worker) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.children[child] = struct{}{}
}

// Detach removes the node from its parent's roster. If the detach gate
// refuses (a handler still runs), the node is flagged as detaching and a
// later Redetach retries. Idempotent.
func (w *Worker) Detach() {
	if w.canDetach != nil && !w.canDetach() {
		w.mtx.Lock()
		w.detaching = true
		w.mtx.Unlock()
		return
	}
	parent := w.parent
	if parent == nil {
		return
	}
	parent.mtx.Lock()
	delete(parent.children, w)
	parent.cond.Broadcast()
	parent.mtx.Unlock()
}

// Redetach retries a detach that previously raced a running handler.
func (w *Worker) Redetach() {
	w.mtx.Lock()
	pending := w.detaching
	w.mtx.Unlock()
	if pending {
		w.Detach()
	}
}

// Shutdown records the two deadlines, propagates to all children, then
// applies the node's own stop through the Impl hook. asap stops accepting
// new work; a non-zero now forces teardown.
func (w *Worker) Shutdown(asap, now time.Time) {
	w.mtx.Lock()
	w.asapTime = asap
	w.nowTime = now
	children := make([]*Worker, 0, len(w.children))
	for c := range w.children {
		children = append(children, c)
	}
	w.mtx.Unlock()

	for _, c := range children {
		c.Shutdown(asap, now)
	}

	if w.impl != nil {
		w.impl.OnShutdown(asap, now)
	}
}

func (w *Worker) ShuttingDown() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return !w.asapTime.IsZero() || !w.nowTime.IsZero()
}

func (w *Worker) ShutdownNow() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return !w.nowTime.IsZero()
}

func (w *Worker) ChildCount() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return len(w.children)
}

// WalkChildren invokes f on a snapshot of the direct children.
func (w *Worker) WalkChildren(f func(*Worker)) {
	w.mtx.Lock()
	children := make([]*Worker, 0, len(w.children))
	for c := range w.children {
		children = append(children, c)
	}
	w.mtx.Unlock()
	for _, c := range children {
		f(c)
	}
}

// WaitChildrenDetached blocks until the roster is empty or the deadline
// passes; it reports whether the roster drained.
func (w *Worker) WaitChildrenDetached(deadline time.Time) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	for len(w.children) > 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		t := time.AfterFunc(time.Until(deadline), w.cond.Broadcast)
		w.cond.Wait()
		t.Stop()
	}
	return true
}
