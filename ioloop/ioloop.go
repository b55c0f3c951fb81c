// Package ioloop implements the epoll event loop that owns client sockets.
// One goroutine runs each loop; watchers subscribe callbacks to fd readiness
// and an eventfd-backed async signal lets other goroutines wake the loop.
package ioloop

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/quernd/quernd/logger"
)

type Event uint32

const (
	Read Event = 1 << iota
	Write
)

type Loop struct {
	name   string
	epfd   int
	wakefd int
	log    *logger.Logger

	stopped int32

	mtx        sync.Mutex
	fds        map[int][]*IO
	registered map[int]struct{}
	asyncs     map[*Async]struct{}
}

func New(name string, log *logger.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}
	l := &Loop{
		name:       name,
		epfd:       epfd,
		wakefd:     wakefd,
		log:        log.WithField("loop", name),
		fds:        make(map[int][]*IO),
		registered: make(map[int]struct{}),
		asyncs:     make(map[*Async]struct{}),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, errors.Wrap(err, "epoll ctl add wakefd")
	}
	return l, nil
}

// Run dispatches events until Stop is called. It must run on its own
// goroutine; all watcher callbacks are invoked from it.
func (l *Loop) Run() {
	events := make([]unix.EpollEvent, 128)
	for atomic.LoadInt32(&l.stopped) == 0 {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.log.WithError(err).Error("epoll wait")
			break
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == l.wakefd {
				l.drainWake()
				continue
			}
			l.dispatchFd(int(ev.Fd), ev.Events)
		}
	}
	unix.Close(l.wakefd)
	unix.Close(l.epfd)
	l.log.Debug("loop exited")
}

// Stop makes Run return after the current dispatch round.
func (l *Loop) Stop() {
	atomic.StoreInt32(&l.stopped, 1)
	l.wake()
}

func (l *Loop) wake() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	// best effort: EAGAIN means the counter is already nonzero and the
	// loop will wake anyway
	_, _ = unix.Write(l.wakefd, one[:])
}

func (l *Loop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakefd, buf[:])

	l.mtx.Lock()
	triggered := make([]*Async, 0, len(l.asyncs))
	for a := range l.asyncs {
		if atomic.CompareAndSwapInt32(&a.triggered, 1, 0) {
			triggered = append(triggered, a)
		}
	}
	l.mtx.Unlock()

	for _, a := range triggered {
		a.cb()
	}
}

func (l *Loop) dispatchFd(fd int, epevents uint32) {
	var got Event
	if epevents&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		got |= Read
	}
	if epevents&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		got |= Write
	}

	l.mtx.Lock()
	watchers := make([]*IO, 0, len(l.fds[fd]))
	for _, w := range l.fds[fd] {
		if w.active && w.events&got != 0 {
			watchers = append(watchers, w)
		}
	}
	l.mtx.Unlock()

	for _, w := range watchers {
		w.cb(got & w.events)
	}
}

// callers must hold l.mtx
func (l *Loop) updateFdLocked(fd int) error {
	var mask uint32
	for _, w := range l.fds[fd] {
		if !w.active {
			continue
		}
		if w.events&Read != 0 {
			mask |= unix.EPOLLIN
		}
		if w.events&Write != 0 {
			mask |= unix.EPOLLOUT
		}
	}

	registered := l.registeredMask(fd)
	switch {
	case mask == 0 && registered:
		l.setRegistered(fd, false)
		return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	case mask != 0 && !registered:
		l.setRegistered(fd, true)
		ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
		return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	case mask != 0:
		ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
		return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	return nil
}

func (l *Loop) registeredMask(fd int) bool {
	_, ok := l.registered[fd]
	return ok
}

func (l *Loop) setRegistered(fd int, on bool) {
	if on {
		l.registered[fd] = struct{}{}
	} else {
		delete(l.registered, fd)
	}
}

// IO subscribes a callback to readiness events of one fd, after the fashion
// of a libev io watcher. Start and Stop are safe from any goroutine.
type IO struct {
	loop   *Loop
	fd     int
	events Event
	cb     func(Event)
	active bool
}

func (l *Loop) NewIO(fd int, events Event, cb func(Event)) *IO {
	w := &IO{loop: l, fd: fd, events: events, cb: cb}
	l.mtx.Lock()
	l.fds[fd] = append(l.fds[fd], w)
	l.mtx.Unlock()
	return w
}

func (w *IO) Start() {
	w.loop.mtx.Lock()
	defer w.loop.mtx.Unlock()
	if w.active {
		return
	}
	w.active = true
	if err := w.loop.updateFdLocked(w.fd); err != nil {
		w.loop.log.WithError(err).WithField("fd", w.fd).Error("watcher start")
	}
}

func (w *IO) Stop() {
	w.loop.mtx.Lock()
	defer w.loop.mtx.Unlock()
	if !w.active {
		return
	}
	w.active = false
	if err := w.loop.updateFdLocked(w.fd); err != nil && err != unix.EBADF && err != unix.ENOENT {
		w.loop.log.WithError(err).WithField("fd", w.fd).Error("watcher stop")
	}
}

// Detach removes the watcher from the loop entirely. The fd must already be
// stopped or about to be closed.
func (w *IO) Detach() {
	w.loop.mtx.Lock()
	defer w.loop.mtx.Unlock()
	w.active = false
	ws := w.loop.fds[w.fd]
	for i, other := range ws {
		if other == w {
			w.loop.fds[w.fd] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(w.loop.fds[w.fd]) == 0 {
		delete(w.loop.fds, w.fd)
		if w.loop.registeredMask(w.fd) {
			w.loop.setRegistered(w.fd, false)
			_ = unix.EpollCtl(w.loop.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
		}
	} else {
		_ = w.loop.updateFdLocked(w.fd)
	}
}

// Async is a cross-goroutine wakeup: Send marks it triggered and wakes the
// loop, which invokes the callback on its own goroutine. Multiple Sends
// before the loop services the signal coalesce into one callback.
type Async struct {
	loop      *Loop
	cb        func()
	triggered int32
}

func (l *Loop) NewAsync(cb func()) *Async {
	a := &Async{loop: l, cb: cb}
	l.mtx.Lock()
	l.asyncs[a] = struct{}{}
	l.mtx.Unlock()
	return a
}

func (a *Async) Send() {
	atomic.StoreInt32(&a.triggered, 1)
	a.loop.wake()
}

func (a *Async) Stop() {
	a.loop.mtx.Lock()
	delete(a.loop.asyncs, a)
	a.loop.mtx.Unlock()
}
