// Package server owns the listening sockets and the manager that ties
// together event loops, the worker pool and the two wire personalities.
package server

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/quernd/quernd/ioloop"
	"github.com/quernd/quernd/logger"
	"github.com/quernd/quernd/worker"
)

const acceptBacklog = 128

// Personality constructs a connection object around an accepted socket.
type Personality func(parent *worker.Worker, loop *ioloop.Loop, sock int)

// TCPServer accepts connections on one port and pins each to an event loop
// picked round-robin.
type TCPServer struct {
	*worker.Worker

	name   string
	log    *logger.Logger
	fd     int
	accept *ioloop.IO

	loops *LoopPool
	mk    Personality

	accepted uint64
}

// NewTCPServer binds and listens on addr ("host:port") without accepting
// yet; Start arms the accept watcher.
func NewTCPServer(name string, parent *worker.Worker, loops *LoopPool, addr string, mk Personality, log *logger.Logger) (*TCPServer, error) {
	fd, err := listenTCP(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	s := &TCPServer{
		name:  name,
		log:   log.WithField("server", name).WithField("listen", addr),
		fd:    fd,
		loops: loops,
		mk:    mk,
	}
	s.Worker = worker.New(name, parent, loops.First(), s)
	s.accept = loops.First().NewIO(fd, ioloop.Read, s.onAcceptable)
	return s, nil
}

func (s *TCPServer) Start() {
	s.accept.Start()
	s.log.Info("listening")
}

func (s *TCPServer) onAcceptable(ioloop.Event) {
	for {
		nfd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return
			}
			s.log.WithError(err).Error("accept")
			return
		}
		if s.ShuttingDown() {
			unix.Close(nfd)
			continue
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		atomic.AddUint64(&s.accepted, 1)
		s.mk(s.Worker, s.loops.Next(), nfd)
	}
}

func (s *TCPServer) Accepted() uint64 { return atomic.LoadUint64(&s.accepted) }

// OnShutdown implements worker.Impl: the broadcast already reached the
// connections (they are children of this node); the manager closes the
// listening socket itself so the two phases can differ.
func (s *TCPServer) OnShutdown(asap, now time.Time) {}

func (s *TCPServer) stopListening() {
	if s.fd == -1 {
		return
	}
	s.accept.Stop()
	s.accept.Detach()
	unix.Close(s.fd)
	s.fd = -1
	s.log.Info("stopped listening")
}

func listenTCP(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, errors.Wrap(err, "resolve")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setsockopt")
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "bind")
	}
	if err := unix.Listen(fd, acceptBacklog); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "listen")
	}
	return fd, nil
}

// LoopPool owns the event loops and deals them out round-robin.
type LoopPool struct {
	loops []*ioloop.Loop
	next  uint32
}

func NewLoopPool(n int, log *logger.Logger) (*LoopPool, error) {
	if n < 1 {
		n = 1
	}
	p := &LoopPool{}
	for i := 0; i < n; i++ {
		l, err := ioloop.New(loopName(i), log)
		if err != nil {
			return nil, err
		}
		p.loops = append(p.loops, l)
	}
	return p, nil
}

func loopName(i int) string {
	return fmt.Sprintf("loop-%d", i)
}

func (p *LoopPool) Start() {
	for _, l := range p.loops {
		go l.Run()
	}
}

func (p *LoopPool) Stop() {
	for _, l := range p.loops {
		l.Stop()
	}
}

func (p *LoopPool) First() *ioloop.Loop { return p.loops[0] }

func (p *LoopPool) Next() *ioloop.Loop {
	n := atomic.AddUint32(&p.next, 1)
	return p.loops[int(n)%len(p.loops)]
}
