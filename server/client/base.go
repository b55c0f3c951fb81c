// Package client implements the per-connection engine shared by the HTTP and
// binary personalities: non-blocking socket I/O under one event loop, a
// bounded write queue fed from worker goroutines, and the stream-mode state
// machine that interleaves inline messages with framed file payloads.
package client

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/quernd/quernd/ioloop"
	"github.com/quernd/quernd/logger"
	"github.com/quernd/quernd/util/bqueue"
	"github.com/quernd/quernd/util/envconst"
	"github.com/quernd/quernd/wire/filecodec"
	"github.com/quernd/quernd/wire/varint"
	"github.com/quernd/quernd/worker"
)

var (
	readBufSize    = envconst.Int("QUERND_CLIENT_READ_BUF", 4096)
	writeQueueSize = envconst.Int("QUERND_CLIENT_WRITE_QUEUE", 10)
)

// TotalClients counts live connections across both personalities.
var TotalClients int64

// A Personality interprets the byte stream of a connection. OnRead receives
// inline bytes (stream mode ReadBuf), OnReadFile receives decompressed file
// bytes, OnReadFileDone fires at the file stream terminator. OnDestroy runs
// once, from the connection teardown path. Idle reports whether the
// personality holds no in-flight work.
type Personality interface {
	OnRead(p []byte)
	OnReadFile(p []byte)
	OnReadFileDone()
	OnDestroy()
	Idle() bool
}

type streamMode int

const (
	modeReadBuf streamMode = iota
	modeReadFileType
	modeReadFile
)

type writeResult int

const (
	wrOK writeResult = iota
	wrErr
	wrRetry
	wrPending
	wrClosed
)

// Base is the engine underneath every connection. The owning loop invokes the
// read/write callbacks; worker goroutines only ever touch the write queue
// through Write and wake the loop via the async watcher.
type Base struct {
	*worker.Worker

	log *logger.Logger
	id  string

	personality Personality
	fileCodec   byte

	qmtx   sync.Mutex // guards sock nullification and the socket write
	sock   int        // -1 once closed
	closed int32

	writeQueue *bqueue.Queue[*Buffer]

	ioRead     *ioloop.IO
	ioWrite    *ioloop.IO
	asyncWrite *ioloop.Async

	readBuf []byte

	// file stream state, only touched from the loop goroutine
	mode          streamMode
	decomp        filecodec.Decompressor
	lengthAccum   []byte
	blockSize     uint64
	haveBlockSize bool
}

// NewBase wires a connection around an already accepted non-blocking socket
// and pins it to loop. fileCodec selects the codec SendFile negotiates.
func NewBase(name string, parent *worker.Worker, loop *ioloop.Loop, sock int, fileCodec byte, log *logger.Logger) *Base {
	c := &Base{
		id:         uuid.New().String(),
		sock:       sock,
		fileCodec:  fileCodec,
		readBuf:    make([]byte, readBufSize),
		writeQueue: bqueue.New[*Buffer](writeQueueSize, true),
	}
	c.log = log.WithField("conn", c.id).WithField("sock", sock)
	c.Worker = worker.New(name, parent, loop, c)

	c.asyncWrite = loop.NewAsync(c.ioCBUpdate)
	c.ioRead = loop.NewIO(sock, ioloop.Read, c.ioCBRead)
	c.ioWrite = loop.NewIO(sock, ioloop.Write, c.ioCBWrite)

	total := atomic.AddInt64(&TotalClients, 1)
	c.log.WithField("total", total).Debug("client created")
	return c
}

// SetPersonality attaches the byte-stream interpreter and arms the readable
// watcher; until then no loop callback can observe the connection.
func (c *Base) SetPersonality(p Personality) {
	c.personality = p
	c.ioRead.Start()
}

func (c *Base) ID() string          { return c.id }
func (c *Base) Log() *logger.Logger { return c.log }

func (c *Base) sockFd() int {
	c.qmtx.Lock()
	defer c.qmtx.Unlock()
	return c.sock
}

// Closed reports whether Close was called; the socket may still be draining.
func (c *Base) Closed() bool { return atomic.LoadInt32(&c.closed) != 0 }

// Close marks the connection for teardown once the write queue drains.
func (c *Base) Close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.log.Debug("client closed")
	}
}

// QueueEmpty reports whether all enqueued bytes reached the kernel.
func (c *Base) QueueEmpty() bool { return c.writeQueue.Empty() }

// Destroy tears the connection down: watchers stopped, socket closed, queue
// finished and drained, node detached. Idempotent; safe from any goroutine.
func (c *Base) Destroy() {
	c.Close()

	c.qmtx.Lock()
	if c.sock == -1 {
		c.qmtx.Unlock()
		return
	}
	sock := c.sock
	c.sock = -1
	c.qmtx.Unlock()

	c.ioRead.Stop()
	c.ioWrite.Stop()
	c.asyncWrite.Stop()
	c.ioRead.Detach()
	c.ioWrite.Detach()
	unix.Close(sock)

	c.writeQueue.Finish()
	for {
		if _, ok := c.writeQueue.Pop(0); !ok {
			break
		}
	}

	if c.personality != nil {
		c.personality.OnDestroy()
	}

	total := atomic.AddInt64(&TotalClients, -1)
	if total < 0 {
		panic("client: total client count went negative")
	}
	c.log.WithField("total", total).Debug("client destroyed")

	c.Detach()
}

// OnShutdown implements worker.Impl. An asap shutdown destroys idle
// connections and lets busy ones finish; now forces teardown.
func (c *Base) OnShutdown(asap, now time.Time) {
	if !now.IsZero() {
		c.Destroy()
		return
	}
	if c.personality != nil && c.personality.Idle() && c.writeQueue.Empty() {
		c.Destroy()
		return
	}
	// no new requests; the in-flight handler finishes, notices the
	// shutdown and closes the connection itself
	c.ioRead.Stop()
}

// Write enqueues p for transmission. It fails when the queue is finished or
// full. Safe from any goroutine; the enqueued bytes are published before the
// loop is signaled, so no wakeup is lost.
func (c *Base) Write(p []byte) bool {
	return c.WriteBuffer(NewBuffer(0, p))
}

func (c *Base) WriteBuffer(b *Buffer) bool {
	if !c.writeQueue.Push(b) {
		return false
	}
	return c.flushWrites(c.sockFd(), true)
}

// writeDirectly attempts one send of the queue head. Callers hold qmtx.
func (c *Base) writeDirectly(fd int) writeResult {
	if fd == -1 {
		return wrErr
	}
	buf, ok := c.writeQueue.Front()
	if !ok {
		return wrOK
	}

	n, err := unix.SendmsgN(fd, buf.Data(), nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		if retriableErrno(err) {
			return wrRetry
		}
		c.log.WithError(err).Debug("write error")
		return wrErr
	}
	if n == 0 {
		return wrClosed
	}

	buf.Advance(n)
	if buf.Len() > 0 {
		return wrPending
	}
	c.writeQueue.Pop(0)
	if c.writeQueue.Empty() {
		return wrOK
	}
	return wrPending
}

// flushWrites drains the queue onto the socket until it would block. async
// marks calls from off-loop goroutines, which must not touch the watchers
// directly and instead signal the loop.
func (c *Base) flushWrites(fd int, async bool) bool {
	for {
		c.qmtx.Lock()
		status := c.writeDirectly(fd)
		c.qmtx.Unlock()

		switch status {
		case wrErr, wrClosed:
			if !async {
				c.ioWrite.Stop()
			}
			c.Destroy()
			return false
		case wrRetry:
			if async {
				c.asyncWrite.Send()
			} else {
				c.ioWrite.Start()
			}
			return true
		case wrOK:
			if !async {
				c.ioWrite.Stop()
			}
			return true
		case wrPending:
			// keep going
		}
	}
}

func (c *Base) ioCBWrite(ioloop.Event) {
	c.flushWrites(c.sockFd(), false)
	c.ioCBUpdate()
}

// ioCBUpdate reconciles the writable watcher with the queue state; it also
// runs as the async wake callback. A pending close with a drained queue
// transitions to destroy here, which guarantees enqueued bytes are flushed
// before teardown.
func (c *Base) ioCBUpdate() {
	if c.sockFd() == -1 {
		return
	}
	if c.writeQueue.Empty() {
		if c.Closed() {
			c.Destroy()
		} else {
			c.ioWrite.Stop()
		}
	} else {
		c.ioWrite.Start()
	}
}

func (c *Base) ioCBRead(ioloop.Event) {
	if c.Closed() {
		return
	}
	fd := c.sockFd()
	if fd == -1 {
		return
	}

	n, err := unix.Read(fd, c.readBuf)
	if err != nil {
		if !retriableErrno(err) {
			c.log.WithError(err).Debug("read error")
			c.Destroy()
		}
		return
	}
	if n == 0 {
		// peer closed its half of the connection
		c.log.Debug("received EOF")
		c.Destroy()
		return
	}

	c.consume(c.readBuf[:n])
	c.ioCBUpdate()
}

// Consume re-enters the stream-mode machine. Personalities use it from
// OnRead after a mode switch to route the remainder of the same TCP segment
// (e.g. bytes following a file-follows control sequence).
func (c *Base) Consume(data []byte) { c.consume(data) }

// consume advances the stream-mode machine over one read's worth of bytes.
// A type byte, block lengths and block data arriving in the same TCP segment
// are all processed in this single pass.
func (c *Base) consume(data []byte) {
	if c.mode == modeReadFileType {
		typ := data[0]
		data = data[1:]
		decomp, err := filecodec.NewDecompressor(typ)
		if err != nil {
			c.log.WithError(err).Warn("bad file codec type")
			c.Destroy()
			return
		}
		c.decomp = decomp
		c.lengthAccum = nil
		c.haveBlockSize = false
		c.mode = modeReadFile
	}

	if len(data) > 0 && c.mode == modeReadFile {
		leftover, err := c.consumeFile(data)
		if err != nil {
			c.log.WithError(err).Warn("file stream error")
			c.Destroy()
			return
		}
		data = leftover
	}

	if len(data) > 0 && c.mode == modeReadBuf {
		c.personality.OnRead(data)
	}
}

// consumeFile feeds bytes through the block framing. It returns the bytes
// past the stream terminator, which belong to the next inline message.
func (c *Base) consumeFile(data []byte) ([]byte, error) {
	for {
		if !c.haveBlockSize {
			if len(data) > 0 {
				c.lengthAccum = append(c.lengthAccum, data...)
			}
			v, n, err := varint.Decode(c.lengthAccum)
			if err == varint.ErrNeedMore {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			data = c.lengthAccum[n:]
			c.lengthAccum = nil
			c.blockSize = v
			c.haveBlockSize = true
			c.decomp.Clear()

			if v == 0 {
				// terminating block
				c.mode = modeReadBuf
				c.decomp = nil
				c.haveBlockSize = false
				c.personality.OnReadFileDone()
				return data, nil
			}
		}

		take := uint64(len(data))
		if c.blockSize < take {
			take = c.blockSize
		}
		if take > 0 {
			c.decomp.Append(data[:take])
			c.blockSize -= take
			data = data[take:]
		}

		if c.blockSize > 0 {
			// mid-block, wait for more bytes
			return nil, nil
		}

		if err := c.decomp.Flush(fileSink{c}); err != nil {
			return nil, err
		}
		c.haveBlockSize = false
		if len(data) == 0 {
			return nil, nil
		}
	}
}

type fileSink struct{ c *Base }

func (s fileSink) Write(p []byte) (int, error) {
	s.c.personality.OnReadFile(p)
	return len(p), nil
}

// BeginFileRead switches the stream machine so that the next incoming byte
// is interpreted as the file codec type.
func (c *Base) BeginFileRead() {
	c.mode = modeReadFileType
}

// SendFile drives the configured codec over f, enqueueing the typed block
// stream through Write. It reports whether the file's declared size was
// fully consumed.
func (c *Base) SendFile(f *os.File) (bool, error) {
	st, err := f.Stat()
	if err != nil {
		return false, errors.Wrap(err, "stat")
	}
	if _, err := f.Seek(0, 0); err != nil {
		return false, errors.Wrap(err, "seek")
	}

	comp, err := filecodec.NewCompressor(c.fileCodec)
	if err != nil {
		return false, err
	}
	n, err := comp.Compress(f, c.Write)
	if err != nil {
		return false, err
	}
	return n == st.Size(), nil
}

func retriableErrno(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// Nudge schedules an ioCBUpdate round on the loop. Personalities use it
// after Close so a drained connection proceeds to destroy.
func (c *Base) Nudge() { c.asyncWrite.Send() }

// StopReading pauses the readable watcher; personalities call this when a
// request is complete and a worker goroutine takes over.
func (c *Base) StopReading() { c.ioRead.Stop() }

// ResumeReading re-arms the readable watcher from a worker goroutine via the
// loop's async wake path.
func (c *Base) ResumeReading() {
	c.ioRead.Start()
	c.asyncWrite.Send()
}
