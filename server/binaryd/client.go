// Package binaryd is the binary-port personality: typed message framing over
// the connection engine, the file-follows and switch-to-replication control
// sequences, and the runner loop that feeds the remote and replication
// protocol handlers.
package binaryd

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/quernd/quernd/index"
	"github.com/quernd/quernd/ioloop"
	"github.com/quernd/quernd/logger"
	"github.com/quernd/quernd/server/client"
	"github.com/quernd/quernd/util/taskpool"
	"github.com/quernd/quernd/wire/filecodec"
	"github.com/quernd/quernd/wire/varint"
	"github.com/quernd/quernd/worker"
)

// BinaryClients counts live binary-port connections.
var BinaryClients int64

// Env bundles the collaborators every binary connection shares.
type Env struct {
	Pool     *index.Pool
	Tasks    *taskpool.Pool
	TempDir  string
	NodeName string
	Log      *logger.Logger
}

// Client is one binary-port connection.
type Client struct {
	*client.Base

	env *Env

	// framing accumulator, only touched from the loop goroutine
	buffer      []byte
	fileMsgType byte
	fileOut     *os.File

	runnerMtx sync.Mutex
	running   bool
	state     State
	messages  []*client.Buffer

	tempDir   string
	tempFiles []string

	remote *remoteProto
	repl   *replProto
}

func NewClient(parent *worker.Worker, loop *ioloop.Loop, sock int, env *Env) *Client {
	c := &Client{env: env, state: StateRemoteServer}
	c.Base = client.NewBase("binary", parent, loop, sock, filecodec.TypeLZ4, env.Log)
	c.Base.SetPersonality(c)
	c.Base.SetCanDetach(c.Idle)
	c.remote = &remoteProto{c: c}
	c.repl = &replProto{c: c}
	atomic.AddInt64(&BinaryClients, 1)
	return c
}

// --- client.Personality ---

// OnRead frames `<type:u8><len:varint><payload>` messages out of the inline
// byte stream. On a truncated varint the accumulated bytes are retained and
// decoding resumes with the next read.
func (c *Client) OnRead(p []byte) {
	c.buffer = append(c.buffer, p...)
	for len(c.buffer) >= 2 {
		typ := c.buffer[0]

		if typ == FileFollows {
			c.fileMsgType = c.buffer[1]
			rest := append([]byte(nil), c.buffer[2:]...)
			c.buffer = nil
			if err := c.openTempFile(); err != nil {
				c.Log().WithError(err).Error("cannot create temp file")
				c.Destroy()
				return
			}
			c.BeginFileRead()
			if len(rest) > 0 {
				c.Consume(rest)
			}
			return
		}

		length, n, err := varint.Decode(c.buffer[1:])
		if err == varint.ErrNeedMore {
			return
		}
		if err != nil {
			c.Log().WithError(err).Warn("bad message length")
			c.Destroy()
			return
		}
		total := 1 + n + int(length)
		if len(c.buffer) < total {
			return
		}
		payload := c.buffer[1+n : total]

		if typ == SwitchToRepl {
			c.runnerMtx.Lock()
			c.state = StateReplicationServer
			c.runnerMtx.Unlock()
			c.Log().Debug("switched to replication protocol")
			c.enqueue(client.NewBuffer(MsgGetChangesets, payload))
		} else {
			c.enqueue(client.NewBuffer(typ, payload))
		}
		c.buffer = c.buffer[total:]
	}
}

func (c *Client) OnReadFile(p []byte) {
	if c.fileOut == nil {
		return
	}
	if _, err := c.fileOut.Write(p); err != nil {
		c.Log().WithError(err).Error("temp file write")
		c.Destroy()
	}
}

func (c *Client) OnReadFileDone() {
	if c.fileOut == nil {
		return
	}
	path := c.fileOut.Name()
	c.fileOut.Close()
	c.fileOut = nil
	c.enqueue(client.NewBuffer(c.fileMsgType, []byte(path)))
}

func (c *Client) OnDestroy() {
	if c.fileOut != nil {
		c.fileOut.Close()
		c.fileOut = nil
	}
	for _, f := range c.tempFiles {
		os.Remove(f)
	}
	if c.tempDir != "" {
		os.RemoveAll(c.tempDir)
	}
	n := atomic.AddInt64(&BinaryClients, -1)
	if n < 0 {
		panic("binaryd: client count went negative")
	}
}

// Idle reports no runner, no queued messages and a drained write queue.
func (c *Client) Idle() bool {
	if !c.QueueEmpty() {
		return false
	}
	c.runnerMtx.Lock()
	defer c.runnerMtx.Unlock()
	return !c.running && len(c.messages) == 0
}

func (c *Client) openTempFile() error {
	if c.tempDir == "" {
		dir, err := os.MkdirTemp(c.env.TempDir, "quernd.binary.*")
		if err != nil {
			return errors.Wrap(err, "mkdtemp")
		}
		c.tempDir = dir
	}
	f, err := os.CreateTemp(c.tempDir, "quernd.*")
	if err != nil {
		return errors.Wrap(err, "mkstemp")
	}
	c.fileOut = f
	c.tempFiles = append(c.tempFiles, f.Name())
	return nil
}

// enqueue adds a message and makes sure exactly one runner is scheduled.
func (c *Client) enqueue(msg *client.Buffer) {
	if c.Closed() {
		return
	}
	c.runnerMtx.Lock()
	c.messages = append(c.messages, msg)
	startRunner := !c.running
	if startRunner {
		c.running = true
	}
	c.runnerMtx.Unlock()

	if startRunner && !c.env.Tasks.Enqueue(c.runner) {
		c.runnerMtx.Lock()
		c.running = false
		c.runnerMtx.Unlock()
		c.Log().Error("worker pool rejected runner")
		c.Destroy()
	}
}

// runner drains the message queue, dispatching by sub-protocol state. One
// runner owns a connection at a time. A handler error releases the runner,
// detaches the connection and surfaces through the pool's failure path.
func (c *Client) runner() {
	c.runnerMtx.Lock()
	for len(c.messages) > 0 && !c.Closed() {
		msg := c.messages[0]
		c.messages = c.messages[1:]
		state := c.state
		c.runnerMtx.Unlock()

		if err := c.dispatch(state, msg); err != nil {
			c.runnerMtx.Lock()
			c.running = false
			c.runnerMtx.Unlock()
			c.Log().WithError(err).WithField("state", state.String()).Error("binary handler failed")
			c.sendMessage(ReplyException, []byte(err.Error()))
			c.Close()
			c.Nudge()
			c.Detach()
			panic(err)
		}

		c.runnerMtx.Lock()
	}
	c.running = false
	c.runnerMtx.Unlock()

	if c.ShuttingDown() && c.Idle() {
		c.Destroy()
		return
	}
	c.Redetach()
}

func (c *Client) dispatch(state State, msg *client.Buffer) error {
	switch state {
	case StateRemoteServer:
		if msg.Type >= MsgRemoteMax {
			return errors.Errorf("invalid remote message type %d", msg.Type)
		}
		return c.remote.handle(msg.Type, msg.Data())
	case StateReplicationServer:
		if msg.Type >= MsgReplMax {
			return errors.Errorf("invalid replication message type %d", msg.Type)
		}
		return c.repl.handleServer(msg.Type, msg.Data())
	case StateReplicationClient:
		return c.repl.handleClient(msg.Type, msg.Data())
	default:
		return errors.Errorf("unexpected client state %s", state)
	}
}

// sendMessage frames one typed message onto the wire.
func (c *Client) sendMessage(typ byte, payload []byte) bool {
	buf := make([]byte, 0, 1+varint.MaxLen+len(payload))
	buf = append(buf, typ)
	buf = varint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	return c.Write(buf)
}

// sendFile announces a file with the control sequence, then streams it
// through the configured codec. The receiver re-enqueues it under typ.
func (c *Client) sendFile(typ byte, f *os.File) error {
	if !c.Write([]byte{FileFollows, typ}) {
		return errors.New("binaryd: write rejected")
	}
	ok, err := c.SendFile(f)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("binaryd: file size mismatch during send")
	}
	return nil
}
