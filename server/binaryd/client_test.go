package binaryd

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"

	"github.com/quernd/quernd/index"
	"github.com/quernd/quernd/ioloop"
	"github.com/quernd/quernd/logger"
	"github.com/quernd/quernd/server/client"
	"github.com/quernd/quernd/util/taskpool"
	"github.com/quernd/quernd/wire/varint"
	"github.com/quernd/quernd/worker"
)

type binFixture struct {
	client *Client
	peer   int
	env    *Env
}

func newBinFixture(t *testing.T) *binFixture {
	t.Helper()
	log := logger.NewNullLogger()

	loop, err := ioloop.New("bin-test", log)
	require.NoError(t, err)
	go loop.Run()
	t.Cleanup(loop.Stop)

	tasks := taskpool.New("bin-test", 2, 16, log)
	tasks.Start()
	t.Cleanup(tasks.Shutdown)

	env := &Env{
		Pool:     index.NewPool(4, index.OpenMemory()),
		Tasks:    tasks,
		TempDir:  t.TempDir(),
		NodeName: "node1",
		Log:      log,
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })

	root := worker.New("root", nil, nil, nil)
	c := NewClient(root, loop, fds[0], env)
	t.Cleanup(c.Destroy)

	return &binFixture{client: c, peer: fds[1], env: env}
}

func frame(typ byte, payload []byte) []byte {
	buf := []byte{typ}
	buf = varint.Append(buf, uint64(len(payload)))
	return append(buf, payload...)
}

func (f *binFixture) send(t *testing.T, data []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(data) > 0 && time.Now().Before(deadline) {
		n, err := unix.Write(f.peer, data)
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		data = data[n:]
	}
}

type wireFrame struct {
	typ     byte
	payload []byte
}

// recvFrames reads until want frames arrived or the deadline passes.
func (f *binFixture) recvFrames(t *testing.T, want int) []wireFrame {
	t.Helper()
	var (
		raw    []byte
		frames []wireFrame
	)
	buf := make([]byte, 8192)
	deadline := time.Now().Add(2 * time.Second)
	for len(frames) < want && time.Now().Before(deadline) {
		n, err := unix.Read(f.peer, buf)
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
		} else if err != nil || n == 0 {
			break
		} else {
			raw = append(raw, buf[:n]...)
		}
		for len(raw) >= 2 {
			length, vn, err := varint.Decode(raw[1:])
			if err == varint.ErrNeedMore {
				break
			}
			require.NoError(t, err)
			total := 1 + vn + int(length)
			if len(raw) < total {
				break
			}
			frames = append(frames, wireFrame{typ: raw[0], payload: append([]byte(nil), raw[1+vn:total]...)})
			raw = raw[total:]
		}
	}
	return frames
}

func seedDB(t *testing.T, env *Env, endpoint string, n int) {
	t.Helper()
	h, err := env.Pool.Checkout(context.Background(), endpoint)
	require.NoError(t, err)
	defer h.Checkin()
	for i := 0; i < n; i++ {
		_, err := h.Engine.Put(context.Background(), &index.Document{
			ID:     fmt.Sprintf("doc%d", i),
			Fields: map[string]interface{}{"n": i},
		}, false)
		require.NoError(t, err)
	}
}

func TestRemoteQueryRoundTrip(t *testing.T) {
	f := newBinFixture(t)
	seedDB(t, f.env, "db", 3)

	req, err := msgpack.Marshal(&queryRequest{Endpoint: "db", Spec: index.QuerySpec{Limit: 10}})
	require.NoError(t, err)
	f.send(t, frame(MsgQuery, req))

	frames := f.recvFrames(t, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, ReplyResult, frames[0].typ)

	var reply queryReply
	require.NoError(t, msgpack.Unmarshal(frames[0].payload, &reply))
	assert.Equal(t, 3, reply.Matched)
	assert.Len(t, reply.Docs, 3)
}

func TestRemoteUpdateThenDocument(t *testing.T) {
	f := newBinFixture(t)

	up, err := msgpack.Marshal(&updateRequest{
		Endpoint: "db",
		Doc:      index.Document{ID: "d1", Fields: map[string]interface{}{"k": "v"}},
	})
	require.NoError(t, err)
	f.send(t, frame(MsgUpdate, up))

	frames := f.recvFrames(t, 1)
	require.Len(t, frames, 1)
	require.Equal(t, ReplyUpdate, frames[0].typ)

	get, err := msgpack.Marshal(&documentRequest{Endpoint: "db", ID: "d1"})
	require.NoError(t, err)
	f.send(t, frame(MsgDocument, get))

	frames = f.recvFrames(t, 1)
	require.Len(t, frames, 1)
	require.Equal(t, ReplyDocument, frames[0].typ)
	var doc index.Document
	require.NoError(t, msgpack.Unmarshal(frames[0].payload, &doc))
	assert.Equal(t, "d1", doc.ID)
}

func TestSwitchToReplSynthesizesGetChangesets(t *testing.T) {
	f := newBinFixture(t)
	seedDB(t, f.env, "db", 2)

	req, err := msgpack.Marshal(&changesetsRequest{Endpoint: "db"})
	require.NoError(t, err)
	f.send(t, frame(SwitchToRepl, req))

	// welcome + 2 changesets + end
	frames := f.recvFrames(t, 4)
	require.Len(t, frames, 4)
	assert.Equal(t, ReplyWelcome, frames[0].typ)
	assert.Equal(t, ReplyChangeset, frames[1].typ)
	assert.Equal(t, ReplyChangeset, frames[2].typ)
	assert.Equal(t, ReplyEnd, frames[3].typ)

	var w welcomeReply
	require.NoError(t, msgpack.Unmarshal(frames[0].payload, &w))
	assert.EqualValues(t, 2, w.Revision)

	var cs index.Changeset
	require.NoError(t, msgpack.Unmarshal(frames[1].payload, &cs))
	assert.Equal(t, "put", cs.Op)
}

func TestSnapshotSentAsFileStream(t *testing.T) {
	f := newBinFixture(t)
	seedDB(t, f.env, "db", 2)

	req, err := msgpack.Marshal(&changesetsRequest{Endpoint: "db", Snapshot: true})
	require.NoError(t, err)
	f.send(t, frame(SwitchToRepl, req))

	// welcome frame, then the raw FileFollows control sequence
	var raw []byte
	buf := make([]byte, 8192)
	require.Eventually(t, func() bool {
		n, err := unix.Read(f.peer, buf)
		if err == nil && n > 0 {
			raw = append(raw, buf[:n]...)
		}
		if len(raw) < 2 {
			return false
		}
		length, vn, err := varint.Decode(raw[1:])
		if err != nil {
			return false
		}
		return len(raw) >= 1+vn+int(length)+2
	}, 2*time.Second, time.Millisecond)

	require.Equal(t, ReplyWelcome, raw[0])
	length, vn, err := varint.Decode(raw[1:])
	require.NoError(t, err)
	control := raw[1+vn+int(length):]
	assert.Equal(t, FileFollows, control[0])
	assert.Equal(t, ReplyFile, control[1])
}

func TestFileFollowsReassemblesSnapshot(t *testing.T) {
	f := newBinFixture(t)

	// put the connection in the replication-client role, as if it had
	// dialed a peer and requested changesets
	f.client.runnerMtx.Lock()
	f.client.state = StateReplicationClient
	f.client.runnerMtx.Unlock()
	f.client.repl.dstEndpoint = "replica"

	var snapshot bytes.Buffer
	enc := msgpack.NewEncoder(&snapshot)
	for i, id := range []string{"a", "b"} {
		require.NoError(t, enc.Encode(&index.Changeset{
			Seq: int64(i + 1),
			Op:  "put",
			Doc: index.Document{ID: id, Fields: map[string]interface{}{"n": i}},
		}))
	}

	// FILE_FOLLOWS, re-enqueue type, then the file stream (none codec)
	wire := []byte{FileFollows, ReplyFile, 0x01}
	wire = varint.Append(wire, uint64(snapshot.Len()))
	wire = append(wire, snapshot.Bytes()...)
	wire = append(wire, 0x00)
	f.send(t, wire)

	require.Eventually(t, func() bool {
		h, err := f.env.Pool.Checkout(context.Background(), "replica")
		if err != nil {
			return false
		}
		defer h.Checkin()
		ok, _ := h.Engine.Exists(context.Background(), "b")
		return ok
	}, 2*time.Second, 5*time.Millisecond, "snapshot changesets must be applied")
}

func TestFrameSplitAcrossReadsIsRetained(t *testing.T) {
	f := newBinFixture(t)
	seedDB(t, f.env, "db", 1)

	req, err := msgpack.Marshal(&queryRequest{Endpoint: "db", Spec: index.QuerySpec{Limit: 10}})
	require.NoError(t, err)
	full := frame(MsgQuery, req)

	for _, b := range full {
		f.send(t, []byte{b})
		time.Sleep(time.Millisecond)
	}

	frames := f.recvFrames(t, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, ReplyResult, frames[0].typ)
}

func TestOversizedVarintDropsConnection(t *testing.T) {
	f := newBinFixture(t)

	bad := append([]byte{MsgQuery}, bytes.Repeat([]byte{0xff}, 10)...)
	bad = append(bad, 0x7f)
	f.send(t, bad)

	require.Eventually(t, func() bool {
		n, err := unix.Read(f.peer, make([]byte, 16))
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond, "connection must be dropped")
}

func TestIdleReflectsQueue(t *testing.T) {
	f := newBinFixture(t)
	assert.True(t, f.client.Idle())

	f.client.runnerMtx.Lock()
	f.client.messages = append(f.client.messages, client.NewBuffer(MsgCommit, nil))
	f.client.runnerMtx.Unlock()
	assert.False(t, f.client.Idle())

	f.client.runnerMtx.Lock()
	f.client.messages = nil
	f.client.runnerMtx.Unlock()
	assert.True(t, f.client.Idle())
}
