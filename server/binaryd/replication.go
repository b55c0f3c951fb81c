package binaryd

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quernd/quernd/index"
)

// replProto implements both sides of the replication sub-protocol: the
// server streams changesets (inline or as a file), the client applies them.
type replProto struct {
	c *Client

	// client-side episode state
	srcEndpoint string
	dstEndpoint string
	peerRev     int64
}

type changesetsRequest struct {
	Endpoint string `msgpack:"endpoint"`
	FromRev  int64  `msgpack:"from_rev"`
	Snapshot bool   `msgpack:"snapshot"`
}

type welcomeReply struct {
	Endpoint string `msgpack:"endpoint"`
	Revision int64  `msgpack:"revision"`
}

func (r *replProto) handleServer(typ byte, payload []byte) error {
	switch typ {
	case MsgGetChangesets:
		return r.msgGetChangesets(payload)
	default:
		return errors.Errorf("replication: unhandled message type %d", typ)
	}
}

func (r *replProto) msgGetChangesets(payload []byte) error {
	var req changesetsRequest
	if len(payload) > 0 {
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return errors.Wrap(err, "replication: decode changesets request")
		}
	}
	if req.Endpoint == "" {
		req.Endpoint = "default"
	}

	ctx := context.Background()
	handle, err := r.c.env.Pool.Checkout(ctx, req.Endpoint)
	if err != nil {
		return err
	}
	defer handle.Checkin()

	rev, err := handle.Engine.Revision(ctx)
	if err != nil {
		return err
	}
	welcome, err := msgpack.Marshal(&welcomeReply{Endpoint: req.Endpoint, Revision: rev})
	if err != nil {
		return errors.Wrap(err, "replication: encode welcome")
	}
	r.c.sendMessage(ReplyWelcome, welcome)

	css, err := handle.Engine.ChangesetsSince(ctx, req.FromRev)
	if err != nil {
		return err
	}

	if req.Snapshot {
		if err := r.sendSnapshot(css); err != nil {
			return err
		}
	} else {
		for i := range css {
			enc, err := msgpack.Marshal(&css[i])
			if err != nil {
				return errors.Wrap(err, "replication: encode changeset")
			}
			r.c.sendMessage(ReplyChangeset, enc)
		}
	}

	r.c.sendMessage(ReplyEnd, nil)
	return nil
}

// sendSnapshot spools the changesets into a temp file and streams it through
// the file codec; the peer re-enqueues the received path under ReplyFile.
func (r *replProto) sendSnapshot(css []index.Changeset) error {
	f, err := os.CreateTemp(r.c.env.TempDir, "quernd.snapshot.*")
	if err != nil {
		return errors.Wrap(err, "replication: snapshot temp file")
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	enc := msgpack.NewEncoder(f)
	for i := range css {
		if err := enc.Encode(&css[i]); err != nil {
			return errors.Wrap(err, "replication: encode snapshot")
		}
	}
	return r.c.sendFile(ReplyFile, f)
}

func (r *replProto) handleClient(typ byte, payload []byte) error {
	switch typ {
	case ReplyWelcome:
		var w welcomeReply
		if err := msgpack.Unmarshal(payload, &w); err != nil {
			return errors.Wrap(err, "replication: decode welcome")
		}
		r.peerRev = w.Revision
		if r.dstEndpoint == "" {
			r.dstEndpoint = w.Endpoint
		}
		return nil

	case ReplyChangeset:
		var cs index.Changeset
		if err := msgpack.Unmarshal(payload, &cs); err != nil {
			return errors.Wrap(err, "replication: decode changeset")
		}
		return r.apply(&cs)

	case ReplyFile:
		// payload is the temp path the file stream was spooled to
		return r.applySnapshot(string(payload))

	case ReplyFail:
		return errors.Errorf("replication: peer reported failure: %s", payload)

	case ReplyEnd:
		r.c.Log().WithField("revision", r.peerRev).Debug("replication episode complete")
		return nil

	default:
		return errors.Errorf("replication: unhandled reply type %d", typ)
	}
}

func (r *replProto) apply(cs *index.Changeset) error {
	endpoint := r.dstEndpoint
	if endpoint == "" {
		endpoint = "default"
	}
	ctx := context.Background()
	handle, err := r.c.env.Pool.Checkout(ctx, endpoint)
	if err != nil {
		return err
	}
	defer handle.Checkin()
	return handle.Engine.ApplyChangeset(ctx, cs)
}

func (r *replProto) applySnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "replication: open snapshot")
	}
	defer func() {
		f.Close()
		os.Remove(path)
	}()

	dec := msgpack.NewDecoder(f)
	for {
		var cs index.Changeset
		if err := dec.Decode(&cs); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "replication: decode snapshot")
		}
		if err := r.apply(&cs); err != nil {
			return err
		}
	}
}

// InitReplication primes an outbound connection as a replication client
// pulling src from the peer into the local dst endpoint.
func (c *Client) InitReplication(src, dst string) error {
	c.runnerMtx.Lock()
	c.state = StateReplicationClient
	c.runnerMtx.Unlock()
	c.repl.srcEndpoint = src
	c.repl.dstEndpoint = dst

	req, err := msgpack.Marshal(&changesetsRequest{Endpoint: src})
	if err != nil {
		return errors.Wrap(err, "replication: encode request")
	}
	// the peer's framing layer rewrites this frame into MsgGetChangesets
	// and flips itself into the replication-server state
	if !c.sendMessage(SwitchToRepl, req) {
		return errors.New("replication: write rejected")
	}
	return nil
}
