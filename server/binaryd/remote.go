package binaryd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quernd/quernd/index"
)

// remoteProto serves the typed request/reply protocol peers speak against a
// node's databases.
type remoteProto struct {
	c *Client
}

type queryRequest struct {
	Endpoint string          `msgpack:"endpoint"`
	Spec     index.QuerySpec `msgpack:"spec"`
}

type queryReply struct {
	Matched int              `msgpack:"matched"`
	Docs    []index.Document `msgpack:"docs"`
}

type termRequest struct {
	Endpoint string `msgpack:"endpoint"`
	Term     string `msgpack:"term"`
}

type documentRequest struct {
	Endpoint string `msgpack:"endpoint"`
	ID       string `msgpack:"id"`
}

type updateRequest struct {
	Endpoint string         `msgpack:"endpoint"`
	Doc      index.Document `msgpack:"doc"`
	Commit   bool           `msgpack:"commit"`
}

type updateReply struct {
	ID       string `msgpack:"id"`
	Revision int64  `msgpack:"revision"`
}

func (r *remoteProto) handle(typ byte, payload []byte) error {
	switch typ {
	case MsgQuery:
		return r.msgQuery(payload)
	case MsgTerm:
		return r.msgTerm(payload)
	case MsgDocument:
		return r.msgDocument(payload)
	case MsgUpdate:
		return r.msgUpdate(payload)
	case MsgCommit:
		return r.msgCommit(payload)
	default:
		return errors.Errorf("remote: unhandled message type %d", typ)
	}
}

func (r *remoteProto) msgQuery(payload []byte) error {
	var req queryRequest
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return errors.Wrap(err, "remote: decode query")
	}

	ctx := context.Background()
	handle, err := r.c.env.Pool.Checkout(ctx, req.Endpoint)
	if err != nil {
		return err
	}
	defer handle.Checkin()

	res, err := handle.Engine.Search(ctx, &req.Spec)
	if err != nil {
		return err
	}
	reply, err := msgpack.Marshal(&queryReply{Matched: res.Matched, Docs: res.Docs})
	if err != nil {
		return errors.Wrap(err, "remote: encode result")
	}
	r.c.sendMessage(ReplyResult, reply)
	return nil
}

func (r *remoteProto) msgTerm(payload []byte) error {
	var req termRequest
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return errors.Wrap(err, "remote: decode term")
	}

	ctx := context.Background()
	handle, err := r.c.env.Pool.Checkout(ctx, req.Endpoint)
	if err != nil {
		return err
	}
	defer handle.Checkin()

	res, err := handle.Engine.Search(ctx, &index.QuerySpec{Terms: []string{req.Term}, Limit: 0})
	if err != nil {
		return err
	}
	reply, err := msgpack.Marshal(&queryReply{Matched: res.Matched})
	if err != nil {
		return errors.Wrap(err, "remote: encode term reply")
	}
	r.c.sendMessage(ReplyTerm, reply)
	return nil
}

func (r *remoteProto) msgDocument(payload []byte) error {
	var req documentRequest
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return errors.Wrap(err, "remote: decode document request")
	}

	ctx := context.Background()
	handle, err := r.c.env.Pool.Checkout(ctx, req.Endpoint)
	if err != nil {
		return err
	}
	defer handle.Checkin()

	doc, err := handle.Engine.Get(ctx, req.ID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			r.c.sendMessage(ReplyException, []byte("document not found"))
			return nil
		}
		return err
	}
	reply, err := msgpack.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "remote: encode document")
	}
	r.c.sendMessage(ReplyDocument, reply)
	return nil
}

func (r *remoteProto) msgUpdate(payload []byte) error {
	var req updateRequest
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return errors.Wrap(err, "remote: decode update")
	}

	ctx := context.Background()
	handle, err := r.c.env.Pool.Checkout(ctx, req.Endpoint)
	if err != nil {
		return err
	}
	defer handle.Checkin()

	stored, err := handle.Engine.Put(ctx, &req.Doc, req.Commit)
	if err != nil {
		return err
	}
	reply, err := msgpack.Marshal(&updateReply{ID: stored.ID, Revision: stored.Version})
	if err != nil {
		return errors.Wrap(err, "remote: encode update reply")
	}
	r.c.sendMessage(ReplyUpdate, reply)
	return nil
}

func (r *remoteProto) msgCommit(payload []byte) error {
	// the memory engine commits on every write; acknowledge regardless so
	// peers can pipeline against durable backends
	r.c.sendMessage(ReplyDone, nil)
	return nil
}
