// Package httpd is the HTTP/1.1 personality: it feeds socket bytes into the
// push parser, assembles requests (including 100-continue and body spill),
// runs handlers on the worker pool and streams responses back through the
// connection engine.
package httpd

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quernd/quernd/index"
	"github.com/quernd/quernd/ioloop"
	"github.com/quernd/quernd/logger"
	"github.com/quernd/quernd/server/client"
	"github.com/quernd/quernd/server/httparse"
	"github.com/quernd/quernd/util/taskpool"
	"github.com/quernd/quernd/wire/filecodec"
	"github.com/quernd/quernd/worker"
)

const (
	// MaxBodySize is the hard request body cap; larger requests get 413.
	MaxBodySize = 250 << 20
	// MaxBodyMem is the in-memory body cap; larger bodies spill to disk.
	MaxBodyMem = 5 << 20
)

// HTTPClients counts live HTTP connections.
var HTTPClients int64

type Limits struct {
	MaxBodySize int64
	MaxBodyMem  int64
	// RejectSpill restores the original short-circuit 413 instead of
	// spilling oversized bodies to a temp file.
	RejectSpill bool
}

func DefaultLimits() Limits {
	return Limits{MaxBodySize: MaxBodySize, MaxBodyMem: MaxBodyMem}
}

// Env bundles the collaborators every HTTP connection shares.
type Env struct {
	Pool     *index.Pool
	Tasks    *taskpool.Pool
	Limits   Limits
	TempDir  string
	NodeName string
	Log      *logger.Logger
	Latency  *latencyRecorder
}

func NewEnv(pool *index.Pool, tasks *taskpool.Pool, limits Limits, tempDir, nodeName string, log *logger.Logger) *Env {
	return &Env{
		Pool:     pool,
		Tasks:    tasks,
		Limits:   limits,
		TempDir:  tempDir,
		NodeName: nodeName,
		Log:      log,
		Latency:  newLatencyRecorder(),
	}
}

// errResponded tells the read path that an error response is already queued
// and the connection is closing; no teardown beyond that is needed.
var errResponded = errors.New("httpd: error response already sent")

// errDispatched stops the parser once a request went to the worker pool; the
// readable watcher is off until the handler finishes, so nothing is lost.
var errDispatched = errors.New("httpd: request dispatched")

type request struct {
	url         string
	method      string
	major       int
	minor       int
	host        string
	contentType string
	headerName  string
	expect100   bool
	accept      []acceptEntry

	body     bytes.Buffer
	bodyFile *os.File
	bodyPath string
	bodySize int64
}

// Client is one HTTP connection.
type Client struct {
	*client.Base

	env    *Env
	parser *httparse.Parser

	running int32
	req     request
}

func NewClient(parent *worker.Worker, loop *ioloop.Loop, sock int, env *Env) *Client {
	c := &Client{env: env}
	c.Base = client.NewBase("http", parent, loop, sock, filecodec.TypeLZ4, env.Log)
	c.parser = httparse.New(c)
	c.Base.SetPersonality(c)
	atomic.AddInt64(&HTTPClients, 1)
	return c
}

// --- client.Personality ---

func (c *Client) OnRead(p []byte) {
	_, err := c.parser.Execute(p)
	if err == nil || errors.Is(err, errDispatched) {
		return
	}
	if errors.Is(err, errResponded) {
		c.StopReading()
		return
	}
	// parser failure: close without a response
	c.Log().WithError(err).Debug("http parse error")
	c.Destroy()
}

// the HTTP port carries no inbound file streams
func (c *Client) OnReadFile(p []byte) {}
func (c *Client) OnReadFileDone()     {}

func (c *Client) OnDestroy() {
	c.dropBodyFile()
	n := atomic.AddInt64(&HTTPClients, -1)
	if n < 0 {
		panic("httpd: client count went negative")
	}
}

func (c *Client) Idle() bool {
	return atomic.LoadInt32(&c.running) == 0
}

func (c *Client) dropBodyFile() {
	if c.req.bodyFile != nil {
		c.req.bodyFile.Close()
		os.Remove(c.req.bodyPath)
		c.req.bodyFile = nil
		c.req.bodyPath = ""
	}
}

// --- httparse.Callbacks ---

func (c *Client) OnMessageBegin() error {
	c.dropBodyFile()
	c.req = request{}
	return nil
}

func (c *Client) OnURL(p []byte) error {
	c.req.url += string(p)
	return nil
}

func (c *Client) OnHeaderField(name []byte) error {
	c.req.headerName = strings.ToLower(string(name))
	return nil
}

func (c *Client) OnHeaderValue(value []byte) error {
	switch c.req.headerName {
	case "host":
		c.req.host = string(value)
	case "content-type":
		c.req.contentType = string(value)
	case "expect":
		if strings.EqualFold(string(value), "100-continue") {
			if c.parser.ContentLength > c.env.Limits.MaxBodySize {
				return c.respondAndClose(413)
			}
			c.req.expect100 = true
		}
	case "accept":
		c.req.accept = append(c.req.accept, parseAccept(string(value))...)
	}
	return nil
}

func (c *Client) OnHeadersComplete() error {
	c.req.method = c.parser.Method
	c.req.major, c.req.minor = c.parser.Major, c.parser.Minor

	if c.parser.ContentLength > c.env.Limits.MaxBodySize {
		return c.respondAndClose(413)
	}
	if c.req.expect100 {
		resp := Response{
			Status: 100,
			Mode:   ModeStatus | ModeExpected100,
			Major:  c.parser.Major,
			Minor:  c.parser.Minor,
		}
		c.Write(resp.Bytes())
	}
	return nil
}

func (c *Client) OnBody(p []byte) error {
	c.req.bodySize += int64(len(p))
	if c.req.bodySize > c.env.Limits.MaxBodySize {
		return c.respondAndClose(413)
	}

	if c.req.bodyFile == nil && c.req.bodySize > c.env.Limits.MaxBodyMem {
		if c.env.Limits.RejectSpill {
			return c.respondAndClose(413)
		}
		f, err := os.CreateTemp(c.env.TempDir, "quernd_upload.*")
		if err != nil {
			c.Log().WithError(err).Error("cannot create body spill file")
			return c.respondAndClose(500)
		}
		if _, err := f.Write(c.req.body.Bytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return c.respondAndClose(500)
		}
		c.req.body.Reset()
		c.req.bodyFile = f
		c.req.bodyPath = f.Name()
	}

	if c.req.bodyFile != nil {
		if _, err := c.req.bodyFile.Write(p); err != nil {
			return c.respondAndClose(500)
		}
		return nil
	}
	c.req.body.Write(p)
	return nil
}

func (c *Client) OnMessageComplete() error {
	c.StopReading()
	atomic.StoreInt32(&c.running, 1)
	if !c.env.Tasks.Enqueue(c.runHandler) {
		atomic.StoreInt32(&c.running, 0)
		return c.respondAndClose(500)
	}
	return errDispatched
}

// respondAndClose queues a bare status response and marks the connection for
// teardown once the queue drains.
func (c *Client) respondAndClose(status int) error {
	resp := Response{
		Status: status,
		Mode:   ModeStatus | ModeHeader,
		Major:  c.parser.Major,
		Minor:  c.parser.Minor,
	}
	c.Write(resp.Bytes())
	c.Close()
	c.Nudge()
	return errResponded
}

// --- handler, runs on the worker pool ---

func (c *Client) runHandler() {
	start := time.Now()
	defer func() {
		c.env.Latency.Observe(time.Since(start))
		atomic.StoreInt32(&c.running, 0)
		c.Redetach()
	}()

	u, err := url.Parse(c.req.url)
	if err != nil {
		c.respondError(400, "bad request target")
		c.finishRequest(false)
		return
	}

	if c.req.method == "OPTIONS" {
		c.respond(&Response{
			Status: 200,
			Mode:   ModeStatus | ModeHeader | ModeAllow,
		})
		c.finishRequest(false)
		return
	}

	path, err := ParsePath(u.Path)
	if err != nil || path.Cmd == CmdBadQuery {
		c.respondError(400, "bad query")
		c.finishRequest(false)
		return
	}
	if path.Node != "" && path.Node != c.env.NodeName {
		// this node does not proxy for its peers
		c.respondError(502, "not the addressed node")
		c.finishRequest(false)
		return
	}

	spec := ParseQuery(u.Query(), path)

	ctx := context.Background()
	handle, err := c.env.Pool.Checkout(ctx, path.Endpoint())
	if err != nil {
		c.respondError(500, "database checkout failed")
		c.finishRequest(false)
		return
	}
	defer handle.Checkin()

	chunkedDone := c.dispatch(ctx, handle.Engine, path, spec, u.Query())
	c.finishRequest(chunkedDone)
}

// dispatch runs the method/command matrix; it reports whether a chunked
// response was streamed.
func (c *Client) dispatch(ctx context.Context, eng index.Engine, path *PathSpec, spec *index.QuerySpec, query url.Values) bool {
	method := c.req.method
	switch path.Cmd {
	case CmdSearch, CmdFacets, CmdStats, CmdSchema:
		if method != "GET" && method != "POST" {
			c.respondError(400, "method not supported here")
			return false
		}
		return c.handleQueryCmd(ctx, eng, path.Cmd, spec)

	case CmdUpload:
		if method != "POST" {
			c.respondError(400, "upload requires POST")
			return false
		}
		c.handleUpload(ctx, eng, query)
		return false

	case CmdID:
		switch method {
		case "GET", "POST":
			return c.handleFetch(ctx, eng, spec)
		case "PUT":
			c.handleIndex(ctx, eng, path.ID, spec.Commit)
		case "PATCH":
			c.handlePatch(ctx, eng, path.ID, spec.Commit)
		case "DELETE":
			c.handleDelete(ctx, eng, path.ID, spec.Commit)
		case "HEAD":
			c.handleHead(ctx, eng, path.ID)
		default:
			c.respondError(501, "method not implemented")
		}
		return false
	}
	c.respondError(400, "bad query")
	return false
}

func (c *Client) handleQueryCmd(ctx context.Context, eng index.Engine, cmd Command, spec *index.QuerySpec) bool {
	var (
		v   interface{}
		err error
	)
	switch cmd {
	case CmdSearch:
		var res *index.Result
		res, err = eng.Search(ctx, spec)
		if err == nil {
			return c.respondSearch(res, spec)
		}
	case CmdFacets:
		v, err = eng.Facets(ctx, spec)
	case CmdStats:
		var m map[string]interface{}
		m, err = eng.Stats(ctx)
		if err == nil {
			m["server"] = map[string]interface{}{
				"node":    c.env.NodeName,
				"latency": c.env.Latency.Percentiles(),
			}
			v = m
		}
	case CmdSchema:
		v, err = eng.Schema(ctx)
	}
	if err != nil {
		c.respondEngineError(err)
		return false
	}
	c.respondValue(200, v, spec.Pretty, 0)
	return false
}

// respondSearch streams multi-hit results chunked; a unique hit goes out as
// one negotiated document.
func (c *Client) respondSearch(res *index.Result, spec *index.QuerySpec) bool {
	if spec.UniqueID != "" {
		if res.Matched == 0 {
			c.respondError(404, "document not found")
			return false
		}
		doc := res.Docs[0]
		ct, body, ok, err := serializeDoc(c.req.accept, &doc, spec.Pretty)
		if err != nil {
			c.respondError(500, "serialization failed")
			return false
		}
		if !ok {
			c.respondNotAcceptable(doc.ContentType)
			return false
		}
		c.respond(&Response{
			Status:      200,
			Mode:        ModeStatus | ModeHeader | ModeContentType | ModeMatchedCount | ModeBody,
			Matched:     res.Matched,
			ContentType: ct,
			Body:        body,
		})
		return false
	}

	ct, _, ok, _ := serializeValue(c.req.accept, nil, false)
	if !ok {
		c.respondNotAcceptable(ctJSON)
		return false
	}

	head := Response{
		Status:      200,
		Mode:        ModeStatus | ModeHeader | ModeContentType | ModeMatchedCount | ModeChunked,
		Matched:     res.Matched,
		ContentType: ct,
	}
	if !c.Write(head.Bytes()) {
		return true
	}
	for i := range res.Docs {
		var (
			body []byte
			err  error
		)
		if ct == ctMsgpack {
			body, err = msgpack.Marshal(&res.Docs[i])
		} else {
			body, err = marshalJSON(&res.Docs[i], spec.Pretty)
			body = append(body, '\n')
		}
		if err != nil {
			c.Log().WithError(err).Error("serialize hit")
			c.Destroy()
			return true
		}
		if !c.Write(Chunk(body)) {
			return true
		}
	}
	c.Write(FinalChunk())
	return true
}

func (c *Client) handleFetch(ctx context.Context, eng index.Engine, spec *index.QuerySpec) bool {
	res, err := eng.Search(ctx, spec)
	if err != nil {
		c.respondEngineError(err)
		return false
	}
	return c.respondSearch(res, spec)
}

// requestBody returns the request payload regardless of whether it spilled.
func (c *Client) requestBody() ([]byte, error) {
	if c.req.bodyFile != nil {
		if _, err := c.req.bodyFile.Seek(0, 0); err != nil {
			return nil, err
		}
		return os.ReadFile(c.req.bodyPath)
	}
	return c.req.body.Bytes(), nil
}

// decodeDoc builds a document from the request payload: JSON and msgpack
// bodies become map-typed, anything else is stored as a blob.
func (c *Client) decodeDoc(id string) (*index.Document, error) {
	payload, err := c.requestBody()
	if err != nil {
		return nil, err
	}
	doc := &index.Document{ID: id}
	ct := c.req.contentType
	switch {
	case strings.HasPrefix(ct, ctJSON), ct == "":
		fields := make(map[string]interface{})
		if len(payload) > 0 {
			if err := jsonUnmarshal(payload, &fields); err != nil {
				return nil, err
			}
		}
		doc.Fields = fields
	case strings.HasPrefix(ct, ctMsgpack):
		fields := make(map[string]interface{})
		if len(payload) > 0 {
			if err := msgpack.Unmarshal(payload, &fields); err != nil {
				return nil, err
			}
		}
		doc.Fields = fields
	default:
		doc.Blob = append([]byte(nil), payload...)
		doc.ContentType = ct
	}
	return doc, nil
}

func (c *Client) handleIndex(ctx context.Context, eng index.Engine, id string, commit bool) {
	doc, err := c.decodeDoc(id)
	if err != nil {
		c.respondError(400, "bad document body")
		return
	}
	stored, err := eng.Put(ctx, doc, commit)
	if err != nil {
		c.respondEngineError(err)
		return
	}
	c.respondValue(201, stored, false, 0)
}

func (c *Client) handlePatch(ctx context.Context, eng index.Engine, id string, commit bool) {
	payload, err := c.requestBody()
	if err != nil {
		c.respondError(500, "cannot read body")
		return
	}
	partial := make(map[string]interface{})
	if err := jsonUnmarshal(payload, &partial); err != nil {
		c.respondError(400, "bad patch body")
		return
	}
	doc, err := eng.Patch(ctx, id, partial, commit)
	if err != nil {
		c.respondEngineError(err)
		return
	}
	c.respondValue(200, doc, false, 0)
}

func (c *Client) handleDelete(ctx context.Context, eng index.Engine, id string, commit bool) {
	if err := eng.Delete(ctx, id, commit); err != nil {
		c.respondEngineError(err)
		return
	}
	c.respondValue(200, map[string]string{"deleted": id}, false, 0)
}

func (c *Client) handleHead(ctx context.Context, eng index.Engine, id string) {
	ok, err := eng.Exists(ctx, id)
	if err != nil {
		c.respondEngineError(err)
		return
	}
	status := 200
	if !ok {
		status = 404
	}
	c.respond(&Response{Status: status, Mode: ModeStatus | ModeHeader})
}

func (c *Client) handleUpload(ctx context.Context, eng index.Engine, query url.Values) {
	id := query.Get("document")
	if id == "" {
		id = newDocumentID()
	}
	doc, err := c.decodeDoc(id)
	if err != nil {
		c.respondError(400, "bad upload body")
		return
	}
	stored, err := eng.Put(ctx, doc, boolParam(query, "commit"))
	if err != nil {
		c.respondEngineError(err)
		return
	}
	c.respondValue(201, stored, false, 0)
}

func newDocumentID() string {
	return uuid.New().String()
}

// --- response plumbing ---

func (c *Client) respond(r *Response) {
	if r.Major == 0 {
		r.Major, r.Minor = c.req.major, c.req.minor
	}
	c.Write(r.Bytes())
}

func (c *Client) respondValue(status int, v interface{}, pretty bool, matched int) {
	ct, body, ok, err := serializeValue(c.req.accept, v, pretty)
	if err != nil {
		c.respondError(500, "serialization failed")
		return
	}
	if !ok {
		c.respondNotAcceptable(ctJSON)
		return
	}
	mode := ModeStatus | ModeHeader | ModeContentType | ModeBody
	if matched > 0 {
		mode |= ModeMatchedCount
	}
	c.respond(&Response{
		Status:      status,
		Mode:        mode,
		Matched:     matched,
		ContentType: ct,
		Body:        body,
	})
}

func (c *Client) respondNotAcceptable(provided string) {
	c.respond(&Response{
		Status:      406,
		Mode:        ModeStatus | ModeHeader | ModeContentType | ModeBody,
		ContentType: ctJSON,
		Body:        errorBody("response type " + provided + " not listed in the accept header"),
	})
}

func (c *Client) respondError(status int, msg string) {
	c.respond(&Response{
		Status:      status,
		Mode:        ModeStatus | ModeHeader | ModeContentType | ModeBody,
		ContentType: ctJSON,
		Body:        errorBody(msg),
	})
}

func (c *Client) respondEngineError(err error) {
	switch {
	case errors.Is(err, index.ErrNotFound):
		c.respondError(404, "document not found")
	case errors.Is(err, index.ErrBadQuery):
		c.respondError(400, "bad query")
	case errors.Is(err, index.ErrBadEndpoint):
		c.respondError(400, "unknown endpoint")
	default:
		c.Log().WithError(err).Error("handler error")
		c.respondError(500, "internal error")
	}
}

// finishRequest clears per-request state and re-arms reading via the async
// wake path. A closing connection skips the reset; a chunked response has
// already written its final chunk and is reset like any other.
func (c *Client) finishRequest(chunked bool) {
	c.dropBodyFile()

	keepAlive := c.parser.KeepAlive() && !c.Base.ShuttingDown()
	if !keepAlive {
		c.Close()
		c.Nudge()
		return
	}
	c.req = request{}
	c.parser.Reset()
	c.ResumeReading()
}
