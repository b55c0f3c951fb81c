package httpd

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/quernd/quernd/index"
	"github.com/quernd/quernd/ioloop"
	"github.com/quernd/quernd/logger"
	"github.com/quernd/quernd/util/taskpool"
	"github.com/quernd/quernd/worker"
)

type httpFixture struct {
	client *Client
	peer   int
	env    *Env
	root   *worker.Worker
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	log := logger.NewNullLogger()

	loop, err := ioloop.New("http-test", log)
	require.NoError(t, err)
	go loop.Run()
	t.Cleanup(loop.Stop)

	tasks := taskpool.New("http-test", 2, 16, log)
	tasks.Start()
	t.Cleanup(tasks.Shutdown)

	pool := index.NewPool(4, index.OpenMemory())
	env := NewEnv(pool, tasks, DefaultLimits(), t.TempDir(), "node1", log)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })

	root := worker.New("root", nil, nil, nil)
	c := NewClient(root, loop, fds[0], env)
	t.Cleanup(c.Destroy)

	return &httpFixture{client: c, peer: fds[1], env: env, root: root}
}

func (f *httpFixture) send(t *testing.T, raw string) {
	t.Helper()
	data := []byte(raw)
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

// recv reads until the predicate is satisfied or the deadline passes.
func (f *httpFixture) recv(t *testing.T, enough func(string) bool) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 8192)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if enough(string(out)) {
			break
		}
		n, err := unix.Read(f.peer, buf)
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil || n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	return string(out)
}

func hasCompleteResponse(s string) bool {
	i := strings.Index(s, "\r\n\r\n")
	if i == -1 {
		return false
	}
	if strings.Contains(s[:i], "Transfer-Encoding: chunked") {
		return strings.HasSuffix(s, "0\r\n\r\n")
	}
	var n int
	if _, err := fmt.Sscanf(headerValue(s, "Content-Length"), "%d", &n); err != nil {
		return true
	}
	return len(s) >= i+4+n
}

func headerValue(resp, name string) string {
	for _, line := range strings.Split(resp, "\r\n") {
		if v, ok := strings.CutPrefix(line, name+": "); ok {
			return v
		}
	}
	return ""
}

func TestOptionsRoundTrip(t *testing.T) {
	f := newHTTPFixture(t)
	f.send(t, "OPTIONS / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := f.recv(t, hasCompleteResponse)

	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"), resp)
	assert.Contains(t, resp, "Allow: GET,HEAD,POST,PUT,PATCH,OPTIONS\r\n")
	assert.Contains(t, resp, "Content-Length: 0\r\n")
}

func TestExpect100ContinueFlow(t *testing.T) {
	f := newHTTPFixture(t)
	body := `{"x":1}`
	f.send(t, fmt.Sprintf("PUT /db/doc1 HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: %d\r\n\r\n", len(body)))

	interim := f.recv(t, func(s string) bool { return strings.Contains(s, "\r\n\r\n") })
	require.True(t, strings.HasPrefix(interim, "HTTP/1.1 100 Continue\r\n\r\n"), interim)

	f.send(t, body)
	final := f.recv(t, hasCompleteResponse)
	assert.True(t, strings.HasPrefix(final, "HTTP/1.1 201 Created\r\n"), final)
}

func TestOverLimitBodyGets413AndClose(t *testing.T) {
	f := newHTTPFixture(t)
	f.send(t, "PUT /db/doc1 HTTP/1.1\r\nHost: x\r\nContent-Length: 300000000\r\n\r\n")

	resp := f.recv(t, func(s string) bool { return strings.Contains(s, "\r\n\r\n") })
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 413 Request Entity Too Large\r\n"), resp)

	// the server closes without reading the body
	require.Eventually(t, func() bool {
		n, err := unix.Read(f.peer, make([]byte, 1))
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond, "connection must be closed")
}

func TestExpect100OverLimitRejectedEarly(t *testing.T) {
	f := newHTTPFixture(t)
	f.send(t, "PUT /db/doc1 HTTP/1.1\r\nHost: x\r\nContent-Length: 300000000\r\nExpect: 100-continue\r\n\r\n")
	resp := f.recv(t, func(s string) bool { return strings.Contains(s, "\r\n\r\n") })
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 413 "), resp)
	assert.NotContains(t, resp, "100 Continue")
}

func TestIndexThenFetchDocument(t *testing.T) {
	f := newHTTPFixture(t)

	body := `{"title":"event loops"}`
	f.send(t, fmt.Sprintf("PUT /db/doc1 HTTP/1.1\r\nHost: x\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
	resp := f.recv(t, hasCompleteResponse)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 201 Created\r\n"), resp)

	f.send(t, "GET /db/doc1 HTTP/1.1\r\nHost: x\r\nAccept: application/json\r\n\r\n")
	resp = f.recv(t, hasCompleteResponse)
	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"), resp)
	assert.Contains(t, resp, "Content-Type: application/json")
	assert.Contains(t, resp, `"event loops"`)
	assert.Contains(t, resp, "X-Matched-count: 1")
}

func TestSearchChunkedResponse(t *testing.T) {
	f := newHTTPFixture(t)

	// seed through the engine directly to keep the wire exchange focused
	h, err := f.env.Pool.Checkout(context.Background(), "db")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := h.Engine.Put(context.Background(), &index.Document{
			ID:     fmt.Sprintf("doc%d", i),
			Fields: map[string]interface{}{"n": i},
		}, false)
		require.NoError(t, err)
	}
	h.Checkin()

	f.send(t, "GET /db/_search HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := f.recv(t, hasCompleteResponse)

	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"), resp)
	assert.Contains(t, resp, "Transfer-Encoding: chunked\r\n")
	assert.Contains(t, resp, "X-Matched-count: 3\r\n")
	assert.True(t, strings.HasSuffix(resp, "0\r\n\r\n"))
	assert.Contains(t, resp, "doc0")
	assert.Contains(t, resp, "doc2")
}

func TestNotAcceptableGets406(t *testing.T) {
	f := newHTTPFixture(t)

	body := `{"a":1}`
	f.send(t, fmt.Sprintf("PUT /db/doc1 HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
	require.Contains(t, f.recv(t, hasCompleteResponse), "201")

	f.send(t, "GET /db/doc1 HTTP/1.1\r\nHost: x\r\nAccept: text/html\r\n\r\n")
	resp := f.recv(t, hasCompleteResponse)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 406 Not Acceptable\r\n"), resp)
}

func TestHeadExistence(t *testing.T) {
	f := newHTTPFixture(t)

	f.send(t, "HEAD /db/ghost HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := f.recv(t, func(s string) bool { return strings.Contains(s, "\r\n\r\n") })
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 404 Not Found\r\n"), resp)
}

func TestMethodMatrix400s(t *testing.T) {
	f := newHTTPFixture(t)
	f.send(t, "DELETE /db/_search HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := f.recv(t, hasCompleteResponse)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request\r\n"), resp)
}

func TestForeignNodeGets502(t *testing.T) {
	f := newHTTPFixture(t)
	f.send(t, "GET /@node9/db/_stats HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := f.recv(t, hasCompleteResponse)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 502 Bad Gateway\r\n"), resp)
}

func TestParserErrorClosesWithoutResponse(t *testing.T) {
	f := newHTTPFixture(t)
	f.send(t, "NONSENSE\r\n")

	require.Eventually(t, func() bool {
		n, err := unix.Read(f.peer, make([]byte, 16))
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)
}
