package httparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	url       string
	headers   [][2]string
	field     string
	body      string
	began     int
	headersOK int
	complete  int
}

func (r *recorder) OnMessageBegin() error { r.began++; return nil }
func (r *recorder) OnURL(p []byte) error  { r.url += string(p); return nil }
func (r *recorder) OnHeaderField(p []byte) error {
	r.field = string(p)
	return nil
}
func (r *recorder) OnHeaderValue(p []byte) error {
	r.headers = append(r.headers, [2]string{r.field, string(p)})
	return nil
}
func (r *recorder) OnHeadersComplete() error { r.headersOK++; return nil }
func (r *recorder) OnBody(p []byte) error    { r.body += string(p); return nil }
func (r *recorder) OnMessageComplete() error { r.complete++; return nil }

func feed(t *testing.T, p *Parser, raw string, chunk int) {
	t.Helper()
	for len(raw) > 0 {
		n := chunk
		if n > len(raw) {
			n = len(raw)
		}
		consumed, err := p.Execute([]byte(raw[:n]))
		require.NoError(t, err)
		require.Equal(t, n, consumed)
		raw = raw[n:]
	}
}

func TestSimpleGet(t *testing.T) {
	r := &recorder{}
	p := New(r)
	feed(t, p, "GET /db/_search?q=x HTTP/1.1\r\nHost: example\r\n\r\n", 1<<20)

	assert.Equal(t, "GET", p.Method)
	assert.Equal(t, "/db/_search?q=x", r.url)
	assert.Equal(t, [][2]string{{"Host", "example"}}, r.headers)
	assert.Equal(t, 1, r.complete)
	assert.True(t, p.Done())
	assert.True(t, p.KeepAlive())
}

func TestByteAtATime(t *testing.T) {
	r := &recorder{}
	p := New(r)
	feed(t, p, "PUT /db/doc1 HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello", 1)

	assert.Equal(t, "PUT", p.Method)
	assert.Equal(t, "hello", r.body)
	assert.Equal(t, 1, r.complete)
	assert.EqualValues(t, 5, p.ContentLength)
}

func TestBodySplitAcrossExecutes(t *testing.T) {
	r := &recorder{}
	p := New(r)
	feed(t, p, "POST /x HTTP/1.1\r\nContent-Length: 10\r\n\r\n", 1<<20)
	assert.Equal(t, 0, r.complete)
	feed(t, p, "01234", 1<<20)
	assert.Equal(t, 0, r.complete)
	feed(t, p, "56789", 1<<20)
	assert.Equal(t, "0123456789", r.body)
	assert.Equal(t, 1, r.complete)
}

func TestHeadersCompleteBeforeBody(t *testing.T) {
	// the Expect: 100-continue flow depends on this ordering
	r := &recorder{}
	p := New(r)
	feed(t, p, "POST /x HTTP/1.1\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\n", 1<<20)
	assert.Equal(t, 1, r.headersOK)
	assert.Equal(t, 0, r.complete)
	feed(t, p, "hello", 1<<20)
	assert.Equal(t, 1, r.complete)
}

func TestChunkedBody(t *testing.T) {
	r := &recorder{}
	p := New(r)
	raw := "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	feed(t, p, raw, 1<<20)
	assert.Equal(t, "hello world", r.body)
	assert.Equal(t, 1, r.complete)
}

func TestChunkedBodyByteAtATime(t *testing.T) {
	r := &recorder{}
	p := New(r)
	raw := "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"a;ext=1\r\n0123456789\r\n0\r\n\r\n"
	feed(t, p, raw, 1)
	assert.Equal(t, "0123456789", r.body)
	assert.Equal(t, 1, r.complete)
}

func TestPipelinedRequests(t *testing.T) {
	r := &recorder{}
	p := New(r)
	feed(t, p, "GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n", 1<<20)
	assert.Equal(t, 2, r.complete)
	assert.Equal(t, "/a/b", r.url)
}

func TestConnectionClose(t *testing.T) {
	r := &recorder{}
	p := New(r)
	feed(t, p, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n", 1<<20)
	assert.False(t, p.KeepAlive())
}

func TestHTTP10DefaultsToClose(t *testing.T) {
	r := &recorder{}
	p := New(r)
	feed(t, p, "GET / HTTP/1.0\r\n\r\n", 1<<20)
	assert.False(t, p.KeepAlive())
}

func TestMalformedRequestLine(t *testing.T) {
	p := New(&recorder{})
	_, err := p.Execute([]byte("FLAGRANT\r\n"))
	assert.ErrorIs(t, err, ErrBadRequestLine)
}

func TestMalformedHeader(t *testing.T) {
	p := New(&recorder{})
	_, err := p.Execute([]byte("GET / HTTP/1.1\r\nbogus line\r\n\r\n"))
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestBadChunkSize(t *testing.T) {
	p := New(&recorder{})
	raw := "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"
	_, err := p.Execute([]byte(raw))
	assert.ErrorIs(t, err, ErrBadChunk)
}

func TestHeaderTooLarge(t *testing.T) {
	p := New(&recorder{})
	_, err := p.Execute([]byte("GET /" + strings.Repeat("a", maxLineLen+2) + " HTTP/1.1\r\n"))
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestContentLengthExposedAtHeaders(t *testing.T) {
	r := &recorder{}
	p := New(r)
	feed(t, p, "POST /x HTTP/1.1\r\nContent-Length: 300000000\r\n\r\n", 1<<20)
	assert.EqualValues(t, 300000000, p.ContentLength)
	assert.Equal(t, 0, r.complete)
}
