// Package httparse is a push parser for HTTP/1.1 requests. The connection
// engine feeds it whatever bytes the socket delivered; it fires callbacks as
// request parts become complete. It exists because pull-based parsers own
// the socket, which an event-loop fed connection cannot give away.
package httparse

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Callbacks receive the parsed request parts in wire order. Byte slices are
// only valid for the duration of the call.
type Callbacks interface {
	OnMessageBegin() error
	OnURL(p []byte) error
	OnHeaderField(name []byte) error
	OnHeaderValue(value []byte) error
	OnHeadersComplete() error
	OnBody(p []byte) error
	OnMessageComplete() error
}

var (
	ErrBadRequestLine = errors.New("httparse: malformed request line")
	ErrBadHeader      = errors.New("httparse: malformed header")
	ErrBadChunk       = errors.New("httparse: malformed chunk framing")
	ErrHeaderTooLarge = errors.New("httparse: header section too large")
)

const (
	maxLineLen     = 16 * 1024
	maxHeaderCount = 256
)

type state int

const (
	stReqLine state = iota
	stHeader
	stBody
	stChunkSize
	stChunkData
	stChunkDataEnd
	stChunkTrailer
	stDone
)

type Parser struct {
	cb Callbacks

	st   state
	line []byte

	Method        string
	Major, Minor  int
	ContentLength int64 // -1 when absent

	chunked     bool
	connClose   bool
	headerCount int

	bodyRemaining  int64
	chunkRemaining int64
}

func New(cb Callbacks) *Parser {
	return &Parser{cb: cb, ContentLength: -1}
}

// KeepAlive reports whether the current message allows the connection to
// carry another request.
func (p *Parser) KeepAlive() bool {
	if p.connClose {
		return false
	}
	if p.Major == 1 && p.Minor == 0 {
		return false
	}
	return true
}

// Done reports that the parser finished a message and was not reset; with
// all received bytes consumed this is the dispatch point.
func (p *Parser) Done() bool { return p.st == stDone }

// Reset prepares the parser for the next request on the same connection.
func (p *Parser) Reset() {
	cb := p.cb
	*p = Parser{cb: cb, ContentLength: -1}
}

// Execute consumes data, firing callbacks. It returns the number of bytes
// processed; on error the connection must be dropped.
func (p *Parser) Execute(data []byte) (int, error) {
	consumed := 0
	for consumed < len(data) {
		if p.st == stDone {
			// pipelined request follows
			p.Reset()
		}
		n, err := p.step(data[consumed:])
		consumed += n
		if err != nil {
			return consumed, err
		}
		if n == 0 {
			break
		}
	}
	return consumed, nil
}

func (p *Parser) step(data []byte) (int, error) {
	switch p.st {
	case stReqLine, stHeader, stChunkSize, stChunkTrailer:
		return p.stepLine(data)
	case stBody:
		n := int64(len(data))
		if n > p.bodyRemaining {
			n = p.bodyRemaining
		}
		if err := p.cb.OnBody(data[:n]); err != nil {
			return int(n), err
		}
		p.bodyRemaining -= n
		if p.bodyRemaining == 0 {
			if err := p.complete(); err != nil {
				return int(n), err
			}
		}
		return int(n), nil
	case stChunkData:
		n := int64(len(data))
		if n > p.chunkRemaining {
			n = p.chunkRemaining
		}
		if err := p.cb.OnBody(data[:n]); err != nil {
			return int(n), err
		}
		p.chunkRemaining -= n
		if p.chunkRemaining == 0 {
			p.st = stChunkDataEnd
		}
		return int(n), nil
	case stChunkDataEnd:
		// consume the CRLF after the chunk payload
		i := 0
		for i < len(data) {
			switch data[i] {
			case '\r':
				i++
			case '\n':
				p.st = stChunkSize
				return i + 1, nil
			default:
				return i, ErrBadChunk
			}
		}
		return i, nil
	case stDone:
		return 0, nil
	}
	panic("httparse: invalid state")
}

// stepLine accumulates bytes up to a LF and processes the completed line.
func (p *Parser) stepLine(data []byte) (int, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		if len(p.line)+len(data) > maxLineLen {
			return 0, ErrHeaderTooLarge
		}
		p.line = append(p.line, data...)
		return len(data), nil
	}
	if len(p.line)+idx > maxLineLen {
		return 0, ErrHeaderTooLarge
	}
	p.line = append(p.line, data[:idx]...)
	line := string(bytes.TrimRight(p.line, "\r"))
	p.line = p.line[:0]

	var err error
	switch p.st {
	case stReqLine:
		err = p.processRequestLine(line)
	case stHeader:
		err = p.processHeaderLine(line)
	case stChunkSize:
		err = p.processChunkSize(line)
	case stChunkTrailer:
		if line == "" {
			err = p.complete()
		}
	}
	return idx + 1, err
}

func (p *Parser) processRequestLine(line string) error {
	if line == "" {
		// tolerate a stray CRLF before the request line
		return nil
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return ErrBadRequestLine
	}
	p.Method = parts[0]
	ver, ok := strings.CutPrefix(parts[2], "HTTP/")
	if !ok {
		return ErrBadRequestLine
	}
	major, minor, ok := strings.Cut(ver, ".")
	if !ok {
		return ErrBadRequestLine
	}
	var err error
	if p.Major, err = strconv.Atoi(major); err != nil {
		return ErrBadRequestLine
	}
	if p.Minor, err = strconv.Atoi(minor); err != nil {
		return ErrBadRequestLine
	}
	if err := p.cb.OnMessageBegin(); err != nil {
		return err
	}
	if err := p.cb.OnURL([]byte(parts[1])); err != nil {
		return err
	}
	p.st = stHeader
	return nil
}

func (p *Parser) processHeaderLine(line string) error {
	if line == "" {
		return p.headersComplete()
	}
	p.headerCount++
	if p.headerCount > maxHeaderCount {
		return ErrHeaderTooLarge
	}
	name, value, ok := strings.Cut(line, ":")
	if !ok || name == "" {
		return ErrBadHeader
	}
	value = strings.TrimSpace(value)

	switch strings.ToLower(name) {
	case "content-length":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return errors.Wrap(ErrBadHeader, "content-length")
		}
		p.ContentLength = n
	case "transfer-encoding":
		if strings.Contains(strings.ToLower(value), "chunked") {
			p.chunked = true
		}
	case "connection":
		if strings.EqualFold(value, "close") {
			p.connClose = true
		}
	}

	if err := p.cb.OnHeaderField([]byte(name)); err != nil {
		return err
	}
	return p.cb.OnHeaderValue([]byte(value))
}

func (p *Parser) headersComplete() error {
	if err := p.cb.OnHeadersComplete(); err != nil {
		return err
	}
	switch {
	case p.chunked:
		p.st = stChunkSize
	case p.ContentLength > 0:
		p.bodyRemaining = p.ContentLength
		p.st = stBody
	default:
		return p.complete()
	}
	return nil
}

func (p *Parser) processChunkSize(line string) error {
	if line == "" {
		// CRLF between chunks that stChunkDataEnd did not swallow
		return nil
	}
	// chunk extensions are tolerated and ignored
	if i := strings.IndexByte(line, ';'); i != -1 {
		line = line[:i]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if err != nil || size < 0 {
		return ErrBadChunk
	}
	if size == 0 {
		p.st = stChunkTrailer
		return nil
	}
	p.chunkRemaining = size
	p.st = stChunkData
	return nil
}

func (p *Parser) complete() error {
	p.st = stDone
	return p.cb.OnMessageComplete()
}
