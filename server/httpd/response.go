package httpd

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/quernd/quernd/version"
)

// Mode selects which parts of a response get emitted, mirroring the way
// handlers compose responses out of independent concerns.
type Mode uint

const (
	ModeStatus Mode = 1 << iota
	ModeHeader
	ModeContentType
	ModeAllow
	ModeMatchedCount
	ModeChunked
	ModeBody
	ModeExpected100
)

const AllowedMethods = "GET,HEAD,POST,PUT,PATCH,OPTIONS"

var statusText = map[int]string{
	100: "Continue",
	200: "OK",
	201: "Created",
	400: "Bad Request",
	404: "Not Found",
	406: "Not Acceptable",
	413: "Request Entity Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
}

const httpDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Response assembles the response head (and, unless chunked, the body) into
// wire bytes.
type Response struct {
	Status      int
	Mode        Mode
	Major       int
	Minor       int
	Matched     int
	ContentType string
	Body        []byte
}

func (r *Response) Bytes() []byte {
	var b bytes.Buffer

	major, minor := r.Major, r.Minor
	if major == 0 {
		major, minor = 1, 1
	}

	if r.Mode&ModeStatus != 0 {
		text, ok := statusText[r.Status]
		if !ok {
			text = "Unknown"
		}
		fmt.Fprintf(&b, "HTTP/%d.%d %d %s\r\n", major, minor, r.Status, text)
	}
	if r.Mode&ModeHeader != 0 {
		fmt.Fprintf(&b, "Server: quernd/%s\r\n", version.Version())
		fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(httpDateFormat))
	}
	if r.Mode&ModeAllow != 0 {
		fmt.Fprintf(&b, "Allow: %s\r\n", AllowedMethods)
	}
	if r.Mode&ModeContentType != 0 {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", r.ContentType)
	}
	if r.Mode&ModeMatchedCount != 0 {
		fmt.Fprintf(&b, "X-Matched-count: %d\r\n", r.Matched)
	}
	if r.Mode&ModeChunked != 0 {
		b.WriteString("Transfer-Encoding: chunked\r\n")
	} else if r.Mode&ModeExpected100 == 0 && r.Mode&ModeStatus != 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.Body))
	}
	b.WriteString("\r\n")
	if r.Mode&ModeBody != 0 && r.Mode&ModeChunked == 0 {
		b.Write(r.Body)
	}
	return b.Bytes()
}

// Chunk frames one chunked transfer-encoding body write.
func Chunk(body []byte) []byte {
	var b bytes.Buffer
	b.WriteString(strconv.FormatInt(int64(len(body)), 16))
	b.WriteString("\r\n")
	b.Write(body)
	b.WriteString("\r\n")
	return b.Bytes()
}

// FinalChunk closes a chunked response.
func FinalChunk() []byte {
	return []byte("0\r\n\r\n")
}
