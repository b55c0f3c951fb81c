package httpd

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quernd/quernd/index"
)

const (
	ctJSON    = "application/json"
	ctMsgpack = "application/msgpack"
)

var wildcardAccept = []acceptEntry{{Type: "*/*", Q: 1.0}}

func acceptMatches(entry, ct string) bool {
	if entry == "*/*" || entry == ct {
		return true
	}
	if slash := indexByte(entry, '/'); slash != -1 && entry[slash+1:] == "*" {
		return len(ct) > slash && ct[:slash] == entry[:slash] && ct[slash] == '/'
	}
	return false
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// serializeValue negotiates a structured value (search page, stats map,
// schema) against the accept set. JSON wins a wildcard; msgpack only when
// asked for. ok is false when nothing in the set is producible.
func serializeValue(accept []acceptEntry, v interface{}, pretty bool) (ct string, body []byte, ok bool, err error) {
	if len(accept) == 0 {
		accept = wildcardAccept
	}
	for _, entry := range accept {
		switch {
		case acceptMatches(entry.Type, ctJSON):
			body, err = marshalJSON(v, pretty)
			return ctJSON, body, true, err
		case acceptMatches(entry.Type, ctMsgpack):
			body, err = msgpack.Marshal(v)
			return ctMsgpack, body, true, errors.Wrap(err, "msgpack marshal")
		}
	}
	return "", nil, false, nil
}

// serializeDoc negotiates a single document: map-typed documents serialize
// like values, blobs go out under their stored content type.
func serializeDoc(accept []acceptEntry, doc *index.Document, pretty bool) (ct string, body []byte, ok bool, err error) {
	if doc.MapTyped() {
		return serializeValue(accept, doc, pretty)
	}
	if len(accept) == 0 {
		accept = wildcardAccept
	}
	stored := doc.ContentType
	if stored == "" {
		stored = "application/octet-stream"
	}
	for _, entry := range accept {
		if acceptMatches(entry.Type, stored) {
			return stored, doc.Blob, true, nil
		}
	}
	return "", nil, false, nil
}

func marshalJSON(v interface{}, pretty bool) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	if pretty {
		body, err = json.MarshalIndent(v, "", "  ")
	} else {
		body, err = json.Marshal(v)
	}
	return body, errors.Wrap(err, "json marshal")
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return errors.Wrap(json.Unmarshal(data, v), "json unmarshal")
}

func errorBody(msg string) []byte {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return body
}
