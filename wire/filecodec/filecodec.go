// Package filecodec implements the typed block stream used to move file
// payloads through a client connection:
//
//	<type:1> { <len:varint> <block:len bytes> }* <len:varint=0>
//
// where type selects the compression applied to each block.
package filecodec

import (
	"io"

	"github.com/pkg/errors"

	"github.com/quernd/quernd/util/envconst"
)

const (
	// TypeNone transports blocks verbatim.
	TypeNone byte = 0x01
	// TypeLZ4 transports LZ4 block-format compressed blocks.
	TypeLZ4 byte = 0x02
)

var ErrUnknownType = errors.New("filecodec: unknown codec type")

// BlockSize is the uncompressed payload per block on the send side.
var BlockSize = envconst.Int("QUERND_FILECODEC_BLOCK_SIZE", 16384)

// WriteFunc is the compressor's output: it enqueues wire bytes and reports
// false when the destination no longer accepts writes.
type WriteFunc func(p []byte) bool

var errWriteRejected = errors.New("filecodec: write rejected")

// A Compressor drives one send-file episode: it emits the type byte, the
// block sequence, and the zero terminator through w, and returns the total
// number of uncompressed bytes consumed from src. Callers compare the count
// against the expected file size.
type Compressor interface {
	Compress(src io.Reader, w WriteFunc) (int64, error)
}

// A Decompressor accumulates the wire bytes of a single block via Append and
// reproduces the original bytes into a sink on Flush. Appending nothing and
// flushing is a no-op. Clear drops a partially accumulated block.
type Decompressor interface {
	Append(p []byte)
	Flush(sink io.Writer) error
	Clear()
}

func NewCompressor(typ byte) (Compressor, error) {
	switch typ {
	case TypeNone:
		return &noneCompressor{}, nil
	case TypeLZ4:
		return &lz4Compressor{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownType, "0x%02x", typ)
	}
}

func NewDecompressor(typ byte) (Decompressor, error) {
	switch typ {
	case TypeNone:
		return &noneDecompressor{}, nil
	case TypeLZ4:
		return &lz4Decompressor{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownType, "0x%02x", typ)
	}
}
