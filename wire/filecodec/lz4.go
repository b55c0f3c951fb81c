package filecodec

import (
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/quernd/quernd/util/envconst"
	"github.com/quernd/quernd/wire/varint"
)

// Upper bound for a single uncompressed block coming from a peer. Peers are
// free to choose their own BlockSize, so this is a hard safety cap, not a
// protocol constant.
var maxUncompressedBlock = envconst.Int("QUERND_FILECODEC_MAX_BLOCK", 8<<20)

type lz4Compressor struct {
	c lz4.Compressor
}

func (c *lz4Compressor) Compress(src io.Reader, w WriteFunc) (int64, error) {
	if !w([]byte{TypeLZ4}) {
		return 0, errWriteRejected
	}

	var total int64
	buf := make([]byte, BlockSize)
	dst := make([]byte, lz4.CompressBlockBound(BlockSize))
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			total += int64(n)
			zn, zerr := c.c.CompressBlock(buf[:n], dst)
			if zerr != nil {
				return total, errors.Wrap(zerr, "lz4 compress block")
			}
			block := dst[:zn]
			if zn == 0 {
				// incompressible block: emit it as a single
				// literal-only sequence, which is still valid
				// LZ4 block format
				block = literalBlock(dst[:0], buf[:n])
			}
			if !w(varint.Encode(uint64(len(block)))) || !w(block) {
				return total, errWriteRejected
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return total, err
		}
	}

	if !w(varint.Encode(0)) {
		return total, errWriteRejected
	}
	return total, nil
}

// literalBlock encodes src as one literal-only LZ4 sequence.
func literalBlock(dst, src []byte) []byte {
	n := len(src)
	if n < 15 {
		dst = append(dst, byte(n)<<4)
	} else {
		dst = append(dst, 0xf0)
		r := n - 15
		for r >= 255 {
			dst = append(dst, 0xff)
			r -= 255
		}
		dst = append(dst, byte(r))
	}
	return append(dst, src...)
}

type lz4Decompressor struct {
	buf []byte
}

func (d *lz4Decompressor) Append(p []byte) {
	d.buf = append(d.buf, p...)
}

func (d *lz4Decompressor) Flush(sink io.Writer) error {
	if len(d.buf) == 0 {
		return nil
	}
	defer d.Clear()

	size := 4*len(d.buf) + 64
	for {
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(d.buf, dst)
		if err == nil {
			_, werr := sink.Write(dst[:n])
			return werr
		}
		if size >= maxUncompressedBlock {
			return errors.Wrap(err, "lz4 uncompress block")
		}
		size *= 2
		if size > maxUncompressedBlock {
			size = maxUncompressedBlock
		}
	}
}

func (d *lz4Decompressor) Clear() {
	d.buf = d.buf[:0]
}
