package filecodec

import (
	"io"

	"github.com/quernd/quernd/wire/varint"
)

type noneCompressor struct{}

func (c *noneCompressor) Compress(src io.Reader, w WriteFunc) (int64, error) {
	if !w([]byte{TypeNone}) {
		return 0, errWriteRejected
	}

	var total int64
	buf := make([]byte, BlockSize)
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			total += int64(n)
			if !w(varint.Encode(uint64(n))) || !w(buf[:n]) {
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

type noneDecompressor struct {
	buf []byte
}

func (d *noneDecompressor) Append(p []byte) {
	d.buf = append(d.buf, p...)
}

func (d *noneDecompressor) Flush(sink io.Writer) error {
	if len(d.buf) == 0 {
		return nil
	}
	_, err := sink.Write(d.buf)
	d.buf = d.buf[:0]
	return err
}

func (d *noneDecompressor) Clear() {
	d.buf = d.buf[:0]
}
