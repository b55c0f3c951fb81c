// Package varint implements the self-delimiting length encoding used on the
// wire: little-endian base-128, seven payload bits per byte, MSB set on every
// byte except the last.
package varint

import "github.com/pkg/errors"

// MaxLen is the longest encoding of a uint64.
const MaxLen = 10

// ErrNeedMore reports that the buffer ends in the middle of an encoding.
// Callers keep the bytes seen so far and retry once more data arrives.
var ErrNeedMore = errors.New("varint: need more bytes")

// ErrOverflow reports an encoding that does not fit in 64 bits.
var ErrOverflow = errors.New("varint: value overflows uint64")

// Append appends the encoding of v to dst and returns the extended slice.
// Encode(0) is the single byte 0x00.
func Append(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func Encode(v uint64) []byte {
	return Append(make([]byte, 0, MaxLen), v)
}

// Decode decodes one varint from the front of buf. It returns the value and
// the number of bytes consumed. A truncated encoding yields ErrNeedMore with
// n == 0 so the caller can re-present the same bytes later.
func Decode(buf []byte) (v uint64, n int, err error) {
	var shift uint
	for i, b := range buf {
		if i == MaxLen-1 && b > 1 {
			return 0, 0, ErrOverflow
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, i + 1, nil
		}
		if i == MaxLen-1 {
			return 0, 0, ErrOverflow
		}
		shift += 7
	}
	return 0, 0, ErrNeedMore
}
