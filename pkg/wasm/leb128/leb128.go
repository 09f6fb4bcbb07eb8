// Package leb128 implements the variable length integer encoding used
// pervasively in the WebAssembly binary format.
package leb128

import "errors"

var errOverflow = errors.New("leb128: integer overflow")

// EncodeUint32 appends the unsigned LEB128 form of v to dst and returns the
// extended slice. The result is between one and five bytes long.
func EncodeUint32(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
		} else {
			return append(dst, b)
		}
	}
}

// EncodeInt32 appends the signed LEB128 form of v to dst.
func EncodeInt32(dst []byte, v int32) []byte {
	return EncodeInt64(dst, int64(v))
}

// EncodeInt64 appends the signed LEB128 form of v to dst. Encoding stops when
// the remaining value is all sign bits and the sign of the emitted byte agrees
// with it.
func EncodeInt64(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// LoadUint32 decodes an unsigned LEB128 value from the head of buf, returning
// the value and the number of bytes consumed.
func LoadUint32(buf []byte) (uint32, int, error) {
	var result uint32
	var shift uint
	for i, b := range buf {
		if i == 4 && b > 0x0f {
			return 0, 0, errOverflow
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift > 31 {
			return 0, 0, errOverflow
		}
	}
	return 0, 0, errors.New("leb128: unexpected end of input")
}

// LoadInt32 decodes a signed LEB128 value from the head of buf.
func LoadInt32(buf []byte) (int32, int, error) {
	v, n, err := loadInt(buf, 32)
	return int32(v), n, err
}

// LoadInt64 decodes a signed LEB128 value from the head of buf.
func LoadInt64(buf []byte) (int64, int, error) {
	return loadInt(buf, 64)
}

func loadInt(buf []byte, size uint) (int64, int, error) {
	var result int64
	var shift uint
	for i, b := range buf {
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i + 1, nil
		}
		if shift > size {
			return 0, 0, errOverflow
		}
	}
	return 0, 0, errors.New("leb128: unexpected end of input")
}
