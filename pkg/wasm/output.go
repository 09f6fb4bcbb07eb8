package wasm

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/Frontrider/JWebAssembly/pkg/wasm/leb128"
)

// SectionID identifies a section of the binary format.
type SectionID byte

const (
	SectionCustom   SectionID = 0
	SectionType     SectionID = 1
	SectionImport   SectionID = 2
	SectionFunction SectionID = 3
	SectionTable    SectionID = 4
	SectionMemory   SectionID = 5
	SectionGlobal   SectionID = 6
	SectionExport   SectionID = 7
	SectionStart    SectionID = 8
	SectionElement  SectionID = 9
	SectionCode     SectionID = 10
	SectionData     SectionID = 11
)

// OutputBuffer is an in-memory byte stream with the little-endian and LEB128
// write operations of the binary format. Section bodies and method code are
// built in separate buffers so their byte length can be prefixed.
type OutputBuffer struct {
	data []byte
}

// Len returns the number of bytes written so far.
func (o *OutputBuffer) Len() int {
	return len(o.data)
}

// Bytes returns the written bytes. The slice is owned by the buffer.
func (o *OutputBuffer) Bytes() []byte {
	return o.data
}

// Reset discards all written bytes.
func (o *OutputBuffer) Reset() {
	o.data = o.data[:0]
}

// WriteTo copies the buffered bytes to target.
func (o *OutputBuffer) WriteTo(target io.Writer) (int64, error) {
	n, err := target.Write(o.data)
	return int64(n), err
}

// WriteByte appends a single byte.
func (o *OutputBuffer) WriteByte(b byte) error {
	o.data = append(o.data, b)
	return nil
}

// Write appends a byte slice, implementing io.Writer.
func (o *OutputBuffer) Write(p []byte) (int, error) {
	o.data = append(o.data, p...)
	return len(p), nil
}

// WriteInt32 writes four bytes, little-endian.
func (o *OutputBuffer) WriteInt32(v int32) {
	o.data = binary.LittleEndian.AppendUint32(o.data, uint32(v))
}

// WriteVaruint32 writes v as unsigned LEB128. v must not be negative.
func (o *OutputBuffer) WriteVaruint32(v int) {
	if v < 0 {
		panic("WriteVaruint32 with negative value")
	}
	o.data = leb128.EncodeUint32(o.data, uint32(v))
}

// WriteVarint32 writes v as signed LEB128.
func (o *OutputBuffer) WriteVarint32(v int32) {
	o.data = leb128.EncodeInt32(o.data, v)
}

// WriteVarint64 writes v as signed LEB128.
func (o *OutputBuffer) WriteVarint64(v int64) {
	o.data = leb128.EncodeInt64(o.data, v)
}

// WriteFloat32 writes the IEEE-754 bit pattern of v, little-endian.
func (o *OutputBuffer) WriteFloat32(v float32) {
	o.data = binary.LittleEndian.AppendUint32(o.data, math.Float32bits(v))
}

// WriteFloat64 writes the IEEE-754 bit pattern of v, little-endian.
func (o *OutputBuffer) WriteFloat64(v float64) {
	o.data = binary.LittleEndian.AppendUint64(o.data, math.Float64bits(v))
}

// WriteValueType writes the one-byte signed type code.
func (o *OutputBuffer) WriteValueType(t ValueType) {
	o.WriteVarint32(int32(t))
}

// WriteString writes a length-prefixed UTF-8 string.
func (o *OutputBuffer) WriteString(s string) {
	o.WriteVaruint32(len(s))
	o.data = append(o.data, s...)
}

// WriteSection writes a complete section: the id, the body length and the body.
// A custom section additionally carries its name after the length field, inside
// the body. Nothing is written for an empty body.
func (o *OutputBuffer) WriteSection(id SectionID, body *OutputBuffer, name string) {
	if body.Len() == 0 {
		return
	}
	o.WriteVaruint32(int(id))
	if id == SectionCustom {
		var prefix OutputBuffer
		prefix.WriteString(name)
		o.WriteVaruint32(prefix.Len() + body.Len())
		o.data = append(o.data, prefix.data...)
	} else {
		o.WriteVaruint32(body.Len())
	}
	o.data = append(o.data, body.data...)
}
