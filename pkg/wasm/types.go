package wasm

import "strings"

// ValueType is one of the WebAssembly primitive types. The numeric value is the
// signed code written into the binary format; the LEB128 rendering of these
// negative values yields the familiar single bytes (i32 = 0x7F etc.).
type ValueType int8

const (
	I32  ValueType = -1
	I64  ValueType = -2
	F32  ValueType = -3
	F64  ValueType = -4
	Func ValueType = -32
)

// String returns the text format name of the type.
func (t ValueType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case Func:
		return "func"
	}
	return "?"
}

// FunctionType is the signature of a function: an ordered parameter list and at
// most one result. A zero Result means the function returns nothing.
type FunctionType struct {
	Params []ValueType
	Result ValueType
}

// Key returns a string that is identical for structurally equal signatures, so
// back-ends can deduplicate type table entries.
func (ft *FunctionType) Key() string {
	var sb strings.Builder
	for _, p := range ft.Params {
		sb.WriteString(p.String())
		sb.WriteByte(',')
	}
	sb.WriteByte(':')
	if ft.Result != 0 {
		sb.WriteString(ft.Result.String())
	}
	return sb.String()
}
