package wasm

import (
	"fmt"
	"io"
)

// Instruction opcodes of the binary format.
const (
	opUnreachable byte = 0x00

	opBlock    byte = 0x02
	opLoop     byte = 0x03
	opIf       byte = 0x04
	opElse     byte = 0x05
	opEnd      byte = 0x0B
	opBr       byte = 0x0C
	opBrIf     byte = 0x0D
	opBrTable  byte = 0x0E
	opReturn   byte = 0x0F
	opGetLocal byte = 0x20
	opSetLocal byte = 0x21
	opI32Const byte = 0x41
	opI64Const byte = 0x42
	opF32Const byte = 0x43
	opF64Const byte = 0x44
	opI32Eq    byte = 0x46
	opI32Sub   byte = 0x6B

	blockTypeVoid byte = 0x40
	exportFunc    byte = 0x00
)

type functionEntry struct {
	name      string
	typeIndex int
}

type exportEntry struct {
	exportName string
	methodName string
}

// BinaryWriter emits a module in the binary format. Function bodies are
// buffered until Close, which lays out the sections in canonical order, so an
// abandoned session never produces a partial module.
type BinaryWriter struct {
	out io.Writer

	types     []*FunctionType
	typeIndex map[string]int
	functions []functionEntry
	funcIndex map[string]int
	exports   []exportEntry

	sig    *FunctionType
	name   string
	code   OutputBuffer
	bodies OutputBuffer
}

// NewBinaryWriter creates a writer that emits the binary format to out.
func NewBinaryWriter(out io.Writer) *BinaryWriter {
	return &BinaryWriter{
		out:       out,
		typeIndex: make(map[string]int),
		funcIndex: make(map[string]int),
	}
}

func init() {
	RegisterFormat("wasm", func(out io.Writer) ModuleWriter {
		return NewBinaryWriter(out)
	})
}

func (w *BinaryWriter) WriteExport(methodName, exportName string) error {
	w.exports = append(w.exports, exportEntry{exportName: exportName, methodName: methodName})
	return nil
}

func (w *BinaryWriter) WriteMethodStart(name string) error {
	w.name = name
	w.sig = &FunctionType{}
	w.code.Reset()
	return nil
}

func (w *BinaryWriter) WriteMethodParam(kind string, t ValueType) error {
	switch kind {
	case "param":
		w.sig.Params = append(w.sig.Params, t)
	case "return":
		if w.sig.Result != 0 {
			return Errorf(0, "method %s has more than one return type", w.name)
		}
		w.sig.Result = t
	default:
		return Errorf(0, "unknown parameter kind %q", kind)
	}
	return nil
}

func (w *BinaryWriter) WriteMethodFinish(locals []ValueType) error {
	key := w.sig.Key()
	typeIdx, ok := w.typeIndex[key]
	if !ok {
		typeIdx = len(w.types)
		w.types = append(w.types, w.sig)
		w.typeIndex[key] = typeIdx
	}
	w.funcIndex[w.name] = len(w.functions)
	w.functions = append(w.functions, functionEntry{name: w.name, typeIndex: typeIdx})

	var localSection OutputBuffer
	groups := 0
	for i := 0; i < len(locals); {
		j := i
		for j < len(locals) && locals[j] == locals[i] {
			j++
		}
		groups++
		i = j
	}
	localSection.WriteVaruint32(groups)
	for i := 0; i < len(locals); {
		j := i
		for j < len(locals) && locals[j] == locals[i] {
			j++
		}
		localSection.WriteVaruint32(j - i)
		localSection.WriteValueType(locals[i])
		i = j
	}

	w.bodies.WriteVaruint32(localSection.Len() + w.code.Len() + 1)
	w.bodies.Write(localSection.Bytes())
	w.bodies.Write(w.code.Bytes())
	w.bodies.WriteByte(opEnd)
	w.sig = nil
	return nil
}

func (w *BinaryWriter) WriteConstInt(v int32) error {
	w.code.WriteByte(opI32Const)
	w.code.WriteVarint32(v)
	return nil
}

func (w *BinaryWriter) WriteConstLong(v int64) error {
	w.code.WriteByte(opI64Const)
	w.code.WriteVarint64(v)
	return nil
}

func (w *BinaryWriter) WriteConstFloat(v float32) error {
	w.code.WriteByte(opF32Const)
	w.code.WriteFloat32(v)
	return nil
}

func (w *BinaryWriter) WriteConstDouble(v float64) error {
	w.code.WriteByte(opF64Const)
	w.code.WriteFloat64(v)
	return nil
}

func (w *BinaryWriter) WriteLoad(idx int) error {
	w.code.WriteByte(opGetLocal)
	w.code.WriteVaruint32(idx)
	return nil
}

func (w *BinaryWriter) WriteStore(idx int) error {
	w.code.WriteByte(opSetLocal)
	w.code.WriteVaruint32(idx)
	return nil
}

// numericOpcodes maps a NumericOperator to its opcode, per value type. A zero
// entry means the operation has no counterpart for that type.
var numericOpcodes = map[ValueType]map[NumericOperator]byte{
	I32: {
		OpAdd: 0x6A, OpSub: 0x6B, OpMul: 0x6C, OpDiv: 0x6D, OpRem: 0x6F,
		OpAnd: 0x71, OpOr: 0x72, OpXor: 0x73, OpShl: 0x74, OpShrS: 0x75, OpShrU: 0x76,
		OpEq: 0x46, OpNe: 0x47, OpLt: 0x48, OpLe: 0x4C, OpGt: 0x4A, OpGe: 0x4E,
	},
	I64: {
		OpAdd: 0x7C, OpSub: 0x7D, OpMul: 0x7E, OpDiv: 0x7F, OpRem: 0x81,
		OpAnd: 0x83, OpOr: 0x84, OpXor: 0x85, OpShl: 0x86, OpShrS: 0x87, OpShrU: 0x88,
		OpEq: 0x51, OpNe: 0x52, OpLt: 0x53, OpLe: 0x57, OpGt: 0x55, OpGe: 0x59,
	},
	F32: {
		OpAdd: 0x92, OpSub: 0x93, OpMul: 0x94, OpDiv: 0x95, OpNeg: 0x8C,
		OpEq: 0x5B, OpNe: 0x5C, OpLt: 0x5D, OpLe: 0x5F, OpGt: 0x5E, OpGe: 0x60,
	},
	F64: {
		OpAdd: 0xA0, OpSub: 0xA1, OpMul: 0xA2, OpDiv: 0xA3, OpNeg: 0x9A,
		OpEq: 0x61, OpNe: 0x62, OpLt: 0x63, OpLe: 0x65, OpGt: 0x64, OpGe: 0x66,
	},
}

func (w *BinaryWriter) WriteNumericOperator(op NumericOperator, t ValueType) error {
	opcode := numericOpcodes[t][op]
	if opcode == 0 {
		return Errorf(0, "numeric operation %d is not supported for type %s", op, t)
	}
	w.code.WriteByte(opcode)
	return nil
}

var castOpcodes = map[Cast]byte{
	CastI2L: 0xAC, // i64.extend_i32_s
	CastI2F: 0xB2, // f32.convert_i32_s
	CastI2D: 0xB7, // f64.convert_i32_s
	CastL2I: 0xA7, // i32.wrap_i64
	CastL2F: 0xB4, // f32.convert_i64_s
	CastL2D: 0xB9, // f64.convert_i64_s
	CastF2I: 0xA8, // i32.trunc_f32_s
	CastF2L: 0xAE, // i64.trunc_f32_s
	CastF2D: 0xBB, // f64.promote_f32
	CastD2I: 0xAA, // i32.trunc_f64_s
	CastD2L: 0xB0, // i64.trunc_f64_s
	CastD2F: 0xB6, // f32.demote_f64
}

func (w *BinaryWriter) WriteCast(c Cast) error {
	opcode, ok := castOpcodes[c]
	if !ok {
		return Errorf(0, "cast %d has no WebAssembly counterpart", c)
	}
	w.code.WriteByte(opcode)
	return nil
}

func (w *BinaryWriter) WriteReturn() error {
	w.code.WriteByte(opReturn)
	return nil
}

func (w *BinaryWriter) WriteUnreachable() error {
	w.code.WriteByte(opUnreachable)
	return nil
}

func (w *BinaryWriter) WriteBlockCode(op BlockOperator, data interface{}) error {
	switch op {
	case BlockBlock:
		w.code.WriteByte(opBlock)
		w.code.WriteByte(blockTypeVoid)
	case BlockLoop:
		w.code.WriteByte(opLoop)
		w.code.WriteByte(blockTypeVoid)
	case BlockIf:
		w.code.WriteByte(opIf)
		w.code.WriteByte(blockTypeVoid)
	case BlockElse:
		w.code.WriteByte(opElse)
	case BlockEnd:
		w.code.WriteByte(opEnd)
	case BlockReturn:
		w.code.WriteByte(opReturn)
	case BlockBr, BlockBrIf:
		depth, ok := data.(int)
		if !ok {
			return Errorf(0, "branch without depth")
		}
		if op == BlockBr {
			w.code.WriteByte(opBr)
		} else {
			w.code.WriteByte(opBrIf)
		}
		w.code.WriteVaruint32(depth)
	case BlockBrTable:
		table, ok := data.(*BranchTable)
		if !ok {
			return Errorf(0, "br_table without target table")
		}
		w.writeBranchTable(table)
	default:
		return Errorf(0, "unknown block operation %d", op)
	}
	return nil
}

func (w *BinaryWriter) writeBranchTable(table *BranchTable) {
	if table.Targets != nil {
		w.code.WriteByte(opGetLocal)
		w.code.WriteVaruint32(table.TempLocal)
		if table.Low != 0 {
			w.code.WriteByte(opI32Const)
			w.code.WriteVarint32(table.Low)
			w.code.WriteByte(opI32Sub)
		}
		w.code.WriteByte(opBrTable)
		w.code.WriteVaruint32(len(table.Targets))
		for _, depth := range table.Targets {
			w.code.WriteVaruint32(depth)
		}
		w.code.WriteVaruint32(table.Default)
		return
	}
	for _, c := range table.Cases {
		w.code.WriteByte(opGetLocal)
		w.code.WriteVaruint32(table.TempLocal)
		w.code.WriteByte(opI32Const)
		w.code.WriteVarint32(c.Key)
		w.code.WriteByte(opI32Eq)
		w.code.WriteByte(opBrIf)
		w.code.WriteVaruint32(c.Depth)
	}
	w.code.WriteByte(opBr)
	w.code.WriteVaruint32(table.Default)
}

// Close lays out the module: magic, version, then the Type, Function, Export
// and Code sections. Sections with no content are omitted.
func (w *BinaryWriter) Close() error {
	var module OutputBuffer
	module.Write([]byte{0x00, 0x61, 0x73, 0x6D})
	module.WriteInt32(1)

	var body OutputBuffer
	if len(w.types) > 0 {
		body.WriteVaruint32(len(w.types))
		for _, ft := range w.types {
			body.WriteValueType(Func)
			body.WriteVaruint32(len(ft.Params))
			for _, p := range ft.Params {
				body.WriteValueType(p)
			}
			if ft.Result != 0 {
				body.WriteVaruint32(1)
				body.WriteValueType(ft.Result)
			} else {
				body.WriteVaruint32(0)
			}
		}
	}
	module.WriteSection(SectionType, &body, "")

	body.Reset()
	if len(w.functions) > 0 {
		body.WriteVaruint32(len(w.functions))
		for _, fn := range w.functions {
			body.WriteVaruint32(fn.typeIndex)
		}
	}
	module.WriteSection(SectionFunction, &body, "")

	body.Reset()
	if len(w.exports) > 0 {
		body.WriteVaruint32(len(w.exports))
		for _, exp := range w.exports {
			idx, ok := w.funcIndex[exp.methodName]
			if !ok {
				return Errorf(0, "export %q references unknown method %s", exp.exportName, exp.methodName)
			}
			body.WriteString(exp.exportName)
			body.WriteByte(exportFunc)
			body.WriteVaruint32(idx)
		}
	}
	module.WriteSection(SectionExport, &body, "")

	body.Reset()
	if len(w.functions) > 0 {
		body.WriteVaruint32(len(w.functions))
		body.Write(w.bodies.Bytes())
	}
	module.WriteSection(SectionCode, &body, "")

	if _, err := module.WriteTo(w.out); err != nil {
		return fmt.Errorf("writing module: %w", err)
	}
	return nil
}

// WriteCustomSection emits a named custom section directly to the module
// output. Used for optional debug data; empty content is dropped.
func (w *BinaryWriter) WriteCustomSection(name string, content []byte) error {
	var module, body OutputBuffer
	body.Write(content)
	module.WriteSection(SectionCustom, &body, name)
	if _, err := module.WriteTo(w.out); err != nil {
		return fmt.Errorf("writing custom section: %w", err)
	}
	return nil
}
