package wasm

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// TextWriter emits the S-expression representation of the module, used for
// diagnostics and as input to text format consumers.
type TextWriter struct {
	out io.Writer

	exports []exportEntry

	name   string
	sig    *FunctionType
	code   bytes.Buffer
	bodies bytes.Buffer
}

// NewTextWriter creates a writer that emits the text format to out.
func NewTextWriter(out io.Writer) *TextWriter {
	return &TextWriter{out: out}
}

func init() {
	RegisterFormat("wat", func(out io.Writer) ModuleWriter {
		return NewTextWriter(out)
	})
}

func (w *TextWriter) WriteExport(methodName, exportName string) error {
	w.exports = append(w.exports, exportEntry{exportName: exportName, methodName: methodName})
	return nil
}

func (w *TextWriter) WriteMethodStart(name string) error {
	w.name = name
	w.sig = &FunctionType{}
	w.code.Reset()
	return nil
}

func (w *TextWriter) WriteMethodParam(kind string, t ValueType) error {
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

func (w *TextWriter) WriteMethodFinish(locals []ValueType) error {
	w.bodies.WriteString("  (func $")
	w.bodies.WriteString(w.name)
	for _, p := range w.sig.Params {
		fmt.Fprintf(&w.bodies, " (param %s)", p)
	}
	if w.sig.Result != 0 {
		fmt.Fprintf(&w.bodies, " (result %s)", w.sig.Result)
	}
	w.bodies.WriteByte('\n')
	for _, l := range locals {
		fmt.Fprintf(&w.bodies, "    (local %s)\n", l)
	}
	w.bodies.Write(w.code.Bytes())
	w.bodies.WriteString("  )\n")
	w.sig = nil
	return nil
}

func (w *TextWriter) line(s string) {
	w.code.WriteString("    ")
	w.code.WriteString(s)
	w.code.WriteByte('\n')
}

func (w *TextWriter) WriteConstInt(v int32) error {
	w.line("i32.const " + strconv.FormatInt(int64(v), 10))
	return nil
}

func (w *TextWriter) WriteConstLong(v int64) error {
	w.line("i64.const " + strconv.FormatInt(v, 10))
	return nil
}

func (w *TextWriter) WriteConstFloat(v float32) error {
	w.line("f32.const " + strconv.FormatFloat(float64(v), 'g', -1, 32))
	return nil
}

func (w *TextWriter) WriteConstDouble(v float64) error {
	w.line("f64.const " + strconv.FormatFloat(v, 'g', -1, 64))
	return nil
}

func (w *TextWriter) WriteLoad(idx int) error {
	w.line("get_local " + strconv.Itoa(idx))
	return nil
}

func (w *TextWriter) WriteStore(idx int) error {
	w.line("set_local " + strconv.Itoa(idx))
	return nil
}

// numericNames holds the text mnemonics that differ between the integer and
// floating point shapes of an operation.
var numericNames = map[NumericOperator][2]string{
	OpAdd:  {"add", "add"},
	OpSub:  {"sub", "sub"},
	OpMul:  {"mul", "mul"},
	OpDiv:  {"div_s", "div"},
	OpRem:  {"rem_s", ""},
	OpNeg:  {"", "neg"},
	OpAnd:  {"and", ""},
	OpOr:   {"or", ""},
	OpXor:  {"xor", ""},
	OpShl:  {"shl", ""},
	OpShrS: {"shr_s", ""},
	OpShrU: {"shr_u", ""},
	OpEq:   {"eq", "eq"},
	OpNe:   {"ne", "ne"},
	OpLt:   {"lt_s", "lt"},
	OpLe:   {"le_s", "le"},
	OpGt:   {"gt_s", "gt"},
	OpGe:   {"ge_s", "ge"},
}

func (w *TextWriter) WriteNumericOperator(op NumericOperator, t ValueType) error {
	names, ok := numericNames[op]
	if !ok {
		return Errorf(0, "unknown numeric operation %d", op)
	}
	var name string
	switch t {
	case I32, I64:
		name = names[0]
	case F32, F64:
		name = names[1]
	}
	if name == "" {
		return Errorf(0, "numeric operation %d is not supported for type %s", op, t)
	}
	w.line(t.String() + "." + name)
	return nil
}

var castNames = map[Cast]string{
	CastI2L: "i64.extend_i32_s",
	CastI2F: "f32.convert_i32_s",
	CastI2D: "f64.convert_i32_s",
	CastL2I: "i32.wrap_i64",
	CastL2F: "f32.convert_i64_s",
	CastL2D: "f64.convert_i64_s",
	CastF2I: "i32.trunc_f32_s",
	CastF2L: "i64.trunc_f32_s",
	CastF2D: "f64.promote_f32",
	CastD2I: "i32.trunc_f64_s",
	CastD2L: "i64.trunc_f64_s",
	CastD2F: "f32.demote_f64",
}

func (w *TextWriter) WriteCast(c Cast) error {
	name, ok := castNames[c]
	if !ok {
		return Errorf(0, "cast %d has no WebAssembly counterpart", c)
	}
	w.line(name)
	return nil
}

func (w *TextWriter) WriteReturn() error {
	w.line("return")
	return nil
}

func (w *TextWriter) WriteUnreachable() error {
	w.line("unreachable")
	return nil
}

func (w *TextWriter) WriteBlockCode(op BlockOperator, data interface{}) error {
	switch op {
	case BlockBlock:
		w.line("block")
	case BlockLoop:
		w.line("loop")
	case BlockIf:
		w.line("if")
	case BlockElse:
		w.line("else")
	case BlockEnd:
		w.line("end")
	case BlockReturn:
		w.line("return")
	case BlockBr, BlockBrIf:
		depth, ok := data.(int)
		if !ok {
			return Errorf(0, "branch without depth")
		}
		if op == BlockBr {
			w.line("br " + strconv.Itoa(depth))
		} else {
			w.line("br_if " + strconv.Itoa(depth))
		}
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

func (w *TextWriter) writeBranchTable(table *BranchTable) {
	if table.Targets != nil {
		w.line("get_local " + strconv.Itoa(table.TempLocal))
		if table.Low != 0 {
			w.line("i32.const " + strconv.FormatInt(int64(table.Low), 10))
			w.line("i32.sub")
		}
		var sb strings.Builder
		sb.WriteString("br_table")
		for _, depth := range table.Targets {
			sb.WriteByte(' ')
			sb.WriteString(strconv.Itoa(depth))
		}
		sb.WriteByte(' ')
		sb.WriteString(strconv.Itoa(table.Default))
		w.line(sb.String())
		return
	}
	for _, c := range table.Cases {
		w.line("get_local " + strconv.Itoa(table.TempLocal))
		w.line("i32.const " + strconv.FormatInt(int64(c.Key), 10))
		w.line("i32.eq")
		w.line("br_if " + strconv.Itoa(c.Depth))
	}
	w.line("br " + strconv.Itoa(table.Default))
}

// Close writes the assembled (module ...) form to the output sink.
func (w *TextWriter) Close() error {
	var module bytes.Buffer
	module.WriteString("(module\n")
	for _, exp := range w.exports {
		fmt.Fprintf(&module, "  (export %q (func $%s))\n", exp.exportName, exp.methodName)
	}
	module.Write(w.bodies.Bytes())
	module.WriteString(")\n")
	if _, err := w.out.Write(module.Bytes()); err != nil {
		return fmt.Errorf("writing module: %w", err)
	}
	return nil
}
