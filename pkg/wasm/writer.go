package wasm

import (
	"io"
	"sort"
)

// NumericOperator is an arithmetic, bitwise or comparison operation that is
// dispatched against a ValueType when emitted.
type NumericOperator int

const (
	OpAdd NumericOperator = iota
	OpSub
	OpMul
	OpDiv
	OpRem
	OpNeg
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShrS
	OpShrU
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

// Cast is a conversion between value types, named after the JVM cast opcodes.
type Cast int

const (
	CastI2L Cast = iota
	CastI2F
	CastI2D
	CastL2I
	CastL2F
	CastL2D
	CastF2I
	CastF2L
	CastF2D
	CastD2I
	CastD2L
	CastD2F
)

// BlockOperator is a structured control flow marker. ELSE closes the true arm
// of an IF and opens the false arm at the same time.
type BlockOperator int

const (
	BlockNone BlockOperator = iota
	BlockBlock
	BlockLoop
	BlockIf
	BlockElse
	BlockEnd
	BlockBr
	BlockBrIf
	BlockBrTable
	BlockReturn
)

// BranchCase is one key of a lookup switch dispatch, with the relative depth of
// the block that holds its case body.
type BranchCase struct {
	Key   int32
	Depth int
}

// BranchTable is the payload of a BlockBrTable marker. The scrutinee has been
// spilled to TempLocal before the enclosing blocks opened; the dispatch reloads
// it inside the innermost block. Targets is the dense depth vector of a table
// switch (indexed by key minus Low); Cases is the compare chain of a lookup
// switch. Exactly one of the two is set.
type BranchTable struct {
	TempLocal int
	Low       int32
	Targets   []int
	Cases     []BranchCase
	Default   int
}

// ModuleWriter is the emission protocol driven by the method translator. Two
// back-ends implement it: the binary format and the text format.
type ModuleWriter interface {
	// WriteExport registers an export for a method that may not be emitted yet.
	WriteExport(methodName, exportName string) error

	// WriteMethodStart begins a new function body.
	WriteMethodStart(name string) error

	// WriteMethodParam appends to the signature of the function in progress.
	// kind is "param" or "return".
	WriteMethodParam(kind string, t ValueType) error

	// WriteMethodFinish commits the function in progress. locals are the value
	// types declared beyond the parameter slots.
	WriteMethodFinish(locals []ValueType) error

	WriteConstInt(v int32) error
	WriteConstLong(v int64) error
	WriteConstFloat(v float32) error
	WriteConstDouble(v float64) error

	// WriteLoad and WriteStore access a local by index. Parameters occupy the
	// low end of the index space.
	WriteLoad(idx int) error
	WriteStore(idx int) error

	WriteNumericOperator(op NumericOperator, t ValueType) error
	WriteCast(c Cast) error
	WriteReturn() error

	// WriteUnreachable marks a position control cannot reach, e.g. the
	// function end behind a loop with no fall-through exit.
	WriteUnreachable() error

	// WriteBlockCode emits a structured control instruction. data carries the
	// branch depth of BR/BR_IF or the *BranchTable of BR_TABLE.
	WriteBlockCode(op BlockOperator, data interface{}) error

	// Close finalizes the module and writes it to the output sink.
	Close() error
}

// WriterFactory creates a ModuleWriter emitting to out.
type WriterFactory func(out io.Writer) ModuleWriter

var formats = make(map[string]WriterFactory)

// RegisterFormat registers an output format by name.
func RegisterFormat(name string, factory WriterFactory) {
	formats[name] = factory
}

// GetWriter returns a writer for the named format, or nil if unknown.
func GetWriter(name string, out io.Writer) ModuleWriter {
	if factory, ok := formats[name]; ok {
		return factory(out)
	}
	return nil
}

// ListFormats returns the names of all registered output formats.
func ListFormats() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
