// Package compiler translates JVM bytecode methods into WebAssembly through a
// ModuleWriter back-end. The translation runs in two passes per method: the
// first collects every control transfer for the branch manager, the second
// emits instructions while the recovered region tree interleaves the
// structured control flow markers.
package compiler

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Frontrider/JWebAssembly/pkg/classfile"
	"github.com/Frontrider/JWebAssembly/pkg/wasm"
)

// ExportAnnotation is the unqualified name of the annotation that marks a
// method for compilation. Its optional "name" element overrides the export
// name.
const ExportAnnotation = "Export"

// Options controls compilation behavior.
type Options struct {
	// Debug enables progress output on Log.
	Debug bool

	// Log receives debug output, defaulting to stderr.
	Log io.Writer
}

// Compiler feeds exported class file methods into a ModuleWriter.
type Compiler struct {
	writer  wasm.ModuleWriter
	options Options
}

// New creates a compiler emitting through the given writer.
func New(writer wasm.ModuleWriter, options *Options) *Compiler {
	c := &Compiler{writer: writer}
	if options != nil {
		c.options = *options
	}
	if c.options.Log == nil {
		c.options.Log = os.Stderr
	}
	return c
}

// CompileFile parses a class file from disk and compiles its exported methods.
func (c *Compiler) CompileFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	cf, err := classfile.Parse(f)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return c.CompileClass(cf)
}

// CompileClass compiles every method of cf that carries the Export annotation.
// Declaration order fixes the function index space of the module.
func (c *Compiler) CompileClass(cf *classfile.ClassFile) error {
	for _, m := range cf.Methods {
		ann := m.Annotation(ExportAnnotation)
		if ann == nil {
			continue
		}
		name := functionName(cf, m)
		exportName := ann.StringElement("name", m.Name)
		if c.options.Debug {
			fmt.Fprintf(c.options.Log, "compiling %s as %q\n", name, exportName)
		}
		if err := c.writer.WriteExport(name, exportName); err != nil {
			return err
		}
		if err := c.compileMethod(cf, m); err != nil {
			return err
		}
	}
	return nil
}

// Close finalizes the module on the writer.
func (c *Compiler) Close() error {
	return c.writer.Close()
}

func functionName(cf *classfile.ClassFile, m *classfile.Method) string {
	if cf.ThisClass == "" {
		return m.Name
	}
	return strings.ReplaceAll(cf.ThisClass, "/", ".") + "." + m.Name
}

func (c *Compiler) compileMethod(cf *classfile.ClassFile, m *classfile.Method) error {
	if m.Code == nil {
		return wasm.Errorf(0, "method %s has no code", m.Name)
	}
	params, result, err := descriptorTypes(m.Descriptor)
	if err != nil {
		return err
	}
	if err := c.writer.WriteMethodStart(functionName(cf, m)); err != nil {
		return err
	}
	for _, p := range params {
		if err := c.writer.WriteMethodParam("param", p); err != nil {
			return err
		}
	}
	if result != 0 {
		if err := c.writer.WriteMethodParam("return", result); err != nil {
			return err
		}
	}

	t := &methodTranslator{
		writer:      c.writer,
		code:        m.Code,
		pool:        cf.Pool,
		locals:      newLocalsManager(params),
		branches:    newBranchManager(),
		switchTemps: make(map[int]int),
	}
	if err := t.scanBranches(); err != nil {
		return err
	}
	if err := t.branches.Calculate(len(m.Code.Code)); err != nil {
		return err
	}
	if err := t.emit(); err != nil {
		return err
	}
	return c.writer.WriteMethodFinish(t.locals.locals())
}

// descriptorTypes maps a JVM method descriptor to parameter and result value
// types. Reference and array types are outside the compiled subset.
func descriptorTypes(desc string) ([]wasm.ValueType, wasm.ValueType, error) {
	if len(desc) == 0 || desc[0] != '(' {
		return nil, 0, wasm.Errorf(0, "malformed method descriptor %q", desc)
	}
	var params []wasm.ValueType
	i := 1
	for i < len(desc) && desc[i] != ')' {
		t, err := fieldType(desc[i])
		if err != nil {
			return nil, 0, err
		}
		params = append(params, t)
		i++
	}
	if i+1 >= len(desc) {
		return nil, 0, wasm.Errorf(0, "malformed method descriptor %q", desc)
	}
	if desc[i+1] == 'V' {
		return params, 0, nil
	}
	result, err := fieldType(desc[i+1])
	if err != nil {
		return nil, 0, err
	}
	return params, result, nil
}

func fieldType(c byte) (wasm.ValueType, error) {
	switch c {
	case 'I', 'Z', 'B', 'C', 'S':
		return wasm.I32, nil
	case 'J':
		return wasm.I64, nil
	case 'F':
		return wasm.F32, nil
	case 'D':
		return wasm.F64, nil
	}
	return 0, wasm.Errorf(0, "type %q is not supported", string(c))
}

type methodTranslator struct {
	writer      wasm.ModuleWriter
	code        *classfile.CodeAttribute
	pool        *classfile.ConstantPool
	locals      *localsManager
	branches    *branchManager
	switchTemps map[int]int

	// pendingCmp is the operand type of an lcmp/fcmp/dcmp waiting to be fused
	// with the conditional branch that follows it.
	pendingCmp wasm.ValueType
}

// codeStream walks a bytecode array with big-endian operand reads. Errors are
// sticky so a truncated attribute surfaces once at the end of a pass.
type codeStream struct {
	data []byte
	pos  int
	err  error
}

func (s *codeStream) more() bool {
	return s.err == nil && s.pos < len(s.data)
}

func (s *codeStream) fail() int {
	if s.err == nil {
		s.err = fmt.Errorf("unexpected end of bytecode")
	}
	return 0
}

func (s *codeStream) u1() int {
	if s.err != nil || s.pos+1 > len(s.data) {
		return s.fail()
	}
	v := int(s.data[s.pos])
	s.pos++
	return v
}

func (s *codeStream) s1() int {
	return int(int8(s.u1()))
}

func (s *codeStream) u2() int {
	if s.err != nil || s.pos+2 > len(s.data) {
		return s.fail()
	}
	v := int(s.data[s.pos])<<8 | int(s.data[s.pos+1])
	s.pos += 2
	return v
}

func (s *codeStream) s2() int {
	return int(int16(s.u2()))
}

func (s *codeStream) s4() int {
	if s.err != nil || s.pos+4 > len(s.data) {
		return s.fail()
	}
	v := int32(s.data[s.pos])<<24 | int32(s.data[s.pos+1])<<16 | int32(s.data[s.pos+2])<<8 | int32(s.data[s.pos+3])
	s.pos += 4
	return int(v)
}

func (s *codeStream) skip(n int) {
	if s.err != nil || s.pos+n > len(s.data) {
		s.fail()
		return
	}
	s.pos += n
}

// align4 skips the padding that aligns switch operands to a four byte
// boundary relative to the start of the code.
func (s *codeStream) align4() {
	s.skip((4 - s.pos%4) % 4)
}

// scanBranches is the first pass: it registers every control transfer with the
// branch manager and rejects opcodes outside the supported set.
func (t *methodTranslator) scanBranches() error {
	s := &codeStream{data: t.code.Code}
	for s.more() {
		pos := s.pos
		op := byte(s.u1())
		line := t.code.LineForOffset(pos)
		switch {
		case op >= opIfeq && op <= opIfIcmple:
			t.branches.addIf(pos, s.s2(), line)
		case op == opGoto:
			t.branches.addGoto(pos, s.s2(), line)
		case op == opTableswitch:
			s.align4()
			def := s.s4()
			low := s.s4()
			high := s.s4()
			if s.err == nil && (high < low || high-low+1 > len(s.data)) {
				return wasm.Errorf(line, "tableswitch bounds %d..%d are invalid", low, high)
			}
			targets := make([]int, 0, high-low+1)
			for i := low; i <= high && s.err == nil; i++ {
				targets = append(targets, pos+s.s4())
			}
			temp := t.locals.temp(wasm.I32)
			t.switchTemps[pos] = temp
			t.branches.addTableSwitch(pos, line, int32(low), targets, pos+def, temp)
		case op == opLookupswitch:
			s.align4()
			def := s.s4()
			npairs := s.s4()
			if s.err == nil && (npairs < 0 || npairs > len(s.data)) {
				return wasm.Errorf(line, "lookupswitch with %d pairs is invalid", npairs)
			}
			keys := make([]int32, 0, npairs)
			targets := make([]int, 0, npairs)
			for i := 0; i < npairs && s.err == nil; i++ {
				keys = append(keys, int32(s.s4()))
				targets = append(targets, pos+s.s4())
			}
			temp := t.locals.temp(wasm.I32)
			t.switchTemps[pos] = temp
			t.branches.addLookupSwitch(pos, line, keys, targets, pos+def, temp)
		default:
			width, ok := operandWidth(op)
			if !ok {
				return wasm.Errorf(line, "unsupported opcode 0x%02x", op)
			}
			s.skip(width)
		}
	}
	if s.err != nil {
		return wasm.Wrap(s.err, 0)
	}
	return nil
}

// emit is the second pass. At a switch opcode the scrutinee is spilled before
// the region markers open, because operands do not cross a block boundary.
func (t *methodTranslator) emit() error {
	s := &codeStream{data: t.code.Code}
	var lastOp byte
	for s.more() {
		pos := s.pos
		op := t.code.Code[pos]
		line := t.code.LineForOffset(pos)
		if op == opTableswitch || op == opLookupswitch {
			if err := t.writer.WriteStore(t.switchTemps[pos]); err != nil {
				return wasm.Wrap(err, line)
			}
		}
		if err := t.branches.Handle(pos, t.writer); err != nil {
			return wasm.Wrap(err, line)
		}
		if err := t.emitInstruction(s, pos, line); err != nil {
			return wasm.Wrap(err, line)
		}
		lastOp = op
	}
	if s.err != nil {
		return wasm.Wrap(s.err, 0)
	}
	if err := t.branches.Handle(len(t.code.Code), t.writer); err != nil {
		return err
	}
	if !isReturn(lastOp) {
		// Control never falls past a trailing loop jump; the marker keeps
		// the implicit function end valid.
		return t.writer.WriteUnreachable()
	}
	return nil
}

func isReturn(op byte) bool {
	return (op >= opIreturn && op <= opDreturn) || op == opReturn
}

// negatedCondition maps an ifeq..ifle condition to the comparison emitted for
// the fall-through arm: the Wasm if runs its true arm where the JVM branch is
// not taken.
var negatedCondition = [6]wasm.NumericOperator{
	wasm.OpNe, // ifeq
	wasm.OpEq, // ifne
	wasm.OpGe, // iflt
	wasm.OpLt, // ifge
	wasm.OpLe, // ifgt
	wasm.OpGt, // ifle
}

var castByOpcode = [12]wasm.Cast{
	wasm.CastI2L, wasm.CastI2F, wasm.CastI2D,
	wasm.CastL2I, wasm.CastL2F, wasm.CastL2D,
	wasm.CastF2I, wasm.CastF2L, wasm.CastF2D,
	wasm.CastD2I, wasm.CastD2L, wasm.CastD2F,
}

var numericByGroup = [6]wasm.NumericOperator{
	wasm.OpAdd, wasm.OpSub, wasm.OpMul, wasm.OpDiv, wasm.OpRem, wasm.OpNeg,
}

var slotTypes = [4]wasm.ValueType{wasm.I32, wasm.I64, wasm.F32, wasm.F64}

func (t *methodTranslator) emitInstruction(s *codeStream, pos, line int) error {
	w := t.writer
	op := byte(s.u1())
	if t.pendingCmp != 0 && (op < opIfeq || op > opIfle) {
		return wasm.Errorf(line, "comparison result is not consumed by a conditional branch")
	}
	switch {
	case op == opNop:

	case op >= opIconstM1 && op <= opIconst5:
		return w.WriteConstInt(int32(op) - int32(opIconst0))
	case op == opLconst0 || op == opLconst1:
		return w.WriteConstLong(int64(op - opLconst0))
	case op >= opFconst0 && op <= opFconst2:
		return w.WriteConstFloat(float32(op - opFconst0))
	case op == opDconst0 || op == opDconst1:
		return w.WriteConstDouble(float64(op - opDconst0))
	case op == opBipush:
		return w.WriteConstInt(int32(s.s1()))
	case op == opSipush:
		return w.WriteConstInt(int32(s.s2()))
	case op == opLdc:
		return t.emitConstant(s.u1(), line)
	case op == opLdcW || op == opLdc2W:
		return t.emitConstant(s.u2(), line)

	case op >= opIload && op <= opDload:
		vt := slotTypes[op-opIload]
		return w.WriteLoad(t.locals.use(s.u1(), vt))
	case op >= opIload0 && op <= opDload3:
		n := int(op - opIload0)
		return w.WriteLoad(t.locals.use(n%4, slotTypes[n/4]))
	case op >= opIstore && op <= opDstore:
		vt := slotTypes[op-opIstore]
		return w.WriteStore(t.locals.use(s.u1(), vt))
	case op >= opIstore0 && op <= opDstore3:
		n := int(op - opIstore0)
		return w.WriteStore(t.locals.use(n%4, slotTypes[n/4]))

	case op >= opIadd && op <= opDneg:
		n := int(op - opIadd)
		return w.WriteNumericOperator(numericByGroup[n/4], slotTypes[n%4])
	case op >= opIshl && op <= opLushr:
		n := int(op - opIshl)
		shiftOps := [3]wasm.NumericOperator{wasm.OpShl, wasm.OpShrS, wasm.OpShrU}
		vt := slotTypes[n%2]
		if vt == wasm.I64 {
			// The JVM shift amount is an int even for long shifts.
			if err := w.WriteCast(wasm.CastI2L); err != nil {
				return err
			}
		}
		return w.WriteNumericOperator(shiftOps[n/2], vt)
	case op >= opIand && op <= opLxor:
		n := int(op - opIand)
		bitOps := [3]wasm.NumericOperator{wasm.OpAnd, wasm.OpOr, wasm.OpXor}
		return w.WriteNumericOperator(bitOps[n/2], slotTypes[n%2])

	case op == opIinc:
		idx := t.locals.use(s.u1(), wasm.I32)
		v := int32(s.s1())
		if err := w.WriteLoad(idx); err != nil {
			return err
		}
		if err := w.WriteConstInt(v); err != nil {
			return err
		}
		if err := w.WriteNumericOperator(wasm.OpAdd, wasm.I32); err != nil {
			return err
		}
		return w.WriteStore(idx)

	case op >= opI2l && op <= opD2f:
		return w.WriteCast(castByOpcode[op-opI2l])
	case op == opI2b:
		return t.emitNarrowing(24)
	case op == opI2s:
		return t.emitNarrowing(16)
	case op == opI2c:
		if err := w.WriteConstInt(0xffff); err != nil {
			return err
		}
		return w.WriteNumericOperator(wasm.OpAnd, wasm.I32)

	case op == opLcmp:
		t.pendingCmp = wasm.I64
	case op == opFcmpl || op == opFcmpg:
		t.pendingCmp = wasm.F32
	case op == opDcmpl || op == opDcmpg:
		t.pendingCmp = wasm.F64

	case op >= opIfeq && op <= opIfle:
		s.skip(2)
		vt := t.pendingCmp
		if vt == 0 {
			vt = wasm.I32
			if err := w.WriteConstInt(0); err != nil {
				return err
			}
		}
		t.pendingCmp = 0
		return w.WriteNumericOperator(negatedCondition[op-opIfeq], vt)
	case op >= opIfIcmpeq && op <= opIfIcmple:
		s.skip(2)
		return w.WriteNumericOperator(negatedCondition[op-opIfIcmpeq], wasm.I32)

	case op == opGoto:
		// Realized entirely by the region markers.
		s.skip(2)
	case op == opTableswitch:
		s.align4()
		s.skip(4)
		low := s.s4()
		high := s.s4()
		s.skip(4 * (high - low + 1))
	case op == opLookupswitch:
		s.align4()
		s.skip(4)
		s.skip(8 * s.s4())

	case op >= opIreturn && op <= opDreturn, op == opReturn:
		if pos == len(t.code.Code)-1 && t.branches.TopLevel(pos) {
			// The implicit function end already returns the stack top.
			return nil
		}
		return w.WriteReturn()

	default:
		return wasm.Errorf(line, "unsupported opcode 0x%02x", op)
	}
	return nil
}

func (t *methodTranslator) emitNarrowing(bits int32) error {
	if err := t.writer.WriteConstInt(bits); err != nil {
		return err
	}
	if err := t.writer.WriteNumericOperator(wasm.OpShl, wasm.I32); err != nil {
		return err
	}
	if err := t.writer.WriteConstInt(bits); err != nil {
		return err
	}
	return t.writer.WriteNumericOperator(wasm.OpShrS, wasm.I32)
}

func (t *methodTranslator) emitConstant(idx, line int) error {
	v, err := t.pool.Constant(idx)
	if err != nil {
		return wasm.Wrap(err, line)
	}
	switch c := v.(type) {
	case int32:
		return t.writer.WriteConstInt(c)
	case int64:
		return t.writer.WriteConstLong(c)
	case float32:
		return t.writer.WriteConstFloat(c)
	case float64:
		return t.writer.WriteConstDouble(c)
	}
	return wasm.Errorf(line, "constant pool entry %d is not a numeric constant", idx)
}
