// Package classfile reads the parts of the JVM class file format that the
// compiler consumes: the constant pool, method descriptors, code attributes,
// line number tables and runtime annotations.
package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

const magic = 0xCAFEBABE

// Constant pool tags.
const (
	tagUtf8               = 1
	tagInteger            = 3
	tagFloat              = 4
	tagLong               = 5
	tagDouble             = 6
	tagClass              = 7
	tagString             = 8
	tagFieldRef           = 9
	tagMethodRef          = 10
	tagInterfaceMethodRef = 11
	tagNameAndType        = 12
	tagMethodHandle       = 15
	tagMethodType         = 16
	tagDynamic            = 17
	tagInvokeDynamic      = 18
	tagModule             = 19
	tagPackage            = 20
)

// ClassFile is a parsed class artifact.
type ClassFile struct {
	Minor     uint16
	Major     uint16
	Pool      *ConstantPool
	Flags     uint16
	ThisClass string
	Methods   []*Method
}

// Method is one method of a class.
type Method struct {
	Flags       uint16
	Name        string
	Descriptor  string
	Code        *CodeAttribute
	Annotations []*Annotation
}

// Annotation returns the declared annotation whose unqualified type name
// matches simpleName, or nil.
func (m *Method) Annotation(simpleName string) *Annotation {
	for _, a := range m.Annotations {
		if a.SimpleName() == simpleName {
			return a
		}
	}
	return nil
}

// CodeAttribute is the bytecode of a method.
type CodeAttribute struct {
	MaxStack       int
	MaxLocals      int
	Code           []byte
	lines          []lineEntry
	LocalVariables []LocalVariable
}

type lineEntry struct {
	startPC int
	line    int
}

// LocalVariable is one entry of the LocalVariableTable, kept for diagnostics.
type LocalVariable struct {
	StartPC    int
	Length     int
	Name       string
	Descriptor string
	Slot       int
}

// LineForOffset returns the source line of the instruction at the given code
// offset, or 0 if no line number table was present.
func (c *CodeAttribute) LineForOffset(pc int) int {
	line := 0
	for _, e := range c.lines {
		if e.startPC > pc {
			break
		}
		line = e.line
	}
	return line
}

// Annotation is a declared annotation with its resolved constant elements.
type Annotation struct {
	Type     string
	Elements map[string]interface{}
}

// SimpleName returns the unqualified name of the annotation type, e.g.
// "Export" for the descriptor "Lde/inetsoftware/jwebassembly/api/Export;".
func (a *Annotation) SimpleName() string {
	name := a.Type
	if len(name) >= 2 && name[0] == 'L' && name[len(name)-1] == ';' {
		name = name[1 : len(name)-1]
	}
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' || name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}

// StringElement returns a string element value by name, with a default.
func (a *Annotation) StringElement(name, def string) string {
	if v, ok := a.Elements[name].(string); ok {
		return v
	}
	return def
}

// ConstantPool holds the parsed constant pool, 1-indexed as in the format.
type ConstantPool struct {
	entries []interface{}
}

// NewConstantPool builds a pool from pre-resolved entries. Entry 1 is the
// first element of entries; synthetic front ends use this to feed constants
// without a class file.
func NewConstantPool(entries ...interface{}) *ConstantPool {
	return &ConstantPool{entries: append([]interface{}{nil}, entries...)}
}

type classRef struct{ nameIndex int }
type stringRef struct{ utf8Index int }
type memberRef struct{ classIndex, nameAndTypeIndex int }
type nameAndType struct{ nameIndex, descIndex int }

// Utf8 returns the UTF-8 entry at idx.
func (p *ConstantPool) Utf8(idx int) (string, error) {
	if idx <= 0 || idx >= len(p.entries) {
		return "", fmt.Errorf("constant pool index %d out of range", idx)
	}
	s, ok := p.entries[idx].(string)
	if !ok {
		return "", fmt.Errorf("constant pool entry %d is not UTF-8", idx)
	}
	return s, nil
}

// Constant returns a loadable numeric constant (int32, int64, float32 or
// float64) at idx, resolving String entries to their UTF-8 text.
func (p *ConstantPool) Constant(idx int) (interface{}, error) {
	if idx <= 0 || idx >= len(p.entries) {
		return nil, fmt.Errorf("constant pool index %d out of range", idx)
	}
	switch v := p.entries[idx].(type) {
	case int32, int64, float32, float64:
		return v, nil
	case stringRef:
		return p.Utf8(v.utf8Index)
	}
	return nil, fmt.Errorf("constant pool entry %d is not a loadable constant", idx)
}

type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *reader) u1() int {
	if r.err != nil || r.pos+1 > len(r.data) {
		r.fail("unexpected end of class file")
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return int(v)
}

func (r *reader) u2() int {
	if r.err != nil || r.pos+2 > len(r.data) {
		r.fail("unexpected end of class file")
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return int(v)
}

func (r *reader) u4() uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.fail("unexpected end of class file")
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u8() uint64 {
	if r.err != nil || r.pos+8 > len(r.data) {
		r.fail("unexpected end of class file")
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || n < 0 || r.pos+n > len(r.data) {
		r.fail("unexpected end of class file")
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) skip(n int) {
	r.bytes(n)
}

// Parse reads a complete class file.
func Parse(in io.Reader) (*ClassFile, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("reading class file: %w", err)
	}
	r := &reader{data: data}
	if r.u4() != magic {
		return nil, fmt.Errorf("not a class file: bad magic")
	}
	cf := &ClassFile{}
	cf.Minor = uint16(r.u2())
	cf.Major = uint16(r.u2())

	pool, err := parsePool(r)
	if err != nil {
		return nil, err
	}
	cf.Pool = pool

	cf.Flags = uint16(r.u2())
	thisClass := r.u2()
	r.u2() // super class
	if thisClass > 0 && thisClass < len(pool.entries) {
		if ref, ok := pool.entries[thisClass].(classRef); ok {
			cf.ThisClass, _ = pool.Utf8(ref.nameIndex)
		}
	}

	interfaceCount := r.u2()
	r.skip(interfaceCount * 2)

	// Fields carry nothing the compiler needs; skip over them.
	fieldCount := r.u2()
	for i := 0; i < fieldCount && r.err == nil; i++ {
		r.skip(6)
		skipAttributes(r)
	}

	methodCount := r.u2()
	for i := 0; i < methodCount && r.err == nil; i++ {
		m, err := parseMethod(r, pool)
		if err != nil {
			return nil, err
		}
		cf.Methods = append(cf.Methods, m)
	}
	if r.err != nil {
		return nil, r.err
	}
	return cf, nil
}

func parsePool(r *reader) (*ConstantPool, error) {
	count := r.u2()
	pool := &ConstantPool{entries: make([]interface{}, count)}
	for i := 1; i < count && r.err == nil; i++ {
		tag := r.u1()
		switch tag {
		case tagUtf8:
			pool.entries[i] = string(r.bytes(r.u2()))
		case tagInteger:
			pool.entries[i] = int32(r.u4())
		case tagFloat:
			pool.entries[i] = math.Float32frombits(r.u4())
		case tagLong:
			pool.entries[i] = int64(r.u8())
			i++ // occupies two slots
		case tagDouble:
			pool.entries[i] = math.Float64frombits(r.u8())
			i++
		case tagClass:
			pool.entries[i] = classRef{nameIndex: r.u2()}
		case tagString:
			pool.entries[i] = stringRef{utf8Index: r.u2()}
		case tagFieldRef, tagMethodRef, tagInterfaceMethodRef:
			pool.entries[i] = memberRef{classIndex: r.u2(), nameAndTypeIndex: r.u2()}
		case tagNameAndType:
			pool.entries[i] = nameAndType{nameIndex: r.u2(), descIndex: r.u2()}
		case tagMethodHandle:
			r.u1()
			r.u2()
		case tagMethodType, tagModule, tagPackage:
			r.u2()
		case tagDynamic, tagInvokeDynamic:
			r.u2()
			r.u2()
		default:
			return nil, fmt.Errorf("unknown constant pool tag %d at entry %d", tag, i)
		}
	}
	return pool, r.err
}

func skipAttributes(r *reader) {
	count := r.u2()
	for i := 0; i < count && r.err == nil; i++ {
		r.u2()
		r.skip(int(r.u4()))
	}
}

func parseMethod(r *reader, pool *ConstantPool) (*Method, error) {
	m := &Method{Flags: uint16(r.u2())}
	var err error
	if m.Name, err = pool.Utf8(r.u2()); err != nil {
		return nil, err
	}
	if m.Descriptor, err = pool.Utf8(r.u2()); err != nil {
		return nil, err
	}
	attrCount := r.u2()
	for i := 0; i < attrCount && r.err == nil; i++ {
		name, err := pool.Utf8(r.u2())
		if err != nil {
			return nil, err
		}
		length := int(r.u4())
		end := r.pos + length
		switch name {
		case "Code":
			m.Code = parseCode(r, pool)
		case "RuntimeVisibleAnnotations", "RuntimeInvisibleAnnotations":
			annotations, err := parseAnnotations(r, pool)
			if err != nil {
				return nil, err
			}
			m.Annotations = append(m.Annotations, annotations...)
		}
		if r.err == nil {
			if r.pos > end {
				r.fail("attribute %s overruns its length", name)
			}
			r.pos = end
		}
	}
	return m, r.err
}

func parseCode(r *reader, pool *ConstantPool) *CodeAttribute {
	code := &CodeAttribute{}
	code.MaxStack = r.u2()
	code.MaxLocals = r.u2()
	code.Code = r.bytes(int(r.u4()))
	exceptionCount := r.u2()
	r.skip(exceptionCount * 8)
	attrCount := r.u2()
	for i := 0; i < attrCount && r.err == nil; i++ {
		name, err := pool.Utf8(r.u2())
		if err != nil {
			r.fail("%v", err)
			return code
		}
		length := int(r.u4())
		end := r.pos + length
		switch name {
		case "LineNumberTable":
			count := r.u2()
			for j := 0; j < count; j++ {
				code.lines = append(code.lines, lineEntry{startPC: r.u2(), line: r.u2()})
			}
			sort.Slice(code.lines, func(a, b int) bool { return code.lines[a].startPC < code.lines[b].startPC })
		case "LocalVariableTable":
			count := r.u2()
			for j := 0; j < count; j++ {
				lv := LocalVariable{StartPC: r.u2(), Length: r.u2()}
				lv.Name, _ = pool.Utf8(r.u2())
				lv.Descriptor, _ = pool.Utf8(r.u2())
				lv.Slot = r.u2()
				code.LocalVariables = append(code.LocalVariables, lv)
			}
		}
		if r.err == nil {
			r.pos = end
		}
	}
	return code
}

func parseAnnotations(r *reader, pool *ConstantPool) ([]*Annotation, error) {
	count := r.u2()
	annotations := make([]*Annotation, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		a, err := parseAnnotation(r, pool)
		if err != nil {
			return nil, err
		}
		annotations = append(annotations, a)
	}
	return annotations, r.err
}

func parseAnnotation(r *reader, pool *ConstantPool) (*Annotation, error) {
	typeName, err := pool.Utf8(r.u2())
	if err != nil {
		return nil, err
	}
	a := &Annotation{Type: typeName, Elements: make(map[string]interface{})}
	pairs := r.u2()
	for i := 0; i < pairs && r.err == nil; i++ {
		name, err := pool.Utf8(r.u2())
		if err != nil {
			return nil, err
		}
		value, err := parseElementValue(r, pool)
		if err != nil {
			return nil, err
		}
		if value != nil {
			a.Elements[name] = value
		}
	}
	return a, nil
}

// parseElementValue resolves constant-valued elements and steps over the rest.
func parseElementValue(r *reader, pool *ConstantPool) (interface{}, error) {
	tag := r.u1()
	switch tag {
	case 'B', 'C', 'I', 'S', 'Z', 'D', 'F', 'J', 's':
		idx := r.u2()
		if tag == 's' {
			return pool.Utf8(idx)
		}
		return pool.Constant(idx)
	case 'e':
		r.u2()
		r.u2()
		return nil, nil
	case 'c':
		r.u2()
		return nil, nil
	case '@':
		return parseAnnotation(r, pool)
	case '[':
		count := r.u2()
		for i := 0; i < count && r.err == nil; i++ {
			if _, err := parseElementValue(r, pool); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown annotation element tag %d", tag)
}
