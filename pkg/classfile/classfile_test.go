package classfile

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// classBuilder assembles a minimal class file for parser tests.
type classBuilder struct {
	bytes.Buffer
}

func (b *classBuilder) u1(v int) { b.WriteByte(byte(v)) }

func (b *classBuilder) u2(v int) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(v))
	b.Write(tmp[:])
}

func (b *classBuilder) u4(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func (b *classBuilder) u8(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

func (b *classBuilder) utf8(s string) {
	b.u1(1)
	b.u2(len(s))
	b.WriteString(s)
}

// attribute writes a length-prefixed attribute with the given name index.
func (b *classBuilder) attribute(nameIndex int, body func(*classBuilder)) {
	var inner classBuilder
	body(&inner)
	b.u2(nameIndex)
	b.u4(uint32(inner.Len()))
	b.Write(inner.Bytes())
}

// testClass builds a class "Test" with one method
// @Export(name = "answer") int intConst().
func testClass() []byte {
	var b classBuilder
	b.u4(0xCAFEBABE)
	b.u2(0) // minor
	b.u2(52) // major

	b.u2(17) // constant pool count
	b.utf8("Test")                      // 1
	b.u1(7)                             // 2: Class -> 1
	b.u2(1)
	b.utf8("java/lang/Object")          // 3
	b.u1(7)                             // 4: Class -> 3
	b.u2(3)
	b.utf8("intConst")                  // 5
	b.utf8("()I")                       // 6
	b.utf8("Code")                      // 7
	b.utf8("LineNumberTable")           // 8
	b.utf8("RuntimeVisibleAnnotations") // 9
	b.utf8("LExport;")                  // 10
	b.utf8("name")                      // 11
	b.utf8("answer")                    // 12
	b.u1(5)                             // 13: Long, occupies 13 and 14
	b.u8(123456789)
	b.u1(3) // 15: Integer
	b.u4(42)
	b.utf8("LocalVariableTable") // 16

	b.u2(0x0021) // access flags
	b.u2(2)      // this class
	b.u2(4)      // super class
	b.u2(0)      // interfaces
	b.u2(0)      // fields

	b.u2(1) // methods
	b.u2(0x0009)
	b.u2(5) // name
	b.u2(6) // descriptor
	b.u2(2) // attributes
	b.attribute(7, func(code *classBuilder) {
		code.u2(2) // max stack
		code.u2(1) // max locals
		code.u4(3)
		code.Write([]byte{0x10, 0x2a, 0xac}) // bipush 42, ireturn
		code.u2(0)                           // exception table
		code.u2(2)                           // nested attributes
		code.attribute(8, func(lnt *classBuilder) {
			lnt.u2(1)
			lnt.u2(0) // start pc
			lnt.u2(7) // line
		})
		code.attribute(16, func(lvt *classBuilder) {
			lvt.u2(1)
			lvt.u2(0) // start pc
			lvt.u2(3) // length
			lvt.u2(11)
			lvt.u2(6)
			lvt.u2(0) // slot
		})
	})
	b.attribute(9, func(ann *classBuilder) {
		ann.u2(1)  // one annotation
		ann.u2(10) // type LExport;
		ann.u2(1)  // one element
		ann.u2(11) // "name"
		ann.u1('s')
		ann.u2(12) // "answer"
	})

	b.u2(0) // class attributes
	return b.Bytes()
}

func TestParseClass(t *testing.T) {
	cf, err := Parse(bytes.NewReader(testClass()))
	if err != nil {
		t.Fatal(err)
	}
	if cf.ThisClass != "Test" {
		t.Errorf("this class = %q", cf.ThisClass)
	}
	if cf.Major != 52 {
		t.Errorf("major version = %d", cf.Major)
	}
	if len(cf.Methods) != 1 {
		t.Fatalf("got %d methods", len(cf.Methods))
	}

	m := cf.Methods[0]
	if m.Name != "intConst" || m.Descriptor != "()I" {
		t.Errorf("method = %s %s", m.Name, m.Descriptor)
	}
	if m.Code == nil {
		t.Fatal("missing code attribute")
	}
	if !bytes.Equal(m.Code.Code, []byte{0x10, 0x2a, 0xac}) {
		t.Errorf("code = % x", m.Code.Code)
	}
	if m.Code.MaxLocals != 1 {
		t.Errorf("max locals = %d", m.Code.MaxLocals)
	}
	if line := m.Code.LineForOffset(2); line != 7 {
		t.Errorf("line for offset 2 = %d, want 7", line)
	}
	if len(m.Code.LocalVariables) != 1 || m.Code.LocalVariables[0].Name != "name" {
		t.Errorf("local variables = %+v", m.Code.LocalVariables)
	}

	ann := m.Annotation("Export")
	if ann == nil {
		t.Fatal("Export annotation not found")
	}
	if got := ann.StringElement("name", "intConst"); got != "answer" {
		t.Errorf("name element = %q", got)
	}
}

// Long and double entries occupy two constant pool slots.
func TestConstantPoolWideEntries(t *testing.T) {
	cf, err := Parse(bytes.NewReader(testClass()))
	if err != nil {
		t.Fatal(err)
	}
	long, err := cf.Pool.Constant(13)
	if err != nil {
		t.Fatal(err)
	}
	if long != int64(123456789) {
		t.Errorf("long constant = %v", long)
	}
	integer, err := cf.Pool.Constant(15)
	if err != nil {
		t.Fatal(err)
	}
	if integer != int32(42) {
		t.Errorf("integer constant = %v", integer)
	}
	if _, err := cf.Pool.Constant(14); err == nil {
		t.Error("expected error for the unusable second slot of a long")
	}
}

func TestAnnotationSimpleName(t *testing.T) {
	tests := []struct {
		descriptor string
		expected   string
	}{
		{"LExport;", "Export"},
		{"Lde/inetsoftware/jwebassembly/api/annotation/Export;", "Export"},
		{"Lfoo.bar.Export;", "Export"},
		{"Export", "Export"},
	}
	for _, tt := range tests {
		a := &Annotation{Type: tt.descriptor}
		if got := a.SimpleName(); got != tt.expected {
			t.Errorf("SimpleName(%q) = %q, want %q", tt.descriptor, got, tt.expected)
		}
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse(bytes.NewReader([]byte{0x00, 0x01, 0x02})); err == nil {
		t.Error("expected error for a truncated file")
	}
	bad := testClass()
	bad[0] = 0xCB
	if _, err := Parse(bytes.NewReader(bad)); err == nil {
		t.Error("expected error for a bad magic number")
	}
}
