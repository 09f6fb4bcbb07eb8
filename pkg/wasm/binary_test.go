package wasm

import (
	"bytes"
	"testing"

	"github.com/Frontrider/JWebAssembly/pkg/wasm/leb128"
)

// An empty module is exactly the magic and the version.
func TestEmptyModule(t *testing.T) {
	var out bytes.Buffer
	w := NewBinaryWriter(&out)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	expected := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if !bytes.Equal(out.Bytes(), expected) {
		t.Errorf("empty module = % x, want % x", out.Bytes(), expected)
	}
}

func TestConstFunction(t *testing.T) {
	var out bytes.Buffer
	w := NewBinaryWriter(&out)
	if err := w.WriteExport("Test.intConst", "intConst"); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteMethodStart("Test.intConst"); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteMethodParam("return", I32); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteConstInt(42); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteMethodFinish(nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	expected := []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		// Type section: one func type () -> i32
		0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
		// Function section: function 0 has type 0
		0x03, 0x02, 0x01, 0x00,
		// Export section: "intConst" -> func 0
		0x07, 0x0c, 0x01, 0x08, 'i', 'n', 't', 'C', 'o', 'n', 's', 't', 0x00, 0x00,
		// Code section: no locals, i32.const 42, end
		0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x2a, 0x0b,
	}
	if !bytes.Equal(out.Bytes(), expected) {
		t.Errorf("module = % x,\nwant      % x", out.Bytes(), expected)
	}
}

func TestLocalsGrouping(t *testing.T) {
	var out bytes.Buffer
	w := NewBinaryWriter(&out)
	w.WriteMethodStart("f")
	if err := w.WriteMethodFinish([]ValueType{I32, I32, F64, I32}); err != nil {
		t.Fatal(err)
	}
	// Consecutive runs form groups: 2×i32, 1×f64, 1×i32; the trailing end
	// closes the empty body.
	expected := []byte{0x08, 0x03, 0x02, 0x7f, 0x01, 0x7c, 0x01, 0x7f, 0x0b}
	if !bytes.Equal(w.bodies.Bytes(), expected) {
		t.Errorf("function body = % x, want % x", w.bodies.Bytes(), expected)
	}
}

// Structurally equal signatures share one entry in the type section.
func TestTypeDeduplication(t *testing.T) {
	var out bytes.Buffer
	w := NewBinaryWriter(&out)
	for _, name := range []string{"a", "b"} {
		w.WriteMethodStart(name)
		w.WriteMethodParam("param", I32)
		w.WriteMethodParam("return", I32)
		w.WriteLoad(0)
		if err := w.WriteMethodFinish(nil); err != nil {
			t.Fatal(err)
		}
	}
	w.WriteMethodStart("c")
	w.WriteMethodParam("return", F64)
	w.WriteConstDouble(0)
	if err := w.WriteMethodFinish(nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	types, funcs := readTypeAndFunctionSections(t, out.Bytes())
	if types != 2 {
		t.Errorf("type count = %d, want 2", types)
	}
	if !bytes.Equal(funcs, []byte{0x00, 0x00, 0x01}) {
		t.Errorf("type indices = % x, want 00 00 01", funcs)
	}
}

func readTypeAndFunctionSections(t *testing.T, module []byte) (typeCount int, funcIndices []byte) {
	t.Helper()
	pos := 8
	for pos < len(module) {
		id := module[pos]
		pos++
		size, n, err := leb128.LoadUint32(module[pos:])
		if err != nil {
			t.Fatal(err)
		}
		pos += n
		body := module[pos : pos+int(size)]
		pos += int(size)
		switch SectionID(id) {
		case SectionType:
			count, _, err := leb128.LoadUint32(body)
			if err != nil {
				t.Fatal(err)
			}
			typeCount = int(count)
		case SectionFunction:
			funcIndices = body[1:]
		}
	}
	return typeCount, funcIndices
}

func TestUnknownExport(t *testing.T) {
	var out bytes.Buffer
	w := NewBinaryWriter(&out)
	w.WriteExport("missing", "missing")
	if err := w.Close(); err == nil {
		t.Error("expected error for export of unknown method")
	}
}
