package compiler

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/Frontrider/JWebAssembly/pkg/classfile"
	"github.com/Frontrider/JWebAssembly/pkg/wasm"
	"github.com/bytecodealliance/wasmtime-go"
	"github.com/stretchr/testify/require"
)

// These tests run the produced binary modules in a real WebAssembly runtime
// and compare the rendered results with what the Java methods would return.

func buildModule(t *testing.T, methods ...*classfile.Method) []byte {
	t.Helper()
	var buf bytes.Buffer
	c := New(wasm.NewBinaryWriter(&buf), nil)
	cf := &classfile.ClassFile{ThisClass: "Test", Methods: methods}
	require.NoError(t, c.CompileClass(cf))
	require.NoError(t, c.Close())
	return buf.Bytes()
}

type runtimeModule struct {
	store    *wasmtime.Store
	instance *wasmtime.Instance
}

func instantiate(t *testing.T, wasmBytes []byte) *runtimeModule {
	t.Helper()
	engine := wasmtime.NewEngine()
	store := wasmtime.NewStore(engine)
	module, err := wasmtime.NewModule(engine, wasmBytes)
	require.NoError(t, err, "module does not validate")
	instance, err := wasmtime.NewInstance(store, module, nil)
	require.NoError(t, err)
	return &runtimeModule{store: store, instance: instance}
}

func (m *runtimeModule) call(t *testing.T, name string, args ...interface{}) string {
	t.Helper()
	fn := m.instance.GetFunc(m.store, name)
	require.NotNil(t, fn, "export %q not found", name)
	ret, err := fn.Call(m.store, args...)
	require.NoError(t, err)
	return fmt.Sprint(ret)
}

func TestRunIntConst(t *testing.T) {
	m := instantiate(t, buildModule(t, exportedMethod("intConst", "()I",
		opBipush, 42, opIreturn)))
	require.Equal(t, "42", m.call(t, "intConst"))
}

func TestRunAddInt(t *testing.T) {
	m := instantiate(t, buildModule(t, exportedMethod("addInt", "(II)I",
		0x1a, 0x1b, opIadd, opIreturn)))
	require.Equal(t, "4", m.call(t, "addInt", int32(1), int32(3)))
}

func TestRunAddDouble(t *testing.T) {
	m := instantiate(t, buildModule(t, exportedMethod("addDouble", "(DD)D",
		0x26, 0x28, opDadd, opDreturn)))
	require.Equal(t, "4.5", m.call(t, "addDouble", float64(1.0), float64(3.5)))
}

func TestRunIf(t *testing.T) {
	m := instantiate(t, buildModule(t, exportedMethod("ifeq", "(I)I",
		0x1a,
		opIfeq, 0x00, 6,
		opBipush, 13, opIreturn,
		opBipush, 76, opIreturn)))
	require.Equal(t, "76", m.call(t, "ifeq", int32(0)))
	require.Equal(t, "13", m.call(t, "ifeq", int32(1)))
}

func TestRunEndlessLoop(t *testing.T) {
	m := instantiate(t, buildModule(t, exportedMethod("endlessLoop", "(I)I",
		0x1a,
		opBipush, 10,
		0xa2, 0x00, 9,
		opIinc, 1, 1,
		opGoto, 0x00, 5,
		0x1a, opIreturn,
		opIinc, 0, 1,
		opGoto, 0xff, 0xef)))
	require.Equal(t, "10", m.call(t, "endlessLoop", int32(0)))
	require.Equal(t, "12", m.call(t, "endlessLoop", int32(12)))
}

func TestRunTableSwitch(t *testing.T) {
	m := instantiate(t, buildModule(t, tableSwitchMethod()))
	for arg, want := range map[int32]string{0: "10", 1: "11", 2: "12", 5: "99", -1: "99"} {
		require.Equal(t, want, m.call(t, "tswitch", arg), "tswitch(%d)", arg)
	}
}

func TestRunLookupSwitch(t *testing.T) {
	m := instantiate(t, buildModule(t, lookupSwitchMethod()))
	for arg, want := range map[int32]string{
		1:             "1",
		1000:          "1", // falls through into the 1001 body after v++
		1001:          "0",
		math.MaxInt32: "7",
		3:             "0",
	} {
		require.Equal(t, want, m.call(t, "lswitch", arg), "lswitch(%d)", arg)
	}
}

func TestRunLongCompare(t *testing.T) {
	m := instantiate(t, buildModule(t, exportedMethod("maxLong", "(JJ)J",
		0x1e, 0x20, opLcmp,
		0x9b, 0x00, 5,
		0x1e, opLreturn,
		0x20, opLreturn)))
	require.Equal(t, "9000000000", m.call(t, "maxLong", int64(9000000000), int64(42)))
	require.Equal(t, "-7", m.call(t, "maxLong", int64(-42), int64(-7)))
}

// One module holding every scenario exercises the shared function index space
// and the export table.
func TestRunCombinedModule(t *testing.T) {
	m := instantiate(t, buildModule(t,
		exportedMethod("intConst", "()I", opBipush, 42, opIreturn),
		exportedMethod("addInt", "(II)I", 0x1a, 0x1b, opIadd, opIreturn),
		tableSwitchMethod(),
		lookupSwitchMethod(),
	))
	require.Equal(t, "42", m.call(t, "intConst"))
	require.Equal(t, "4", m.call(t, "addInt", int32(1), int32(3)))
	require.Equal(t, "12", m.call(t, "tswitch", int32(2)))
	require.Equal(t, "7", m.call(t, "lswitch", int32(math.MaxInt32)))
}
