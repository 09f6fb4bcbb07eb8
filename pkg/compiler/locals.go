package compiler

import "github.com/Frontrider/JWebAssembly/pkg/wasm"

type localKey struct {
	slot int
	t    wasm.ValueType
}

// localsManager maps JVM local variable slots to the dense Wasm local index
// space. Parameters fill the low indices; long and double parameters occupy
// two JVM slots but a single Wasm local. A slot reused with another type gets
// its own local, temps get one without any slot.
type localsManager struct {
	paramCount int
	types      []wasm.ValueType
	indexes    map[localKey]int
}

func newLocalsManager(params []wasm.ValueType) *localsManager {
	l := &localsManager{
		paramCount: len(params),
		types:      append([]wasm.ValueType(nil), params...),
		indexes:    make(map[localKey]int),
	}
	slot := 0
	for i, t := range params {
		l.indexes[localKey{slot: slot, t: t}] = i
		slot++
		if t == wasm.I64 || t == wasm.F64 {
			slot++
		}
	}
	return l
}

// use returns the Wasm local index for a JVM slot accessed with type t,
// allocating a new local on first use.
func (l *localsManager) use(slot int, t wasm.ValueType) int {
	key := localKey{slot: slot, t: t}
	if idx, ok := l.indexes[key]; ok {
		return idx
	}
	idx := len(l.types)
	l.types = append(l.types, t)
	l.indexes[key] = idx
	return idx
}

// temp allocates a fresh local that is not backed by any JVM slot.
func (l *localsManager) temp(t wasm.ValueType) int {
	idx := len(l.types)
	l.types = append(l.types, t)
	return idx
}

// locals returns the value types declared beyond the parameters.
func (l *localsManager) locals() []wasm.ValueType {
	return l.types[l.paramCount:]
}
