package compiler

import (
	"math"
	"sort"

	"github.com/Frontrider/JWebAssembly/pkg/wasm"
)

// gotoSize is the byte size of a JVM goto instruction. An if/else idiom is
// recognized by the goto sitting exactly this far before the if's target.
const gotoSize = 3

type blockKind int

const (
	kindIf blockKind = iota
	kindGoto
	kindSwitch
	kindLoop
)

// parsedBlock is one control transfer instruction collected during the first
// bytecode traversal. start and end are code positions; for IF the start is
// the first instruction of the branch-not-taken path, for GOTO the opcode
// position, for LOOP (a rewritten backward GOTO) the jump target.
type parsedBlock struct {
	kind  blockKind
	start int
	end   int
	line  int

	// switch only
	keys       []int32
	low        int32
	targets    []int
	defaultPos int
	tempLocal  int

	// loop only
	gotoPos int
}

// branchNode is a node of the structural tree. The interval [start, end) holds
// all child intervals; open and close are emitted when the emission walk
// reaches the boundary positions.
type branchNode struct {
	start    int
	end      int
	open     wasm.BlockOperator
	close    wasm.BlockOperator
	data     interface{}
	children []*branchNode
}

func (n *branchNode) contains(c *branchNode) bool {
	if c.start < n.start || c.end > n.end {
		return false
	}
	return c.start > n.start || c.end < n.end
}

// opensScope reports whether the node contributes a branch label. An ELSE node
// continues the scope of its IF sibling, which carries no close marker, so
// both count as one structure on any path.
func (n *branchNode) opensScope() bool {
	switch n.open {
	case wasm.BlockBlock, wasm.BlockLoop, wasm.BlockIf, wasm.BlockElse:
		return true
	}
	return false
}

// insert places child in the subtree, descending into the innermost node that
// contains it, and adopts any existing nodes the child encloses. The return
// value is the number of label scopes entered below n.
func (n *branchNode) insert(child *branchNode) int {
	for _, c := range n.children {
		if c.contains(child) {
			depth := c.insert(child)
			if c.opensScope() {
				depth++
			}
			return depth
		}
	}
	kept := n.children[:0]
	for _, c := range n.children {
		if child.contains(c) {
			child.children = append(child.children, c)
		} else {
			kept = append(kept, c)
		}
	}
	n.children = append(kept, child)
	sort.SliceStable(n.children, func(i, j int) bool { return n.children[i].start < n.children[j].start })
	sort.SliceStable(child.children, func(i, j int) bool { return child.children[i].start < child.children[j].start })
	return 0
}

// handle emits the open and close markers attached to position pos. Children
// are walked between the two, so markers nest correctly when several intervals
// share a boundary.
func (n *branchNode) handle(pos int, w wasm.ModuleWriter) error {
	if pos < n.start || pos > n.end {
		return nil
	}
	if pos == n.start && n.open != wasm.BlockNone {
		if err := w.WriteBlockCode(n.open, n.data); err != nil {
			return err
		}
	}
	for _, c := range n.children {
		if err := c.handle(pos, w); err != nil {
			return err
		}
	}
	if pos == n.end && n.close != wasm.BlockNone {
		if err := w.WriteBlockCode(n.close, nil); err != nil {
			return err
		}
	}
	return nil
}

// pendingBr is a br instruction whose depth can only be computed once the
// whole tree exists: the depth depends on every scope between the br position
// and its target node.
type pendingBr struct {
	pos    int
	anchor *branchNode
}

// branchManager rebuilds structured control flow regions from the branch
// instructions of one method.
type branchManager struct {
	blocks []*parsedBlock
	root   *branchNode
	brs    []pendingBr
}

func newBranchManager() *branchManager {
	return &branchManager{}
}

// addIf registers a conditional branch. pos is the opcode position, offset the
// signed jump offset relative to it.
func (m *branchManager) addIf(pos, offset, line int) {
	m.blocks = append(m.blocks, &parsedBlock{kind: kindIf, start: pos + gotoSize, end: pos + offset, line: line})
}

// addGoto registers an unconditional branch.
func (m *branchManager) addGoto(pos, offset, line int) {
	m.blocks = append(m.blocks, &parsedBlock{kind: kindGoto, start: pos, end: pos + offset, line: line})
}

// addTableSwitch registers a tableswitch. targets are absolute case positions
// for the keys low..low+len-1; tempLocal holds the spilled scrutinee.
func (m *branchManager) addTableSwitch(pos, line int, low int32, targets []int, defaultPos, tempLocal int) {
	m.blocks = append(m.blocks, &parsedBlock{
		kind: kindSwitch, start: pos, end: pos, line: line,
		low: low, targets: targets, defaultPos: defaultPos, tempLocal: tempLocal,
	})
}

// addLookupSwitch registers a lookupswitch with explicit case keys.
func (m *branchManager) addLookupSwitch(pos, line int, keys []int32, targets []int, defaultPos, tempLocal int) {
	m.blocks = append(m.blocks, &parsedBlock{
		kind: kindSwitch, start: pos, end: pos, line: line,
		keys: keys, targets: targets, defaultPos: defaultPos, tempLocal: tempLocal,
	})
}

// Calculate builds the region tree for a method body of the given length.
func (m *branchManager) Calculate(codeLength int) error {
	// A backward goto is a loop: the region opens at the jump target and
	// closes just past the goto, which itself becomes a br to the loop head.
	for _, b := range m.blocks {
		if b.kind == kindGoto && b.end < b.start {
			b.kind = kindLoop
			b.gotoPos = b.start
			b.start, b.end = b.end, b.start+gotoSize
		} else if b.kind == kindIf && b.end < b.start {
			return wasm.Errorf(b.line, "conditional backward branch is not supported")
		}
	}
	sort.SliceStable(m.blocks, func(i, j int) bool {
		if m.blocks[i].start != m.blocks[j].start {
			return m.blocks[i].start < m.blocks[j].start
		}
		return m.blocks[i].end > m.blocks[j].end
	})

	m.root = &branchNode{start: 0, end: codeLength}
	queue := m.blocks
	if err := m.parseBlocks(m.root, &queue); err != nil {
		return err
	}
	if len(queue) > 0 {
		return wasm.Errorf(queue[0].line, "control flow cannot be reduced to nested regions")
	}
	for _, br := range m.brs {
		node := &branchNode{start: br.pos, end: br.pos, open: wasm.BlockBr}
		node.data = br.anchor.insert(node)
	}
	m.brs = nil
	return nil
}

// Handle emits all region markers attached to the given code position.
func (m *branchManager) Handle(pos int, w wasm.ModuleWriter) error {
	return m.root.handle(pos, w)
}

// TopLevel reports whether the position lies outside every region, directly in
// the function body.
func (m *branchManager) TopLevel(pos int) bool {
	for _, c := range m.root.children {
		if pos >= c.start && pos < c.end {
			return false
		}
	}
	return true
}

func (m *branchManager) parseBlocks(parent *branchNode, queue *[]*parsedBlock) error {
	for len(*queue) > 0 {
		b := (*queue)[0]
		if b.start >= parent.end {
			return nil
		}
		*queue = (*queue)[1:]
		var err error
		switch b.kind {
		case kindLoop:
			err = m.calculateLoop(parent, b, queue)
		case kindIf:
			err = m.calculateIf(parent, b, queue)
		case kindSwitch:
			err = m.calculateSwitch(parent, b, queue)
		case kindGoto:
			err = wasm.Errorf(b.line, "unstructured goto cannot be translated")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *branchManager) calculateLoop(parent *branchNode, b *parsedBlock, queue *[]*parsedBlock) error {
	node := &branchNode{start: b.start, end: b.end, open: wasm.BlockLoop, close: wasm.BlockEnd}
	parent.insert(node)
	m.brs = append(m.brs, pendingBr{pos: b.gotoPos, anchor: node})
	return m.parseBlocks(node, queue)
}

// calculateIf reconstructs an if or if/else region. A forward goto occupying
// the last three bytes before the if's target is the jump over the else arm.
func (m *branchManager) calculateIf(parent *branchNode, b *parsedBlock, queue *[]*parsedBlock) error {
	start := b.start
	ifEnd := b.end
	if ifEnd > parent.end {
		ifEnd = parent.end
	}
	node := &branchNode{start: start, end: ifEnd, open: wasm.BlockIf, close: wasm.BlockEnd}
	var elseNode *branchNode
	if len(*queue) > 0 {
		next := (*queue)[0]
		if next.kind == kindGoto && next.start == ifEnd-gotoSize && next.end > next.start {
			*queue = (*queue)[1:]
			elseEnd := next.end
			if elseEnd > parent.end {
				elseEnd = parent.end
			}
			node.close = wasm.BlockNone
			elseNode = &branchNode{start: ifEnd, end: elseEnd, open: wasm.BlockElse, close: wasm.BlockEnd}
		}
	}
	parent.insert(node)
	if err := m.parseBlocks(node, queue); err != nil {
		return err
	}
	if elseNode != nil {
		parent.insert(elseNode)
		return m.parseBlocks(elseNode, queue)
	}
	return nil
}

type switchCase struct {
	key   int64
	pos   int
	block int
}

// calculateSwitch wraps every distinct case target in an enclosing block. The
// scrutinee was spilled to a temp local before the markers open; the dispatch
// runs inside the innermost block, so each br_table depth or compare chain
// br_if depth equals the block index of its case target.
func (m *branchManager) calculateSwitch(parent *branchNode, b *parsedBlock, queue *[]*parsedBlock) error {
	cases := make([]*switchCase, 0, len(b.targets)+1)
	for i, pos := range b.targets {
		key := int64(b.low) + int64(i)
		if b.keys != nil {
			key = int64(b.keys[i])
		}
		cases = append(cases, &switchCase{key: key, pos: pos})
	}
	cases = append(cases, &switchCase{key: math.MaxInt64, pos: b.defaultPos})
	sort.SliceStable(cases, func(i, j int) bool { return cases[i].pos < cases[j].pos })

	var ends []int
	for _, c := range cases {
		if len(ends) == 0 || c.pos != ends[len(ends)-1] {
			ends = append(ends, c.pos)
		}
		c.block = len(ends) - 1
	}
	if ends[0] <= b.start {
		return wasm.Errorf(b.line, "switch case target before the switch instruction")
	}
	lastCase := ends[len(ends)-1]

	// Breaks jump from a case body to the end of the whole statement. The
	// first one discovered extends the structure with one more enclosing
	// block; later ones share it.
	type breakGoto struct{ pos int }
	var breaks []breakGoto
	lastTarget := lastCase
	kept := (*queue)[:0]
	for _, blk := range *queue {
		if blk.kind == kindGoto && blk.start < lastCase && blk.end >= lastTarget {
			if blk.end > lastTarget {
				lastTarget = blk.end
			}
			breaks = append(breaks, breakGoto{pos: blk.start})
		} else {
			kept = append(kept, blk)
		}
	}
	*queue = kept
	if lastTarget > lastCase {
		ends = append(ends, lastTarget)
	}

	nodes := make([]*branchNode, len(ends))
	for i := len(ends) - 1; i >= 0; i-- {
		nodes[i] = &branchNode{start: b.start, end: ends[i], open: wasm.BlockBlock, close: wasm.BlockEnd}
		if i == len(ends)-1 {
			parent.insert(nodes[i])
		} else {
			nodes[i+1].insert(nodes[i])
		}
	}

	table := &wasm.BranchTable{TempLocal: b.tempLocal}
	for _, c := range cases {
		if c.pos == b.defaultPos {
			table.Default = c.block
			break
		}
	}
	if b.keys == nil {
		table.Low = b.low
		table.Targets = make([]int, len(b.targets))
		for _, c := range cases {
			if c.key == math.MaxInt64 {
				continue
			}
			table.Targets[int(c.key-int64(b.low))] = c.block
		}
	} else {
		sort.SliceStable(cases, func(i, j int) bool { return cases[i].key < cases[j].key })
		for _, c := range cases {
			if c.key == math.MaxInt64 {
				continue
			}
			table.Cases = append(table.Cases, wasm.BranchCase{Key: int32(c.key), Depth: c.block})
		}
	}
	nodes[0].insert(&branchNode{start: b.start, end: b.start, open: wasm.BlockBrTable, data: table})

	anchor := nodes[len(nodes)-1]
	for _, br := range breaks {
		m.brs = append(m.brs, pendingBr{pos: br.pos, anchor: anchor})
	}
	return nil
}
