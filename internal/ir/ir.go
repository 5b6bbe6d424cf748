// Package ir models the in-progress translation as an arena of basic
// blocks addressed by stable integer handles. Blocks hold flat
// instruction slices; control-flow edges are kept as handle lists on
// both sides and maintained by the mutating helpers, so splitting or
// rewriting a block never invalidates references held elsewhere.
package ir

import "fmt"

// BlockID is a stable handle into a Func's block arena.
type BlockID int

// None is the invalid block handle.
const None BlockID = -1

// Op identifies an instruction kind.
type Op uint8

const (
	// OpMarker is the per-instruction annotation emitted by the
	// decoder: the address and size of one decoded instruction.
	OpMarker Op = iota

	// OpStorePC writes a value to the virtual program counter.
	OpStorePC

	// OpExitDispatch is the call-like construct the decoder emits
	// wherever it gives up statically following control flow.
	OpExitDispatch

	// OpCall is an opaque helper call. It clobbers nothing the
	// target discovery cares about but bounds backward PC scans.
	OpCall

	// OpBr is an unconditional branch to Target.
	OpBr

	// OpCondBr branches to Target or Else depending on Cond.
	OpCondBr

	// OpSwitch is the dispatcher's multi-way branch on the PC value.
	OpSwitch

	// OpAbort aborts execution for unresolvable control transfers.
	OpAbort

	// OpUnknownPC signals a PC value no case covers, then halts.
	OpUnknownPC

	// OpUnreachable terminates a block that can never fall through.
	OpUnreachable
)

// String returns the opcode mnemonic.
func (o Op) String() string {
	switch o {
	case OpMarker:
		return "newpc"
	case OpStorePC:
		return "store pc"
	case OpExitDispatch:
		return "exit_dispatch"
	case OpCall:
		return "call"
	case OpBr:
		return "br"
	case OpCondBr:
		return "br.cond"
	case OpSwitch:
		return "switch pc"
	case OpAbort:
		return "abort"
	case OpUnknownPC:
		return "unknown_pc"
	case OpUnreachable:
		return "unreachable"
	}
	return "???"
}

// Case is one arm of a switch: jump to Target when the PC equals PC.
type Case struct {
	PC     uint64
	Target BlockID
}

// Instr is a single instruction. Which fields are meaningful depends
// on Op; unused fields stay zero.
type Instr struct {
	Op      Op
	Addr    uint64  // OpMarker: instruction address
	Size    uint64  // OpMarker: instruction size in bytes
	Val     *Expr   // OpStorePC: the written value
	Name    string  // OpCall: helper name
	Target  BlockID // OpBr, OpCondBr
	Else    BlockID // OpCondBr
	Cond    *Expr   // OpCondBr
	Cases   []Case  // OpSwitch
	Default BlockID // OpSwitch
}

// IsTerminator returns true if the instruction ends a basic block.
func (in *Instr) IsTerminator() bool {
	switch in.Op {
	case OpBr, OpCondBr, OpSwitch, OpUnreachable:
		return true
	}
	return false
}

// targets returns the control-flow successors encoded by the
// instruction, or nil for non-branching instructions.
func (in *Instr) targets() []BlockID {
	switch in.Op {
	case OpBr:
		return []BlockID{in.Target}
	case OpCondBr:
		return []BlockID{in.Target, in.Else}
	case OpSwitch:
		out := make([]BlockID, 0, len(in.Cases)+1)
		for _, c := range in.Cases {
			out = append(out, c.Target)
		}
		return append(out, in.Default)
	}
	return nil
}

// Block is one basic block in the arena.
type Block struct {
	ID     BlockID
	Name   string
	Instrs []Instr
	Succs  []BlockID
	Preds  []BlockID
}

// Empty returns true if the block holds no instructions.
func (b *Block) Empty() bool { return len(b.Instrs) == 0 }

// LeadingMarker returns the block's first instruction if it is a
// decoded-instruction marker, else nil.
func (b *Block) LeadingMarker() *Instr {
	if len(b.Instrs) > 0 && b.Instrs[0].Op == OpMarker {
		return &b.Instrs[0]
	}
	return nil
}

// MarkerIndex returns the index of the marker for the given address,
// or -1 if the block does not contain it.
func (b *Block) MarkerIndex(addr uint64) int {
	for i := range b.Instrs {
		if b.Instrs[i].Op == OpMarker && b.Instrs[i].Addr == addr {
			return i
		}
	}
	return -1
}

// Func owns the block arena for one translated function.
type Func struct {
	Name   string
	Entry  BlockID
	blocks []*Block
}

// NewFunc creates an empty function.
func NewFunc(name string) *Func {
	return &Func{Name: name, Entry: None}
}

// NewBlock allocates a new empty block in the arena.
func (f *Func) NewBlock(name string) *Block {
	b := &Block{ID: BlockID(len(f.blocks)), Name: name}
	f.blocks = append(f.blocks, b)
	return b
}

// Block returns the block for a handle. Panics on the None handle:
// callers must check for it first.
func (f *Func) Block(id BlockID) *Block {
	if id == None {
		panic("ir: dereference of invalid block handle")
	}
	return f.blocks[id]
}

// NumBlocks returns the arena size.
func (f *Func) NumBlocks() int { return len(f.blocks) }

// Blocks returns all blocks in allocation order.
func (f *Func) Blocks() []*Block { return f.blocks }

func addHandle(list []BlockID, id BlockID) []BlockID {
	for _, x := range list {
		if x == id {
			return list
		}
	}
	return append(list, id)
}

func removeHandle(list []BlockID, id BlockID) []BlockID {
	for i, x := range list {
		if x == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (f *Func) addEdge(from, to BlockID) {
	if to == None {
		return
	}
	f.blocks[from].Succs = addHandle(f.blocks[from].Succs, to)
	f.blocks[to].Preds = addHandle(f.blocks[to].Preds, from)
}

func (f *Func) removeEdge(from, to BlockID) {
	if to == None {
		return
	}
	// The same target may be reachable through another instruction of
	// the block (e.g. two switch cases); only drop the edge when no
	// remaining instruction encodes it.
	for i := range f.blocks[from].Instrs {
		for _, t := range f.blocks[from].Instrs[i].targets() {
			if t == to {
				return
			}
		}
	}
	f.blocks[from].Succs = removeHandle(f.blocks[from].Succs, to)
	f.blocks[to].Preds = removeHandle(f.blocks[to].Preds, from)
}

// Append adds an instruction at the end of a block, wiring any edges
// it encodes.
func (f *Func) Append(b BlockID, in Instr) {
	blk := f.Block(b)
	blk.Instrs = append(blk.Instrs, in)
	for _, t := range in.targets() {
		f.addEdge(b, t)
	}
}

// InsertBefore inserts an instruction at index idx of a block.
func (f *Func) InsertBefore(b BlockID, idx int, in Instr) {
	blk := f.Block(b)
	blk.Instrs = append(blk.Instrs, Instr{})
	copy(blk.Instrs[idx+1:], blk.Instrs[idx:])
	blk.Instrs[idx] = in
	for _, t := range in.targets() {
		f.addEdge(b, t)
	}
}

// RemoveAt deletes the instruction at index idx of a block, unwiring
// any edges it encoded.
func (f *Func) RemoveAt(b BlockID, idx int) {
	blk := f.Block(b)
	old := blk.Instrs[idx]
	blk.Instrs = append(blk.Instrs[:idx], blk.Instrs[idx+1:]...)
	for _, t := range old.targets() {
		f.removeEdge(b, t)
	}
}

// Truncate drops every instruction from index n on, unwiring edges.
func (f *Func) Truncate(b BlockID, n int) {
	blk := f.Block(b)
	for len(blk.Instrs) > n {
		f.RemoveAt(b, len(blk.Instrs)-1)
	}
}

// AddSwitchCase appends a case to the switch instruction found in
// block b. Panics if the block carries no switch.
func (f *Func) AddSwitchCase(b BlockID, pc uint64, target BlockID) {
	blk := f.Block(b)
	for i := range blk.Instrs {
		if blk.Instrs[i].Op == OpSwitch {
			blk.Instrs[i].Cases = append(blk.Instrs[i].Cases, Case{PC: pc, Target: target})
			f.addEdge(b, target)
			return
		}
	}
	panic(fmt.Sprintf("ir: block %s has no switch", blk.Name))
}

// SwitchCases returns the case list of the switch in block b, or nil.
func (f *Func) SwitchCases(b BlockID) []Case {
	blk := f.Block(b)
	for i := range blk.Instrs {
		if blk.Instrs[i].Op == OpSwitch {
			return blk.Instrs[i].Cases
		}
	}
	return nil
}

// SplitBlock splits block b before instruction index idx. The prefix
// keeps the original block identity; the suffix becomes a new block
// named name, inheriting the prefix's successors, and the prefix ends
// with a direct branch to the suffix.
func (f *Func) SplitBlock(b BlockID, idx int, name string) BlockID {
	blk := f.Block(b)
	if idx <= 0 || idx >= len(blk.Instrs) {
		panic(fmt.Sprintf("ir: split of %s at %d out of range", blk.Name, idx))
	}

	suffix := f.NewBlock(name)
	suffix.Instrs = append(suffix.Instrs, blk.Instrs[idx:]...)
	blk.Instrs = blk.Instrs[:idx]

	// Successor edges move to the suffix.
	for _, s := range blk.Succs {
		succ := f.Block(s)
		succ.Preds = removeHandle(succ.Preds, b)
		succ.Preds = addHandle(succ.Preds, suffix.ID)
		suffix.Succs = addHandle(suffix.Succs, s)
	}
	blk.Succs = nil

	f.Append(b, Instr{Op: OpBr, Target: suffix.ID})
	return suffix.ID
}

// Verify checks structural invariants of the function. A failure here
// is a bug in the decoder or in a rewrite pass, not a property of the
// target binary, so it is reported as an error the caller can treat
// as fatal.
func (f *Func) Verify() error {
	for _, b := range f.blocks {
		for i := range b.Instrs {
			in := &b.Instrs[i]
			if in.Op == OpMarker && in.Size == 0 {
				return fmt.Errorf("ir: %s: marker for %#x has zero size", b.Name, in.Addr)
			}
			if in.IsTerminator() && i != len(b.Instrs)-1 {
				return fmt.Errorf("ir: %s: terminator %s not last", b.Name, in.Op)
			}
			for _, t := range in.targets() {
				if t == None || int(t) >= len(f.blocks) {
					return fmt.Errorf("ir: %s: edge to invalid block %d", b.Name, t)
				}
			}
		}
		// Edge symmetry.
		for _, s := range b.Succs {
			found := false
			for _, p := range f.Block(s).Preds {
				if p == b.ID {
					found = true
				}
			}
			if !found {
				return fmt.Errorf("ir: edge %s -> %s missing back reference", b.Name, f.Block(s).Name)
			}
		}
	}
	return nil
}
