// Package jtm implements the jump target manager: the worklist-driven
// core that discovers, materializes, and merges basic blocks of a
// binary being lifted to IR, before the full set of entry points is
// known. It keeps the address book (decoded instructions, block
// boundaries, the pending stack), owns the dispatcher block, and runs
// the rewrite passes that turn exit-to-dispatch sites into real edges.
package jtm

import (
	"fmt"
	"sort"

	"relift/internal/binary"
	"relift/internal/ir"
	"relift/internal/log"
	"relift/internal/trace"
)

// BlockWithAddress pairs a pending address with its placeholder block.
type BlockWithAddress struct {
	Addr  uint64
	Block ir.BlockID
}

// NoMoreTargets is the sentinel Peek returns when the pending stack is
// empty and a harvest round produced nothing new.
var NoMoreTargets = BlockWithAddress{Addr: 0, Block: ir.None}

// Options controls the optional heuristics.
type Options struct {
	// SumJumps enables the second, more aggressive harvest round
	// that widens what counts as a runtime-computed jump source.
	SumJumps bool
	// HarvestData enables scanning segment bytes for code pointers
	// once decoding stalls.
	HarvestData bool
}

// Manager is the jump target manager. Single-threaded: it is invoked
// synchronously between calls to the decoder and owns the function
// and the address book exclusively.
type Manager struct {
	fn   *ir.Func
	idx  *binary.Index
	log  *log.Logger
	sink trace.Sink
	opts Options

	// Address book.
	instrAt  map[uint64]ir.BlockID // decoded address -> owning block
	blockAt  map[uint64]ir.BlockID // block-boundary address -> block
	pending  []BlockWithAddress    // LIFO exploration stack
	reliable map[uint64]struct{}
	visited  map[ir.BlockID]struct{}

	dispatcher     ir.BlockID
	dispatcherFail ir.BlockID

	harvested  bool // data pointer harvest already ran
	aggressive bool // widened sum-jump round in progress
}

// NewManager creates a manager over the given segment index. The
// function, its entry, and the dispatcher are created here; the
// decoder fills in blocks as Peek hands out addresses.
func NewManager(idx *binary.Index, logger *log.Logger, opts Options) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}
	m := &Manager{
		fn:       ir.NewFunc("root"),
		idx:      idx,
		log:      logger,
		opts:     opts,
		instrAt:  make(map[uint64]ir.BlockID),
		blockAt:  make(map[uint64]ir.BlockID),
		reliable: make(map[uint64]struct{}),
		visited:  make(map[ir.BlockID]struct{}),
	}

	disp := m.fn.NewBlock("dispatcher.entry")
	fail := m.fn.NewBlock("dispatcher.default")
	m.dispatcher = disp.ID
	m.dispatcherFail = fail.ID
	m.fn.Entry = disp.ID
	m.fn.Append(fail.ID, ir.Instr{Op: ir.OpUnknownPC})
	m.fn.Append(fail.ID, ir.Instr{Op: ir.OpUnreachable})
	m.fn.Append(disp.ID, ir.Instr{Op: ir.OpSwitch, Default: fail.ID})
	return m
}

// SetSink installs a discovery-event sink. A nil sink disables
// event collection.
func (m *Manager) SetSink(s trace.Sink) { m.sink = s }

// Func returns the function under construction.
func (m *Manager) Func() *ir.Func { return m.fn }

// Dispatcher returns the dispatcher entry block.
func (m *Manager) Dispatcher() ir.BlockID { return m.dispatcher }

// BlockAt returns the block registered for an address, or None.
func (m *Manager) BlockAt(pc uint64) ir.BlockID {
	if b, ok := m.blockAt[pc]; ok {
		return b
	}
	return ir.None
}

// Addresses returns every block-boundary address in ascending order.
func (m *Manager) Addresses() []uint64 {
	out := make([]uint64, 0, len(m.blockAt))
	for pc := range m.blockAt {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsReliable reports whether the address was discovered through a
// validated direct branch rather than a heuristic.
func (m *Manager) IsReliable(pc uint64) bool {
	_, ok := m.reliable[pc]
	return ok
}

// Seen reports whether pc is already a block boundary or was decoded
// as the interior of some block. The decoder uses it to stop a
// sequential walk before re-decoding known code.
func (m *Manager) Seen(pc uint64) bool {
	if _, ok := m.blockAt[pc]; ok {
		return true
	}
	_, ok := m.instrAt[pc]
	return ok
}

// BlockOf returns the block currently holding the instruction decoded
// at pc, or None if pc was never decoded. Splits move instructions
// between blocks, so the answer can change across GetBlockAt calls.
func (m *Manager) BlockOf(pc uint64) ir.BlockID {
	if b, ok := m.instrAt[pc]; ok {
		return b
	}
	return ir.None
}

// PendingCount returns the size of the exploration stack.
func (m *Manager) PendingCount() int { return len(m.pending) }

func (m *Manager) isDispatcher(b ir.BlockID) bool {
	return b == m.dispatcher || b == m.dispatcherFail
}

func blockName(pc uint64) string {
	return fmt.Sprintf("bb.%#x", pc)
}

func (m *Manager) emit(e *trace.Event) {
	if m.sink != nil {
		m.sink(e)
	}
}

// GetBlockAt returns the block control must jump to for pc, creating
// a placeholder, splitting an existing block, or reusing a known one.
// Returns None for addresses outside executable ranges or violating
// the architecture's instruction alignment. If isReliable, the
// address is recorded as discovered through a validated direct edge.
func (m *Manager) GetBlockAt(pc uint64, isReliable bool) ir.BlockID {
	if pc == 0 || !m.idx.IsExecutable(pc) || !m.idx.IsAligned(pc) {
		return ir.None
	}
	if isReliable {
		m.reliable[pc] = struct{}{}
	}

	// Already a block boundary: reuse, but force downstream state to
	// be reconsidered.
	if b, ok := m.blockAt[pc]; ok {
		m.Unvisit(b)
		return b
	}

	var b ir.BlockID
	if owner, ok := m.instrAt[pc]; ok {
		// Decoded as the interior of a larger block: carve it out.
		blk := m.fn.Block(owner)
		at := blk.MarkerIndex(pc)
		if at < 0 {
			panic(fmt.Sprintf("jtm: instruction %#x registered to %s but has no marker there", pc, blk.Name))
		}
		if at == 0 {
			b = owner
		} else {
			b = m.fn.SplitBlock(owner, at, blockName(pc))
			m.repointInstructions(b)
			m.log.Split(pc, blk.Name, m.fn.Block(b).Name)
			ev := trace.NewEvent(pc, trace.Split, m.fn.Block(b).Name, "carved from "+blk.Name)
			m.emit(ev)
		}
		m.Unvisit(b)
	} else {
		// Never seen: placeholder, queued for exploration.
		nb := m.fn.NewBlock(blockName(pc))
		b = nb.ID
		m.pending = append(m.pending, BlockWithAddress{Addr: pc, Block: b})
		m.emit(trace.NewEvent(pc, trace.Pending, nb.Name, ""))
	}

	m.RegisterBlock(pc, b)
	m.log.Target(pc, "getBlockAt", isReliable)
	return b
}

// RegisterInstruction records that pc was decoded into block. Every
// address is decoded at most once; a second registration is a decoder
// bug and panics.
func (m *Manager) RegisterInstruction(pc uint64, block ir.BlockID) {
	if prev, ok := m.instrAt[pc]; ok {
		panic(fmt.Sprintf("jtm: instruction %#x decoded twice (blocks %s and %s)",
			pc, m.fn.Block(prev).Name, m.fn.Block(block).Name))
	}
	m.instrAt[pc] = block
}

// RegisterBlock records pc as the boundary of block and keeps the
// dispatcher's case set in sync. One address maps to one block for
// the lifetime of the entry; a conflicting re-registration panics.
func (m *Manager) RegisterBlock(pc uint64, block ir.BlockID) {
	if prev, ok := m.blockAt[pc]; ok {
		if prev != block {
			panic(fmt.Sprintf("jtm: address %#x re-registered to a different block (%s, was %s)",
				pc, m.fn.Block(block).Name, m.fn.Block(prev).Name))
		}
		return
	}
	m.blockAt[pc] = block
	m.fn.AddSwitchCase(m.dispatcher, pc, block)
}

// repointInstructions updates instrAt for every decoded address that
// moved into the suffix of a split.
func (m *Manager) repointInstructions(suffix ir.BlockID) {
	blk := m.fn.Block(suffix)
	for i := range blk.Instrs {
		if blk.Instrs[i].Op == ir.OpMarker {
			m.instrAt[blk.Instrs[i].Addr] = suffix
		}
	}
}

// NewPC resolves a branch target for the decoder mid-decode. It
// answers from the address book only, never triggering a harvest
// round. The bool reports whether the block is still an undecoded
// placeholder.
func (m *Manager) NewPC(pc uint64) (ir.BlockID, bool) {
	b := m.GetBlockAt(pc, false)
	if b == ir.None {
		return ir.None, false
	}
	return b, m.fn.Block(b).Empty()
}

// Unvisit removes block and, transitively, its already-visited
// successors from the visited set, forcing the next analysis round to
// reconsider the region. The walk stops at successors that begin with
// an instruction marker: those stay valid synchronization points.
func (m *Manager) Unvisit(block ir.BlockID) {
	stack := []ir.BlockID{block}
	delete(m.visited, block)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range m.fn.Block(cur).Succs {
			if _, ok := m.visited[s]; !ok {
				continue
			}
			if m.fn.Block(s).LeadingMarker() != nil {
				continue
			}
			delete(m.visited, s)
			stack = append(stack, s)
		}
	}
}
