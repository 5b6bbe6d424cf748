package jtm

import (
	"fmt"

	"relift/internal/ir"
	"relift/internal/trace"
)

// exitSite is one exit-to-dispatch left by the decoder, or a site
// already routed to the dispatcher (those stay interesting for the
// widened sum-jump round).
type exitSite struct {
	block  ir.BlockID
	idx    int
	routed bool // terminator already branches to the dispatcher
}

// exitSites collects, per block, the exit the rewrite passes must
// look at. A block carries at most one: the decoder only ever emits
// an exit as the last transfer of a block.
func (m *Manager) exitSites(includeRouted bool) []exitSite {
	var sites []exitSite
	for _, blk := range m.fn.Blocks() {
		if m.isDispatcher(blk.ID) {
			continue
		}
		for i := range blk.Instrs {
			in := &blk.Instrs[i]
			if in.Op == ir.OpExitDispatch {
				sites = append(sites, exitSite{block: blk.ID, idx: i})
				break
			}
			if includeRouted && in.Op == ir.OpBr && in.Target == m.dispatcher {
				sites = append(sites, exitSite{block: blk.ID, idx: i, routed: true})
				break
			}
		}
	}
	return sites
}

// nextExitSite returns a site whose block is not in done, or nil.
// Sites are re-collected on every call: materializing a target can
// split a block and move its exit into a fresh suffix, so indexes
// recorded earlier cannot be trusted across rewrites.
func (m *Manager) nextExitSite(includeRouted bool, done map[ir.BlockID]struct{}) *exitSite {
	for _, site := range m.exitSites(includeRouted) {
		if _, ok := done[site.block]; !ok {
			return &site
		}
	}
	return nil
}

// pcWriteBefore scans backward from idx within the block for the
// most recent write to the program counter. The scan stays inside
// the block and stops at helper calls: past a call the register state
// is unknown. Returns -1 when no write is found.
func (m *Manager) pcWriteBefore(b ir.BlockID, idx int) int {
	blk := m.fn.Block(b)
	for i := idx - 1; i >= 0; i-- {
		switch blk.Instrs[i].Op {
		case ir.OpStorePC:
			return i
		case ir.OpCall:
			return -1
		}
	}
	return -1
}

// verifyAndCleanup runs the IR consistency check and one round of
// constant folding over every program-counter write. A verification
// failure is a bug in the decoder or a pass, so it stops the run.
func (m *Manager) verifyAndCleanup() {
	if err := m.fn.Verify(); err != nil {
		panic(err)
	}
	folded := 0
	for _, blk := range m.fn.Blocks() {
		for i := range blk.Instrs {
			if blk.Instrs[i].Op != ir.OpStorePC || blk.Instrs[i].Val == nil {
				continue
			}
			v := blk.Instrs[i].Val.Fold()
			if v != blk.Instrs[i].Val {
				blk.Instrs[i].Val = v
				folded++
			}
		}
	}
	m.log.Pass("cleanup", folded, len(m.pending))
}

// resolveDirectBranches rewrites every exit-to-dispatch whose
// preceding program-counter write is a compile-time constant into a
// direct edge to the target's block, or into an abort when the target
// is outside executable code. Sum-jump shaped writes get their
// fall-through materialized speculatively; everything else is left
// for the indirect router.
func (m *Manager) resolveDirectBranches() int {
	rewrites := 0
	done := make(map[ir.BlockID]struct{})
	for {
		site := m.nextExitSite(false, done)
		if site == nil {
			break
		}
		done[site.block] = struct{}{}

		storeIdx := m.pcWriteBefore(site.block, site.idx)
		if storeIdx < 0 {
			continue
		}
		blk := m.fn.Block(site.block)
		val := blk.Instrs[storeIdx].Val
		nextPC := m.GetNextPC(site.block, site.idx)

		if !val.IsConst() {
			if m.isSumJump(val) && nextPC != 0 {
				if sb := m.GetBlockAt(nextPC, false); sb != ir.None {
					m.emit(trace.NewEvent(nextPC, trace.SumJump, m.fn.Block(sb).Name, "fallthrough of computed jump"))
				}
			}
			continue
		}

		target := val.ConstValue()
		isReliable := nextPC != 0 && target != nextPC
		tb := m.GetBlockAt(target, isReliable)

		// Materializing the target may have split this very block and
		// carried the exit into the suffix; refuse the stale rewrite
		// and let the next collection see the moved site.
		if site.idx >= len(blk.Instrs) || blk.Instrs[site.idx].Op != ir.OpExitDispatch {
			delete(done, site.block)
			continue
		}

		// The store and the exit are redundant either way: the
		// transfer becomes explicit.
		m.fn.Truncate(site.block, site.idx)
		m.fn.RemoveAt(site.block, storeIdx)
		if tb == ir.None {
			m.log.Abort(target)
			m.fn.Append(site.block, ir.Instr{Op: ir.OpAbort})
			m.fn.Append(site.block, ir.Instr{Op: ir.OpUnreachable})
			m.emit(trace.NewEvent(target, trace.Abort, blk.Name, "target outside executable code"))
		} else {
			m.fn.Append(site.block, ir.Instr{Op: ir.OpBr, Target: tb})
			ev := trace.NewEvent(target, trace.Direct, m.fn.Block(tb).Name, fmt.Sprintf("fallthrough=%#x", nextPC))
			if isReliable {
				ev.AddTag(trace.Reliable)
			}
			m.emit(ev)
		}
		rewrites++
	}
	m.log.Pass("direct", rewrites, len(m.pending))
	return rewrites
}

// routeIndirectJumps replaces every remaining exit-to-dispatch with
// an edge into the dispatcher, purging the dead code after the exit.
// Sum-jump shaped writes first run the speculative forward walk. In
// the widened round, sites already routed to the dispatcher are
// reconsidered too, and loads count as jump sources.
func (m *Manager) routeIndirectJumps() int {
	rewrites := 0
	done := make(map[ir.BlockID]struct{})
	for b := range m.visited {
		done[b] = struct{}{}
	}
	for {
		site := m.nextExitSite(m.aggressive, done)
		if site == nil {
			break
		}
		done[site.block] = struct{}{}

		storeIdx := m.pcWriteBefore(site.block, site.idx)
		if storeIdx >= 0 {
			val := m.fn.Block(site.block).Instrs[storeIdx].Val
			if val.IsConst() {
				panic(fmt.Sprintf("jtm: constant pc write %#x survived direct-branch resolution in %s",
					val.ConstValue(), m.fn.Block(site.block).Name))
			}
			if m.isSumJump(val) {
				if pc, size := m.GetPC(site.block, site.idx); pc != 0 {
					m.handleSumJump(pc + size)
				}
			}
		}
		if !site.routed {
			blk := m.fn.Block(site.block)
			if site.idx >= len(blk.Instrs) || blk.Instrs[site.idx].Op != ir.OpExitDispatch {
				delete(done, site.block) // exit moved by a split
				continue
			}
			m.fn.Truncate(site.block, site.idx)
			m.fn.Append(site.block, ir.Instr{Op: ir.OpBr, Target: m.dispatcher})
			m.emit(trace.NewEvent(0, trace.Indirect, blk.Name, "routed to dispatcher"))
			rewrites++
		}
		m.visited[site.block] = struct{}{}
	}
	m.log.Pass("indirect", rewrites, len(m.pending))
	return rewrites
}

// isSumJump classifies a program-counter value as "advanced by a
// runtime-computed amount". Breadth-first over the expression tree:
// constants and memory loads end a branch, masks and shifts forward
// their non-constant operands, an addition (or the or-as-add idiom)
// classifies the whole write as a sum jump, anything else rules it
// out. Deliberately approximate in both directions.
func (m *Manager) isSumJump(root *ir.Expr) bool {
	if root == nil {
		return false
	}
	if m.aggressive && root.Kind == ir.Load {
		// Widened round: a jump through a loaded pointer is treated
		// as a table jump worth walking past.
		return true
	}
	queue := []*ir.Expr{root}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		switch e.Kind {
		case ir.Const, ir.Load:
			// terminates the branch
		case ir.Bin:
			switch e.Op {
			case ir.Add, ir.Or:
				return true
			case ir.And, ir.Shl, ir.LShr, ir.AShr:
				for _, op := range e.Operands() {
					if !op.IsConst() {
						queue = append(queue, op)
					}
				}
			default:
				return false
			}
		default:
			return false
		}
	}
	return false
}

// handleSumJump speculatively materializes a block for every decoded
// instruction following a sum jump, starting at the given address.
// The walk requires each marker to continue the address sequence
// exactly and stops, without error, at the first gap, unexplored
// exit, or missing block: that is the heuristic's boundary, not a
// failure.
func (m *Manager) handleSumJump(start uint64) {
	expected := start
	seen := make(map[uint64]struct{})
	for {
		if _, ok := seen[expected]; ok {
			return
		}
		seen[expected] = struct{}{}

		b := m.GetBlockAt(expected, false)
		if b == ir.None {
			return
		}
		blk := m.fn.Block(b)
		lead := blk.LeadingMarker()
		if lead == nil || lead.Addr != expected {
			return
		}
		m.emit(trace.NewEvent(expected, trace.SumJump, blk.Name, ""))

		next := lead.Addr + lead.Size
		advanced := false
		for i := 1; i < len(blk.Instrs); i++ {
			in := &blk.Instrs[i]
			if in.Op == ir.OpExitDispatch {
				return
			}
			if in.Op == ir.OpMarker {
				if in.Addr != next {
					return
				}
				expected = in.Addr
				advanced = true
				break
			}
		}
		if advanced {
			continue
		}

		// Block exhausted: the walk continues through whichever
		// successor holds the next address. One-address-one-block
		// means at most one of them can.
		found := false
		for _, s := range blk.Succs {
			if m.isDispatcher(s) {
				continue
			}
			if m.fn.Block(s).MarkerIndex(next) >= 0 {
				found = true
				break
			}
		}
		if !found {
			return
		}
		expected = next
	}
}
