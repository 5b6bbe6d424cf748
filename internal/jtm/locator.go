package jtm

import "relift/internal/ir"

// GetNextPC returns the address immediately following the most recent
// decoded instruction before position idx of block b: it scans the
// block backward for an instruction marker and, if the block start is
// reached, continues from the end of the block's immediate dominator.
// Returns 0 when the dominator chain runs out without a marker (the
// dispatcher carries none).
func (m *Manager) GetNextPC(b ir.BlockID, idx int) uint64 {
	dt := m.fn.ComputeDomTree()
	for b != ir.None && !m.isDispatcher(b) {
		blk := m.fn.Block(b)
		for i := idx - 1; i >= 0; i-- {
			if blk.Instrs[i].Op == ir.OpMarker {
				return blk.Instrs[i].Addr + blk.Instrs[i].Size
			}
		}
		b = dt.IDom(b)
		if b != ir.None {
			idx = len(m.fn.Block(b).Instrs)
		}
	}
	return 0
}

// GetPC locates the decoded instruction containing position idx of
// block b: the most recent instruction marker reachable backward over
// arbitrary control flow. Predecessors are explored breadth-first,
// never crossing into the dispatcher, and each branch stops at its
// first marker. Returns (0, 0) when no marker is reachable or when
// two branches disagree on which marker applies.
func (m *Manager) GetPC(b ir.BlockID, idx int) (uint64, uint64) {
	type pos struct {
		b   ir.BlockID
		idx int
	}
	queue := []pos{{b, idx}}
	seen := map[ir.BlockID]struct{}{b: {}}

	var addr, size uint64
	found := false
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		blk := m.fn.Block(p.b)

		hit := -1
		for i := p.idx - 1; i >= 0; i-- {
			if blk.Instrs[i].Op == ir.OpMarker {
				hit = i
				break
			}
		}
		if hit >= 0 {
			in := &blk.Instrs[hit]
			if found && (addr != in.Addr || size != in.Size) {
				return 0, 0 // ambiguous
			}
			addr, size, found = in.Addr, in.Size, true
			continue
		}

		for _, pred := range blk.Preds {
			if m.isDispatcher(pred) {
				continue
			}
			if _, ok := seen[pred]; ok {
				continue
			}
			seen[pred] = struct{}{}
			queue = append(queue, pos{pred, len(m.fn.Block(pred).Instrs)})
		}
	}
	if !found {
		return 0, 0
	}
	return addr, size
}
