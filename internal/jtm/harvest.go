package jtm

import (
	"relift/internal/ir"
	"relift/internal/trace"
)

// Peek runs a harvest round if exploration has stalled, then pops the
// next pending address off the stack. Returns NoMoreTargets when the
// round produced nothing new: the fixed point is reached.
func (m *Manager) Peek() BlockWithAddress {
	m.harvest()
	if len(m.pending) == 0 {
		return NoMoreTargets
	}
	top := m.pending[len(m.pending)-1]
	m.pending = m.pending[:len(m.pending)-1]
	return top
}

// harvest runs one round of consistency check, constant-fold cleanup,
// direct-branch resolution, and indirect-jump routing over the whole
// function, but only when the pending stack is empty. If the round
// yields nothing and sum-jump speculation is enabled, one widened
// round follows with the visited set cleared wholesale, so every
// routed site is reconsidered. Further rounds happen only indirectly,
// through the decoding the new pending addresses trigger.
func (m *Manager) harvest() {
	if len(m.pending) > 0 {
		return
	}

	if m.opts.HarvestData && !m.harvested {
		m.harvested = true
		found := m.HarvestGlobalData()
		m.log.Pass("harvest-data", found, len(m.pending))
	}

	m.emit(trace.NewEvent(0, trace.Round, "", "standard"))
	m.verifyAndCleanup()
	m.resolveDirectBranches()
	m.routeIndirectJumps()

	if len(m.pending) == 0 && m.opts.SumJumps {
		m.visited = make(map[ir.BlockID]struct{})
		m.aggressive = true
		m.emit(trace.NewEvent(0, trace.Round, "", "widened"))
		m.verifyAndCleanup()
		m.resolveDirectBranches()
		m.routeIndirectJumps()
		m.aggressive = false
	}
}

// HarvestGlobalData scans the raw bytes of every segment as an
// overlapping sequence of machine words and offers each value as a
// candidate entry point. Most words are not code pointers; the
// executable-range and alignment filter in GetBlockAt discards those
// cheaply. Returns the number of candidates that became blocks.
func (m *Manager) HarvestGlobalData() int {
	arch := m.idx.Arch()
	word := uint64(arch.PointerSize)
	found := 0
	for _, seg := range m.idx.Segments() {
		if uint64(len(seg.Data)) < word {
			continue
		}
		for off := uint64(0); off+word <= uint64(len(seg.Data)); off++ {
			v, ok := m.idx.ReadUint(seg.Start+off, arch.PointerSize)
			if !ok {
				continue
			}
			if _, known := m.blockAt[v]; known {
				continue
			}
			if b := m.GetBlockAt(v, false); b != ir.None {
				m.emit(trace.NewEvent(v, trace.Harvested, m.fn.Block(b).Name, ""))
				found++
			}
		}
	}
	return found
}
