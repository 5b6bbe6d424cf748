package jtm

import (
	"testing"

	"relift/internal/binary"
	"relift/internal/ir"
	"relift/internal/log"
)

// newTestManager builds a manager over a small synthetic target:
// executable code at [0x1000, 0x2000) and, if data is non-nil, a
// writable data segment at [0x3000, 0x3000+len).
func newTestManager(data []byte, opts Options) *Manager {
	segs := []binary.Segment{
		{Start: 0x1000, End: 0x2000, Data: make([]byte, 0x1000), Readable: true, Executable: true},
	}
	if data != nil {
		segs = append(segs, binary.Segment{
			Start: 0x3000, End: 0x3000 + uint64(len(data)), Data: data,
			Readable: true, Writable: true,
		})
	}
	return NewManager(binary.NewIndex(binary.AArch64(), segs), log.NewNop(), opts)
}

// decodeMarkers simulates the decoder filling block b with n
// contiguous 4-byte instructions starting at addr.
func decodeMarkers(m *Manager, b ir.BlockID, addr uint64, n int) {
	for i := 0; i < n; i++ {
		a := addr + uint64(i)*4
		m.Func().Append(b, ir.Instr{Op: ir.OpMarker, Addr: a, Size: 4})
		m.RegisterInstruction(a, b)
	}
}

func caseAddrs(m *Manager) map[uint64]ir.BlockID {
	out := make(map[uint64]ir.BlockID)
	for _, c := range m.Func().SwitchCases(m.Dispatcher()) {
		out[c.PC] = c.Target
	}
	return out
}

func TestGetBlockAtRejects(t *testing.T) {
	m := newTestManager(nil, Options{})
	tests := []struct {
		name string
		pc   uint64
	}{
		{"zero", 0},
		{"not executable", 0x5000},
		{"misaligned", 0x1001},
		{"data segment", 0x3000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if b := m.GetBlockAt(tc.pc, false); b != ir.None {
				t.Fatalf("GetBlockAt(%#x) = %d, want None", tc.pc, b)
			}
		})
	}
	if m.PendingCount() != 0 {
		t.Fatalf("rejected addresses must not queue work, pending = %d", m.PendingCount())
	}
}

func TestGetBlockAtIdempotent(t *testing.T) {
	m := newTestManager(nil, Options{})
	b1 := m.GetBlockAt(0x1010, false)
	b2 := m.GetBlockAt(0x1010, false)
	if b1 == ir.None || b1 != b2 {
		t.Fatalf("GetBlockAt twice = %d, %d; want the same block", b1, b2)
	}
	if n := len(m.Func().SwitchCases(m.Dispatcher())); n != 1 {
		t.Fatalf("dispatcher has %d cases, want 1", n)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("pending = %d, want a single entry", m.PendingCount())
	}
}

func TestGetBlockAtSplits(t *testing.T) {
	m := newTestManager(nil, Options{})
	b := m.GetBlockAt(0x1020, false)
	decodeMarkers(m, b, 0x1020, 4) // 0x1020, 0x1024, 0x1028, 0x102c

	sb := m.GetBlockAt(0x1028, false)
	if sb == ir.None || sb == b {
		t.Fatalf("expected a fresh suffix block, got %d", sb)
	}

	prefix := m.Func().Block(b)
	suffix := m.Func().Block(sb)
	if prefix.MarkerIndex(0x1020) != 0 || prefix.MarkerIndex(0x1024) != 1 {
		t.Errorf("prefix lost its markers: %v", prefix.Instrs)
	}
	if prefix.MarkerIndex(0x1028) != -1 {
		t.Errorf("prefix still holds the split address")
	}
	last := prefix.Instrs[len(prefix.Instrs)-1]
	if last.Op != ir.OpBr || last.Target != sb {
		t.Errorf("prefix terminator = %v, want br to suffix", last)
	}
	if suffix.MarkerIndex(0x1028) != 0 || suffix.MarkerIndex(0x102c) != 1 {
		t.Errorf("suffix markers wrong: %v", suffix.Instrs)
	}
	if m.instrAt[0x1028] != sb || m.instrAt[0x102c] != sb {
		t.Errorf("moved instructions not repointed to the suffix")
	}
	if m.instrAt[0x1024] != b {
		t.Errorf("prefix instruction repointed unexpectedly")
	}

	// Splitting at the leading instruction reuses the block.
	if again := m.GetBlockAt(0x1020, false); again != b {
		t.Errorf("GetBlockAt at a block start = %d, want %d", again, b)
	}
}

func TestRegisterInstructionTwicePanics(t *testing.T) {
	m := newTestManager(nil, Options{})
	b := m.GetBlockAt(0x1010, false)
	m.RegisterInstruction(0x1010, b)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double registration")
		}
	}()
	m.RegisterInstruction(0x1010, b)
}

func TestRegisterBlockConflictPanics(t *testing.T) {
	m := newTestManager(nil, Options{})
	b := m.GetBlockAt(0x1010, false)
	other := m.Func().NewBlock("other")
	m.RegisterBlock(0x1010, b) // same mapping is fine
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on conflicting registration")
		}
	}()
	m.RegisterBlock(0x1010, other.ID)
}

func TestNewPC(t *testing.T) {
	m := newTestManager(nil, Options{})
	b, fresh := m.NewPC(0x1040)
	if b == ir.None || !fresh {
		t.Fatalf("NewPC on unseen address = (%d, %v), want fresh placeholder", b, fresh)
	}
	decodeMarkers(m, b, 0x1040, 1)
	if _, fresh := m.NewPC(0x1040); fresh {
		t.Fatal("NewPC on decoded address reported a placeholder")
	}
	if b, _ := m.NewPC(0x5000); b != ir.None {
		t.Fatal("NewPC accepted a non-executable address")
	}
}

func TestUnvisitStopsAtMarkers(t *testing.T) {
	m := newTestManager(nil, Options{})
	f := m.Func()
	a := f.NewBlock("a")
	bb := f.NewBlock("b")
	c := f.NewBlock("c")
	f.Append(c.ID, ir.Instr{Op: ir.OpMarker, Addr: 0x1050, Size: 4})
	f.Append(a.ID, ir.Instr{Op: ir.OpBr, Target: bb.ID})
	f.Append(bb.ID, ir.Instr{Op: ir.OpBr, Target: c.ID})

	m.visited[a.ID] = struct{}{}
	m.visited[bb.ID] = struct{}{}
	m.visited[c.ID] = struct{}{}

	m.Unvisit(a.ID)
	if _, ok := m.visited[a.ID]; ok {
		t.Error("a still visited")
	}
	if _, ok := m.visited[bb.ID]; ok {
		t.Error("b still visited: plain successors must be invalidated")
	}
	if _, ok := m.visited[c.ID]; !ok {
		t.Error("c invalidated: marker-led blocks are synchronization points")
	}
}

func TestGetNextPCWithinBlock(t *testing.T) {
	m := newTestManager(nil, Options{})
	b := m.Func().NewBlock("straight")
	m.Func().Append(b.ID, ir.Instr{Op: ir.OpMarker, Addr: 0x10, Size: 4})
	m.Func().Append(b.ID, ir.Instr{Op: ir.OpCall, Name: "helper"})
	m.Func().Append(b.ID, ir.Instr{Op: ir.OpMarker, Addr: 0x20, Size: 4})
	m.Func().Append(b.ID, ir.Instr{Op: ir.OpCall, Name: "helper"})

	if got := m.GetNextPC(b.ID, 2); got != 0x14 {
		t.Errorf("between the markers: got %#x, want 0x14", got)
	}
	if got := m.GetNextPC(b.ID, 4); got != 0x24 {
		t.Errorf("after the second marker: got %#x, want 0x24", got)
	}
}

func TestGetNextPCCrossesDominator(t *testing.T) {
	m := newTestManager(nil, Options{})
	f := m.Func()
	a := f.NewBlock("a")
	bb := f.NewBlock("b")
	m.RegisterBlock(0x1010, a.ID) // reachable from the dispatcher
	f.Append(a.ID, ir.Instr{Op: ir.OpMarker, Addr: 0x1010, Size: 4})
	f.Append(a.ID, ir.Instr{Op: ir.OpBr, Target: bb.ID})
	f.Append(bb.ID, ir.Instr{Op: ir.OpCall, Name: "helper"})

	if got := m.GetNextPC(bb.ID, 1); got != 0x1014 {
		t.Errorf("got %#x, want 0x1014 via the immediate dominator", got)
	}
}

func TestGetPC(t *testing.T) {
	m := newTestManager(nil, Options{})
	f := m.Func()
	p1 := f.NewBlock("p1")
	p2 := f.NewBlock("p2")
	join := f.NewBlock("join")
	f.Append(p1.ID, ir.Instr{Op: ir.OpMarker, Addr: 0x10, Size: 4})
	f.Append(p2.ID, ir.Instr{Op: ir.OpMarker, Addr: 0x30, Size: 4})
	f.Append(join.ID, ir.Instr{Op: ir.OpCall, Name: "helper"})
	f.Append(p1.ID, ir.Instr{Op: ir.OpBr, Target: join.ID})

	// Single predecessor: unambiguous.
	if addr, size := m.GetPC(join.ID, 1); addr != 0x10 || size != 4 {
		t.Fatalf("GetPC = (%#x, %d), want (0x10, 4)", addr, size)
	}

	// Two predecessors with distinct markers: ambiguous.
	f.Append(p2.ID, ir.Instr{Op: ir.OpBr, Target: join.ID})
	if addr, size := m.GetPC(join.ID, 1); addr != 0 || size != 0 {
		t.Fatalf("ambiguous GetPC = (%#x, %d), want the unknown sentinel", addr, size)
	}
}

func TestGetPCUnreachableMarker(t *testing.T) {
	m := newTestManager(nil, Options{})
	b := m.Func().NewBlock("bare")
	m.Func().Append(b.ID, ir.Instr{Op: ir.OpCall, Name: "helper"})
	if addr, size := m.GetPC(b.ID, 1); addr != 0 || size != 0 {
		t.Fatalf("GetPC with no reachable marker = (%#x, %d), want (0, 0)", addr, size)
	}
}

func TestDispatcherMatchesBlockAt(t *testing.T) {
	m := newTestManager(nil, Options{})
	b := m.GetBlockAt(0x1020, false)
	decodeMarkers(m, b, 0x1020, 4)
	m.GetBlockAt(0x1028, false) // split
	m.GetBlockAt(0x1040, false) // placeholder
	m.GetBlockAt(0x1020, false) // reuse

	cases := caseAddrs(m)
	if len(cases) != len(m.blockAt) {
		t.Fatalf("dispatcher has %d cases, address book has %d blocks", len(cases), len(m.blockAt))
	}
	for pc, blk := range m.blockAt {
		if cases[pc] != blk {
			t.Errorf("case for %#x points at %d, address book says %d", pc, cases[pc], blk)
		}
	}
}

func TestReliableFlag(t *testing.T) {
	m := newTestManager(nil, Options{})
	m.GetBlockAt(0x1010, true)
	m.GetBlockAt(0x1020, false)
	if !m.IsReliable(0x1010) {
		t.Error("0x1010 discovered by a direct edge, want reliable")
	}
	if m.IsReliable(0x1020) {
		t.Error("0x1020 discovered heuristically, want unreliable")
	}
}
