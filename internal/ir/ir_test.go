package ir

import "testing"

func TestAppendWiresEdges(t *testing.T) {
	f := NewFunc("root")
	a := f.NewBlock("a")
	b := f.NewBlock("b")

	f.Append(a.ID, Instr{Op: OpMarker, Addr: 0x1000, Size: 4})
	f.Append(a.ID, Instr{Op: OpBr, Target: b.ID})

	if len(a.Succs) != 1 || a.Succs[0] != b.ID {
		t.Fatalf("succs = %v, want [%d]", a.Succs, b.ID)
	}
	if len(b.Preds) != 1 || b.Preds[0] != a.ID {
		t.Fatalf("preds = %v, want [%d]", b.Preds, a.ID)
	}
}

func TestEdgeDedup(t *testing.T) {
	f := NewFunc("root")
	a := f.NewBlock("a")
	b := f.NewBlock("b")

	f.Append(a.ID, Instr{Op: OpCondBr, Cond: NewOpaque(), Target: b.ID, Else: b.ID})
	if len(a.Succs) != 1 {
		t.Fatalf("succs = %v, want a single deduplicated edge", a.Succs)
	}
	if len(b.Preds) != 1 {
		t.Fatalf("preds = %v, want a single deduplicated edge", b.Preds)
	}
}

func TestTruncateUnwiresEdges(t *testing.T) {
	f := NewFunc("root")
	a := f.NewBlock("a")
	b := f.NewBlock("b")

	f.Append(a.ID, Instr{Op: OpMarker, Addr: 0x1000, Size: 4})
	f.Append(a.ID, Instr{Op: OpBr, Target: b.ID})
	f.Truncate(a.ID, 1)

	if len(a.Succs) != 0 {
		t.Fatalf("succs = %v after truncate, want none", a.Succs)
	}
	if len(b.Preds) != 0 {
		t.Fatalf("preds = %v after truncate, want none", b.Preds)
	}
	if len(a.Instrs) != 1 || a.Instrs[0].Op != OpMarker {
		t.Fatalf("instrs = %v, want the marker only", a.Instrs)
	}
}

func TestSplitBlock(t *testing.T) {
	f := NewFunc("root")
	a := f.NewBlock("bb.0x1000")
	tail := f.NewBlock("tail")

	f.Append(a.ID, Instr{Op: OpMarker, Addr: 0x1000, Size: 4})
	f.Append(a.ID, Instr{Op: OpMarker, Addr: 0x1004, Size: 4})
	f.Append(a.ID, Instr{Op: OpMarker, Addr: 0x1008, Size: 4})
	f.Append(a.ID, Instr{Op: OpBr, Target: tail.ID})

	sfx := f.SplitBlock(a.ID, 1, "bb.0x1004")
	suffix := f.Block(sfx)

	if len(a.Instrs) != 2 || a.Instrs[1].Op != OpBr || a.Instrs[1].Target != sfx {
		t.Fatalf("prefix = %v, want marker + br to suffix", a.Instrs)
	}
	if got := suffix.MarkerIndex(0x1004); got != 0 {
		t.Fatalf("suffix marker index = %d, want 0", got)
	}
	if got := suffix.MarkerIndex(0x1008); got != 1 {
		t.Fatalf("suffix marker index = %d, want 1", got)
	}
	if len(suffix.Succs) != 1 || suffix.Succs[0] != tail.ID {
		t.Fatalf("suffix succs = %v, want [%d]", suffix.Succs, tail.ID)
	}
	if len(tail.Preds) != 1 || tail.Preds[0] != sfx {
		t.Fatalf("tail preds = %v, want [%d]", tail.Preds, sfx)
	}
	if err := f.Verify(); err != nil {
		t.Fatalf("verify after split: %v", err)
	}
}

func TestAddSwitchCase(t *testing.T) {
	f := NewFunc("root")
	disp := f.NewBlock("dispatcher.entry")
	def := f.NewBlock("dispatcher.default")
	bb := f.NewBlock("bb.0x1000")

	f.Append(disp.ID, Instr{Op: OpSwitch, Default: def.ID})
	f.AddSwitchCase(disp.ID, 0x1000, bb.ID)

	cases := f.SwitchCases(disp.ID)
	if len(cases) != 1 || cases[0].PC != 0x1000 || cases[0].Target != bb.ID {
		t.Fatalf("cases = %v", cases)
	}
	if len(bb.Preds) != 1 || bb.Preds[0] != disp.ID {
		t.Fatalf("preds = %v, want [%d]", bb.Preds, disp.ID)
	}
}

func TestVerifyRejectsMisplacedTerminator(t *testing.T) {
	f := NewFunc("root")
	a := f.NewBlock("a")
	a.Instrs = []Instr{
		{Op: OpUnreachable},
		{Op: OpMarker, Addr: 0x1000, Size: 4},
	}
	if err := f.Verify(); err == nil {
		t.Fatal("expected verify failure for terminator in the middle of a block")
	}
}

func TestDomTreeDiamond(t *testing.T) {
	// entry -> l, r; l -> join; r -> join
	f := NewFunc("root")
	entry := f.NewBlock("entry")
	l := f.NewBlock("l")
	r := f.NewBlock("r")
	join := f.NewBlock("join")
	f.Entry = entry.ID

	f.Append(entry.ID, Instr{Op: OpCondBr, Cond: NewOpaque(), Target: l.ID, Else: r.ID})
	f.Append(l.ID, Instr{Op: OpBr, Target: join.ID})
	f.Append(r.ID, Instr{Op: OpBr, Target: join.ID})

	dt := f.ComputeDomTree()
	for _, tc := range []struct {
		b, want BlockID
	}{
		{entry.ID, None},
		{l.ID, entry.ID},
		{r.ID, entry.ID},
		{join.ID, entry.ID},
	} {
		if got := dt.IDom(tc.b); got != tc.want {
			t.Errorf("idom(%s) = %d, want %d", f.Block(tc.b).Name, got, tc.want)
		}
	}
	if !dt.Dominates(entry.ID, join.ID) {
		t.Error("entry should dominate join")
	}
	if dt.Dominates(l.ID, join.ID) {
		t.Error("l should not dominate join")
	}
}

func TestDomTreeLoop(t *testing.T) {
	// entry -> head; head -> body, exit; body -> head
	f := NewFunc("root")
	entry := f.NewBlock("entry")
	head := f.NewBlock("head")
	body := f.NewBlock("body")
	exit := f.NewBlock("exit")
	f.Entry = entry.ID

	f.Append(entry.ID, Instr{Op: OpBr, Target: head.ID})
	f.Append(head.ID, Instr{Op: OpCondBr, Cond: NewOpaque(), Target: body.ID, Else: exit.ID})
	f.Append(body.ID, Instr{Op: OpBr, Target: head.ID})

	dt := f.ComputeDomTree()
	if got := dt.IDom(head.ID); got != entry.ID {
		t.Errorf("idom(head) = %d, want entry", got)
	}
	if got := dt.IDom(body.ID); got != head.ID {
		t.Errorf("idom(body) = %d, want head", got)
	}
	if got := dt.IDom(exit.ID); got != head.ID {
		t.Errorf("idom(exit) = %d, want head", got)
	}
}

func TestExprFold(t *testing.T) {
	tests := []struct {
		name string
		e    *Expr
		want uint64
		ok   bool
	}{
		{"add", NewBin(Add, NewConst(0x1000), NewConst(0x20)), 0x1020, true},
		{"or", NewBin(Or, NewConst(0x1000), NewConst(1)), 0x1001, true},
		{"shl", NewBin(Shl, NewConst(1), NewConst(12)), 0x1000, true},
		{"lshr", NewBin(LShr, NewConst(0x1000), NewConst(4)), 0x100, true},
		{"ashr", NewBin(AShr, NewConst(0xffffffffffffff00), NewConst(4)), 0xfffffffffffffff0, true},
		{"nested", NewBin(Add, NewBin(Shl, NewConst(2), NewConst(8)), NewConst(4)), 0x204, true},
		{"opaque operand", NewBin(Add, NewOpaque(), NewConst(4)), 0, false},
		{"other op", NewBin(OtherBin, NewConst(1), NewConst(2)), 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.e.Fold()
			if got.IsConst() != tc.ok {
				t.Fatalf("IsConst = %v, want %v", got.IsConst(), tc.ok)
			}
			if tc.ok && got.ConstValue() != tc.want {
				t.Fatalf("value = %#x, want %#x", got.ConstValue(), tc.want)
			}
		})
	}
}
