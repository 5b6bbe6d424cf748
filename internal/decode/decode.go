// Package decode is the ARM64 front end: it turns raw instruction
// bytes into IR blocks, registering every decoded instruction with
// the jump target manager and leaving an exit-to-dispatch wherever it
// cannot follow control flow statically.
package decode

import (
	"relift/internal/binary"
	"relift/internal/ir"
	"relift/internal/jtm"
	"relift/internal/log"

	"golang.org/x/arch/arm64/arm64asm"
)

const instrSize = 4

// Lifter drives decoding to the jump target manager's fixed point.
type Lifter struct {
	mgr *jtm.Manager
	idx *binary.Index
	log *log.Logger

	// MaxInstructions bounds total decoding; zero means unbounded.
	// When the budget runs out, remaining targets stay pending.
	MaxInstructions int

	decoded int
}

// NewLifter creates a lifter over the manager's segment index.
func NewLifter(mgr *jtm.Manager, idx *binary.Index, logger *log.Logger) *Lifter {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Lifter{mgr: mgr, idx: idx, log: logger}
}

// Decoded returns the number of instructions decoded so far.
func (l *Lifter) Decoded() int { return l.decoded }

// Run materializes the entry points, then decodes pending addresses
// until the manager reports no more targets.
func (l *Lifter) Run(entries []uint64) {
	for _, e := range entries {
		if l.mgr.GetBlockAt(e, true) == ir.None {
			l.log.Warn("entry point rejected", log.Addr(e))
		}
	}
	for {
		if l.MaxInstructions > 0 && l.decoded >= l.MaxInstructions {
			l.log.Warn("instruction budget exhausted",
				log.Count("decoded", l.decoded),
				log.Count("pending", l.mgr.PendingCount()))
			return
		}
		target := l.mgr.Peek()
		if target == jtm.NoMoreTargets {
			return
		}
		l.decodeInto(target.Addr, target.Block)
	}
}

// decodeInto fills block b with the instructions starting at pc,
// walking forward until a control transfer or known code ends it.
func (l *Lifter) decodeInto(pc uint64, b ir.BlockID) {
	if !l.mgr.Func().Block(b).Empty() {
		return // materialized by a split while it sat pending
	}
	regs := newRegState()
	f := l.mgr.Func()
	for first := true; ; first = false {
		if !first && l.mgr.Seen(pc) {
			// Ran into code that already exists: link up instead of
			// decoding it twice.
			nb, _ := l.mgr.NewPC(pc)
			if nb != ir.None {
				f.Append(b, ir.Instr{Op: ir.OpBr, Target: nb})
			} else {
				f.Append(b, ir.Instr{Op: ir.OpUnreachable})
			}
			return
		}
		if l.MaxInstructions > 0 && l.decoded >= l.MaxInstructions {
			l.exitThrough(b, ir.NewOpaque())
			return
		}

		raw := l.idx.ReadBytes(pc, instrSize)
		if raw == nil {
			l.log.Warn("decode ran off the segment", log.Addr(pc))
			f.Append(b, ir.Instr{Op: ir.OpAbort})
			f.Append(b, ir.Instr{Op: ir.OpUnreachable})
			return
		}
		inst, err := arm64asm.Decode(raw)
		if err != nil {
			l.log.Warn("undecodable instruction", log.Addr(pc))
			f.Append(b, ir.Instr{Op: ir.OpAbort})
			f.Append(b, ir.Instr{Op: ir.OpUnreachable})
			return
		}

		f.Append(b, ir.Instr{Op: ir.OpMarker, Addr: pc, Size: instrSize})
		l.mgr.RegisterInstruction(pc, b)
		l.decoded++

		if l.translate(b, pc, inst, regs) {
			return // block ended
		}
		pc += instrSize
	}
}

// translate emits IR for one instruction. Returns true when the
// instruction ends the block.
func (l *Lifter) translate(b ir.BlockID, pc uint64, inst arm64asm.Inst, regs *regState) bool {
	f := l.mgr.Func()
	switch inst.Op {
	case arm64asm.B:
		target, ok := branchTarget(pc, inst)
		if !ok {
			l.exitThrough(b, ir.NewOpaque())
			return true
		}
		if _, isCond := inst.Args[0].(arm64asm.Cond); isCond {
			// Conditional: both arms are known statically.
			l.condBranch(b, pc, target, pc+instrSize)
			return true
		}
		l.exitThrough(b, ir.NewConst(target))
		return true

	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		target, ok := branchTarget(pc, inst)
		if !ok {
			l.exitThrough(b, ir.NewOpaque())
			return true
		}
		l.condBranch(b, pc, target, pc+instrSize)
		return true

	case arm64asm.BL:
		target, ok := branchTarget(pc, inst)
		if !ok {
			l.exitThrough(b, ir.NewOpaque())
			return true
		}
		// The link register makes the return site a known code
		// pointer; queue it even though the callee may never return.
		l.mgr.GetBlockAt(pc+instrSize, false)
		l.exitThrough(b, ir.NewConst(target))
		return true

	case arm64asm.BLR:
		l.mgr.GetBlockAt(pc+instrSize, false)
		l.exitThrough(b, regs.branchValue(inst))
		return true

	case arm64asm.BR:
		l.exitThrough(b, regs.branchValue(inst))
		return true

	case arm64asm.RET:
		l.exitThrough(b, ir.NewOpaque())
		return true

	case arm64asm.SVC, arm64asm.HVC, arm64asm.SMC:
		f.Append(b, ir.Instr{Op: ir.OpCall, Name: "syscall"})
		regs.clear()
		return false

	case arm64asm.BRK, arm64asm.HLT:
		f.Append(b, ir.Instr{Op: ir.OpAbort})
		f.Append(b, ir.Instr{Op: ir.OpUnreachable})
		return true

	default:
		regs.track(pc, inst)
		return false
	}
}

// condBranch ends the block with a two-way branch to statically known
// addresses, materializing both arms. pc is the branch instruction's
// own address.
func (l *Lifter) condBranch(b ir.BlockID, pc, target, fallthru uint64) {
	f := l.mgr.Func()
	tb, _ := l.mgr.NewPC(target)
	fb, _ := l.mgr.NewPC(fallthru)
	// A backward arm into this very block splits it and the decode
	// position moves to the suffix; terminate the block that holds the
	// branch now, not the handle we started with.
	b = l.mgr.BlockOf(pc)
	if tb == ir.None || fb == ir.None {
		// One arm points outside executable code; keep whatever the
		// dispatcher can still reach at run time.
		l.exitThrough(b, ir.NewOpaque())
		return
	}
	f.Append(b, ir.Instr{Op: ir.OpCondBr, Cond: ir.NewOpaque(), Target: tb, Else: fb})
}

// exitThrough ends the block by writing the jump target to the pc and
// exiting to the dispatcher; the rewrite passes take it from there.
func (l *Lifter) exitThrough(b ir.BlockID, val *ir.Expr) {
	f := l.mgr.Func()
	f.Append(b, ir.Instr{Op: ir.OpStorePC, Val: val})
	f.Append(b, ir.Instr{Op: ir.OpExitDispatch})
	f.Append(b, ir.Instr{Op: ir.OpUnreachable})
}

// branchTarget resolves the PC-relative argument of a branch. The
// offset is the last argument for every ARM64 branch encoding.
func branchTarget(pc uint64, inst arm64asm.Inst) (uint64, bool) {
	for i := len(inst.Args) - 1; i >= 0; i-- {
		if rel, ok := inst.Args[i].(arm64asm.PCRel); ok {
			return uint64(int64(pc) + int64(rel)), true
		}
	}
	return 0, false
}
