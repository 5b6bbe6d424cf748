package decode

import (
	"strconv"
	"strings"

	"relift/internal/ir"

	"golang.org/x/arch/arm64/arm64asm"
)

// regState tracks, per block, the expression each register currently
// holds, as far as the handful of producers the jump-target
// heuristics care about can describe it. Anything else degrades to an
// opaque value; that only costs precision, never soundness.
type regState struct {
	vals map[arm64asm.Reg]*ir.Expr
}

func newRegState() *regState {
	return &regState{vals: make(map[arm64asm.Reg]*ir.Expr)}
}

func (r *regState) clear() {
	r.vals = make(map[arm64asm.Reg]*ir.Expr)
}

func (r *regState) get(reg arm64asm.Reg) *ir.Expr {
	if v, ok := r.vals[reg]; ok {
		return v
	}
	return ir.NewOpaque()
}

func (r *regState) set(reg arm64asm.Reg, v *ir.Expr) {
	r.vals[reg] = v
}

// branchValue returns the expression for a register-indirect branch
// target.
func (r *regState) branchValue(inst arm64asm.Inst) *ir.Expr {
	if reg, ok := regOf(inst.Args[0]); ok {
		return r.get(reg)
	}
	return ir.NewOpaque()
}

// track updates the state for a non-branching instruction.
func (r *regState) track(pc uint64, inst arm64asm.Inst) {
	dst, ok := regOf(inst.Args[0])
	if !ok {
		return
	}
	switch inst.Op {
	case arm64asm.MOV, arm64asm.MOVZ:
		if imm, ok := immediate(inst.Args[1]); ok {
			r.set(dst, ir.NewConst(imm))
		} else if src, ok := regOf(inst.Args[1]); ok {
			r.set(dst, r.get(src))
		} else {
			r.set(dst, ir.NewOpaque())
		}
	case arm64asm.ADR:
		r.set(dst, pcRelConst(pc, inst))
	case arm64asm.ADRP:
		r.set(dst, pcRelConst(pc&^0xfff, inst))
	case arm64asm.ADD:
		r.setBin(dst, ir.Add, inst)
	case arm64asm.ORR:
		r.setBin(dst, ir.Or, inst)
	case arm64asm.AND:
		r.setBin(dst, ir.And, inst)
	case arm64asm.LSL:
		r.setBin(dst, ir.Shl, inst)
	case arm64asm.LSR:
		r.setBin(dst, ir.LShr, inst)
	case arm64asm.ASR:
		r.setBin(dst, ir.AShr, inst)
	case arm64asm.SUB, arm64asm.MUL, arm64asm.EOR:
		r.setBin(dst, ir.OtherBin, inst)
	case arm64asm.LDR, arm64asm.LDUR, arm64asm.LDP:
		r.set(dst, ir.NewLoad(nil))
	default:
		// Whatever it computed, it is beyond this model.
		r.set(dst, ir.NewOpaque())
	}
}

func (r *regState) setBin(dst arm64asm.Reg, op ir.BinOp, inst arm64asm.Inst) {
	if len(inst.Args) < 3 {
		r.set(dst, ir.NewOpaque())
		return
	}
	var x *ir.Expr
	if src, ok := regOf(inst.Args[1]); ok {
		x = r.get(src)
	} else {
		x = ir.NewOpaque()
	}
	r.set(dst, ir.NewBin(op, x, operandExpr(r, inst.Args[2])))
}

func operandExpr(r *regState, arg arm64asm.Arg) *ir.Expr {
	if imm, ok := immediate(arg); ok {
		return ir.NewConst(imm)
	}
	if reg, ok := regOf(arg); ok {
		return r.get(reg)
	}
	return ir.NewOpaque()
}

func regOf(arg arm64asm.Arg) (arm64asm.Reg, bool) {
	switch a := arg.(type) {
	case arm64asm.Reg:
		return a, true
	case arm64asm.RegSP:
		return arm64asm.Reg(a), true
	}
	return 0, false
}

func pcRelConst(base uint64, inst arm64asm.Inst) *ir.Expr {
	for i := len(inst.Args) - 1; i >= 0; i-- {
		if rel, ok := inst.Args[i].(arm64asm.PCRel); ok {
			return ir.NewConst(uint64(int64(base) + int64(rel)))
		}
	}
	return ir.NewOpaque()
}

// immediate extracts a plain immediate argument. ImmShift keeps its
// fields unexported, so it is recovered from the string form; a
// shifted immediate is left alone rather than guessed at.
func immediate(arg arm64asm.Arg) (uint64, bool) {
	switch a := arg.(type) {
	case arm64asm.Imm:
		return uint64(a.Imm), true
	case arm64asm.Imm64:
		return a.Imm, true
	case arm64asm.ImmShift:
		s := a.String()
		if strings.Contains(s, ",") {
			return 0, false
		}
		s = strings.TrimPrefix(s, "#")
		if rest, ok := strings.CutPrefix(s, "0x"); ok {
			v, err := strconv.ParseUint(rest, 16, 64)
			return v, err == nil
		}
		v, err := strconv.ParseUint(s, 10, 64)
		return v, err == nil
	}
	return 0, false
}
