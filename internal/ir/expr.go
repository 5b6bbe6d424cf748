package ir

// ExprKind identifies the shape of a value expression.
type ExprKind uint8

const (
	// Const is a literal value.
	Const ExprKind = iota
	// Load reads from memory at Addr.
	Load
	// Bin applies BinOp to X and Y.
	Bin
	// Opaque is a value the front end cannot describe: a register
	// whose contents are unknown, a helper result, and so on.
	Opaque
)

// BinOp is the operator of a Bin expression. Only the operators the
// jump-target heuristics reason about get their own constant; every
// other operator decodes as OtherBin.
type BinOp uint8

const (
	Add BinOp = iota
	Or
	And
	Shl
	LShr
	AShr
	OtherBin
)

// Expr is a small value-expression tree attached to PC stores. The
// front end builds these while decoding; the rewrite passes walk them
// to classify control transfers.
type Expr struct {
	Kind ExprKind
	K    uint64 // Const: the value
	Op   BinOp  // Bin
	X, Y *Expr  // Bin operands
	Addr *Expr  // Load: address, may be nil when unknown
}

// NewConst returns a literal expression.
func NewConst(v uint64) *Expr { return &Expr{Kind: Const, K: v} }

// NewLoad returns a memory-load expression.
func NewLoad(addr *Expr) *Expr { return &Expr{Kind: Load, Addr: addr} }

// NewBin returns a binary expression.
func NewBin(op BinOp, x, y *Expr) *Expr { return &Expr{Kind: Bin, Op: op, X: x, Y: y} }

// NewOpaque returns an expression with no statically known structure.
func NewOpaque() *Expr { return &Expr{Kind: Opaque} }

// IsConst reports whether the expression is a literal.
func (e *Expr) IsConst() bool { return e != nil && e.Kind == Const }

// ConstValue returns the literal value. Panics on non-constants.
func (e *Expr) ConstValue() uint64 {
	if !e.IsConst() {
		panic("ir: ConstValue on non-constant expression")
	}
	return e.K
}

// Operands returns the direct children of the expression.
func (e *Expr) Operands() []*Expr {
	switch e.Kind {
	case Bin:
		return []*Expr{e.X, e.Y}
	case Load:
		if e.Addr != nil {
			return []*Expr{e.Addr}
		}
	}
	return nil
}

// Fold collapses constant subtrees bottom-up and returns the
// simplified expression. The input is not modified.
func (e *Expr) Fold() *Expr {
	if e == nil || e.Kind != Bin {
		return e
	}
	x, y := e.X.Fold(), e.Y.Fold()
	if x.IsConst() && y.IsConst() && e.Op != OtherBin {
		return NewConst(evalBin(e.Op, x.K, y.K))
	}
	if x == e.X && y == e.Y {
		return e
	}
	return NewBin(e.Op, x, y)
}

func evalBin(op BinOp, a, b uint64) uint64 {
	switch op {
	case Add:
		return a + b
	case Or:
		return a | b
	case And:
		return a & b
	case Shl:
		if b >= 64 {
			return 0
		}
		return a << b
	case LShr:
		if b >= 64 {
			return 0
		}
		return a >> b
	case AShr:
		if b >= 64 {
			b = 63
		}
		return uint64(int64(a) >> b)
	}
	panic("ir: evalBin on unfoldable operator")
}
