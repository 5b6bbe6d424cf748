package ir

// DomTree holds immediate dominators for the blocks reachable from a
// function's entry. It is a snapshot: recompute after mutating the
// CFG.
type DomTree struct {
	idom []BlockID
}

// IDom returns the immediate dominator of b, or None for the entry
// block and for blocks unreachable from the entry.
func (t *DomTree) IDom(b BlockID) BlockID {
	if int(b) >= len(t.idom) {
		return None
	}
	return t.idom[b]
}

// Dominates reports whether a dominates b. Every block dominates
// itself.
func (t *DomTree) Dominates(a, b BlockID) bool {
	for b != None {
		if a == b {
			return true
		}
		b = t.IDom(b)
	}
	return false
}

// ComputeDomTree builds the dominator tree with the iterative
// algorithm of Cooper, Harvey and Kennedy over a reverse postorder
// of the CFG.
func (f *Func) ComputeDomTree() *DomTree {
	n := len(f.blocks)
	idom := make([]BlockID, n)
	for i := range idom {
		idom[i] = None
	}
	if f.Entry == None {
		return &DomTree{idom: idom}
	}

	rpo := f.reversePostorder()
	order := make([]int, n) // BlockID -> position in rpo, -1 if unreachable
	for i := range order {
		order[i] = -1
	}
	for i, b := range rpo {
		order[b] = i
	}

	intersect := func(a, b BlockID) BlockID {
		for a != b {
			for order[a] > order[b] {
				a = idom[a]
			}
			for order[b] > order[a] {
				b = idom[b]
			}
		}
		return a
	}

	idom[f.Entry] = f.Entry
	for changed := true; changed; {
		changed = false
		for _, b := range rpo {
			if b == f.Entry {
				continue
			}
			var newIdom BlockID = None
			for _, p := range f.blocks[b].Preds {
				if order[p] == -1 || idom[p] == None {
					continue
				}
				if newIdom == None {
					newIdom = p
				} else {
					newIdom = intersect(newIdom, p)
				}
			}
			if newIdom != None && idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}
	idom[f.Entry] = None
	return &DomTree{idom: idom}
}

// reversePostorder returns the blocks reachable from the entry in
// reverse postorder, using an explicit stack.
func (f *Func) reversePostorder() []BlockID {
	type frame struct {
		b    BlockID
		next int
	}
	visited := make([]bool, len(f.blocks))
	var post []BlockID
	stack := []frame{{b: f.Entry}}
	visited[f.Entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := f.blocks[top.b].Succs
		if top.next < len(succs) {
			s := succs[top.next]
			top.next++
			if !visited[s] {
				visited[s] = true
				stack = append(stack, frame{b: s})
			}
			continue
		}
		post = append(post, top.b)
		stack = stack[:len(stack)-1]
	}
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}
