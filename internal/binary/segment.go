// Package binary provides the loaded view of the target: segments,
// executable ranges, and constant reads from raw bytes.
package binary

import (
	"encoding/binary"
)

// Arch describes the source architecture as far as target discovery
// needs: how wide a code pointer is, how bytes are ordered, and how
// instruction addresses must be aligned.
type Arch struct {
	Name        string
	PointerSize int // in bytes: 4 or 8
	ByteOrder   binary.ByteOrder
	InstrAlign  uint64 // instruction alignment in bytes
}

// AArch64 returns the 64-bit ARM architecture description.
func AArch64() Arch {
	return Arch{
		Name:        "arm64",
		PointerSize: 8,
		ByteOrder:   binary.LittleEndian,
		InstrAlign:  4,
	}
}

// Segment represents one loadable memory range of the target binary.
// Immutable after load. End is exclusive.
type Segment struct {
	Start      uint64
	End        uint64
	Data       []byte
	Readable   bool
	Writable   bool
	Executable bool
}

// Contains returns true if addr falls inside the segment.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.Start && addr < s.End
}

// Index is a read-only view over the loaded segments.
type Index struct {
	arch Arch
	segs []Segment

	// [start,end) pairs over executable segments, used to validate
	// candidate jump targets.
	execRanges [][2]uint64
}

// NewIndex builds an index over the given segments.
func NewIndex(arch Arch, segs []Segment) *Index {
	ix := &Index{arch: arch, segs: segs}
	for _, s := range segs {
		if s.Executable {
			ix.execRanges = append(ix.execRanges, [2]uint64{s.Start, s.End})
		}
	}
	return ix
}

// Arch returns the source architecture description.
func (ix *Index) Arch() Arch { return ix.arch }

// Segments returns the loaded segments.
func (ix *Index) Segments() []Segment { return ix.segs }

// IsExecutable returns true if addr lies inside an executable range.
func (ix *Index) IsExecutable(addr uint64) bool {
	for _, r := range ix.execRanges {
		if addr >= r[0] && addr < r[1] {
			return true
		}
	}
	return false
}

// IsAligned returns true if addr satisfies the architecture's
// instruction alignment rule.
func (ix *Index) IsAligned(addr uint64) bool {
	if ix.arch.InstrAlign <= 1 {
		return true
	}
	return addr%ix.arch.InstrAlign == 0
}

// ReadUint reads a size-byte unsigned integer at addr using the
// architecture's byte order. Writable segments are still consulted:
// despite being modifiable, they can contain useful values (jump
// tables, vtables). Returns ok=false if the read crosses a segment
// boundary or touches unreadable memory.
func (ix *Index) ReadUint(addr uint64, size int) (uint64, bool) {
	for i := range ix.segs {
		s := &ix.segs[i]
		if !s.Readable || !s.Contains(addr) {
			continue
		}
		off := addr - s.Start
		if off+uint64(size) > uint64(len(s.Data)) {
			return 0, false
		}
		raw := s.Data[off : off+uint64(size)]
		switch size {
		case 1:
			return uint64(raw[0]), true
		case 2:
			return uint64(ix.arch.ByteOrder.Uint16(raw)), true
		case 4:
			return uint64(ix.arch.ByteOrder.Uint32(raw)), true
		case 8:
			return ix.arch.ByteOrder.Uint64(raw), true
		default:
			panic("binary: unexpected read size")
		}
	}
	return 0, false
}

// ReadPointer reads a pointer-sized value at addr.
func (ix *Index) ReadPointer(addr uint64) (uint64, bool) {
	return ix.ReadUint(addr, ix.arch.PointerSize)
}

// ReadBytes returns n raw bytes at addr, or nil if unavailable.
func (ix *Index) ReadBytes(addr uint64, n int) []byte {
	for i := range ix.segs {
		s := &ix.segs[i]
		if !s.Readable || !s.Contains(addr) {
			continue
		}
		off := addr - s.Start
		if off+uint64(n) > uint64(len(s.Data)) {
			return nil
		}
		return s.Data[off : off+uint64(n)]
	}
	return nil
}
