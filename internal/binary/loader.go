package binary

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
)

// ErrNoLoadSegments is returned for ELF files without PT_LOAD segments.
var ErrNoLoadSegments = errors.New("no PT_LOAD segments found")

// LoadELFBase is the default base address for position-independent
// binaries. Matches typical lowered bases used for simpler analysis.
const LoadELFBase = 0x40000000

// Image is the parsed, relocated view of an ELF binary.
type Image struct {
	Path     string
	Machine  elf.Machine
	Entry    uint64
	BaseAddr uint64 // load base address
	EndAddr  uint64 // end of loaded memory
	Symbols  map[string]uint64
	Index    *Index
}

// LoadELF loads an ELF file into segments and builds the index.
// Position-independent binaries (base addr 0) are relocated to
// LoadELFBase; loadBase overrides the base when non-zero.
func LoadELF(path string, loadBase uint64) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	arch, err := archFor(f)
	if err != nil {
		return nil, err
	}

	// Find file base address (lowest PT_LOAD vaddr)
	fileBase := uint64(0xFFFFFFFFFFFFFFFF)
	fileEnd := uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < fileBase {
			fileBase = prog.Vaddr
		}
		if segEnd := prog.Vaddr + prog.Memsz; segEnd > fileEnd {
			fileEnd = segEnd
		}
	}
	if fileBase == 0xFFFFFFFFFFFFFFFF {
		return nil, ErrNoLoadSegments
	}

	// Determine relocation base. PIE/shared libraries have fileBase=0
	// or very low and need to be relocated.
	var relocOffset uint64
	switch {
	case loadBase != 0:
		relocOffset = loadBase - fileBase
	case fileBase < 0x10000:
		relocOffset = LoadELFBase - fileBase
	}

	img := &Image{
		Path:     path,
		Machine:  f.Machine,
		Entry:    f.Entry + relocOffset,
		BaseAddr: fileBase + relocOffset,
		EndAddr:  fileEnd + relocOffset,
		Symbols:  make(map[string]uint64),
	}

	if syms, err := f.Symbols(); err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				img.Symbols[sym.Name] = sym.Value + relocOffset
			}
		}
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				img.Symbols[sym.Name] = sym.Value + relocOffset
			}
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var segs []Segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		seg := Segment{
			Start:      prog.Vaddr + relocOffset,
			End:        prog.Vaddr + prog.Memsz + relocOffset,
			Readable:   prog.Flags&elf.PF_R != 0,
			Writable:   prog.Flags&elf.PF_W != 0,
			Executable: prog.Flags&elf.PF_X != 0,
		}

		// Segment data: file-backed bytes plus zeroed .bss tail.
		data := make([]byte, prog.Memsz)
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			copy(data, fileData[prog.Off:prog.Off+prog.Filesz])
		}
		seg.Data = data

		segs = append(segs, seg)
	}

	img.Index = NewIndex(arch, segs)
	return img, nil
}

func archFor(f *elf.File) (Arch, error) {
	switch f.Machine {
	case elf.EM_AARCH64:
		return AArch64(), nil
	default:
		return Arch{}, fmt.Errorf("unsupported machine %v", f.Machine)
	}
}
