package machine

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"

	"github.com/asterisc-zk/chunkprover/rvgo/uarch"
)

// StackTop is the initial stack pointer of ELF programs. The stack grows down
// into pages that are allocated on first touch.
const StackTop = 0x7f_ff_f0_00

func LoadELF(f *elf.File) (*State, error) {
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("ELF is not RISC-V, but got %q", f.Machine.String())
	}
	out := NewState()

	for i, prog := range f.Progs {
		if prog.Type == 0x70000003 {
			// RISC-V reuses the MIPS_ABIFLAGS program type to type its segment with the `.riscv.attributes` section.
			// This section has 0 mem size because it is not loaded into memory.
			continue
		}
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Vaddr < uarch.ShadowBase+uarch.PageSize {
			return nil, fmt.Errorf("program segment %d at %#x overlaps the shadow register page", i, prog.Vaddr)
		}

		r := io.Reader(io.NewSectionReader(prog, 0, int64(prog.Filesz)))
		if prog.Filesz != prog.Memsz {
			if prog.Filesz < prog.Memsz {
				r = io.MultiReader(r, bytes.NewReader(make([]byte, prog.Memsz-prog.Filesz)))
			} else {
				return nil, fmt.Errorf("invalid PT_LOAD program segment %d, file size (%d) > mem size (%d)", i, prog.Filesz, prog.Memsz)
			}
		}

		if err := out.Memory.SetMemoryRange(prog.Vaddr, r); err != nil {
			return nil, fmt.Errorf("failed to read program segment %d: %w", i, err)
		}
	}

	sh, err := out.shadow()
	if err != nil {
		return nil, err
	}
	sh.SetPC(f.Entry)
	sh.SetX(2, StackTop) // sp
	return out, nil
}
