package uarch

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortPage       = errors.New("uarch: host returned a short page")
	ErrShadowAccess    = errors.New("uarch: program access to the shadow page")
	ErrAddressOverflow = errors.New("uarch: memory access wraps the address space")
	ErrMisalignedPC    = errors.New("uarch: misaligned pc")
	ErrUnknownOpcode   = errors.New("uarch: unknown instruction opcode")
	ErrUnknownFunct    = errors.New("uarch: unknown instruction function")
	ErrInvalidSyscall  = errors.New("uarch: unrecognized system call")
	ErrUnsupportedCSR  = errors.New("uarch: unsupported CSR access")
	ErrUnknownRegister = errors.New("uarch: unknown register")
	ErrStartCycle      = errors.New("uarch: machine is not at the requested start cycle")
)

// Host gives the interpreter access to physical memory, one page at a time.
// Fetch must return the same buffer for repeated requests of the same page:
// the interpreter writes through it, and reports every page it wrote with MarkDirty.
type Host interface {
	Fetch(paddr, length uint64) ([]byte, error)
	MarkDirty(paddr uint64) error
	Emit(b byte)
}

type core struct {
	host   Host
	shadow Shadow

	// two caches: we often read instructions from one page, and do memory things with another page.
	// this prevents host lookups each instruction
	lastPageKeys [2]uint64
	lastPage     [2][]byte

	dirty   map[uint64]struct{}
	yielded bool
}

func newCore(h Host) (*core, error) {
	c := &core{
		host:         h,
		lastPageKeys: [2]uint64{^uint64(0), ^uint64(0)}, // default to invalid keys, to not match any pages
		dirty:        make(map[uint64]struct{}),
	}
	p, err := c.page(ShadowBase)
	if err != nil {
		return nil, fmt.Errorf("failed to page in shadow registers: %w", err)
	}
	c.shadow = p
	return c, nil
}

func (c *core) page(base uint64) ([]byte, error) {
	if base == c.lastPageKeys[0] {
		return c.lastPage[0], nil
	}
	if base == c.lastPageKeys[1] {
		return c.lastPage[1], nil
	}
	p, err := c.host.Fetch(base, PageSize)
	if err != nil {
		return nil, err
	}
	if len(p) != PageSize {
		return nil, fmt.Errorf("%w: %d bytes at %016x", ErrShortPage, len(p), base)
	}
	c.lastPageKeys[1] = c.lastPageKeys[0]
	c.lastPage[1] = c.lastPage[0]
	c.lastPageKeys[0] = base
	c.lastPage[0] = p
	return p, nil
}

// touch reports a written page to the host, once per run.
func (c *core) touch(base uint64) error {
	if _, ok := c.dirty[base]; ok {
		return nil
	}
	if err := c.host.MarkDirty(base); err != nil {
		return err
	}
	c.dirty[base] = struct{}{}
	return nil
}

func checkAccess(addr, size uint64) error {
	if addr+size < addr {
		return fmt.Errorf("%w: %016x+%d", ErrAddressOverflow, addr, size)
	}
	if addr < ShadowBase+PageSize {
		return fmt.Errorf("%w: %016x", ErrShadowAccess, addr)
	}
	return nil
}

func (c *core) read(addr uint64, dest []byte) error {
	for len(dest) > 0 {
		p, err := c.page(addr &^ PageAddrMask)
		if err != nil {
			return err
		}
		n := copy(dest, p[addr&PageAddrMask:])
		dest = dest[n:]
		addr += uint64(n)
	}
	return nil
}

func (c *core) write(addr uint64, src []byte) error {
	for len(src) > 0 {
		base := addr &^ PageAddrMask
		p, err := c.page(base)
		if err != nil {
			return err
		}
		n := copy(p[addr&PageAddrMask:], src)
		if err := c.touch(base); err != nil {
			return err
		}
		src = src[n:]
		addr += uint64(n)
	}
	return nil
}

func (c *core) loadMem(addr, size uint64, signed bool) (uint64, error) {
	if err := checkAccess(addr, size); err != nil {
		return 0, err
	}
	var buf [8]byte
	if err := c.read(addr, buf[:size]); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(buf[:])
	if signed && size < 8 {
		v = signExtend64(v, size*8-1)
	}
	return v, nil
}

func (c *core) storeMem(addr, size, value uint64) error {
	if err := checkAccess(addr, size); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return c.write(addr, buf[:size])
}

func (c *core) loadRegister(i uint64) uint64 {
	return c.shadow.X(i)
}

func (c *core) writeRegister(i uint64, v uint64) error {
	if i == 0 {
		return nil
	}
	c.shadow.SetX(i, v)
	return c.touch(ShadowBase)
}

func (c *core) setPC(pc uint64) error {
	c.shadow.SetPC(pc)
	return c.touch(ShadowBase)
}
