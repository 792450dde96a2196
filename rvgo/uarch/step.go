package uarch

import (
	"fmt"

	"github.com/holiman/uint256"
)

// step runs a single instruction. The caller advances mcycle.
func (c *core) step() error {
	pc := c.shadow.PC()
	if pc&3 != 0 {
		return fmt.Errorf("%w: %016x", ErrMisalignedPC, pc)
	}
	instr, err := c.loadMem(pc, 4, false) // raw instruction
	if err != nil {
		return fmt.Errorf("failed to fetch instruction: %w", err)
	}

	// these fields are ignored if not applicable to the instruction type / opcode
	opcode := parseOpcode(instr)
	rd := parseRd(instr) // destination register index
	funct3 := parseFunct3(instr)
	rs1 := parseRs1(instr) // source register 1 index
	rs2 := parseRs2(instr) // source register 2 index
	funct7 := parseFunct7(instr)

	next := pc + 4

	switch opcode {
	case 0x03: // 000_0011: memory loading
		// LB, LH, LW, LD, LBU, LHU, LWU
		if funct3 == 7 {
			return fmt.Errorf("%w: load funct3 %d", ErrUnknownFunct, funct3)
		}
		imm := parseImmTypeI(instr)
		signed := funct3&4 == 0
		size := uint64(1) << (funct3 & 3)
		v, err := c.loadMem(c.loadRegister(rs1)+imm, size, signed)
		if err != nil {
			return err
		}
		if err := c.writeRegister(rd, v); err != nil {
			return err
		}
	case 0x23: // 010_0011: memory storing
		// SB, SH, SW, SD
		if funct3 > 3 {
			return fmt.Errorf("%w: store funct3 %d", ErrUnknownFunct, funct3)
		}
		imm := parseImmTypeS(instr)
		size := uint64(1) << funct3
		if err := c.storeMem(c.loadRegister(rs1)+imm, size, c.loadRegister(rs2)); err != nil {
			return err
		}
	case 0x63: // 110_0011: branching
		a := c.loadRegister(rs1)
		b := c.loadRegister(rs2)
		var hit bool
		switch funct3 {
		case 0: // 000 = BEQ
			hit = a == b
		case 1: // 001 = BNE
			hit = a != b
		case 4: // 100 = BLT
			hit = int64(a) < int64(b)
		case 5: // 101 = BGE
			hit = int64(a) >= int64(b)
		case 6: // 110 = BLTU
			hit = a < b
		case 7: // 111 = BGEU
			hit = a >= b
		default:
			return fmt.Errorf("%w: branch funct3 %d", ErrUnknownFunct, funct3)
		}
		if hit {
			// imm is a signed offset, in multiples of 2 bytes.
			next = pc + parseImmTypeB(instr)
		}
	case 0x13: // 001_0011: immediate arithmetic and logic
		a := c.loadRegister(rs1)
		imm := parseImmTypeI(instr)
		var v uint64
		switch funct3 {
		case 0: // 000 = ADDI
			v = a + imm
		case 1: // 001 = SLLI
			v = a << (imm & 0x3F) // lower 6 bits in 64 bit mode
		case 2: // 010 = SLTI
			v = boolU64(int64(a) < int64(imm))
		case 3: // 011 = SLTIU
			v = boolU64(a < imm)
		case 4: // 100 = XORI
			v = a ^ imm
		case 5: // 101 = SR~
			switch (imm >> 6) & 0x3F { // in rv64i the top 6 bits select the shift type
			case 0x00: // 000000 = SRLI
				v = a >> (imm & 0x3F)
			case 0x10: // 010000 = SRAI
				v = uint64(int64(a) >> (imm & 0x3F))
			default:
				return fmt.Errorf("%w: shift type %x", ErrUnknownFunct, imm>>6)
			}
		case 6: // 110 = ORI
			v = a | imm
		case 7: // 111 = ANDI
			v = a & imm
		}
		if err := c.writeRegister(rd, v); err != nil {
			return err
		}
	case 0x1B: // 001_1011: immediate arithmetic and logic signed 32 bit
		a := c.loadRegister(rs1)
		imm := parseImmTypeI(instr)
		shamt := imm & 0x1F
		var v uint64
		switch funct3 {
		case 0: // 000 = ADDIW
			v = mask32Signed64(a + imm)
		case 1: // 001 = SLLIW
			v = mask32Signed64(a << shamt)
		case 5: // 101 = SR~
			switch (imm >> 5) & 0x7F {
			case 0x00: // 0000000 = SRLIW
				v = mask32Signed64(uint64(uint32(a) >> shamt))
			case 0x20: // 0100000 = SRAIW
				v = uint64(int64(int32(uint32(a)) >> shamt))
			default:
				return fmt.Errorf("%w: shift type %x", ErrUnknownFunct, imm>>5)
			}
		default:
			return fmt.Errorf("%w: op-imm-32 funct3 %d", ErrUnknownFunct, funct3)
		}
		if err := c.writeRegister(rd, v); err != nil {
			return err
		}
	case 0x33: // 011_0011: register arithmetic and logic
		v, err := op64(funct3, funct7, c.loadRegister(rs1), c.loadRegister(rs2))
		if err != nil {
			return err
		}
		if err := c.writeRegister(rd, v); err != nil {
			return err
		}
	case 0x3B: // 011_1011: register arithmetic and logic in 32 bits
		v, err := op32(funct3, funct7, c.loadRegister(rs1), c.loadRegister(rs2))
		if err != nil {
			return err
		}
		if err := c.writeRegister(rd, v); err != nil {
			return err
		}
	case 0x37: // 011_0111: LUI = Load upper immediate
		if err := c.writeRegister(rd, parseImmTypeU(instr)<<12); err != nil {
			return err
		}
	case 0x17: // 001_0111: AUIPC = Add upper immediate to PC
		if err := c.writeRegister(rd, pc+(parseImmTypeU(instr)<<12)); err != nil {
			return err
		}
	case 0x6F: // 110_1111: JAL = Jump and link
		if err := c.writeRegister(rd, pc+4); err != nil {
			return err
		}
		next = pc + parseImmTypeJ(instr)
	case 0x67: // 110_0111: JALR = Jump and link register
		target := (c.loadRegister(rs1) + parseImmTypeI(instr)) &^ 1 // least significant bit is set to 0
		if err := c.writeRegister(rd, pc+4); err != nil {
			return err
		}
		next = target
	case 0x73: // 111_0011: environment things
		switch funct3 {
		case 0: // 000 = ECALL/EBREAK
			if instr>>20 == 0 { // imm12 = 000000000000 ECALL
				if err := c.sysCall(); err != nil {
					return err
				}
			}
			// EBREAK: ignore breakpoint
		default: // CSR instructions
			v, err := c.readCSR(parseCSR(instr), funct3, rs1)
			if err != nil {
				return err
			}
			if err := c.writeRegister(rd, v); err != nil {
				return err
			}
		}
	case 0x0F: // 000_1111: fence
		// This machine has no pipeline, nor additional harts, so this is a no-op.
	default:
		return fmt.Errorf("%w: %#x at pc %016x", ErrUnknownOpcode, opcode, pc)
	}
	return c.setPC(next)
}

func op64(funct3, funct7, a, b uint64) (uint64, error) {
	switch funct7 {
	case 1: // RV M extension
		switch funct3 {
		case 0: // 000 = MUL: signed x signed
			return a * b, nil
		case 1: // 001 = MULH: upper bits of signed x signed
			return mulHigh(signExtendTo256(a), signExtendTo256(b)), nil
		case 2: // 010 = MULHSU: upper bits of signed x unsigned
			return mulHigh(signExtendTo256(a), uint256.NewInt(b)), nil
		case 3: // 011 = MULHU: upper bits of unsigned x unsigned
			return mulHigh(uint256.NewInt(a), uint256.NewInt(b)), nil
		case 4: // 100 = DIV
			if b == 0 {
				return ^uint64(0), nil
			}
			return uint64(int64(a) / int64(b)), nil
		case 5: // 101 = DIVU
			if b == 0 {
				return ^uint64(0), nil
			}
			return a / b, nil
		case 6: // 110 = REM
			if b == 0 {
				return a, nil
			}
			return uint64(int64(a) % int64(b)), nil
		case 7: // 111 = REMU
			if b == 0 {
				return a, nil
			}
			return a % b, nil
		}
	case 0x00, 0x20:
		switch funct3 {
		case 0: // 000 = ADD/SUB
			if funct7 == 0x20 {
				return a - b, nil
			}
			return a + b, nil
		case 1: // 001 = SLL
			return a << (b & 0x3F), nil // only the low 6 bits are consider in RV64I
		case 2: // 010 = SLT
			return boolU64(int64(a) < int64(b)), nil
		case 3: // 011 = SLTU
			return boolU64(a < b), nil
		case 4: // 100 = XOR
			return a ^ b, nil
		case 5: // 101 = SR~
			if funct7 == 0x20 { // arithmetic: sign bit is extended
				return uint64(int64(a) >> (b & 0x3F)), nil
			}
			return a >> (b & 0x3F), nil // logical: fill with zeroes
		case 6: // 110 = OR
			return a | b, nil
		case 7: // 111 = AND
			return a & b, nil
		}
	}
	return 0, fmt.Errorf("%w: op funct3 %d funct7 %#x", ErrUnknownFunct, funct3, funct7)
}

func op32(funct3, funct7, a, b uint64) (uint64, error) {
	x, y := uint32(a), uint32(b)
	switch funct7 {
	case 1: // RV M extension
		switch funct3 {
		case 0: // 000 = MULW
			return mask32Signed64(uint64(x * y)), nil
		case 4: // 100 = DIVW
			if y == 0 {
				return ^uint64(0), nil
			}
			return uint64(int64(int32(x) / int32(y))), nil
		case 5: // 101 = DIVUW
			if y == 0 {
				return ^uint64(0), nil
			}
			return mask32Signed64(uint64(x / y)), nil
		case 6: // 110 = REMW
			if y == 0 {
				return mask32Signed64(a), nil
			}
			return uint64(int64(int32(x) % int32(y))), nil
		case 7: // 111 = REMUW
			if y == 0 {
				return mask32Signed64(a), nil
			}
			return mask32Signed64(uint64(x % y)), nil
		}
	case 0x00, 0x20:
		switch funct3 {
		case 0: // 000 = ADDW/SUBW
			if funct7 == 0x20 {
				return mask32Signed64(uint64(x - y)), nil
			}
			return mask32Signed64(uint64(x + y)), nil
		case 1: // 001 = SLLW
			return mask32Signed64(uint64(x << (y & 0x1F))), nil
		case 5: // 101 = SR~
			if funct7 == 0x20 { // SRAW
				return uint64(int64(int32(x) >> (y & 0x1F))), nil
			}
			return mask32Signed64(uint64(x >> (y & 0x1F))), nil // SRLW
		}
	}
	return 0, fmt.Errorf("%w: op-32 funct3 %d funct7 %#x", ErrUnknownFunct, funct3, funct7)
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func signExtendTo256(v uint64) *uint256.Int {
	out := uint256.NewInt(v)
	if v>>63 != 0 {
		hi := new(uint256.Int).Not(new(uint256.Int))
		out.Or(out, hi.Lsh(hi, 64))
	}
	return out
}

func mulHigh(a, b *uint256.Int) uint64 {
	prod := new(uint256.Int).Mul(a, b)
	return prod.Rsh(prod, 64).Uint64()
}

// readCSR supports reading the cycle counters; writes to counters are rejected.
func (c *core) readCSR(num, funct3, rs1 uint64) (uint64, error) {
	writes := funct3&3 == 1 || rs1 != 0 // CSRRW(I) always writes, CSRRS(I)/CSRRC(I) unless the source is zero
	switch num {
	case 0xC00, 0xB00, 0xC02, 0xB02: // cycle, mcycle, instret, minstret
		if writes {
			return 0, fmt.Errorf("%w: write to counter %#x", ErrUnsupportedCSR, num)
		}
		return c.shadow.Mcycle(), nil
	}
	return 0, fmt.Errorf("%w: %#x", ErrUnsupportedCSR, num)
}

func (c *core) sysCall() error {
	a7 := c.loadRegister(regA7)

	switch a7 {
	case SysExit, SysExitGroup:
		c.shadow.Halt(c.loadRegister(regA0))
		return c.touch(ShadowBase)
	case SysYield:
		c.yielded = true
		return c.writeRegister(regA0, 0)
	case SysWrite:
		fd := c.loadRegister(regA0)    // A0 = fd
		addr := c.loadRegister(regA1)  // A1 = *buf addr
		count := c.loadRegister(regA2) // A2 = count
		switch fd {
		case FdStdout, FdStderr:
			// short write: at most up to the end of the page the buffer starts in
			n := count
			if rem := PageSize - addr&PageAddrMask; n > rem {
				n = rem
			}
			if n > 0 {
				if err := checkAccess(addr, n); err != nil {
					return err
				}
				p, err := c.page(addr &^ PageAddrMask)
				if err != nil {
					return err
				}
				off := addr & PageAddrMask
				for _, b := range p[off : off+n] {
					c.host.Emit(b)
				}
			}
			if err := c.writeRegister(regA0, n); err != nil {
				return err
			}
			return c.writeRegister(regA1, 0)
		default:
			if err := c.writeRegister(regA0, ^uint64(0)); err != nil { // -1 (writing error)
				return err
			}
			return c.writeRegister(regA1, errBadFd)
		}
	default:
		return fmt.Errorf("%w: %d", ErrInvalidSyscall, a7)
	}
}
