package uarch

import "encoding/binary"

// Instruction encoders for the subset of RV64IM the interpreter runs.
// Used to build small programs without an external toolchain.

func EncodeI(opcode, rd, funct3, rs1 uint32, imm int32) uint32 {
	return uint32(imm&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func EncodeS(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5&0x7F)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1F)<<7 | opcode
}

func EncodeB(funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3F)<<25 | rs2<<20 | rs1<<15 | funct3<<12 |
		(u>>1&0xF)<<8 | (u>>11&1)<<7 | 0x63
}

func EncodeR(opcode, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func EncodeU(opcode, rd uint32, imm20 uint32) uint32 {
	return (imm20&0xFFFFF)<<12 | rd<<7 | opcode
}

func EncodeJ(rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3FF)<<21 | (u>>11&1)<<20 | (u>>12&0xFF)<<12 | rd<<7 | 0x6F
}

func Addi(rd, rs1 uint32, imm int32) uint32 { return EncodeI(0x13, rd, 0, rs1, imm) }
func Ld(rd, rs1 uint32, imm int32) uint32   { return EncodeI(0x03, rd, 3, rs1, imm) }
func Sb(rs2, rs1 uint32, imm int32) uint32  { return EncodeS(0x23, 0, rs1, rs2, imm) }
func Sd(rs2, rs1 uint32, imm int32) uint32  { return EncodeS(0x23, 3, rs1, rs2, imm) }
func Add(rd, rs1, rs2 uint32) uint32        { return EncodeR(0x33, rd, 0, rs1, rs2, 0) }
func Lui(rd uint32, imm20 uint32) uint32    { return EncodeU(0x37, rd, imm20) }
func Jal(rd uint32, imm int32) uint32       { return EncodeJ(rd, imm) }
func Bne(rs1, rs2 uint32, imm int32) uint32 { return EncodeB(1, rs1, rs2, imm) }
func Ecall() uint32                         { return 0x00000073 }
func Nop() uint32                           { return Addi(0, 0, 0) }

// Program is a sequence of encoded instructions.
type Program []uint32

func (p Program) Bytes() []byte {
	out := make([]byte, len(p)*4)
	for i, instr := range p {
		binary.LittleEndian.PutUint32(out[i*4:], instr)
	}
	return out
}

// Register numbers used by the built-in programs.
const (
	RegT0 = 5
	RegT1 = 6
	RegS0 = 8
	RegS1 = 9
	RegA0 = regA0
	RegA1 = regA1
	RegA2 = regA2
	RegA7 = regA7
)

// DemoProgram greets on stdout, then counts forever into the first word of
// the page at 0x20000, never halting.
func DemoProgram() Program {
	p := Program{
		Lui(RegS0, 0x20), // s0 = 0x20000 counter page
		Lui(RegS1, 0x21), // s1 = 0x21000 message buffer
	}
	for i, ch := range []byte("hi\n") {
		p = append(p, Addi(RegT0, 0, int32(ch)), Sb(RegT0, RegS1, int32(i)))
	}
	p = append(p,
		Addi(RegA7, 0, SysWrite),
		Addi(RegA0, 0, FdStdout),
		Addi(RegA1, RegS1, 0),
		Addi(RegA2, 0, 3),
		Ecall(),
		// loop:
		Addi(RegT1, RegT1, 1),
		Sd(RegT1, RegS0, 0),
		Jal(0, -8),
	)
	return p
}
