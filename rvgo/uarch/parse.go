package uarch

// Functions to parse the instruction field values from different types of RISC-V instructions

func parseImmTypeI(instr uint64) uint64 {
	return signExtend64(instr>>20, 11)
}

func parseImmTypeS(instr uint64) uint64 {
	return signExtend64(((instr>>25)<<5)|((instr>>7)&0x1F), 11)
}

func parseImmTypeB(instr uint64) uint64 {
	return signExtend64(
		((instr>>8)&0xF)<<1|
			((instr>>25)&0x3F)<<5|
			((instr>>7)&1)<<11|
			(instr>>31)<<12,
		12,
	)
}

func parseImmTypeU(instr uint64) uint64 {
	return signExtend64(instr>>12, 19)
}

func parseImmTypeJ(instr uint64) uint64 {
	return signExtend64(
		((instr>>21)&0x3FF)<<1|
			((instr>>20)&1)<<11|
			((instr>>12)&0xFF)<<12|
			(instr>>31)<<20,
		20,
	)
}

func parseOpcode(instr uint64) uint64 {
	return instr & 0x7F
}

func parseRd(instr uint64) uint64 {
	return (instr >> 7) & 0x1F
}

func parseFunct3(instr uint64) uint64 {
	return (instr >> 12) & 0x7
}

func parseRs1(instr uint64) uint64 {
	return (instr >> 15) & 0x1F
}

func parseRs2(instr uint64) uint64 {
	return (instr >> 20) & 0x1F
}

func parseFunct7(instr uint64) uint64 {
	return instr >> 25
}

func parseCSR(instr uint64) uint64 {
	return instr >> 20
}

// signExtend64 extends the sign bit at position bit to the full 64 bits.
func signExtend64(v uint64, bit uint64) uint64 {
	if v&(1<<bit) == 0 {
		return v & ((1 << (bit + 1)) - 1)
	}
	return v | (^uint64(0) << bit)
}

func mask32Signed64(v uint64) uint64 {
	return signExtend64(v&0xFFFF_FFFF, 31)
}
