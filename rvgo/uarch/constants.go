package uarch

// Note: 2**12 = 4 KiB, the unit the interpreter pages memory in.
const (
	PageAddrSize = 12
	PageSize     = 1 << PageAddrSize
	PageAddrMask = PageSize - 1
)

// The machine keeps its registers in the first page of physical memory,
// so the interpreter state is paged in and out like any other memory.
const (
	ShadowBase     = 0
	ShadowX        = ShadowBase + 0x000 // x0..x31, 8 bytes each
	ShadowPC       = ShadowBase + 0x100
	ShadowMcycle   = ShadowBase + 0x108
	ShadowHalted   = ShadowBase + 0x110
	ShadowExitCode = ShadowBase + 0x118
)

// ProgramBase is where loaders place code when the image does not say otherwise.
const ProgramBase = 0x10000

const (
	SysWrite     = 64
	SysExit      = 93
	SysExitGroup = 94
	// SysYield stops the current run after the ecall retires, without halting.
	SysYield = 1000

	FdStdout = 1
	FdStderr = 2

	// errno returned in a1 for writes to unknown descriptors
	errBadFd = 0x4d
)

const (
	regA0 = 10
	regA1 = 11
	regA2 = 12
	regA7 = 17
)
