package uarch

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Version names the instruction set and shadow layout implemented by Run.
// Receipts bind to ImageID, so any change in behavior must change Version.
const Version = "chunkprover/uarch/rv64im/1"

// ImageID is the program identity proven by receipts of this interpreter.
var ImageID = crypto.Keccak256Hash([]byte(Version))

// Run executes the machine behind h from cycle begin until end is reached,
// the machine halts, or the program yields. It returns the cycle reached.
func Run(h Host, begin, end uint64) (uint64, error) {
	c, err := newCore(h)
	if err != nil {
		return begin, err
	}
	mcycle := c.shadow.Mcycle()
	if mcycle != begin {
		return mcycle, fmt.Errorf("%w: machine at cycle %d, asked to start at %d", ErrStartCycle, mcycle, begin)
	}
	for mcycle < end && !c.shadow.Halted() {
		pc := c.shadow.PC()
		if err := c.step(); err != nil {
			return mcycle, fmt.Errorf("failed at cycle %d (PC: %016x): %w", mcycle, pc, err)
		}
		mcycle++
		c.shadow.SetMcycle(mcycle)
		if err := c.touch(ShadowBase); err != nil {
			return mcycle, err
		}
		if c.yielded {
			break
		}
	}
	return mcycle, nil
}
