package uarch

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Shadow is a view over the shadow register page.
type Shadow []byte

func (s Shadow) get(offset uint64) uint64 {
	return binary.LittleEndian.Uint64(s[offset : offset+8])
}

func (s Shadow) set(offset uint64, v uint64) {
	binary.LittleEndian.PutUint64(s[offset:offset+8], v)
}

func (s Shadow) X(i uint64) uint64 {
	if i == 0 {
		return 0
	}
	return s.get(ShadowX + i*8)
}

func (s Shadow) SetX(i uint64, v uint64) {
	if i == 0 {
		return
	}
	s.set(ShadowX+i*8, v)
}

func (s Shadow) PC() uint64              { return s.get(ShadowPC) }
func (s Shadow) SetPC(pc uint64)         { s.set(ShadowPC, pc) }
func (s Shadow) Mcycle() uint64          { return s.get(ShadowMcycle) }
func (s Shadow) SetMcycle(v uint64)      { s.set(ShadowMcycle, v) }
func (s Shadow) Halted() bool            { return s.get(ShadowHalted) != 0 }
func (s Shadow) ExitCode() uint64        { return s.get(ShadowExitCode) }
func (s Shadow) SetExitCode(code uint64) { s.set(ShadowExitCode, code) }

func (s Shadow) Halt(code uint64) {
	s.set(ShadowHalted, 1)
	s.set(ShadowExitCode, code)
}

// Register reads a register by name: mcycle, pc, halted, exitcode or x0..x31.
func (s Shadow) Register(name string) (uint64, error) {
	switch name {
	case "mcycle":
		return s.Mcycle(), nil
	case "pc":
		return s.PC(), nil
	case "halted":
		return s.get(ShadowHalted), nil
	case "exitcode":
		return s.ExitCode(), nil
	}
	if idx, ok := strings.CutPrefix(name, "x"); ok {
		i, err := strconv.ParseUint(idx, 10, 8)
		if err == nil && i < 32 {
			return s.X(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRegister, name)
}
