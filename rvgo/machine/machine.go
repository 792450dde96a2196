package machine

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/asterisc-zk/chunkprover/rvgo/uarch"
)

var (
	ErrUnalignedFetch = errors.New("machine: fetch is not a whole aligned page")
	ErrReadTooLarge   = errors.New("machine: memory read too large")
)

// MaxReadLength bounds a single ReadMemory call.
const MaxReadLength = 1 << 24

// RuntimeConfig holds the settings a machine is loaded with.
type RuntimeConfig struct {
	// MaxPages limits the number of allocated pages, 0 for no limit.
	MaxPages uint64 `json:"maxPages"`
}

// State is the complete machine state: registers live in the shadow page,
// so memory is all there is.
type State struct {
	Memory *Memory `json:"memory"`
}

func NewState() *State {
	return &State{Memory: NewMemory()}
}

// NewProgramState places program at uarch.ProgramBase and points the pc at it.
func NewProgramState(program []byte) (*State, error) {
	s := NewState()
	if err := s.Memory.SetMemoryRange(uarch.ProgramBase, bytes.NewReader(program)); err != nil {
		return nil, err
	}
	if err := s.SetPC(uarch.ProgramBase); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) shadow() (uarch.Shadow, error) {
	p, err := s.Memory.AllocPage(uarch.ShadowBase >> uarch.PageAddrSize)
	if err != nil {
		return nil, err
	}
	return p[:], nil
}

func (s *State) SetPC(pc uint64) error {
	sh, err := s.shadow()
	if err != nil {
		return err
	}
	sh.SetPC(pc)
	return nil
}

// Machine is the canonical machine. It runs the interpreter directly on its
// own memory.
type Machine struct {
	state *State
	tty   io.Writer
}

var _ uarch.Host = (*Machine)(nil)

// New wraps state. Program output goes to tty, which may be nil.
func New(state *State, cfg RuntimeConfig, tty io.Writer) *Machine {
	state.Memory.maxPages = cfg.MaxPages
	if tty == nil {
		tty = io.Discard
	}
	return &Machine{state: state, tty: tty}
}

func (m *Machine) State() *State {
	return m.state
}

func (m *Machine) Fetch(paddr, length uint64) ([]byte, error) {
	if paddr&uarch.PageAddrMask != 0 || length != uarch.PageSize {
		return nil, fmt.Errorf("%w: %#x+%d", ErrUnalignedFetch, paddr, length)
	}
	p, err := m.state.Memory.AllocPage(paddr >> uarch.PageAddrSize)
	if err != nil {
		return nil, err
	}
	return p[:], nil
}

// MarkDirty is a no-op: the canonical machine writes its memory in place.
func (m *Machine) MarkDirty(paddr uint64) error {
	return nil
}

func (m *Machine) Emit(b byte) {
	_, _ = m.tty.Write([]byte{b})
}

// Run advances the machine until its cycle counter reaches target or it halts.
// Program yields do not stop it. A target at or below the current cycle is a no-op.
func (m *Machine) Run(target uint64) error {
	for {
		sh, err := m.state.shadow()
		if err != nil {
			return err
		}
		mcycle := sh.Mcycle()
		if mcycle >= target || sh.Halted() {
			return nil
		}
		if _, err := uarch.Run(m, mcycle, target); err != nil {
			return err
		}
	}
}

func (m *Machine) ReadRegister(name string) (uint64, error) {
	sh, err := m.state.shadow()
	if err != nil {
		return 0, err
	}
	return sh.Register(name)
}

func (m *Machine) ReadMemory(paddr, length uint64) ([]byte, error) {
	if length > MaxReadLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrReadTooLarge, length)
	}
	if paddr+length < paddr {
		return nil, fmt.Errorf("%w: %#x+%d", uarch.ErrAddressOverflow, paddr, length)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(m.state.Memory.ReadMemoryRange(paddr, length), out); err != nil {
		return nil, err
	}
	return out, nil
}
