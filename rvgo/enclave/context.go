// Package enclave executes one chunk of machine cycles over memory it pages
// in from the host, and commits to what it read and wrote.
package enclave

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/asterisc-zk/chunkprover/rvgo/fatal"
	"github.com/asterisc-zk/chunkprover/rvgo/uarch"
)

var ErrPhase = errors.New("enclave: operation not allowed in this phase")

type Phase uint8

const (
	PhaseInit Phase = iota
	PhaseRunning
	PhaseFinalizing
	PhaseCommitted
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseRunning:
		return "running"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseCommitted:
		return "committed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Oracle reads host memory. It returns exactly length bytes or an error.
type Oracle interface {
	PageIn(paddr, length uint64) ([]byte, error)
}

// PageRecord is a cached page. It lives as long as its Context.
type PageRecord struct {
	Key         PageKey
	Data        []byte
	InitialHash common.Hash
	Dirty       bool
}

// Context is the state of one chunk execution. It serves the interpreter's
// memory, records every page it fetched and collects program output.
// A Context is used for a single chunk and then discarded.
type Context struct {
	input  CycleRange
	oracle Oracle
	phase  Phase

	pages   map[PageKey]*PageRecord
	byPaddr map[uint64][]*PageRecord
	order   []*PageRecord // first-fetch order

	tty []byte
}

var _ uarch.Host = (*Context)(nil)

func NewContext(input CycleRange, oracle Oracle) *Context {
	return &Context{
		input:   input,
		oracle:  oracle,
		phase:   PhaseInit,
		pages:   make(map[PageKey]*PageRecord),
		byPaddr: make(map[uint64][]*PageRecord),
	}
}

func (c *Context) Phase() Phase {
	return c.phase
}

func (c *Context) Input() CycleRange {
	return c.input
}

// Start moves the context from Init to Running.
func (c *Context) Start() error {
	if c.phase != PhaseInit {
		return fmt.Errorf("%w: start in %s", ErrPhase, c.phase)
	}
	c.phase = PhaseRunning
	return nil
}

// Fetch returns the cached page for (paddr, length), paging it in on a miss.
// Repeated fetches return the same buffer, so writes through it are kept.
func (c *Context) Fetch(paddr, length uint64) ([]byte, error) {
	if c.phase != PhaseRunning {
		return nil, fmt.Errorf("%w: fetch in %s", ErrPhase, c.phase)
	}
	key := PageKey{Paddr: paddr, Length: length}
	if rec, ok := c.pages[key]; ok {
		return rec.Data, nil
	}
	data, err := c.oracle.PageIn(paddr, length)
	if err != nil {
		if _, ok := fatal.AsError(err); ok {
			return nil, err
		}
		return nil, fatal.New(fatal.OracleFailure, err)
	}
	if uint64(len(data)) != length {
		return nil, fatal.Newf(fatal.OracleFailure, "page %#x: got %d bytes, requested %d", paddr, len(data), length)
	}
	rec := &PageRecord{
		Key:         key,
		Data:        data,
		InitialHash: crypto.Keccak256Hash(data),
	}
	c.pages[key] = rec
	c.byPaddr[paddr] = append(c.byPaddr[paddr], rec)
	c.order = append(c.order, rec)
	return data, nil
}

// MarkDirty flags every cached page at paddr, whatever its length, as written.
func (c *Context) MarkDirty(paddr uint64) error {
	if c.phase != PhaseRunning {
		return fmt.Errorf("%w: mark dirty in %s", ErrPhase, c.phase)
	}
	recs := c.byPaddr[paddr]
	if len(recs) == 0 {
		return fatal.Newf(fatal.CacheInvariantViolation, "page %#x marked dirty but never fetched", paddr)
	}
	for _, rec := range recs {
		rec.Dirty = true
	}
	return nil
}

func (c *Context) Emit(b byte) {
	c.tty = append(c.tty, b)
}

// Records returns the cached pages in first-fetch order.
func (c *Context) Records() []*PageRecord {
	return c.order
}

// Commit finalizes the page commitments and returns the journal. reached is
// the cycle the interpreter stopped at.
func (c *Context) Commit(reached uint64) (*Journal, error) {
	if c.phase != PhaseRunning {
		return nil, fmt.Errorf("%w: commit in %s", ErrPhase, c.phase)
	}
	if reached < c.input.Begin || reached > c.input.End {
		return nil, fatal.Newf(fatal.CycleMismatch, "interpreter reached cycle %d outside of %s", reached, c.input)
	}
	c.phase = PhaseFinalizing
	commitments := make([]PageCommitment, 0, len(c.order))
	for _, rec := range c.order {
		pc := PageCommitment{
			Paddr:       rec.Key.Paddr,
			Length:      rec.Key.Length,
			InitialHash: rec.InitialHash,
			Dirty:       rec.Dirty,
		}
		if rec.Dirty {
			h := crypto.Keccak256Hash(rec.Data)
			pc.AfterHash = &h
		}
		commitments = append(commitments, pc)
	}
	c.phase = PhaseCommitted
	return &Journal{
		BeginMcycle:     c.input.Begin,
		EndMcycle:       reached,
		PageCommitments: commitments,
		TTYOutput:       c.tty,
	}, nil
}
