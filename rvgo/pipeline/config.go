package pipeline

import (
	"errors"
	"fmt"

	"github.com/asterisc-zk/chunkprover/rvgo/enclave"
	"github.com/asterisc-zk/chunkprover/rvgo/machine"
)

var (
	ErrMissingStep  = errors.New("pipeline: step must be positive")
	ErrCycleRange   = errors.New("pipeline: max cycle must be greater than min cycle")
	ErrNegativeSize = errors.New("pipeline: queue bound and segment size must not be negative")
)

type Config struct {
	MinCycle uint64
	MaxCycle uint64
	// Step is the number of cycles requested per chunk.
	Step uint64
	// Bound is the number of executed chunks that may wait for proving.
	// 0 hands each chunk over directly.
	Bound int

	// ImagePath, if set, is loaded into the machine before the run starts.
	ImagePath string
	Runtime   machine.RuntimeConfig

	SegmentSize int
	// StrictClean also checks pages the enclave read but did not write.
	StrictClean bool
	// Interpreter overrides the enclave interpreter.
	Interpreter enclave.Interpreter
}

func (c *Config) Check() error {
	if c.Step == 0 {
		return ErrMissingStep
	}
	if c.MaxCycle <= c.MinCycle {
		return fmt.Errorf("%w: [%d, %d)", ErrCycleRange, c.MinCycle, c.MaxCycle)
	}
	if c.Bound < 0 || c.SegmentSize < 0 {
		return ErrNegativeSize
	}
	return nil
}

// chunkEnd is where a chunk starting at current is requested to end.
func (c *Config) chunkEnd(current uint64) uint64 {
	if c.MaxCycle-current <= c.Step {
		return c.MaxCycle
	}
	return current + c.Step
}

func (c *Config) enclaveConfig() enclave.Config {
	return enclave.Config{SegmentSize: c.SegmentSize, Interpreter: c.Interpreter}
}
