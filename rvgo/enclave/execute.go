package enclave

import (
	"fmt"

	"github.com/asterisc-zk/chunkprover/rvgo/uarch"
)

// Interpreter runs the machine behind h from cycle begin towards end and
// returns the cycle it reached.
type Interpreter func(h uarch.Host, begin, end uint64) (uint64, error)

type Config struct {
	// SegmentSize is the number of page-ins per proving segment.
	SegmentSize int
	// Interpreter defaults to uarch.Run.
	Interpreter Interpreter
}

// Execute runs one chunk in a fresh Context and returns its proving session.
func Execute(cfg Config, input CycleRange, oracle Oracle) (*Session, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	interp := cfg.Interpreter
	if interp == nil {
		interp = uarch.Run
	}
	c := NewContext(input, oracle)
	if err := c.Start(); err != nil {
		return nil, err
	}
	reached, err := interp(c, input.Begin, input.End)
	if err != nil {
		return nil, fmt.Errorf("chunk %s failed: %w", input, err)
	}
	journal, err := c.Commit(reached)
	if err != nil {
		return nil, err
	}
	encoded, err := journal.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode journal: %w", err)
	}
	return newSession(input, journal, encoded, c.Records(), cfg.SegmentSize), nil
}
