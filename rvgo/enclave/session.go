package enclave

import (
	"errors"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

var ErrSessionConsumed = errors.New("enclave: proving session already consumed")

// DefaultSegmentSize is the number of page-ins per proving segment.
const DefaultSegmentSize = 64

// PageIn is one memory read of the execution, as the prover sees it.
type PageIn struct {
	Paddr  uint64
	Length uint64
	Hash   common.Hash
}

// Segment is a unit of proving work: a consecutive run of page-ins.
type Segment struct {
	Index   uint64
	PageIns []PageIn
}

// Trace is what the prover consumes.
type Trace struct {
	Input    CycleRange
	Journal  []byte // encoded journal
	Segments []Segment
}

// Session is the execution trace of one chunk, waiting to be proven.
// The trace can be taken exactly once.
type Session struct {
	journal  *Journal
	segments int
	trace    *Trace
	taken    atomic.Bool
}

func newSession(input CycleRange, journal *Journal, encoded []byte, records []*PageRecord, segmentSize int) *Session {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	// an execution that paged nothing in is still one segment
	segments := []Segment{{Index: 0}}
	for _, rec := range records {
		last := &segments[len(segments)-1]
		if len(last.PageIns) == segmentSize {
			segments = append(segments, Segment{Index: uint64(len(segments))})
			last = &segments[len(segments)-1]
		}
		last.PageIns = append(last.PageIns, PageIn{
			Paddr:  rec.Key.Paddr,
			Length: rec.Key.Length,
			Hash:   rec.InitialHash,
		})
	}
	return &Session{
		journal:  journal,
		segments: len(segments),
		trace: &Trace{
			Input:    input,
			Journal:  encoded,
			Segments: segments,
		},
	}
}

func (s *Session) Journal() *Journal {
	return s.journal
}

func (s *Session) Range() CycleRange {
	return s.journal.Range()
}

func (s *Session) SegmentCount() int {
	return s.segments
}

// Take hands the trace to the prover. Every call after the first fails.
func (s *Session) Take() (*Trace, error) {
	if !s.taken.CompareAndSwap(false, true) {
		return nil, ErrSessionConsumed
	}
	t := s.trace
	s.trace = nil
	return t, nil
}
