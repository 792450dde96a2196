package enclave

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var ErrEmptyRange = errors.New("enclave: cycle range is empty")

// CycleRange is a half-open span of machine cycles. It is also the input of
// a chunk execution.
type CycleRange struct {
	Begin uint64
	End   uint64
}

func (r CycleRange) Validate() error {
	if r.Begin >= r.End {
		return fmt.Errorf("%w: [%d, %d)", ErrEmptyRange, r.Begin, r.End)
	}
	return nil
}

func (r CycleRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Begin, r.End)
}

// Digest commits to the range as chunk input.
func (r CycleRange) Digest() common.Hash {
	enc, _ := rlp.EncodeToBytes(r) // two integers always encode
	return crypto.Keccak256Hash(enc)
}

type PageKey struct {
	Paddr  uint64
	Length uint64
}

// PageCommitment is the journal entry of one fetched page.
// AfterHash is set if and only if the page is dirty.
type PageCommitment struct {
	Paddr       uint64
	Length      uint64
	InitialHash common.Hash
	AfterHash   *common.Hash `rlp:"nil"`
	Dirty       bool
}

// Journal is the committed output of one chunk execution.
type Journal struct {
	BeginMcycle     uint64
	EndMcycle       uint64 // reached, at most the requested end
	PageCommitments []PageCommitment
	TTYOutput       []byte
}

func (j *Journal) Range() CycleRange {
	return CycleRange{Begin: j.BeginMcycle, End: j.EndMcycle}
}

// Dirty returns the commitments of pages written during the chunk.
func (j *Journal) Dirty() []PageCommitment {
	var out []PageCommitment
	for _, c := range j.PageCommitments {
		if c.Dirty {
			out = append(out, c)
		}
	}
	return out
}

func (j *Journal) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(j)
}

func DecodeJournal(data []byte) (*Journal, error) {
	var j Journal
	if err := rlp.DecodeBytes(data, &j); err != nil {
		return nil, fmt.Errorf("failed to decode journal: %w", err)
	}
	for i, c := range j.PageCommitments {
		if c.Dirty != (c.AfterHash != nil) {
			return nil, fmt.Errorf("journal commitment %d at %#x: dirty %v does not match after hash presence", i, c.Paddr, c.Dirty)
		}
	}
	return &j, nil
}
