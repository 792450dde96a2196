// Package prover turns executed chunks into receipts and stores them.
package prover

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/asterisc-zk/chunkprover/rvgo/enclave"
	"github.com/asterisc-zk/chunkprover/rvgo/fatal"
)

// Prover proves a session. The session is consumed.
type Prover interface {
	Prove(ctx context.Context, s *enclave.Session) (*Receipt, error)
}

var devSealDomain = []byte("chunkprover/dev-seal")

func devSeal(c *Claim) []byte {
	d := c.Digest()
	return crypto.Keccak256(devSealDomain, d[:])
}

// DevProver commits to the execution trace with hashes only. Its receipts
// are binding but not sound: anyone can produce a seal for any claim.
type DevProver struct {
	log     log.Logger
	imageID common.Hash
}

var _ Prover = (*DevProver)(nil)

func NewDevProver(logger log.Logger, imageID common.Hash) *DevProver {
	return &DevProver{log: logger, imageID: imageID}
}

func (p *DevProver) Prove(ctx context.Context, s *enclave.Session) (*Receipt, error) {
	trace, err := s.Take()
	if err != nil {
		return nil, fatal.New(fatal.ProvingFailure, err)
	}
	j, err := enclave.DecodeJournal(trace.Journal)
	if err != nil {
		return nil, fatal.New(fatal.ProvingFailure, err)
	}
	start := time.Now()
	root, err := transcriptRoot(ctx, trace.Segments)
	if err != nil {
		return nil, fatal.New(fatal.ProvingFailure, err)
	}
	claim := Claim{
		ImageID:        p.imageID,
		Input:          trace.Input.Digest(),
		Journal:        crypto.Keccak256Hash(trace.Journal),
		TranscriptRoot: root,
		BeginMcycle:    j.BeginMcycle,
		EndMcycle:      j.EndMcycle,
		Segments:       uint64(len(trace.Segments)),
	}
	p.log.Debug("Proved chunk", "range", j.Range(), "segments", len(trace.Segments), "elapsed", time.Since(start))
	return &Receipt{
		Version: ReceiptVersion,
		ImageID: p.imageID,
		Claim:   claim,
		Journal: trace.Journal,
		Seal:    devSeal(&claim),
	}, nil
}

// transcriptRoot hashes every segment, then the list of segment digests.
func transcriptRoot(ctx context.Context, segments []enclave.Segment) (common.Hash, error) {
	digests := make([]byte, 0, len(segments)*common.HashLength)
	for i := range segments {
		if err := ctx.Err(); err != nil {
			return common.Hash{}, err
		}
		enc, err := rlp.EncodeToBytes(&segments[i])
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to encode segment %d: %w", i, err)
		}
		digests = append(digests, crypto.Keccak256(enc)...)
	}
	return crypto.Keccak256Hash(digests), nil
}
