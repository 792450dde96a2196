package pipeline

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/asterisc-zk/chunkprover/rvgo/enclave"
	"github.com/asterisc-zk/chunkprover/rvgo/fatal"
	"github.com/asterisc-zk/chunkprover/rvgo/machine"
)

// Verifier checks a journal against the machine after it ran the chunk.
// Every dirty page must hash to its AfterHash. With strictClean, every clean
// page must also still hash to its InitialHash.
type Verifier struct {
	log         log.Logger
	remote      machine.Remote
	strictClean bool
}

func NewVerifier(logger log.Logger, remote machine.Remote, strictClean bool) *Verifier {
	return &Verifier{log: logger, remote: remote, strictClean: strictClean}
}

func (v *Verifier) Verify(ctx context.Context, j *enclave.Journal) error {
	checked := 0
	for _, c := range j.PageCommitments {
		var want common.Hash
		switch {
		case c.Dirty && c.AfterHash == nil:
			return fatal.Newf(fatal.ConsistencyFailure, "dirty page %#x has no after hash", c.Paddr)
		case c.Dirty:
			want = *c.AfterHash
		case v.strictClean:
			want = c.InitialHash
		default:
			continue
		}
		data, err := v.remote.ReadMemory(ctx, c.Paddr, c.Length)
		if err != nil {
			return fatal.New(fatal.OracleFailure, err)
		}
		if uint64(len(data)) != c.Length {
			return fatal.Newf(fatal.OracleFailure, "read at %#x returned %d bytes, expected %d", c.Paddr, len(data), c.Length)
		}
		if got := crypto.Keccak256Hash(data); got != want {
			return &fatal.Error{
				Kind: fatal.ConsistencyFailure,
				Page: &fatal.Page{Paddr: c.Paddr, Want: want, Got: got},
			}
		}
		checked++
	}
	v.log.Debug("Journal consistent with machine", "range", j.Range(), "pages", len(j.PageCommitments), "checked", checked)
	return nil
}
