package prover

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/asterisc-zk/chunkprover/rvgo/enclave"
)

// ReceiptVersion is the version of the receipt encoding.
const ReceiptVersion = 1

var (
	ErrReceiptVersion = errors.New("prover: unsupported receipt version")
	ErrImageMismatch  = errors.New("prover: receipt is for another image")
	ErrJournalDigest  = errors.New("prover: journal does not match claim")
	ErrClaimRange     = errors.New("prover: journal range does not match claim")
	ErrBadSeal        = errors.New("prover: seal does not match claim")
)

// Claim is what a receipt attests to: the program identity ImageID, given
// Input, produced Journal.
type Claim struct {
	ImageID        common.Hash
	Input          common.Hash // digest of the chunk input range
	Journal        common.Hash // digest of the encoded journal
	TranscriptRoot common.Hash // commitment to the page-ins of all segments
	BeginMcycle    uint64
	EndMcycle      uint64
	Segments       uint64
}

func (c *Claim) Digest() common.Hash {
	enc, _ := rlp.EncodeToBytes(c) // fixed-size fields always encode
	return crypto.Keccak256Hash(enc)
}

// Receipt is a proof of one chunk, with what is needed to verify it again.
type Receipt struct {
	Version uint64
	ImageID common.Hash
	Claim   Claim
	Journal []byte // encoded enclave.Journal
	Seal    []byte
}

func (r *Receipt) DecodeJournal() (*enclave.Journal, error) {
	return enclave.DecodeJournal(r.Journal)
}

func (r *Receipt) MarshalBinary() ([]byte, error) {
	return rlp.EncodeToBytes(r)
}

func (r *Receipt) UnmarshalBinary(data []byte) error {
	return rlp.DecodeBytes(data, r)
}

// Verify checks that the receipt proves a run of imageID and that its
// journal is the one the claim binds.
func Verify(r *Receipt, imageID common.Hash) error {
	if r.Version != ReceiptVersion {
		return fmt.Errorf("%w: %d", ErrReceiptVersion, r.Version)
	}
	if r.ImageID != imageID || r.Claim.ImageID != imageID {
		return fmt.Errorf("%w: got %s, expected %s", ErrImageMismatch, r.ImageID, imageID)
	}
	if got := crypto.Keccak256Hash(r.Journal); got != r.Claim.Journal {
		return fmt.Errorf("%w: journal hashes to %s, claim has %s", ErrJournalDigest, got, r.Claim.Journal)
	}
	j, err := r.DecodeJournal()
	if err != nil {
		return err
	}
	if j.BeginMcycle != r.Claim.BeginMcycle || j.EndMcycle != r.Claim.EndMcycle {
		return fmt.Errorf("%w: journal %s, claim [%d, %d)", ErrClaimRange, j.Range(), r.Claim.BeginMcycle, r.Claim.EndMcycle)
	}
	if !bytes.Equal(r.Seal, devSeal(&r.Claim)) {
		return ErrBadSeal
	}
	return nil
}
