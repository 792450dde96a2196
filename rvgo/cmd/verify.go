package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/asterisc-zk/chunkprover/rvgo/prover"
	"github.com/asterisc-zk/chunkprover/rvgo/uarch"
)

var (
	ErrNoReceipts  = errors.New("no receipts found")
	ErrReceiptGap  = errors.New("receipts are not contiguous")
	ErrReceiptName = errors.New("receipt file name does not match its claim")
)

var VerifyProofsDirFlag = &cli.PathFlag{
	Name:    "proofs-dir",
	Usage:   "Directory to read receipts from",
	EnvVars: prefixEnvVars("PROOFS_DIR"),
	Value:   "proofs",
}

// VerifyReceipts checks every receipt in dir against imageID, and that
// together they cover one contiguous cycle range, which is returned.
func VerifyReceipts(l log.Logger, dir string, imageID common.Hash) (begin, end uint64, err error) {
	store, err := prover.OpenStore(dir)
	if err != nil {
		return 0, 0, err
	}
	paths, err := store.Receipts()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list receipts: %w", err)
	}
	if len(paths) == 0 {
		return 0, 0, fmt.Errorf("%w in %s", ErrNoReceipts, dir)
	}
	for i, p := range paths {
		r, err := prover.LoadReceipt(p)
		if err != nil {
			return 0, 0, err
		}
		if err := prover.Verify(r, imageID); err != nil {
			return 0, 0, fmt.Errorf("receipt %s: %w", p, err)
		}
		claim := r.Claim
		if filepath.Base(p) != prover.ReceiptFileName(claim.BeginMcycle, claim.EndMcycle) {
			return 0, 0, fmt.Errorf("%w: %s claims [%d, %d)", ErrReceiptName, p, claim.BeginMcycle, claim.EndMcycle)
		}
		if i == 0 {
			begin = claim.BeginMcycle
		} else if claim.BeginMcycle != end {
			return 0, 0, fmt.Errorf("%w: %s begins at %d, previous receipt ends at %d", ErrReceiptGap, p, claim.BeginMcycle, end)
		}
		end = claim.EndMcycle
		l.Debug("Verified receipt", "path", p, "begin", claim.BeginMcycle, "end", claim.EndMcycle, "segments", claim.Segments)
	}
	l.Info("Verified receipts", "count", len(paths), "begin", begin, "end", end, "image", imageID)
	return begin, end, nil
}

func Verify(ctx *cli.Context) error {
	l, err := loggerFromCLI(ctx, os.Stderr)
	if err != nil {
		return err
	}
	_, _, err = VerifyReceipts(l, ctx.Path(VerifyProofsDirFlag.Name), uarch.ImageID)
	return err
}

var VerifyCommand = &cli.Command{
	Name:        "verify",
	Usage:       "Verify stored receipts",
	Description: "Verify every receipt in the proofs directory against the interpreter image, and check that they cover a contiguous cycle range.",
	Action:      Verify,
	Flags: []cli.Flag{
		VerifyProofsDirFlag,
		LogLevelFlag,
	},
}
