package prover

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ethereum-optimism/optimism/op-service/ioutil"

	"github.com/asterisc-zk/chunkprover/rvgo/fatal"
)

var ReceiptFilePerm = os.FileMode(0o644)

// Store keeps one receipt file per proven chunk, named by its cycle range.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fatal.New(fatal.StorageFailure, fmt.Errorf("failed to create receipt dir: %w", err))
	}
	return &Store{dir: dir}, nil
}

// OpenStore opens an existing receipt dir.
func OpenStore(dir string) (*Store, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fatal.New(fatal.StorageFailure, err)
	}
	if !fi.IsDir() {
		return nil, fatal.Newf(fatal.StorageFailure, "%s is not a directory", dir)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Path is the file a receipt for [begin, end) is stored at.
func (s *Store) Path(begin, end uint64) string {
	return filepath.Join(s.dir, ReceiptFileName(begin, end))
}

func ReceiptFileName(begin, end uint64) string {
	return fmt.Sprintf("proofs_%d_%d.bin", begin, end)
}

// Write stores the receipt. The file only appears once it is complete.
func (s *Store) Write(r *Receipt) (string, error) {
	data, err := r.MarshalBinary()
	if err != nil {
		return "", fatal.New(fatal.StorageFailure, fmt.Errorf("failed to encode receipt: %w", err))
	}
	path := s.Path(r.Claim.BeginMcycle, r.Claim.EndMcycle)
	w, err := ioutil.NewAtomicWriterCompressed(path, ReceiptFilePerm)
	if err != nil {
		return "", fatal.New(fatal.StorageFailure, fmt.Errorf("failed to create receipt file: %w", err))
	}
	if _, err := w.Write(data); err != nil {
		// no Close: it would rename the partial file into place
		return "", fatal.New(fatal.StorageFailure, fmt.Errorf("failed to write receipt: %w", err))
	}
	if err := w.Close(); err != nil {
		return "", fatal.New(fatal.StorageFailure, fmt.Errorf("failed to commit receipt %s: %w", path, err))
	}
	return path, nil
}

func LoadReceipt(path string) (*Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Receipt
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to decode receipt %s: %w", path, err)
	}
	return &r, nil
}

// Receipts lists the stored receipt files, ordered by the cycle they begin at.
func (s *Store) Receipts() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "proofs_*_*.bin"))
	if err != nil {
		return nil, err
	}
	type entry struct {
		path       string
		begin, end uint64
	}
	entries := make([]entry, 0, len(paths))
	for _, p := range paths {
		var e entry
		if _, err := fmt.Sscanf(filepath.Base(p), "proofs_%d_%d.bin", &e.begin, &e.end); err != nil {
			continue
		}
		e.path = p
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].begin < entries[j].begin
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}
