// Package fatal defines the errors that abort a proving run.
//
// Every failure that can invalidate a proof is one of a fixed set of kinds.
// None of them is retried: the pipeline stops, reports the cycle range it was
// working on and exits non-zero.
package fatal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type Kind uint8

const (
	// OracleFailure: page oracle RPC error, worker panic or malformed response.
	OracleFailure Kind = iota + 1
	// CacheInvariantViolation: a page was marked dirty before it was fetched.
	CacheInvariantViolation
	// CycleMismatch: the machine cycle counter disagrees with the journal.
	CycleMismatch
	// ConsistencyFailure: a dirty page on the machine does not hash to the journal's claim.
	ConsistencyFailure
	// ProvingFailure: the proof computation failed.
	ProvingFailure
	// StorageFailure: the receipt could not be serialized or written.
	StorageFailure
)

func (k Kind) String() string {
	switch k {
	case OracleFailure:
		return "oracle failure"
	case CacheInvariantViolation:
		return "cache invariant violation"
	case CycleMismatch:
		return "cycle mismatch"
	case ConsistencyFailure:
		return "consistency failure"
	case ProvingFailure:
		return "proving failure"
	case StorageFailure:
		return "storage failure"
	default:
		return fmt.Sprintf("unknown failure %d", uint8(k))
	}
}

// Error makes a Kind usable as errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Range is the half-open cycle range a failure happened in.
type Range struct {
	Begin uint64
	End   uint64
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Begin, r.End)
}

// Page identifies a page whose hash did not match.
type Page struct {
	Paddr uint64
	Want  common.Hash // claimed by the journal
	Got   common.Hash // observed on the machine
}

type Error struct {
	Kind  Kind
	Range *Range
	Page  *Page
	Err   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Range != nil {
		fmt.Fprintf(&sb, " in cycles %s", e.Range)
	}
	if e.Page != nil {
		fmt.Fprintf(&sb, ": page %#x: journal claims %s, machine has %s", e.Page.Paddr, e.Page.Want, e.Page.Got)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// InRange returns the fatal error in err's chain with the cycle range attached,
// unless it already carries one. Errors that are not fatal are returned as they are.
func InRange(err error, begin, end uint64) error {
	var fe *Error
	if !errors.As(err, &fe) || fe.Range != nil {
		return err
	}
	cp := *fe
	cp.Range = &Range{Begin: begin, End: end}
	return &cp
}

// AsError returns the fatal error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}
