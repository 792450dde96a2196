// Package oracle serves machine memory to the enclave, one page request at a time.
package oracle

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/asterisc-zk/chunkprover/rvgo/fatal"
	"github.com/asterisc-zk/chunkprover/rvgo/machine"
)

// Bridge answers page requests by reading the remote machine.
//
// Each request is handed to a fresh worker goroutine that performs exactly one
// ReadMemory call, while the caller blocks until the worker is done. Pass a
// *machine.Shared so that requests never interleave with other remote calls.
// There is no caching and no retry: every failure is fatal.
type Bridge struct {
	log    log.Logger
	remote machine.Remote

	requests atomic.Uint64
	bytes    atomic.Uint64
}

func NewBridge(logger log.Logger, remote machine.Remote) *Bridge {
	return &Bridge{log: logger, remote: remote}
}

type readResult struct {
	data []byte
	err  error
}

// PageIn decodes a raw 16 byte request and reads the memory it names.
func (b *Bridge) PageIn(ctx context.Context, raw []byte) ([]byte, error) {
	req, err := ParseRequest(raw)
	if err != nil {
		return nil, fatal.New(fatal.OracleFailure, err)
	}
	return b.Read(ctx, req)
}

func (b *Bridge) Read(ctx context.Context, req Request) ([]byte, error) {
	b.requests.Add(1)
	done := make(chan readResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- readResult{err: fmt.Errorf("page oracle worker panicked: %v", r)}
			}
		}()
		data, err := b.remote.ReadMemory(ctx, req.Paddr, req.Length)
		done <- readResult{data: data, err: err}
	}()
	res := <-done
	if res.err != nil {
		return nil, fatal.New(fatal.OracleFailure, fmt.Errorf("read %d bytes at %#x: %w", req.Length, req.Paddr, res.err))
	}
	if uint64(len(res.data)) != req.Length {
		return nil, fatal.Newf(fatal.OracleFailure, "read at %#x returned %d bytes, expected %d", req.Paddr, len(res.data), req.Length)
	}
	b.bytes.Add(req.Length)
	b.log.Trace("Paged in", "paddr", hexutil.Uint64(req.Paddr), "length", req.Length)
	return res.data, nil
}

// Requests is the number of requests served so far, failed ones included.
func (b *Bridge) Requests() uint64 {
	return b.requests.Load()
}

// Bytes is the number of bytes served so far.
func (b *Bridge) Bytes() uint64 {
	return b.bytes.Load()
}
