package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/asterisc-zk/chunkprover/rvgo/enclave"
	"github.com/asterisc-zk/chunkprover/rvgo/fatal"
	"github.com/asterisc-zk/chunkprover/rvgo/machine"
	"github.com/asterisc-zk/chunkprover/rvgo/prover"
	"github.com/asterisc-zk/chunkprover/rvgo/uarch"
)

type recorder struct {
	NoopMetrics
	mu       sync.Mutex
	events   []string
	executed []enclave.CycleRange
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) RecordChunkExecuted(cr enclave.CycleRange, pageIns int, dirty int, elapsed time.Duration) {
	r.mu.Lock()
	r.executed = append(r.executed, cr)
	r.mu.Unlock()
	r.add(fmt.Sprintf("executed %d", cr.Begin))
}

func (r *recorder) RecordChunkQueued(cr enclave.CycleRange) {
	r.add(fmt.Sprintf("queued %d", cr.Begin))
}

func (r *recorder) RecordReceiptStored(cr enclave.CycleRange, elapsed time.Duration) {
	r.add(fmt.Sprintf("stored %d", cr.Begin))
}

func (r *recorder) has(ev string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.events, ev)
}

func (r *recorder) index(ev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Index(r.events, ev)
}

type gatedProver struct {
	inner prover.Prover
	gate  chan struct{}
}

func (g *gatedProver) Prove(ctx context.Context, s *enclave.Session) (*prover.Receipt, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.Prove(ctx, s)
}

// faultyRemote injects machine service failures.
type faultyRemote struct {
	machine.Remote
	failReadsAfter int
	reads          int
	runShort       bool
}

func (f *faultyRemote) ReadMemory(ctx context.Context, paddr, length uint64) ([]byte, error) {
	f.reads++
	if f.failReadsAfter > 0 && f.reads > f.failReadsAfter {
		return nil, errors.New("machine service unavailable")
	}
	return f.Remote.ReadMemory(ctx, paddr, length)
}

func (f *faultyRemote) Run(ctx context.Context, target uint64) error {
	if f.runShort && target > 0 {
		target--
	}
	return f.Remote.Run(ctx, target)
}

type fixture struct {
	t      *testing.T
	logger log.Logger
	svc    *machine.Service
	store  *prover.Store
	tty    bytes.Buffer
}

func newFixture(t *testing.T, state *machine.State) *fixture {
	logger := testlog.Logger(t, log.LevelInfo)
	svc := machine.NewService(logger, nil)
	svc.LoadState(state, machine.RuntimeConfig{})
	store, err := prover.NewStore(filepath.Join(t.TempDir(), "proofs"))
	require.NoError(t, err)
	return &fixture{t: t, logger: logger, svc: svc, store: store}
}

func (f *fixture) run(cfg Config, remote machine.Remote, p prover.Prover, m Metricer) (*Result, error) {
	if p == nil {
		p = prover.NewDevProver(f.logger, uarch.ImageID)
	}
	pl, err := New(f.logger, cfg, remote, p, f.store, m, &f.tty)
	require.NoError(f.t, err)
	return pl.Run(context.Background())
}

func (f *fixture) mcycle() uint64 {
	v, err := f.svc.ReadRegister(context.Background(), "mcycle")
	require.NoError(f.t, err)
	return v
}

func (f *fixture) receiptNames() []string {
	paths, err := f.store.Receipts()
	require.NoError(f.t, err)
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	return names
}

func yieldAt37() *machine.State {
	var prog uarch.Program
	for i := 0; i < 35; i++ {
		prog = append(prog, uarch.Nop())
	}
	prog = append(prog,
		uarch.Addi(uarch.RegA7, 0, uarch.SysYield),
		uarch.Ecall(),
		uarch.Addi(uarch.RegA7, 0, 0),
		uarch.Lui(uarch.RegS0, 0x20),
		uarch.Addi(uarch.RegT1, uarch.RegT1, 1),
		uarch.Sd(uarch.RegT1, uarch.RegS0, 0),
		uarch.Jal(0, -8),
	)
	state, err := machine.NewProgramState(prog.Bytes())
	if err != nil {
		panic(err)
	}
	return state
}

func TestConfigCheck(t *testing.T) {
	valid := Config{MinCycle: 0, MaxCycle: 100, Step: 50, Bound: 1}
	require.NoError(t, valid.Check())

	cfg := valid
	cfg.Step = 0
	require.ErrorIs(t, cfg.Check(), ErrMissingStep)

	cfg = valid
	cfg.MaxCycle = 0
	require.ErrorIs(t, cfg.Check(), ErrCycleRange)

	cfg = valid
	cfg.Bound = -1
	require.ErrorIs(t, cfg.Check(), ErrNegativeSize)

	require.Equal(t, uint64(50), valid.chunkEnd(0))
	require.Equal(t, uint64(100), valid.chunkEnd(60))
	big := Config{MinCycle: 0, MaxCycle: ^uint64(0), Step: ^uint64(0) - 1}
	require.Equal(t, ^uint64(0), big.chunkEnd(5), "no overflow")
}

func TestEndToEndOverRPC(t *testing.T) {
	f := newFixture(t, machine.DemoState())
	srv, err := f.svc.RPCServer()
	require.NoError(t, err)
	defer srv.Stop()
	client := machine.NewClient(rpc.DialInProc(srv))
	defer client.Close()

	rec := &recorder{}
	res, err := f.run(Config{MinCycle: 0, MaxCycle: 100, Step: 50, Bound: 2}, client, nil, rec)
	require.NoError(t, err)
	require.False(t, res.Halted)
	require.Equal(t, uint64(100), res.EndMcycle)
	require.Equal(t, []enclave.CycleRange{{Begin: 0, End: 50}, {Begin: 50, End: 100}}, rec.executed)
	require.Equal(t, []string{"proofs_0_50.bin", "proofs_50_100.bin"}, f.receiptNames())
	require.Equal(t, uint64(100), f.mcycle())
	require.Equal(t, "hi\n", f.tty.String())

	for i, path := range res.Receipts {
		r, err := prover.LoadReceipt(path)
		require.NoError(t, err)
		require.NoError(t, prover.Verify(r, uarch.ImageID))
		j, err := r.DecodeJournal()
		require.NoError(t, err)
		require.Equal(t, rec.executed[i], j.Range())
	}
}

func TestMonotonicProgress(t *testing.T) {
	f := newFixture(t, machine.DemoState())
	rec := &recorder{}
	_, err := f.run(Config{MinCycle: 7, MaxCycle: 100, Step: 13, Bound: 0, SegmentSize: 1}, f.svc, nil, rec)
	require.NoError(t, err)

	prev := uint64(7)
	for _, r := range rec.executed {
		require.Equal(t, prev, r.Begin, "chunks are contiguous")
		require.Greater(t, r.End, r.Begin)
		prev = r.End
	}
	require.Equal(t, uint64(100), prev)
	require.Len(t, f.receiptNames(), len(rec.executed))
	require.Equal(t, uint64(100), f.mcycle())
}

func TestYieldShiftsChunkBoundaries(t *testing.T) {
	f := newFixture(t, yieldAt37())
	rec := &recorder{}
	res, err := f.run(Config{MinCycle: 0, MaxCycle: 100, Step: 50, Bound: 1}, f.svc, nil, rec)
	require.NoError(t, err)
	require.False(t, res.Halted)
	require.Equal(t, []enclave.CycleRange{
		{Begin: 0, End: 37},
		{Begin: 37, End: 87},
		{Begin: 87, End: 100},
	}, rec.executed)
	require.Equal(t, []string{"proofs_0_37.bin", "proofs_37_87.bin", "proofs_87_100.bin"}, f.receiptNames())
	require.Equal(t, uint64(100), f.mcycle())
}

func TestHaltStopsRun(t *testing.T) {
	state, err := machine.NewProgramState(uarch.Program{
		uarch.Addi(uarch.RegA7, 0, uarch.SysExit),
		uarch.Addi(uarch.RegA0, 0, 0),
		uarch.Ecall(),
	}.Bytes())
	require.NoError(t, err)
	f := newFixture(t, state)
	res, err := f.run(Config{MinCycle: 0, MaxCycle: 100, Step: 50, Bound: 1}, f.svc, nil, nil)
	require.NoError(t, err)
	require.True(t, res.Halted)
	require.Equal(t, uint64(3), res.EndMcycle)
	require.Equal(t, []string{"proofs_0_3.bin"}, f.receiptNames())
	require.Equal(t, uint64(3), f.mcycle())
}

func TestStartCycleMismatch(t *testing.T) {
	state, err := machine.NewProgramState(uarch.Program{
		uarch.Addi(uarch.RegA7, 0, uarch.SysExit),
		uarch.Ecall(),
	}.Bytes())
	require.NoError(t, err)
	f := newFixture(t, state)
	_, err = f.run(Config{MinCycle: 10, MaxCycle: 100, Step: 50, Bound: 1}, f.svc, nil, nil)
	require.ErrorIs(t, err, fatal.CycleMismatch)
	require.Empty(t, f.receiptNames())
}

func TestStartMachineUnavailable(t *testing.T) {
	logger := testlog.Logger(t, log.LevelInfo)
	f := newFixture(t, machine.DemoState())
	empty := machine.NewService(logger, nil)
	_, err := f.run(Config{MinCycle: 0, MaxCycle: 100, Step: 50, Bound: 1}, empty, nil, nil)
	require.ErrorIs(t, err, fatal.OracleFailure)
	require.ErrorIs(t, err, machine.ErrNotLoaded)
	require.Empty(t, f.receiptNames())
}

func TestStalledEnclaveIsNotAHalt(t *testing.T) {
	stalled := func(h uarch.Host, begin, end uint64) (uint64, error) {
		return begin, nil
	}
	f := newFixture(t, machine.DemoState())
	res, err := f.run(Config{MinCycle: 0, MaxCycle: 100, Step: 50, Bound: 1, Interpreter: stalled}, f.svc, nil, nil)
	require.ErrorIs(t, err, fatal.CycleMismatch)
	require.False(t, res.Halted)
	require.Equal(t, uint64(0), res.EndMcycle)
	fe, ok := fatal.AsError(err)
	require.True(t, ok)
	require.Equal(t, &fatal.Range{Begin: 0, End: 50}, fe.Range)
	require.Empty(t, f.receiptNames())
	require.Equal(t, uint64(0), f.mcycle())
}

func TestMachineFallsBehind(t *testing.T) {
	f := newFixture(t, machine.DemoState())
	remote := &faultyRemote{Remote: f.svc, runShort: true}
	_, err := f.run(Config{MinCycle: 0, MaxCycle: 100, Step: 50, Bound: 1}, remote, nil, nil)
	require.ErrorIs(t, err, fatal.CycleMismatch)
	fe, ok := fatal.AsError(err)
	require.True(t, ok)
	require.Equal(t, &fatal.Range{Begin: 0, End: 50}, fe.Range)
	require.Empty(t, f.receiptNames())
}

func TestOracleFailureAbortsChunk(t *testing.T) {
	f := newFixture(t, machine.DemoState())
	remote := &faultyRemote{Remote: f.svc, failReadsAfter: 3}
	_, err := f.run(Config{MinCycle: 0, MaxCycle: 100, Step: 50, Bound: 1}, remote, nil, nil)
	require.ErrorIs(t, err, fatal.OracleFailure)
	require.ErrorContains(t, err, "machine service unavailable")
	fe, _ := fatal.AsError(err)
	require.Equal(t, &fatal.Range{Begin: 0, End: 50}, fe.Range)
	require.Empty(t, f.receiptNames())
}

func TestDivergentEnclaveWriteIsCaught(t *testing.T) {
	const paddr = 0x30000
	lying := func(h uarch.Host, begin, end uint64) (uint64, error) {
		reached, err := uarch.Run(h, begin, end)
		if err != nil {
			return reached, err
		}
		page, err := h.Fetch(paddr, uarch.PageSize)
		if err != nil {
			return reached, err
		}
		page[0] ^= 0xff
		return reached, h.MarkDirty(paddr)
	}
	f := newFixture(t, machine.DemoState())
	_, err := f.run(Config{MinCycle: 0, MaxCycle: 100, Step: 50, Bound: 1, Interpreter: lying}, f.svc, nil, nil)
	require.ErrorIs(t, err, fatal.ConsistencyFailure)
	fe, ok := fatal.AsError(err)
	require.True(t, ok)
	require.Equal(t, uint64(paddr), fe.Page.Paddr)
	require.Equal(t, crypto.Keccak256Hash(make([]byte, uarch.PageSize)), fe.Page.Got)
	require.Equal(t, &fatal.Range{Begin: 0, End: 50}, fe.Range)
	require.Empty(t, f.receiptNames(), "nothing is proven after a divergence")
}

func TestVerifierCorruptedAfterHash(t *testing.T) {
	f := newFixture(t, machine.DemoState())
	ctx := context.Background()
	read := func(paddr, length uint64) ([]byte, error) {
		return f.svc.ReadMemory(ctx, paddr, length)
	}
	session, err := enclave.Execute(enclave.Config{}, enclave.CycleRange{Begin: 0, End: 30}, oracleFunc(read))
	require.NoError(t, err)
	require.NoError(t, f.svc.Run(ctx, 30))

	v := NewVerifier(f.logger, f.svc, false)
	j := session.Journal()
	require.NoError(t, v.Verify(ctx, j))

	idx := slices.IndexFunc(j.PageCommitments, func(c enclave.PageCommitment) bool {
		return c.Paddr == 0x20000
	})
	require.GreaterOrEqual(t, idx, 0)
	corrupted := *j.PageCommitments[idx].AfterHash
	corrupted[0] ^= 1
	j.PageCommitments[idx].AfterHash = &corrupted

	err = v.Verify(ctx, j)
	require.ErrorIs(t, err, fatal.ConsistencyFailure)
	fe, ok := fatal.AsError(err)
	require.True(t, ok)
	require.Equal(t, uint64(0x20000), fe.Page.Paddr)
	require.Equal(t, corrupted, fe.Page.Want)
	require.NotEqual(t, corrupted, fe.Page.Got)
}

func TestVerifierStrictClean(t *testing.T) {
	f := newFixture(t, machine.DemoState())
	ctx := context.Background()
	require.NoError(t, f.svc.Run(ctx, 30))

	// claims the message page was read but left untouched
	j := &enclave.Journal{
		BeginMcycle: 0,
		EndMcycle:   30,
		PageCommitments: []enclave.PageCommitment{{
			Paddr:       0x21000,
			Length:      uarch.PageSize,
			InitialHash: crypto.Keccak256Hash(make([]byte, uarch.PageSize)),
		}},
	}
	require.NoError(t, NewVerifier(f.logger, f.svc, false).Verify(ctx, j))
	err := NewVerifier(f.logger, f.svc, true).Verify(ctx, j)
	require.ErrorIs(t, err, fatal.ConsistencyFailure)
}

func TestBackpressure(t *testing.T) {
	f := newFixture(t, machine.DemoState())
	rec := &recorder{}
	gate := make(chan struct{})
	p := &gatedProver{inner: prover.NewDevProver(f.logger, uarch.ImageID), gate: gate}

	done := make(chan error, 1)
	go func() {
		_, err := f.run(Config{MinCycle: 0, MaxCycle: 50, Step: 10, Bound: 1}, f.svc, p, rec)
		done <- err
	}()

	// chunk 0 is being proven, chunk 1 fills the queue, chunk 2 must wait
	require.Eventually(t, func() bool { return rec.has("queued 10") }, 5*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return rec.has("queued 20") }, 300*time.Millisecond, 10*time.Millisecond)
	require.False(t, rec.has("stored 0"))

	close(gate)
	require.NoError(t, <-done)
	require.Less(t, rec.index("stored 0"), rec.index("queued 20"))
	require.Less(t, rec.index("stored 10"), rec.index("queued 30"))
	require.Equal(t, []string{
		"proofs_0_10.bin", "proofs_10_20.bin", "proofs_20_30.bin", "proofs_30_40.bin", "proofs_40_50.bin",
	}, f.receiptNames())
}

func TestProvingFailureStopsProducer(t *testing.T) {
	f := newFixture(t, machine.DemoState())
	failing := proverFunc(func(ctx context.Context, s *enclave.Session) (*prover.Receipt, error) {
		return nil, errors.New("out of memory")
	})
	res, err := f.run(Config{MinCycle: 0, MaxCycle: 1000, Step: 10, Bound: 1}, f.svc, failing, nil)
	require.ErrorIs(t, err, fatal.ProvingFailure)
	fe, _ := fatal.AsError(err)
	require.Equal(t, &fatal.Range{Begin: 0, End: 10}, fe.Range)
	require.Less(t, res.EndMcycle, uint64(1000), "producer stops early")
	require.Empty(t, f.receiptNames())
}

func TestStorageFailure(t *testing.T) {
	f := newFixture(t, machine.DemoState())
	require.NoError(t, os.RemoveAll(f.store.Dir()))
	_, err := f.run(Config{MinCycle: 0, MaxCycle: 20, Step: 10, Bound: 1}, f.svc, nil, nil)
	require.ErrorIs(t, err, fatal.StorageFailure)
}

type oracleFunc func(paddr, length uint64) ([]byte, error)

func (fn oracleFunc) PageIn(paddr, length uint64) ([]byte, error) {
	return fn(paddr, length)
}

type proverFunc func(ctx context.Context, s *enclave.Session) (*prover.Receipt, error)

func (fn proverFunc) Prove(ctx context.Context, s *enclave.Session) (*prover.Receipt, error) {
	return fn(ctx, s)
}
