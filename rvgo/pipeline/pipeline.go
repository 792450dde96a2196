// Package pipeline proves a range of machine cycles: a driver executes and
// verifies chunks, a prover turns them into receipts, and a bounded queue
// between the two keeps executed but unproven chunks in check.
package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/asterisc-zk/chunkprover/rvgo/enclave"
	"github.com/asterisc-zk/chunkprover/rvgo/fatal"
	"github.com/asterisc-zk/chunkprover/rvgo/machine"
	"github.com/asterisc-zk/chunkprover/rvgo/prover"
)

type Result struct {
	// Receipts are the stored receipt files, in cycle order.
	Receipts []string
	// EndMcycle is the cycle the last chunk reached.
	EndMcycle uint64
	// Halted is set if the machine halted before the end of the range.
	Halted bool
}

type Pipeline struct {
	log     log.Logger
	cfg     Config
	driver  *Driver
	prover  prover.Prover
	store   *prover.Store
	metrics Metricer
}

func New(logger log.Logger, cfg Config, remote machine.Remote, p prover.Prover, store *prover.Store, m Metricer, tty io.Writer) (*Pipeline, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if m == nil {
		m = NoopMetrics{}
	}
	return &Pipeline{
		log:     logger,
		cfg:     cfg,
		driver:  NewDriver(logger, cfg, remote, m, tty),
		prover:  p,
		store:   store,
		metrics: m,
	}, nil
}

func (p *Pipeline) Driver() *Driver {
	return p.driver
}

// Run proves the configured range. Any error stops both sides; receipts
// already stored stay valid.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if err := p.driver.Start(ctx); err != nil {
		return nil, err
	}
	p.log.Info("Proving cycles", "min", p.cfg.MinCycle, "max", p.cfg.MaxCycle, "step", p.cfg.Step, "bound", p.cfg.Bound)

	res := &Result{}
	queue := make(chan *enclave.Session, p.cfg.Bound)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		return p.driver.Produce(gctx, queue)
	})
	g.Go(func() error {
		return p.consume(gctx, queue, res)
	})
	err := g.Wait()
	res.EndMcycle = p.driver.Mcycle()
	res.Halted = p.driver.Halted()
	if err != nil {
		return res, err
	}
	p.log.Info("Proved cycles", "end", res.EndMcycle, "receipts", len(res.Receipts), "halted", res.Halted)
	return res, nil
}

// consume proves sessions in the order they were produced until the queue
// is closed and drained, or the run fails.
func (p *Pipeline) consume(ctx context.Context, queue <-chan *enclave.Session, res *Result) error {
	for session := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := session.Range()
		start := time.Now()
		p.log.Info("Proving chunk", "range", r, "segments", session.SegmentCount())
		receipt, err := p.prover.Prove(ctx, session)
		if err != nil {
			if _, ok := fatal.AsError(err); !ok {
				err = fatal.New(fatal.ProvingFailure, err)
			}
			return fatal.InRange(err, r.Begin, r.End)
		}
		path, err := p.store.Write(receipt)
		if err != nil {
			return fatal.InRange(err, r.Begin, r.End)
		}
		elapsed := time.Since(start)
		p.metrics.RecordReceiptStored(r, elapsed)
		p.log.Info("Stored receipt", "range", r, "path", path, "elapsed", elapsed)
		res.Receipts = append(res.Receipts, path)
	}
	return nil
}
