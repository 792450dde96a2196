package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/asterisc-zk/chunkprover/rvgo/enclave"
	"github.com/asterisc-zk/chunkprover/rvgo/fatal"
	"github.com/asterisc-zk/chunkprover/rvgo/machine"
	"github.com/asterisc-zk/chunkprover/rvgo/oracle"
)

// Driver executes the cycle range chunk by chunk in the enclave, and keeps
// the machine in step with it.
type Driver struct {
	log      log.Logger
	cfg      Config
	remote   *machine.Shared
	bridge   *oracle.Bridge
	verifier *Verifier
	metrics  Metricer
	tty      io.Writer

	mcycle uint64
	halted bool
}

// NewDriver wraps remote in a single lock shared by the driver and the page
// oracle. Program output of each chunk is written to tty.
func NewDriver(logger log.Logger, cfg Config, remote machine.Remote, m Metricer, tty io.Writer) *Driver {
	shared := machine.NewShared(remote)
	if tty == nil {
		tty = io.Discard
	}
	if m == nil {
		m = NoopMetrics{}
	}
	return &Driver{
		log:      logger,
		cfg:      cfg,
		remote:   shared,
		bridge:   oracle.NewBridge(logger, shared),
		verifier: NewVerifier(logger, shared, cfg.StrictClean),
		metrics:  m,
		tty:      tty,
		mcycle:   cfg.MinCycle,
	}
}

func (d *Driver) Bridge() *oracle.Bridge {
	return d.bridge
}

// Mcycle is the cycle the driver and the machine agree on.
func (d *Driver) Mcycle() uint64 {
	return d.mcycle
}

// Halted reports whether the run stopped early because the machine halted.
func (d *Driver) Halted() bool {
	return d.halted
}

// Start loads the machine if configured, brings it to the first cycle and
// checks that it is there.
func (d *Driver) Start(ctx context.Context) error {
	if d.cfg.ImagePath != "" {
		d.log.Info("Loading machine", "image", d.cfg.ImagePath, "maxPages", d.cfg.Runtime.MaxPages)
		if err := d.remote.Load(ctx, d.cfg.ImagePath, d.cfg.Runtime); err != nil {
			return fatal.New(fatal.OracleFailure, fmt.Errorf("failed to load machine: %w", err))
		}
	}
	if err := d.remote.Run(ctx, d.cfg.MinCycle); err != nil {
		return fatal.New(fatal.OracleFailure, fmt.Errorf("failed to run machine to cycle %d: %w", d.cfg.MinCycle, err))
	}
	mcycle, err := d.remote.ReadRegister(ctx, "mcycle")
	if err != nil {
		return fatal.New(fatal.OracleFailure, fmt.Errorf("failed to read machine cycle: %w", err))
	}
	if mcycle != d.cfg.MinCycle {
		return fatal.InRange(fatal.Newf(fatal.CycleMismatch, "machine is at cycle %d, expected %d", mcycle, d.cfg.MinCycle), d.cfg.MinCycle, d.cfg.MaxCycle)
	}
	d.mcycle = mcycle
	d.metrics.RecordCycle(mcycle)
	return nil
}

// Produce executes chunks until the end of the range or a halt, and sends
// every verified session to out in cycle order. It blocks while out is full.
func (d *Driver) Produce(ctx context.Context, out chan<- *enclave.Session) error {
	for d.mcycle < d.cfg.MaxCycle {
		r := enclave.CycleRange{Begin: d.mcycle, End: d.cfg.chunkEnd(d.mcycle)}
		session, err := d.step(ctx, r)
		if err != nil {
			return fatal.InRange(err, r.Begin, r.End)
		}
		j := session.Journal()
		if j.EndMcycle == r.Begin {
			halted, err := d.remote.ReadRegister(ctx, "halted")
			if err != nil {
				return fatal.InRange(fatal.New(fatal.OracleFailure, fmt.Errorf("failed to read machine halted flag: %w", err)), r.Begin, r.End)
			}
			if halted == 0 {
				return fatal.InRange(fatal.Newf(fatal.CycleMismatch, "enclave made no progress from cycle %d, but the machine is not halted", r.Begin), r.Begin, r.End)
			}
			d.halted = true
			d.log.Info("Machine halted", "mcycle", j.EndMcycle)
			return nil
		}
		select {
		case out <- session:
		case <-ctx.Done():
			return ctx.Err()
		}
		d.metrics.RecordChunkQueued(j.Range())
		d.log.Debug("Queued chunk", "range", j.Range(), "segments", session.SegmentCount())
		d.mcycle = j.EndMcycle
	}
	return nil
}

// step runs one chunk in the enclave, advances the machine to where the
// enclave stopped and verifies the journal against it.
func (d *Driver) step(ctx context.Context, r enclave.CycleRange) (*enclave.Session, error) {
	start := time.Now()
	session, err := d.execute(ctx, r)
	if err != nil {
		return nil, err
	}
	j := session.Journal()
	if len(j.TTYOutput) > 0 {
		_, _ = d.tty.Write(j.TTYOutput)
	}

	if err := d.remote.Run(ctx, j.EndMcycle); err != nil {
		return nil, fatal.New(fatal.OracleFailure, fmt.Errorf("failed to run machine to cycle %d: %w", j.EndMcycle, err))
	}
	mcycle, err := d.remote.ReadRegister(ctx, "mcycle")
	if err != nil {
		return nil, fatal.New(fatal.OracleFailure, fmt.Errorf("failed to read machine cycle: %w", err))
	}
	if mcycle != j.EndMcycle {
		return nil, fatal.Newf(fatal.CycleMismatch, "machine reached cycle %d, enclave reached %d", mcycle, j.EndMcycle)
	}
	d.metrics.RecordCycle(mcycle)

	if err := d.verifier.Verify(ctx, j); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	d.metrics.RecordChunkExecuted(j.Range(), len(j.PageCommitments), len(j.Dirty()), elapsed)
	d.metrics.RecordPageIns(d.bridge.Requests())
	d.log.Info("Executed chunk",
		"requested", r,
		"reached", j.EndMcycle,
		"pages", len(j.PageCommitments),
		"dirty", len(j.Dirty()),
		"segments", session.SegmentCount(),
		"elapsed", elapsed,
	)
	return session, nil
}

// execute runs the enclave over a fresh page oracle channel.
func (d *Driver) execute(ctx context.Context, r enclave.CycleRange) (*enclave.Session, error) {
	ch, err := oracle.Open(ctx, d.log, d.bridge)
	if err != nil {
		return nil, fatal.New(fatal.OracleFailure, err)
	}
	session, execErr := enclave.Execute(d.cfg.enclaveConfig(), r, ch.Client())
	if err := ch.Close(); err != nil {
		// the server's error says why the enclave's read failed
		if _, ok := fatal.AsError(err); !ok {
			err = fatal.New(fatal.OracleFailure, err)
		}
		return nil, err
	}
	if execErr != nil {
		return nil, execErr
	}
	return session, nil
}
