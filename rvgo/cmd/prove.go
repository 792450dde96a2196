package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"

	cannon "github.com/ethereum-optimism/optimism/cannon/cmd"

	"github.com/asterisc-zk/chunkprover/rvgo/enclave"
	"github.com/asterisc-zk/chunkprover/rvgo/machine"
	"github.com/asterisc-zk/chunkprover/rvgo/metrics"
	"github.com/asterisc-zk/chunkprover/rvgo/pipeline"
	"github.com/asterisc-zk/chunkprover/rvgo/prover"
	"github.com/asterisc-zk/chunkprover/rvgo/uarch"
)

var ErrProveArgs = errors.New("expected arguments: <address> <min_cycle> <max_cycle> <step> <bound>")

var (
	ProveImageFlag = &cli.StringFlag{
		Name:    "image",
		Usage:   "Machine state image for the remote machine to load before proving. Resolved by the machine service.",
		EnvVars: prefixEnvVars("IMAGE"),
	}
	ProveMaxPagesFlag = &cli.Uint64Flag{
		Name:    "max-pages",
		Usage:   "Page limit applied when loading --image. 0 is unlimited.",
		EnvVars: prefixEnvVars("MAX_PAGES"),
	}
	ProveProofsDirFlag = &cli.PathFlag{
		Name:    "proofs-dir",
		Usage:   "Directory receipts are written to",
		EnvVars: prefixEnvVars("PROOFS_DIR"),
		Value:   "proofs",
	}
	ProveVerifyCleanFlag = &cli.BoolFlag{
		Name:    "verify-clean",
		Usage:   "Also compare pages read but not written by a chunk against the machine",
		EnvVars: prefixEnvVars("VERIFY_CLEAN"),
	}
	ProveSegmentSizeFlag = &cli.IntFlag{
		Name:    "segment-size",
		Usage:   "Page-ins per transcript segment",
		EnvVars: prefixEnvVars("SEGMENT_SIZE"),
		Value:   enclave.DefaultSegmentSize,
	}
	ProveMetricsAddrFlag = &cli.StringFlag{
		Name:    "metrics.addr",
		Usage:   "Serve prometheus metrics on this address. Disabled if empty.",
		EnvVars: prefixEnvVars("METRICS_ADDR"),
	}
)

type proveArgs struct {
	addr  string
	min   uint64
	max   uint64
	step  uint64
	bound int
}

func parseProveArgs(args []string) (*proveArgs, error) {
	if len(args) != 5 {
		return nil, fmt.Errorf("%w, got %d arguments", ErrProveArgs, len(args))
	}
	out := &proveArgs{addr: args[0]}
	var err error
	if out.min, err = strconv.ParseUint(args[1], 0, 64); err != nil {
		return nil, fmt.Errorf("invalid min_cycle: %w", err)
	}
	if out.max, err = strconv.ParseUint(args[2], 0, 64); err != nil {
		return nil, fmt.Errorf("invalid max_cycle: %w", err)
	}
	if out.step, err = strconv.ParseUint(args[3], 0, 64); err != nil {
		return nil, fmt.Errorf("invalid step: %w", err)
	}
	bound, err := strconv.ParseUint(args[4], 0, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid bound: %w", err)
	}
	out.bound = int(bound)
	return out, nil
}

func Prove(ctx *cli.Context) error {
	if ctx.Bool(cannon.RunPProfCPU.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}
	args, err := parseProveArgs(ctx.Args().Slice())
	if err != nil {
		return err
	}
	l, err := loggerFromCLI(ctx, os.Stderr)
	if err != nil {
		return err
	}
	cfg := pipeline.Config{
		MinCycle:    args.min,
		MaxCycle:    args.max,
		Step:        args.step,
		Bound:       args.bound,
		ImagePath:   ctx.String(ProveImageFlag.Name),
		Runtime:     machine.RuntimeConfig{MaxPages: ctx.Uint64(ProveMaxPagesFlag.Name)},
		SegmentSize: ctx.Int(ProveSegmentSizeFlag.Name),
		StrictClean: ctx.Bool(ProveVerifyCleanFlag.Name),
	}
	if err := cfg.Check(); err != nil {
		return err
	}

	store, err := prover.NewStore(ctx.Path(ProveProofsDirFlag.Name))
	if err != nil {
		return err
	}
	var m pipeline.Metricer = pipeline.NoopMetrics{}
	if addr := ctx.String(ProveMetricsAddrFlag.Name); addr != "" {
		pm := metrics.NewMetrics()
		srv, err := pm.StartServer(l, addr)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer stopServer(l, "metrics", srv)
		m = pm
	}

	client, err := machine.Dial(ctx.Context, args.addr)
	if err != nil {
		return fmt.Errorf("failed to dial machine at %q: %w", args.addr, err)
	}
	defer client.Close()

	tty := &LoggingWriter{Name: "program tty", Log: l}
	p, err := pipeline.New(l, cfg, client, prover.NewDevProver(l, uarch.ImageID), store, m, tty)
	if err != nil {
		return err
	}
	res, err := p.Run(ctx.Context)
	if err != nil {
		return err
	}
	l.Info("Done", "receipts", len(res.Receipts), "mcycle", res.EndMcycle, "halted", res.Halted, "dir", store.Dir(),
		"pageIns", p.Driver().Bridge().Requests(), "pageBytes", p.Driver().Bridge().Bytes())
	if res.Halted {
		l.Warn("Machine halted before the end of the range", "max", args.max, "reached", res.EndMcycle)
	}
	return nil
}

var ProveCommand = &cli.Command{
	Name:        "prove",
	Usage:       "Prove a range of machine cycles",
	Description: "Prove cycles [min_cycle, max_cycle) of a remote machine in chunks of step cycles, keeping at most bound executed chunks waiting for the prover.",
	ArgsUsage:   "<address> <min_cycle> <max_cycle> <step> <bound>",
	Action:      Prove,
	Flags: []cli.Flag{
		ProveImageFlag,
		ProveMaxPagesFlag,
		ProveProofsDirFlag,
		ProveVerifyCleanFlag,
		ProveSegmentSizeFlag,
		ProveMetricsAddrFlag,
		LogLevelFlag,
		cannon.RunPProfCPU,
	},
}
