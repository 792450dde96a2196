package cmd

import (
	"debug/elf"
	"fmt"
	"os"

	cannon "github.com/ethereum-optimism/optimism/cannon/cmd"
	"github.com/urfave/cli/v2"

	"github.com/asterisc-zk/chunkprover/rvgo/machine"
)

func LoadELF(ctx *cli.Context) error {
	elfPath := ctx.Path(cannon.LoadELFPathFlag.Name)
	elfProgram, err := elf.Open(elfPath)
	if err != nil {
		return fmt.Errorf("failed to open ELF file %q: %w", elfPath, err)
	}
	defer elfProgram.Close()
	state, err := machine.LoadELF(elfProgram)
	if err != nil {
		return fmt.Errorf("failed to load ELF data into machine state: %w", err)
	}
	l, err := loggerFromCLI(ctx, os.Stderr)
	if err != nil {
		return err
	}
	l.Info("Loaded ELF", "path", elfPath, "entry", HexU64(elfProgram.Entry), "pages", state.Memory.PageCount())
	return machine.WriteImage(ctx.Path(cannon.LoadELFOutFlag.Name), state)
}

var LoadELFCommand = &cli.Command{
	Name:        "load-elf",
	Usage:       "Load ELF file into a machine state image",
	Description: "Load a RISC-V ELF file into a JSON machine state image, for the machine service to serve.",
	Action:      LoadELF,
	Flags: []cli.Flag{
		cannon.LoadELFPathFlag,
		cannon.LoadELFOutFlag,
		LogLevelFlag,
	},
}
