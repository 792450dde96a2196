package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/asterisc-zk/chunkprover/rvgo/cmd"
)

func main() {
	app := cli.NewApp()
	app.Name = "chunkprover"
	app.Usage = "RISC-V cycle range prover"
	app.Description = "Prove cycle ranges of a RISC-V machine by re-executing them chunk by chunk in an isolated enclave"
	app.Commands = []*cli.Command{
		cmd.ProveCommand,
		cmd.ServeCommand,
		cmd.VerifyCommand,
		cmd.LoadELFCommand,
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			<-c
			cancel()
			fmt.Println("\r\nExiting...")
		}
	}()

	err := app.RunContext(ctx, os.Args)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			_, _ = fmt.Fprintf(os.Stderr, "command interrupted")
			os.Exit(130)
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}
