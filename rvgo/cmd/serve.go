package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/httputil"

	"github.com/asterisc-zk/chunkprover/rvgo/machine"
)

var (
	ServeAddrFlag = &cli.StringFlag{
		Name:    "addr",
		Usage:   "Address the machine service listens on",
		EnvVars: prefixEnvVars("ADDR"),
		Value:   "127.0.0.1:9645",
	}
	ServeImageFlag = &cli.PathFlag{
		Name:    "image",
		Usage:   "Machine state image to load at startup. Clients may also load one over RPC.",
		EnvVars: prefixEnvVars("IMAGE"),
	}
	ServeDemoFlag = &cli.BoolFlag{
		Name:  "demo",
		Usage: "Load the built-in demo program at startup",
	}
	ServeMaxPagesFlag = &cli.Uint64Flag{
		Name:    "max-pages",
		Usage:   "Page limit of the machine loaded at startup. 0 is unlimited.",
		EnvVars: prefixEnvVars("MAX_PAGES"),
	}
)

// Serve hosts the canonical machine over HTTP JSON-RPC until interrupted.
func Serve(ctx *cli.Context) error {
	l, err := loggerFromCLI(ctx, os.Stderr)
	if err != nil {
		return err
	}
	svc := machine.NewService(l, &LoggingWriter{Name: "machine tty", Log: l})
	cfg := machine.RuntimeConfig{MaxPages: ctx.Uint64(ServeMaxPagesFlag.Name)}
	switch {
	case ctx.IsSet(ServeImageFlag.Name) && ctx.Bool(ServeDemoFlag.Name):
		return fmt.Errorf("--%s and --%s are mutually exclusive", ServeImageFlag.Name, ServeDemoFlag.Name)
	case ctx.IsSet(ServeImageFlag.Name):
		if err := svc.Load(ctx.Context, ctx.Path(ServeImageFlag.Name), cfg); err != nil {
			return err
		}
	case ctx.Bool(ServeDemoFlag.Name):
		svc.LoadState(machine.DemoState(), cfg)
	}

	srv, err := svc.RPCServer()
	if err != nil {
		return err
	}
	defer srv.Stop()

	httpSrv, err := startHTTP(l, ctx.String(ServeAddrFlag.Name), srv)
	if err != nil {
		return err
	}
	defer stopServer(l, "machine", httpSrv)
	<-ctx.Context.Done()
	return nil
}

func startHTTP(l log.Logger, addr string, h http.Handler) (*httputil.HTTPServer, error) {
	srv, err := httputil.StartHTTPServer(addr, h)
	if err != nil {
		return nil, fmt.Errorf("failed to start machine server: %w", err)
	}
	l.Info("Serving machine", "addr", srv.Addr(), "namespace", machine.Namespace)
	return srv, nil
}

// stopServer gives in-flight requests a few seconds before force-closing.
func stopServer(l log.Logger, name string, srv *httputil.HTTPServer) {
	l.Info("Stopping server", "name", name)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		l.Error("Failed to stop server", "name", name, "err", err)
	}
}

var ServeCommand = &cli.Command{
	Name:        "serve",
	Usage:       "Serve a machine over JSON-RPC",
	Description: "Host the canonical machine the prover pages from and checks against, over HTTP JSON-RPC.",
	Action:      Serve,
	Flags: []cli.Flag{
		ServeAddrFlag,
		ServeImageFlag,
		ServeDemoFlag,
		ServeMaxPagesFlag,
		LogLevelFlag,
	},
}
