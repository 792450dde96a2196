package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/asterisc-zk/chunkprover/rvgo/fatal"
	"github.com/asterisc-zk/chunkprover/rvgo/machine"
	"github.com/asterisc-zk/chunkprover/rvgo/pipeline"
	"github.com/asterisc-zk/chunkprover/rvgo/prover"
	"github.com/asterisc-zk/chunkprover/rvgo/uarch"
)

func TestParseProveArgs(t *testing.T) {
	args, err := parseProveArgs([]string{"http://localhost:9645", "0", "0x100", "50", "2"})
	require.NoError(t, err)
	require.Equal(t, &proveArgs{addr: "http://localhost:9645", min: 0, max: 256, step: 50, bound: 2}, args)

	_, err = parseProveArgs([]string{"http://localhost:9645", "0", "100"})
	require.ErrorIs(t, err, ErrProveArgs)
	_, err = parseProveArgs([]string{"http://localhost:9645", "0", "100", "ten", "2"})
	require.ErrorContains(t, err, "invalid step")
	_, err = parseProveArgs([]string{"http://localhost:9645", "0", "100", "10", "-1"})
	require.ErrorContains(t, err, "invalid bound")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("trace")
	require.NoError(t, err)
	require.Equal(t, log.LevelTrace, lvl)
	lvl, err = ParseLevel("WARN")
	require.NoError(t, err)
	require.Equal(t, log.LevelWarn, lvl)
	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestLoggingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &LoggingWriter{Name: "program tty", Log: Logger(&buf, log.LevelInfo)}

	n, err := w.Write([]byte("hi\n"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Contains(t, buf.String(), "program tty")
	require.Contains(t, buf.String(), "text=")

	buf.Reset()
	_, err = w.Write([]byte{0x00, 0xff})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "data=0x00ff")
}

func TestHexU64(t *testing.T) {
	require.Equal(t, "0000000000021000", HexU64(0x21000).String())
}

// proveDemo proves [0, 60) of the demo machine into dir.
func proveDemo(t *testing.T, dir string) {
	logger := testlog.Logger(t, log.LevelInfo)
	svc := machine.NewService(logger, nil)
	svc.LoadState(machine.DemoState(), machine.RuntimeConfig{})
	srv, err := svc.RPCServer()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	client := machine.NewClient(rpc.DialInProc(srv))
	t.Cleanup(client.Close)

	store, err := prover.NewStore(dir)
	require.NoError(t, err)
	cfg := pipeline.Config{MinCycle: 0, MaxCycle: 60, Step: 20, Bound: 1}
	p, err := pipeline.New(logger, cfg, client, prover.NewDevProver(logger, uarch.ImageID), store, nil, nil)
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Receipts, 3)
}

func TestVerifyReceipts(t *testing.T) {
	logger := testlog.Logger(t, log.LevelInfo)

	t.Run("Contiguous", func(t *testing.T) {
		dir := t.TempDir()
		proveDemo(t, dir)
		begin, end, err := VerifyReceipts(logger, dir, uarch.ImageID)
		require.NoError(t, err)
		require.Equal(t, uint64(0), begin)
		require.Equal(t, uint64(60), end)
	})

	t.Run("WrongImage", func(t *testing.T) {
		dir := t.TempDir()
		proveDemo(t, dir)
		_, _, err := VerifyReceipts(logger, dir, common.Hash{0x01})
		require.ErrorIs(t, err, prover.ErrImageMismatch)
	})

	t.Run("Gap", func(t *testing.T) {
		dir := t.TempDir()
		proveDemo(t, dir)
		require.NoError(t, os.Remove(filepath.Join(dir, prover.ReceiptFileName(20, 40))))
		_, _, err := VerifyReceipts(logger, dir, uarch.ImageID)
		require.ErrorIs(t, err, ErrReceiptGap)
	})

	t.Run("Renamed", func(t *testing.T) {
		dir := t.TempDir()
		proveDemo(t, dir)
		require.NoError(t, os.Rename(
			filepath.Join(dir, prover.ReceiptFileName(40, 60)),
			filepath.Join(dir, prover.ReceiptFileName(40, 70)),
		))
		_, _, err := VerifyReceipts(logger, dir, uarch.ImageID)
		require.ErrorIs(t, err, ErrReceiptName)
	})

	t.Run("Empty", func(t *testing.T) {
		_, _, err := VerifyReceipts(logger, t.TempDir(), uarch.ImageID)
		require.ErrorIs(t, err, ErrNoReceipts)
	})

	t.Run("MissingDir", func(t *testing.T) {
		_, _, err := VerifyReceipts(logger, filepath.Join(t.TempDir(), "nope"), uarch.ImageID)
		require.ErrorIs(t, err, fatal.StorageFailure)
	})
}

func TestServeHTTP(t *testing.T) {
	logger := testlog.Logger(t, log.LevelInfo)
	svc := machine.NewService(logger, nil)
	svc.LoadState(machine.DemoState(), machine.RuntimeConfig{})
	srv, err := svc.RPCServer()
	require.NoError(t, err)
	defer srv.Stop()

	httpSrv, err := startHTTP(logger, "127.0.0.1:0", srv)
	require.NoError(t, err)

	client, err := machine.Dial(context.Background(), "http://"+httpSrv.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Run(context.Background(), 20))
	mcycle, err := client.ReadRegister(context.Background(), "mcycle")
	require.NoError(t, err)
	require.Equal(t, uint64(20), mcycle)

	stopServer(logger, "machine", httpSrv)
	require.Eventually(t, httpSrv.Closed, 5*time.Second, 10*time.Millisecond)
	_, err = client.ReadRegister(context.Background(), "mcycle")
	require.Error(t, err, "stopped server refuses requests")
}
