package oracle

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/asterisc-zk/chunkprover/rvgo/fatal"
	"github.com/asterisc-zk/chunkprover/rvgo/machine"
	"github.com/asterisc-zk/chunkprover/rvgo/uarch"
)

type stubRemote struct {
	machine.Remote
	calls int
	read  func(paddr, length uint64) ([]byte, error)
}

func (s *stubRemote) ReadMemory(ctx context.Context, paddr, length uint64) ([]byte, error) {
	s.calls++
	return s.read(paddr, length)
}

func pattern(paddr, length uint64) ([]byte, error) {
	out := make([]byte, length)
	for i := range out {
		out[i] = byte(paddr>>12) + byte(i)
	}
	return out, nil
}

func TestRequestEncoding(t *testing.T) {
	raw, err := Request{Paddr: 0x1122334455667788, Length: 0x1000}.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, []byte{
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		0x00, 0x10, 0, 0, 0, 0, 0, 0,
	}, raw)

	req, err := ParseRequest(raw)
	require.NoError(t, err)
	require.Equal(t, Request{Paddr: 0x1122334455667788, Length: 0x1000}, req)

	_, err = ParseRequest(raw[:15])
	require.ErrorIs(t, err, ErrRequestSize)
	_, err = ParseRequest(append(raw, 0))
	require.ErrorIs(t, err, ErrRequestSize)
}

func TestBridgeReadsEveryTime(t *testing.T) {
	remote := &stubRemote{read: pattern}
	b := NewBridge(testlog.Logger(t, log.LevelInfo), remote)
	raw, _ := Request{Paddr: 0x3000, Length: 8}.MarshalBinary()

	first, err := b.PageIn(context.Background(), raw)
	require.NoError(t, err)
	second, err := b.PageIn(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 2, remote.calls, "no caching in the bridge")
	require.Equal(t, uint64(2), b.Requests())
	require.Equal(t, uint64(16), b.Bytes())
}

func TestBridgeFailures(t *testing.T) {
	cases := []struct {
		name string
		read func(paddr, length uint64) ([]byte, error)
	}{
		{"rpc error", func(paddr, length uint64) ([]byte, error) {
			return nil, errors.New("connection reset")
		}},
		{"worker panic", func(paddr, length uint64) ([]byte, error) {
			panic("boom")
		}},
		{"short response", func(paddr, length uint64) ([]byte, error) {
			return make([]byte, length-1), nil
		}},
		{"long response", func(paddr, length uint64) ([]byte, error) {
			return make([]byte, length+1), nil
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			remote := &stubRemote{read: c.read}
			b := NewBridge(testlog.Logger(t, log.LevelInfo), remote)
			_, err := b.Read(context.Background(), Request{Paddr: 0x3000, Length: 64})
			require.ErrorIs(t, err, fatal.OracleFailure)
			require.Equal(t, 1, remote.calls)
		})
	}

	t.Run("malformed request", func(t *testing.T) {
		remote := &stubRemote{read: pattern}
		b := NewBridge(testlog.Logger(t, log.LevelInfo), remote)
		_, err := b.PageIn(context.Background(), make([]byte, 12))
		require.ErrorIs(t, err, fatal.OracleFailure)
		require.ErrorIs(t, err, ErrRequestSize)
		require.Zero(t, remote.calls)
	})
}

func TestChannelRoundTrip(t *testing.T) {
	logger := testlog.Logger(t, log.LevelInfo)
	svc := machine.NewService(logger, nil)
	svc.LoadState(machine.DemoState(), machine.RuntimeConfig{})
	b := NewBridge(logger, machine.NewShared(svc))

	ch, err := Open(context.Background(), logger, b)
	require.NoError(t, err)

	code, err := ch.Client().PageIn(uarch.ProgramBase, uarch.PageSize)
	require.NoError(t, err)
	want, err := svc.ReadMemory(context.Background(), uarch.ProgramBase, uarch.PageSize)
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, code))

	shadow, err := ch.Client().PageIn(0, 0x120)
	require.NoError(t, err)
	require.Len(t, shadow, 0x120)

	require.NoError(t, ch.Close())
	require.Equal(t, uint64(2), b.Requests())
}

func TestChannelServerFailure(t *testing.T) {
	logger := testlog.Logger(t, log.LevelInfo)
	remote := &stubRemote{read: func(paddr, length uint64) ([]byte, error) {
		return nil, errors.New("machine gone")
	}}
	ch, err := Open(context.Background(), logger, NewBridge(logger, remote))
	require.NoError(t, err)

	_, err = ch.Client().PageIn(0x3000, uarch.PageSize)
	require.Error(t, err, "client sees the closed channel")

	err = ch.Close()
	require.ErrorIs(t, err, fatal.OracleFailure)
	require.ErrorContains(t, err, "machine gone")
}
