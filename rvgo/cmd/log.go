package cmd

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/exp/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var LogLevelFlag = &cli.StringFlag{
	Name:    "log.level",
	Usage:   "Log level: trace, debug, info, warn or error",
	EnvVars: prefixEnvVars("LOG_LEVEL"),
	Value:   "info",
}

func Logger(w io.Writer, lvl slog.Level) log.Logger {
	return log.NewLogger(log.LogfmtHandlerWithLevel(w, lvl))
}

func ParseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "trace") {
		return log.LevelTrace, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

func loggerFromCLI(ctx *cli.Context, w io.Writer) (log.Logger, error) {
	lvl, err := ParseLevel(ctx.String(LogLevelFlag.Name))
	if err != nil {
		return nil, err
	}
	return Logger(w, lvl), nil
}

// LoggingWriter wraps a logger as an io.Writer
// for the output of the program running in the machine.
type LoggingWriter struct {
	Name string
	Log  log.Logger
}

func logAsText(b string) bool {
	for _, c := range b {
		if (c < 0x20 || c >= 0x7F) && (c != '\n' && c != '\t') {
			return false
		}
	}
	return true
}

func (lw *LoggingWriter) Write(b []byte) (int, error) {
	t := string(b)
	if logAsText(t) {
		lw.Log.Info(lw.Name, "text", t)
	} else {
		lw.Log.Info(lw.Name, "data", hexutil.Bytes(b))
	}
	return len(b), nil
}

// HexU64 lazy-formats physical addresses for logging
type HexU64 uint64

func (v HexU64) String() string {
	return fmt.Sprintf("%016x", uint64(v))
}

func (v HexU64) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func prefixEnvVars(name string) []string {
	return []string{"CHUNKPROVER_" + name}
}
