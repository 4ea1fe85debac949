// Command cartograph runs AtlasNet's read-only telemetry observer: it polls
// the discovery bulletin's telemetry tables and exposes them as Prometheus
// gauges for an external dashboard, joining the Interlink fabric only for
// diagnostics (SPEC_FULL.md's BINARIES section).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atlasnet/atlasnet/internal/cartographnode"
	"github.com/atlasnet/atlasnet/internal/cliconfig"
	"github.com/atlasnet/atlasnet/internal/storeselect"
	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	e, err := loadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var cfg cartographnode.Config
	if err := cliconfig.UnmarshalEnv(&cfg, e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(cfg.LogLevel).With().Timestamp().Str("role", "cartograph").Logger()

	store, closeStore, err := storeselect.Open(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open discovery store: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	n, err := cartographnode.New(cfg, store, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize cartograph: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run cartograph: %v\n", err)
		os.Exit(1)
	}
}

func loadEnv() ([]string, error) {
	if pflag.NArg() == 0 {
		return os.Environ(), nil
	}
	f, err := os.Open(pflag.Arg(0))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	defer f.Close()
	m, err := envparse.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse env file: %w", err)
	}
	r := make([]string, 0, len(m))
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
