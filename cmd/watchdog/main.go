// Command watchdog runs AtlasNet's singleton partition authority: it
// gathers shard capacity snapshots and republishes the world's bound
// partition when it changes (spec.md §2, §4.6-§4.7).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atlasnet/atlasnet/internal/cliconfig"
	"github.com/atlasnet/atlasnet/internal/identity"
	"github.com/atlasnet/atlasnet/internal/storeselect"
	"github.com/atlasnet/atlasnet/internal/watchdognode"
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
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: ATLASNET_WATCHDOG_KNOWN_SHARDS is a comma-separated list of \"Shard <uuid>\" identities\n", os.Args[0], pflag.CommandLine.FlagUsages())
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

	var cfg watchdognode.Config
	if err := cliconfig.UnmarshalEnv(&cfg, e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(cfg.LogLevel).With().Timestamp().Str("role", "watchdog").Logger()

	shards, err := parseKnownShards(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse known shards: %v\n", err)
		os.Exit(1)
	}
	if len(shards) == 0 {
		log.Warn().Msg("watchdog: ATLASNET_WATCHDOG_KNOWN_SHARDS is empty, repartition will see no capacity")
	}
	knownShards := func() []identity.NodeIdentity { return shards }

	store, closeStore, err := storeselect.Open(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open discovery store: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	n, err := watchdognode.New(cfg, store, knownShards, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize watchdog: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run watchdog: %v\n", err)
		os.Exit(1)
	}
}

func parseKnownShards(e []string) ([]identity.NodeIdentity, error) {
	for _, kv := range e {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k != "ATLASNET_WATCHDOG_KNOWN_SHARDS" || v == "" {
			continue
		}
		parts := strings.Split(v, ",")
		out := make([]identity.NodeIdentity, 0, len(parts))
		for _, p := range parts {
			id, err := identity.ParseString(strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	}
	return nil, nil
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
