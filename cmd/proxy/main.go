// Command proxy runs a single AtlasNet proxy process: the boundary between
// connected game clients and the shard cluster, routing client intents to
// whichever shard currently owns the client's entity and relaying
// server-state commands back (spec.md §2, §4.11-§4.12).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlasnet/atlasnet/internal/cliconfig"
	"github.com/atlasnet/atlasnet/internal/clientgateway"
	"github.com/atlasnet/atlasnet/internal/commandbus"
	"github.com/atlasnet/atlasnet/internal/proxynode"
	"github.com/atlasnet/atlasnet/internal/router"
	"github.com/atlasnet/atlasnet/internal/storeselect"
	"github.com/google/uuid"
	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var opt struct {
	Help        bool
	ClientAddr  string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.ClientAddr, "client-addr", ":8088", "Listen address for the client-facing websocket gateway")
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

	var cfg proxynode.Config
	if err := cliconfig.UnmarshalEnv(&cfg, e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(cfg.LogLevel).With().Timestamp().Str("role", "proxy").Logger()

	store, closeStore, err := storeselect.Open(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open discovery store: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	cmdRegistry := commandbus.NewRegistry()

	var gw *clientgateway.Gateway
	onState := func(clientID uuid.UUID, cmd commandbus.Command) {
		frame := commandbus.EncodeCommandFrame(cmd)
		if err := gw.Send(clientID, frame); err != nil {
			log.Debug().Err(err).Stringer("client_id", clientID).Msg("proxy: server-state delivery failed")
		}
	}
	onReplay := func(ri router.ReplayedIntent) {
		log.Debug().Stringer("client_id", ri.ClientID).Msg("proxy: replayed buffered intent")
	}

	n, err := proxynode.New(cfg, store, cmdRegistry, onState, onReplay, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize proxy: %v\n", err)
		os.Exit(1)
	}
	gw = clientgateway.New(n, cmdRegistry, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/client", gw.ServeHTTP(n.Self))
	clientSrv := &http.Server{Addr: opt.ClientAddr, Handler: mux}
	lis, err := net.Listen("tcp", opt.ClientAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: listen client gateway: %v\n", err)
		os.Exit(1)
	}
	go func() {
		if err := clientSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("proxy: client gateway server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := n.Run(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientSrv.Shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run proxy: %v\n", runErr)
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
