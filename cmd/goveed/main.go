// Command goveed runs the Govee WebSocket gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/trymwestin/goveed/internal/config"
	"github.com/trymwestin/goveed/internal/logging"
	"github.com/trymwestin/goveed/pkg/goveed"
)

// Set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	opts.apply(&cfg)

	log := logging.New(cfg.Log, os.Stdout, opts.verbose, version)
	log.Info("starting goveed",
		"addr", cfg.Server.ListenAddr(),
		"config", opts.configPath,
		"api_key_set", cfg.Govee.APIKey != "",
	)

	d, err := goveed.New(cfg, log, version)
	if err != nil {
		return err
	}
	if err := d.Run(ctx); err != nil {
		return err
	}
	log.Info("goveed stopped")
	return nil
}
