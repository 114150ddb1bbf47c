// Command relayd is the relay server daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoCodeAlone/relay/config"
	"github.com/GoCodeAlone/relay/internal/app"
	"github.com/GoCodeAlone/relay/internal/version"
)

var (
	configPath  = flag.String("config", "", "path to relay.yaml (defaults plus RELAY_* env when empty)")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.Describe("relayd"))
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting relayd",
		"version", version.Version,
		"commit", version.Commit,
		"addr", cfg.Server.Addr,
		"data_dir", cfg.DataDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, *cfg, logger)
	if err != nil {
		return err
	}
	if n := len(a.Interrupted); n > 0 {
		logger.Warn("tasks interrupted by the previous shutdown", "count", n)
	}
	return a.Run(ctx)
}
