package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"gossipmesh/internal/configuration"
	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/journal"
	"gossipmesh/internal/logging"
	"gossipmesh/internal/metrics"
	"gossipmesh/internal/seed"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML application config")
	seedsPath := fs.String("seeds", "config.csv", "seed address file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}
	args := fs.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: seed [flags] <host> <port>")
		return 1
	}
	host := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "bad port %q\n", args[1])
		return 1
	}
	self := identity.New(host, port)

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	cfg, err := configuration.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "Error", err)
		return 1
	}
	logging.Init(cfg.App.LogLevel)

	seeds, err := configuration.LoadSeeds(*seedsPath)
	if err != nil {
		slog.Error("Failed to load seed config", "Error", err)
		return 1
	}

	ev, err := eventlog.New("seed", port)
	if err != nil {
		slog.Error("Failed to open event log", "Error", err)
		return 1
	}
	defer ev.Close()

	var jr *journal.Journal
	if cfg.Seed.JournalDir != "" {
		jr, err = journal.Open(cfg.Seed.JournalDir)
		if err != nil {
			slog.Error("Failed to open membership journal", "Error", err)
			return 1
		}
	}

	var metricsServer *metrics.Server
	if cfg.App.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.App.MetricsAddr)
		metricsServer.Start()
	}

	node := seed.NewNode(self, seeds, cfg, ev, jr)
	if err := node.Start(ctx); err != nil {
		slog.Error("Failed to start seed node", "Error", err)
		return 1
	}
	slog.Info("seed ready", "id", self, "quorum", node.Quorum())

	<-ctx.Done()
	slog.Info("shutting down seed", "id", self)
	node.Stop()
	if metricsServer != nil {
		metricsServer.Stop()
	}
	return 0
}
