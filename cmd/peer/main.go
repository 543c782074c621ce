package main

import (
	"context"
	"errors"
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
	"gossipmesh/internal/logging"
	"gossipmesh/internal/metrics"
	"gossipmesh/internal/peer"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("peer", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML application config")
	seedsPath := fs.String("seeds", "config.csv", "seed address file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}
	args := fs.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: peer [flags] <host> <port>")
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

	ev, err := eventlog.New("peer", port)
	if err != nil {
		slog.Error("Failed to open event log", "Error", err)
		return 1
	}
	defer ev.Close()

	var metricsServer *metrics.Server
	if cfg.App.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.App.MetricsAddr)
		metricsServer.Start()
	}

	node := peer.NewNode(self, seeds, cfg, ev)
	if err := node.Start(ctx); err != nil {
		if errors.Is(err, peer.ErrRegistrationRejected) {
			slog.Error("registration rejected, exiting", "id", self)
			return 2
		}
		slog.Error("Failed to start peer node", "Error", err)
		return 1
	}
	slog.Info("peer ready", "id", self)

	<-ctx.Done()
	slog.Info("shutting down peer", "id", self)
	node.Stop()
	if metricsServer != nil {
		metricsServer.Stop()
	}
	return 0
}
