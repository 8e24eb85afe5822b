// Command confidential-node runs the confidential computation node: the
// ledger runtime, the relay to the compute cluster, the callback verifier
// and the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/confidential_layer/internal/app"
	"github.com/R3E-Network/confidential_layer/internal/config"
	"github.com/R3E-Network/confidential_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "YAML config file overlaid on the environment (defaults to $CONFIG_FILE)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "confidential-node: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Logging).Named("node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		node.Close()
		return fmt.Errorf("start: %w", err)
	}
	log.WithField("addr", node.Server.Addr()).
		WithField("program_id", node.Runtime.ProgramID().String()).
		WithField("cluster_mode", cfg.Cluster.Mode).
		Info("confidential node running")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return node.Stop(shutdownCtx)
}
