// Command feederwatch runs the attribution pipeline: it ingests captures
// from the drop folder and the HTTP API, finalizes visits, tracks feeder
// depletion and raises refill alerts.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (environment variables override it)")
	flag.Parse()

	cfg, err := config.LoadConfigFile(*configPath)
	if err != nil {
		logging.New(config.LoggingConfig{}).WithError(err).Fatal("Failed to load config")
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, newRegistry(), nil); err != nil {
		logger.WithError(err).Fatal("feederwatch exited")
	}
}
