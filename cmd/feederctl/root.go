package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/scrypster/feederwatch/internal/app"
	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/internal/engine"
	"github.com/scrypster/feederwatch/internal/logging"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var dataFlag string
	var verbose bool

	ctx := &commandContext{configFlag: &configFlag, dataFlag: &dataFlag, verbose: &verbose}

	rootCmd := &cobra.Command{
		Use:           "feederctl",
		Short:         "Operate a feederwatch data directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&dataFlag, "data", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline activity to stderr")

	rootCmd.AddCommand(newRefillCommand(ctx))
	rootCmd.AddCommand(newAckCommand(ctx))
	rootCmd.AddCommand(newResolveCommand(ctx))
	rootCmd.AddCommand(newEstimateCommand(ctx))
	rootCmd.AddCommand(newAlertsCommand(ctx))
	rootCmd.AddCommand(newSummaryCommand(ctx))
	rootCmd.AddCommand(newIngestCommand(ctx))
	rootCmd.AddCommand(newBackupCommand(ctx))
	rootCmd.AddCommand(newRestoreCommand(ctx))
	rootCmd.AddCommand(newIdentityCommand(ctx))

	return rootCmd
}

type commandContext struct {
	configFlag *string
	dataFlag   *string
	verbose    *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.LoadConfigFile(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if data := strings.TrimSpace(*c.dataFlag); data != "" {
			cfg.Storage.DataPath = data
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *logrus.Logger {
	if c.verbose != nil && *c.verbose {
		cfg, _ := c.ensureConfig()
		lc := config.LoggingConfig{Level: "debug", Format: "text"}
		if cfg != nil && cfg.Logging.Format != "" {
			lc.Format = cfg.Logging.Format
		}
		return logging.New(lc)
	}
	return logging.Discard()
}

// withEngine opens the store and runs fn against an engine that is not
// started. Mutating commands take the data dir lock, so they refuse to run
// next to a live daemon; use the HTTP API in that case.
func (c *commandContext) withEngine(ctx context.Context, mutate bool, fn func(*engine.Engine) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger := c.logger()

	if mutate {
		lock, err := app.LockDataDir(cfg.Storage.DataPath)
		if errors.Is(err, app.ErrLocked) {
			return fmt.Errorf("%w; the daemon is running, use its HTTP API instead", err)
		}
		if err != nil {
			return err
		}
		defer func(lock *flock.Flock) { _ = lock.Unlock() }(lock)
	}

	repo, gal, err := app.OpenStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	eng, err := engine.New(repo, gal, cfg.Pipeline, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	return fn(eng)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
