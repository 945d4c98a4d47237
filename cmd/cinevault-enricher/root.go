package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JustinTDCT/cinevault-enricher/internal/app"
	"github.com/JustinTDCT/cinevault-enricher/internal/config"
	"github.com/JustinTDCT/cinevault-enricher/internal/logger"
	"github.com/JustinTDCT/cinevault-enricher/internal/version"
)

// env is what every subcommand shares once the root has run.
type env struct {
	cfg *config.Config
	log *logger.Logger
}

func rootCommand() *cobra.Command {
	e := &env{}
	var logMode string

	rootCmd := &cobra.Command{
		Use:          "cinevault-enricher",
		Short:        "CineVault metadata and artwork enrichment",
		Version:      version.Load().Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&logMode, "log-mode", "", "Log mode: production or development (default from LOG_MODE)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		e.cfg = config.Load()
		if logMode != "" {
			e.cfg.LogMode = logMode
		}
		log, err := logger.New(e.cfg.LogMode)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		e.log = log
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if e.log != nil {
			e.log.Sync()
		}
	}

	rootCmd.AddCommand(
		serveCommand(e),
		fetchCommand(e),
		selectCommand(e),
		gcCommand(e),
		migrateCommand(e),
		settingsCommand(e),
	)
	return rootCmd
}

// open builds the application for a one-shot command.
func (e *env) open(ctx context.Context) (*app.App, error) {
	return app.New(ctx, e.cfg, e.log)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
