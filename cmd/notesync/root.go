package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"notesync/internal/config"
	"notesync/internal/logging"
)

// cli carries what PersistentPreRunE loads for the subcommands.
type cli struct {
	verbose bool

	cfg      *config.Config
	logger   *slog.Logger
	closeLog io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	cmd := &cobra.Command{
		Use:   "notesync",
		Short: "Synchronize a local note store with the remote note service",
		Long: `notesync keeps a local SQLite copy of a note account.
It pulls remote changes incrementally by update sequence number, sends
local edits back and keeps both versions when they conflict.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.closeLog != nil {
				_ = c.closeLog.Close()
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newServeCmd(c),
		newSyncCmd(c),
		newNotesCmd(c),
		newVersionCmd(),
	)
	return cmd
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.verbose {
		cfg.LogLevel = "debug"
	}

	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	slog.Debug("Logging configured", "level", cfg.LogLevel, "format", cfg.LogFormat, "file", cfg.LogFile)

	c.cfg, c.logger, c.closeLog = cfg, logger, closer
	return nil
}
