package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"notesync/internal/syncer"
)

var (
	errSyncStopped     = errors.New("synchronization stopped")
	errSyncPendingAuth = errors.New("synchronization paused: the note service requires authentication")
)

func newSyncCmd(c *cli) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization and print its events",
		Long: `Pull remote changes, send local changes and resolve conflicts once.
The command exits non-zero when the run fails, is interrupted or needs
new credentials.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return runOnce(ctx, a.manager, eventPrinter(cmd.OutOrStdout(), jsonOut))
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print events as JSON lines")
	return cmd
}

// runOnce starts a run and hands every event to emit until the run ends.
// Cancelling ctx stops the run.
func runOnce(ctx context.Context, m *syncer.Manager, emit func(syncer.Event)) error {
	events := make(chan syncer.Event, 64)
	quit := make(chan struct{})
	defer close(quit)
	unsubscribe := m.Subscribe(func(ev syncer.Event) {
		select {
		case events <- ev:
		case <-quit:
		}
	})
	defer unsubscribe()

	if err := m.Synchronize(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			ctx = context.Background()
		case ev := <-events:
			emit(ev)
			if done, err := endOfRun(ev); done {
				return err
			}
		}
	}
}

// endOfRun reports whether ev closes a run started from the command line,
// and the error the command should exit with.
func endOfRun(ev syncer.Event) (bool, error) {
	switch ev.Type {
	case syncer.EventFinished:
		return true, nil
	case syncer.EventFailed:
		return true, errors.New(ev.Description)
	case syncer.EventRemoteToLocalSyncStopped, syncer.EventSendLocalChangesStopped:
		return true, errSyncStopped
	case syncer.EventRemoteToLocalSyncPaused, syncer.EventSendLocalChangesPaused:
		if ev.PendingAuthentication {
			return true, errSyncPendingAuth
		}
		// Only an explicit pause, which this command never issues.
		return true, errSyncStopped
	}
	return false, nil
}

func eventPrinter(w io.Writer, jsonOut bool) func(syncer.Event) {
	if jsonOut {
		enc := json.NewEncoder(w)
		return func(ev syncer.Event) { _ = enc.Encode(ev) }
	}
	return func(ev syncer.Event) {
		switch ev.Type {
		case syncer.EventProgress:
			fmt.Fprintf(w, "[%3.0f%%] %s\n", ev.Percentage, ev.Message)
		case syncer.EventStateChanged:
			fmt.Fprintf(w, "state: %s\n", ev.State)
		case syncer.EventRateLimitExceeded:
			fmt.Fprintf(w, "rate limited, waiting %ds\n", ev.SecondsToWait)
		case syncer.EventFailed:
			fmt.Fprintf(w, "failed: %s\n", ev.Description)
		default:
			fmt.Fprintln(w, ev.Type)
		}
	}
}
