package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"notesync/internal/cache"
	"notesync/internal/config"
	"notesync/internal/ratelimit"
	"notesync/internal/remote"
	"notesync/internal/storage"
	"notesync/internal/syncer"
)

const stopTimeout = 10 * time.Second

// localStore is the opened database and its storage worker.
type localStore struct {
	db     *sql.DB
	worker *storage.Worker
}

func openStore(cfg *config.Config) (*localStore, error) {
	db, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := storage.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Database initialized", "path", cfg.DBPath)
	return &localStore{db: db, worker: storage.NewWorker(storage.NewStore(db))}, nil
}

func (s *localStore) Close() {
	s.worker.Close()
	_ = s.db.Close()
}

// app wires the synchronization engine on top of the local store.
type app struct {
	*localStore
	manager *syncer.Manager
}

func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	client := remote.NewHTTPClient(cfg.RemoteBaseURL, cfg.RemoteAuthToken)
	manager := syncer.NewManager(
		store.worker,
		client,
		cache.NewManager(cfg.CacheMaxNotes),
		ratelimit.New(ratelimit.SystemClock{}),
		syncer.Options{
			PageSize:       cfg.Sync.PageSize,
			CallTimeout:    cfg.Sync.CallTimeout,
			MaxAttempts:    cfg.Sync.MaxAttempts,
			BackoffInitial: cfg.Sync.BackoffInitial,
			BackoffMax:     cfg.Sync.BackoffMax,
			Logger:         logger,
		},
	)
	logger.Debug("Sync manager initialized", "remote", cfg.RemoteBaseURL, "page_size", cfg.Sync.PageSize)
	return &app{localStore: store, manager: manager}, nil
}

// Close stops any active run and waits for it before closing storage.
func (a *app) Close() {
	a.manager.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.manager.Wait(ctx); err != nil {
		slog.Warn("sync run did not exit in time", "error", err)
	}
	a.localStore.Close()
}
