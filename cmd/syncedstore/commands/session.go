package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/syncedstore/internal/config"
	"github.com/dyluth/syncedstore/internal/printer"
	"github.com/dyluth/syncedstore/pkg/redishost"
	"github.com/dyluth/syncedstore/pkg/syncedstore"
)

// readyTimeout bounds how long a command waits for the room's companion.
var readyTimeout = 5 * time.Second

// session is one CLI connection to a room and one of its storages.
type session struct {
	cfg         *config.Config
	participant *redishost.Participant
	store       *syncedstore.SyncedStore
	storage     *syncedstore.Storage
}

func configError(err error) error {
	return printer.ErrorWithContext(
		"invalid configuration",
		err.Error(),
		map[string]string{"Config": configPath},
		[]string{fmt.Sprintf("Fix %s or override settings with --room / --redis-url", configPath)},
	)
}

// openSession joins the configured room and connects the selected storage.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return nil, configError(err)
	}

	p, err := redishost.Connect(ctx, redishost.Options{
		Redis:             redisOpts,
		Room:              cfg.Room,
		ParticipantID:     cfg.Participant,
		Writable:          *cfg.Writable,
		Replay:            cfg.Replay,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err != nil {
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not join room '%s': %v", cfg.Room, err),
			map[string]string{"Redis": cfg.Redis.URL},
			[]string{
				"Check that Redis is running and reachable",
				fmt.Sprintf("Override the URL:\n  syncedstore --redis-url redis://host:6379 %s", "<command>"),
			},
		)
	}

	store, err := syncedstore.Init(ctx, p,
		syncedstore.WithCreationBackoff(cfg.CreationBackoff),
		syncedstore.WithLabel(p.ID()),
	)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	storage, err := store.ConnectStorage(storageFlag, cfg.DefaultState(storageFlag))
	if err != nil {
		store.Destroy()
		p.Close()
		return nil, fmt.Errorf("failed to connect storage %q: %w", storageFlag, err)
	}

	return &session{cfg: cfg, participant: p, store: store, storage: storage}, nil
}

// waitWritable blocks until the store can write or the timeout expires.
func (s *session) waitWritable(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	dispose := s.store.OnWritableChanged(func(w bool) {
		if w {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer dispose()

	if s.store.IsWritable() {
		return nil
	}

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if !*s.cfg.Writable {
			return printer.Error(
				"read-only participant",
				fmt.Sprintf("This participant may not write to room '%s'.", s.cfg.Room),
				[]string{"Set writable: true in the config file"},
			)
		}
		return printer.Error(
			"room not ready",
			fmt.Sprintf("No companion appeared in room '%s' within %s.", s.cfg.Room, readyTimeout),
			[]string{"Retry the command", "Check that no other process holds a stale companion"},
		)
	}
}

// waitCompanion blocks until the room has a companion, so reads see the
// replicated state instead of the local default.
func (s *session) waitCompanion(ctx context.Context) error {
	deadline := time.Now().Add(readyTimeout)
	for s.store.Companion() == nil {
		if time.Now().After(deadline) {
			return printer.Error(
				"room not ready",
				fmt.Sprintf("Room '%s' has no companion yet.", s.cfg.Room),
				[]string{"Start a writable participant in this room first"},
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil
}

// commit waits until every write issued so far has come back from the host.
func (s *session) commit(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := s.store.NextFrame(ctx); err != nil {
		return fmt.Errorf("failed to confirm writes: %w", err)
	}
	return nil
}

func (s *session) Close() {
	s.store.Destroy()
	s.participant.Close()
}
