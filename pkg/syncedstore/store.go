// Package syncedstore provides namespaced key-value stores replicated through
// a collaborative host.
//
// # Overview
//
// A SyncedStore is created once per host session. It owns the session's
// companion coordinator and the writability signal, and hands out one Storage
// per namespace. Every Storage is a read-only projection of the replicated
// tree: SetState forwards writes to the host and the local state changes only
// when the host echoes them back.
//
// # Usage Example
//
//	store, err := syncedstore.Init(ctx, h)
//	if err != nil {
//		return err
//	}
//	defer store.Destroy()
//
//	counter, err := store.ConnectStorage("counter", map[string]any{"count": 0})
//	if err != nil {
//		return err
//	}
//	counter.OnStateChanged(func(diff refine.Diff) {
//		log.Printf("[INFO] count: %v", diff["count"].NewValue)
//	})
//	if counter.IsWritable() {
//		_ = counter.SetState(ctx, map[string]any{"count": 1})
//	}
package syncedstore

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/syncedstore/pkg/host"
	"github.com/dyluth/syncedstore/pkg/lifecycle"
	"github.com/dyluth/syncedstore/pkg/observable"
	"github.com/google/uuid"
)

const (
	// StorageNS is the reserved root key holding every namespace.
	StorageNS = "_WM-STORAGE_"

	// MainStorage is the namespace used when ConnectStorage gets no name.
	MainStorage = "main"

	// NextFrameEvent is the broadcast event used by NextFrame.
	NextFrameEvent = "syncedstore:next-frame"
)

// SyncedStore binds the stores of one host session to its companion object
// and write permission.
type SyncedStore struct {
	host        host.Host
	coordinator *lifecycle.Coordinator
	writable    *observable.Derived[bool]
	onError     func(error)

	mu        sync.Mutex
	storages  map[*Storage]struct{}
	listeners []func()
	destroyed bool
}

type options struct {
	onError func(error)
	backoff time.Duration
	label   string
}

// Option configures a SyncedStore.
type Option func(*options)

// WithErrorSink sets the function that receives recoverable errors: denied
// writes, host write failures, lost creation races and malformed entries.
// The default sink logs them.
func WithErrorSink(sink func(error)) Option {
	return func(o *options) {
		if sink != nil {
			o.onError = sink
		}
	}
}

// WithCreationBackoff overrides the wait after a failed companion creation.
func WithCreationBackoff(d time.Duration) Option {
	return func(o *options) {
		o.backoff = d
	}
}

// WithLabel names the session in log events.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

// Init creates the SyncedStore of one host session.
func Init(ctx context.Context, h host.Host, opts ...Option) (*SyncedStore, error) {
	if h == nil {
		return nil, fmt.Errorf("host cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o := options{
		onError: func(err error) {
			log.Printf("[ERROR] syncedstore: %v", err)
		},
		backoff: lifecycle.DefaultCreationBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &SyncedStore{
		host:     h,
		onError:  o.onError,
		storages: make(map[*Storage]struct{}),
	}
	s.coordinator = lifecycle.New(h,
		lifecycle.WithInitialAttributes(map[string]any{StorageNS: map[string]any{}}),
		lifecycle.WithCreationBackoff(o.backoff),
		lifecycle.WithErrorSink(s.report),
		lifecycle.WithLabel(o.label),
	)
	s.writable = observable.Derive2[host.Companion, bool, bool](
		s.coordinator.Companion(),
		s.coordinator.SessionWritable(),
		func(c host.Companion, w bool) bool { return c != nil && w },
	)

	log.Printf("[SyncedStore] Initialized (writable=%t)", s.writable.Get())
	return s, nil
}

// IsWritable reports whether the companion exists and the session may write.
func (s *SyncedStore) IsWritable() bool {
	return s.writable.Get()
}

// OnWritableChanged registers fn for writability transitions.
func (s *SyncedStore) OnWritableChanged(fn func(bool)) (dispose func()) {
	return s.writable.Subscribe(fn)
}

// Companion returns the session's companion object, or nil.
func (s *SyncedStore) Companion() host.Companion {
	return s.coordinator.Companion().Get()
}

// ConnectStorage returns a Storage for the namespace name, seeded with
// defaultState. An empty name selects MainStorage. defaultState must be nil or
// a map[string]any.
func (s *SyncedStore) ConnectStorage(name string, defaultState any) (*Storage, error) {
	if s.isDestroyed() {
		return nil, fmt.Errorf("cannot connect storage %q: %w", name, ErrDisconnected)
	}
	if name == "" {
		name = MainStorage
	}

	st, err := newStorage(s, name, defaultState)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.storages[st] = struct{}{}
	s.mu.Unlock()
	return st, nil
}

// DispatchEvent broadcasts event to every participant of the room. It does
// nothing while the host cannot broadcast (replay).
func (s *SyncedStore) DispatchEvent(ctx context.Context, event string, payload any) error {
	if s.isDestroyed() {
		return s.fail(fmt.Errorf("cannot dispatch %q: %w", event, ErrDisconnected))
	}
	if !s.host.CanBroadcast() {
		return nil
	}
	if !s.IsWritable() {
		return s.fail(fmt.Errorf("cannot dispatch %q: %w", event, ErrAccessDenied))
	}
	if err := s.host.Dispatch(ctx, event, payload); err != nil {
		return s.fail(fmt.Errorf("failed to dispatch %q: %w", event, err))
	}
	return nil
}

// AddEventListener registers fn for broadcast messages of event.
func (s *SyncedStore) AddEventListener(event string, fn func(host.Message)) (dispose func()) {
	unsub := s.host.OnEvent(event, fn)

	s.mu.Lock()
	s.listeners = append(s.listeners, unsub)
	s.mu.Unlock()
	return unsub
}

// NextFrame returns once every local write issued before the call has been
// committed by the host. It sends a uniquely tagged broadcast to itself and
// waits for it to come back. It returns nil immediately when the host cannot
// broadcast, and when the broadcast itself fails.
func (s *SyncedStore) NextFrame(ctx context.Context) error {
	if !s.host.CanBroadcast() {
		return nil
	}

	marker := uuid.NewString()
	done := make(chan struct{})
	var once sync.Once

	unsub := s.host.OnEvent(NextFrameEvent, func(msg host.Message) {
		var got string
		if err := msg.Decode(&got); err == nil && got == marker {
			once.Do(func() { close(done) })
		}
	})
	defer unsub()

	if err := s.host.Dispatch(ctx, NextFrameEvent, marker); err != nil {
		s.report(fmt.Errorf("next frame dispatch failed: %w", err))
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy disconnects every Storage and stops tracking the session.
// Storage state is left as last known. Safe to call multiple times.
func (s *SyncedStore) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	storages := make([]*Storage, 0, len(s.storages))
	for st := range s.storages {
		storages = append(storages, st)
	}
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, st := range storages {
		st.Disconnect()
	}
	for _, unsub := range listeners {
		unsub()
	}
	s.coordinator.Destroy()
	s.writable.Dispose()
	log.Printf("[SyncedStore] Destroyed")
}

func (s *SyncedStore) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *SyncedStore) forget(st *Storage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.storages, st)
}

// writeError classifies why the session may not write right now.
func (s *SyncedStore) writeError() error {
	if s.IsWritable() {
		return nil
	}
	if s.coordinator.SessionWritable().Get() && s.Companion() == nil {
		return ErrCompanionUnavailable
	}
	return ErrAccessDenied
}

func (s *SyncedStore) report(err error) {
	s.onError(err)
}

func (s *SyncedStore) fail(err error) error {
	s.report(err)
	return err
}
