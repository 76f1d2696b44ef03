package syncedstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/syncedstore/pkg/host"
	"github.com/dyluth/syncedstore/pkg/refine"
)

// Storage is one namespace of the replicated tree. Its state is changed only
// by host notifications; writes go to the host and come back as diffs.
type Storage struct {
	id    string
	path  []string
	store *SyncedStore

	// emitMu orders applying a change with emitting its diff. Companion
	// adoption can resync from the creation goroutine while the host
	// delivers batches on its own.
	emitMu sync.Mutex

	mu           sync.Mutex
	engine       *refine.Engine
	listeners    map[int]func(refine.Diff)
	nextListener int
	unsubTree    func()
	unsubs       []func()
	phase        host.Phase
	batches      uint64
	seenNode     bool
	seeded       bool
	disconnected bool
}

func newStorage(store *SyncedStore, id string, defaultState any) (*Storage, error) {
	var initial map[string]any
	switch d := defaultState.(type) {
	case nil:
	case map[string]any:
		initial = make(map[string]any, len(d))
		for k, v := range d {
			clean, err := refine.Normalize(v)
			if err != nil {
				return nil, fmt.Errorf("storage %q: %w: key %q: %v", id, ErrInvalidDefaultState, k, err)
			}
			initial[k] = clean
		}
	default:
		return nil, fmt.Errorf("storage %q: %w: got %T", id, ErrInvalidDefaultState, defaultState)
	}

	s := &Storage{
		id:        id,
		path:      []string{StorageNS, id},
		store:     store,
		listeners: make(map[int]func(refine.Diff)),
		engine:    refine.New(initial, refine.WithErrorSink(store.report)),
		phase:     store.host.Phase(),
	}

	// Subscribe before the first read so no batch falls between the two.
	h := store.host
	s.mu.Lock()
	s.unsubTree = h.OnPathChanged(s.path, s.handleActions)
	s.mu.Unlock()

	if store.Companion() != nil {
		if err := s.syncFromTree(context.Background(), false); err != nil {
			store.report(err)
		}
	}

	s.unsubs = []func(){
		h.OnPhaseChanged(s.handlePhase),
		store.coordinator.Companion().Subscribe(s.handleCompanion),
		store.OnWritableChanged(s.handleWritable),
	}

	if store.IsWritable() {
		s.seedDefault(context.Background())
	}
	return s, nil
}

// ID returns the namespace name.
func (s *Storage) ID() string {
	return s.id
}

// State returns a shallow copy of the current state.
func (s *Storage) State() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.State()
}

// Get returns the current value of key.
func (s *Storage) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Get(key)
}

// IsWritable reports whether writes are currently allowed.
func (s *Storage) IsWritable() bool {
	return s.store.IsWritable()
}

// OnWritableChanged registers fn for writability transitions.
func (s *Storage) OnWritableChanged(fn func(bool)) (dispose func()) {
	return s.store.OnWritableChanged(fn)
}

// Disconnected reports whether Disconnect was called.
func (s *Storage) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// OnStateChanged registers fn for every non-empty diff. Listeners run on the
// host's delivery goroutine in registration order.
func (s *Storage) OnStateChanged(fn func(refine.Diff)) (dispose func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return func() {}
	}
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

type write struct {
	key   string
	value any
}

// SetState writes every key of partial whose value differs from the current
// state. A nil value deletes the key. The local state is not changed until
// the host echoes the writes.
func (s *Storage) SetState(ctx context.Context, partial map[string]any) error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return s.store.fail(fmt.Errorf("cannot set state of storage %q: %w", s.id, ErrDisconnected))
	}
	if err := s.store.writeError(); err != nil {
		s.mu.Unlock()
		return s.store.fail(fmt.Errorf("cannot set state of storage %q: %w", s.id, err))
	}

	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writes := make([]write, 0, len(keys))
	for _, key := range keys {
		value, err := refine.Normalize(partial[key])
		if err != nil {
			s.mu.Unlock()
			return s.store.fail(fmt.Errorf("cannot set %q in storage %q: %w", key, s.id, err))
		}
		cur, has := s.engine.Get(key)
		if (value == nil && !has) || (has && refine.SameValue(cur, value)) {
			continue
		}
		writes = append(writes, write{key: key, value: value})
	}
	for i := range writes {
		if writes[i].value != nil {
			writes[i].value = s.engine.RefValue(writes[i].value)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, w := range writes {
		path := []string{StorageNS, s.id, w.key}
		if err := s.store.host.Update(ctx, path, w.value); err != nil {
			errs = append(errs, fmt.Errorf("failed to write %q in storage %q: %w", w.key, s.id, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return s.store.fail(err)
	}
	return nil
}

// EnsureState writes only the keys of partial that are absent from the state.
func (s *Storage) EnsureState(ctx context.Context, partial map[string]any) error {
	s.mu.Lock()
	missing := make(map[string]any, len(partial))
	for k, v := range partial {
		if _, has := s.engine.Get(k); !has {
			missing[k] = v
		}
	}
	s.mu.Unlock()
	return s.SetState(ctx, missing)
}

// ResetState replaces the whole namespace with the default state.
func (s *Storage) ResetState(ctx context.Context) error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return s.store.fail(fmt.Errorf("cannot reset storage %q: %w", s.id, ErrDisconnected))
	}
	if err := s.store.writeError(); err != nil {
		s.mu.Unlock()
		return s.store.fail(fmt.Errorf("cannot reset storage %q: %w", s.id, err))
	}
	payload := s.defaultRefState()
	s.mu.Unlock()

	if err := s.store.host.Update(ctx, s.path, payload); err != nil {
		return s.store.fail(fmt.Errorf("failed to reset storage %q: %w", s.id, err))
	}
	return nil
}

// EmptyStorage deletes every key of the namespace.
func (s *Storage) EmptyStorage(ctx context.Context) error {
	s.mu.Lock()
	state := s.engine.State()
	s.mu.Unlock()
	if len(state) == 0 {
		return nil
	}

	partial := make(map[string]any, len(state))
	for k := range state {
		partial[k] = nil
	}
	return s.SetState(ctx, partial)
}

// DeleteStorage removes the namespace from the tree and disconnects the
// Storage.
func (s *Storage) DeleteStorage(ctx context.Context) error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return s.store.fail(fmt.Errorf("cannot delete storage %q: %w", s.id, ErrDisconnected))
	}
	if err := s.store.writeError(); err != nil {
		s.mu.Unlock()
		return s.store.fail(fmt.Errorf("cannot delete storage %q: %w", s.id, err))
	}
	s.mu.Unlock()

	s.Disconnect()

	if err := s.store.host.Update(ctx, s.path, nil); err != nil {
		return s.store.fail(fmt.Errorf("failed to delete storage %q: %w", s.id, err))
	}
	return nil
}

// Disconnect stops following the host and drops all listeners. The last
// known state stays readable. Safe to call multiple times.
func (s *Storage) Disconnect() {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.listeners = make(map[int]func(refine.Diff))
	unsubs := append(s.unsubs, s.unsubTree)
	s.unsubs = nil
	s.unsubTree = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		if unsub != nil {
			unsub()
		}
	}
	s.store.forget(s)
}

func (s *Storage) handleActions(actions []host.Action) {
	batch := make([]refine.Action, 0, len(actions))
	for _, a := range actions {
		if a.Key == StorageNS {
			continue
		}
		batch = append(batch, refine.Action{
			Key:     a.Key,
			Removed: a.Kind == host.ActionRemove,
			Value:   a.Value,
		})
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.seenNode = true
	s.batches++
	diff := s.engine.ApplyBatch(batch)
	s.mu.Unlock()

	s.emit(diff)
}

func (s *Storage) handlePhase(phase host.Phase) {
	s.mu.Lock()
	prev := s.phase
	s.phase = phase
	s.mu.Unlock()

	if prev == host.PhaseReconnecting && phase == host.PhaseConnected {
		s.resync()
	}
}

// resync replaces the incremental subscription after a connectivity gap:
// drop it, reconcile against a fresh snapshot, then subscribe again.
func (s *Storage) resync() {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	if s.unsubTree != nil {
		s.unsubTree()
		s.unsubTree = nil
	}
	s.mu.Unlock()

	if err := s.syncFromTree(context.Background(), true); err != nil {
		s.store.report(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.disconnected && s.unsubTree == nil {
		s.unsubTree = s.store.host.OnPathChanged(s.path, s.handleActions)
	}
}

// maxSnapshotAttempts bounds how often syncFromTree re-reads a namespace
// whose batches keep arriving while it reads.
const maxSnapshotAttempts = 10

// syncFromTree reconciles the state against the tree's current snapshot of
// the namespace and emits the resulting diff. An absent node keeps the
// default state until the node has been seen; after that it means empty.
// A snapshot read while a batch was applied is stale and is read again.
func (s *Storage) syncFromTree(ctx context.Context, emit bool) error {
	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		before := s.batches
		s.mu.Unlock()

		snapshot, found, err := s.readSnapshot(ctx)
		if err != nil {
			return err
		}

		s.emitMu.Lock()
		s.mu.Lock()
		if s.disconnected {
			s.mu.Unlock()
			s.emitMu.Unlock()
			return nil
		}
		stale := s.batches != before
		if stale && attempt < maxSnapshotAttempts {
			s.mu.Unlock()
			s.emitMu.Unlock()
			continue
		}
		var diff refine.Diff
		switch {
		case found:
			s.seenNode = true
			diff = s.engine.ReplaceState(snapshot)
		case s.seenNode:
			diff = s.engine.ReplaceState(map[string]any{})
		}
		s.mu.Unlock()

		if emit {
			s.emit(diff)
		}
		s.emitMu.Unlock()

		if stale {
			s.store.report(fmt.Errorf("storage %q: snapshot still changing after %d reads", s.id, attempt))
		}
		return nil
	}
}

// readSnapshot reads the namespace node. found is false when it is absent.
func (s *Storage) readSnapshot(ctx context.Context) (map[string]any, bool, error) {
	raw, err := s.store.host.Read(ctx, s.path)
	if err != nil {
		if host.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read storage %q: %w", s.id, err)
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("storage %q holds %T instead of a mapping", s.id, raw)
	}
	snapshot := make(map[string]any, len(m))
	for k, v := range m {
		if k != StorageNS {
			snapshot[k] = v
		}
	}
	return snapshot, true, nil
}

func (s *Storage) handleCompanion(companion host.Companion) {
	if companion == nil {
		return
	}
	if err := s.syncFromTree(context.Background(), true); err != nil {
		s.store.report(err)
	}
}

func (s *Storage) handleWritable(writable bool) {
	if writable {
		s.seedDefault(context.Background())
	}
}

// seedDefault writes the default state into the tree once, and only if the
// namespace is still empty there. A peer's non-empty namespace wins.
func (s *Storage) seedDefault(ctx context.Context) {
	s.mu.Lock()
	if s.seeded || s.disconnected {
		s.mu.Unlock()
		return
	}
	s.seeded = true
	if len(s.engine.DefaultState()) == 0 {
		s.mu.Unlock()
		return
	}
	payload := s.defaultRefState()
	s.mu.Unlock()

	if err := s.writeIfAbsent(ctx, payload); err != nil {
		s.mu.Lock()
		s.seeded = false
		s.mu.Unlock()
		s.store.report(fmt.Errorf("failed to seed default state of storage %q: %w", s.id, err))
	}
}

func (s *Storage) writeIfAbsent(ctx context.Context, payload map[string]any) error {
	h := s.store.host
	if ct, ok := h.(host.ConditionalTree); ok {
		_, err := ct.UpdateIfAbsent(ctx, s.path, payload)
		return err
	}

	raw, err := h.Read(ctx, s.path)
	switch {
	case host.IsNotFound(err):
	case err != nil:
		return err
	default:
		if m, ok := raw.(map[string]any); !ok || len(m) > 0 {
			return nil
		}
	}
	return h.Update(ctx, s.path, payload)
}

// defaultRefState returns the default state in host form. Caller holds s.mu.
func (s *Storage) defaultRefState() map[string]any {
	def := s.engine.DefaultState()
	out := make(map[string]any, len(def))
	for k, v := range def {
		if v == nil {
			continue
		}
		out[k] = s.engine.RefValue(v)
	}
	return out
}

func (s *Storage) emit(diff refine.Diff) {
	if len(diff) == 0 {
		return
	}

	s.mu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(refine.Diff), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(diff)
	}
}
