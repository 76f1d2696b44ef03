// Package fakehost provides an in-memory host for tests.
//
// A Server holds the shared tree and companion of one room. Each Session is
// one participant. Changes are queued per participant and delivered only when
// the test calls Server.Flush, which makes interleavings deterministic.
// Every delivered value is a fresh copy, the way a real host re-serializes.
package fakehost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/dyluth/syncedstore/pkg/host"
	"github.com/dyluth/syncedstore/pkg/refine"
	"github.com/google/uuid"
)

// ErrOffline is returned by writes from a participant whose network is down.
var ErrOffline = errors.New("participant is offline")

// Server is the shared state of one room.
type Server struct {
	mu        sync.Mutex
	tree      map[string]any
	companion *Companion
	sessions  []*Session
	onCreate  func(sessionID string) error
	onRead    func(sessionID string, path []string)
	writes    int

	flushMu sync.Mutex
}

// NewServer creates an empty room.
func NewServer() *Server {
	return &Server{tree: map[string]any{}}
}

// Companion is the fake companion handle.
type Companion struct {
	id string
}

// ID returns the companion id.
func (c *Companion) ID() string { return c.id }

// OnCreate installs a hook run before every companion creation. A non-nil
// error from the hook fails the creation with that error.
func (s *Server) OnCreate(fn func(sessionID string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCreate = fn
}

// OnRead installs a hook run after every tree read, once the server lock is
// released. Tests use it to interleave peer writes with a reader.
func (s *Server) OnRead(fn func(sessionID string, path []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRead = fn
}

// Writes returns the number of successful tree writes so far.
func (s *Server) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Snapshot returns a copy of the whole tree.
func (s *Server) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.tree)
}

// CompanionID returns the id of the room's companion, or "".
func (s *Server) CompanionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.companion == nil {
		return ""
	}
	return s.companion.id
}

// Flush delivers queued callbacks to every participant until no work is left.
// Callbacks run on the calling goroutine.
func (s *Server) Flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for {
		s.mu.Lock()
		sessions := append([]*Session(nil), s.sessions...)
		s.mu.Unlock()

		delivered := false
		for _, sess := range sessions {
			for _, fn := range sess.drain() {
				fn()
				delivered = true
			}
		}
		if !delivered {
			return
		}
	}
}

// Join adds a connected, read-only participant to the room.
func (s *Server) Join() *Session {
	sess := &Session{
		id:           uuid.NewString(),
		server:       s,
		phase:        host.PhaseConnected,
		online:       true,
		canBroadcast: true,
		watchers:     make(map[int]*watcher),
		writableFns:  newListeners[bool](),
		phaseFns:     newListeners[host.Phase](),
		companionFns: newListeners[host.Companion](),
		eventFns:     make(map[string]*listeners[host.Message]),
	}
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()
	return sess
}

// broadcast queues fn for every online participant. Caller holds s.mu.
func (s *Server) broadcastLocked(fn func(*Session) func()) {
	for _, sess := range s.sessions {
		sess.mu.Lock()
		if sess.online && !sess.closed {
			if cb := fn(sess); cb != nil {
				sess.queue = append(sess.queue, cb)
			}
		}
		sess.mu.Unlock()
	}
}

// update applies a write and queues the resulting actions. Caller holds s.mu.
func (s *Server) updateLocked(path []string, value any) error {
	clean, err := refine.Sanitize(value)
	if err != nil {
		return fmt.Errorf("failed to sanitize value: %w", err)
	}

	old := cloneMap(s.tree)
	if err := setAt(s.tree, path, clean); err != nil {
		return err
	}
	s.writes++

	s.broadcastLocked(func(sess *Session) func() {
		var calls []func()
		for _, w := range sess.watchers {
			actions := actionsFor(old, s.tree, w.path, path)
			if len(actions) == 0 {
				continue
			}
			fn := w.fn
			calls = append(calls, func() {
				if sess.watching(w) {
					fn(actions)
				}
			})
		}
		if len(calls) == 0 {
			return nil
		}
		return func() {
			for _, c := range calls {
				c()
			}
		}
	})
	return nil
}

// actionsFor computes the child actions seen by a watcher of watchPath when
// the node at writePath changed from old to next.
func actionsFor(old, next map[string]any, watchPath, writePath []string) []host.Action {
	if len(writePath) > len(watchPath) && hasPrefix(writePath, watchPath) {
		key := writePath[len(watchPath)]
		childPath := append(append([]string(nil), watchPath...), key)
		_, hadOld := getAt(old, childPath)
		v, hasNew := getAt(next, childPath)
		switch {
		case hasNew:
			return []host.Action{{Kind: host.ActionSet, Key: key, Value: clone(v)}}
		case hadOld:
			return []host.Action{{Kind: host.ActionRemove, Key: key}}
		default:
			return nil
		}
	}

	if !hasPrefix(watchPath, writePath) {
		return nil
	}

	oldChildren := children(old, watchPath)
	newChildren := children(next, watchPath)
	keys := make([]string, 0, len(oldChildren)+len(newChildren))
	for k := range oldChildren {
		keys = append(keys, k)
	}
	for k := range newChildren {
		if _, dup := oldChildren[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var actions []host.Action
	for _, k := range keys {
		nv, inNew := newChildren[k]
		ov, inOld := oldChildren[k]
		switch {
		case inNew && (!inOld || !reflect.DeepEqual(ov, nv)):
			actions = append(actions, host.Action{Kind: host.ActionSet, Key: k, Value: clone(nv)})
		case !inNew && inOld:
			actions = append(actions, host.Action{Kind: host.ActionRemove, Key: k})
		}
	}
	return actions
}

// Session is one participant of a fake room. It implements host.Host.
type Session struct {
	id     string
	server *Server

	mu           sync.Mutex
	writable     bool
	phase        host.Phase
	online       bool
	closed       bool
	canBroadcast bool
	queue        []func()

	nextWatcher  int
	watchers     map[int]*watcher
	writableFns  *listeners[bool]
	phaseFns     *listeners[host.Phase]
	companionFns *listeners[host.Companion]
	eventFns     map[string]*listeners[host.Message]
}

var _ host.Host = (*Session)(nil)
var _ host.ConditionalTree = (*Session)(nil)

type watcher struct {
	id   int
	path []string
	fn   func([]host.Action)
}

// ID returns the participant id.
func (p *Session) ID() string { return p.id }

func (p *Session) drain() []func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue
	p.queue = nil
	return q
}

func (p *Session) enqueue(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, fn)
}

func (p *Session) watching(w *watcher) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.watchers[w.id]
	return ok
}

// Pending returns the number of queued deliveries.
func (p *Session) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// SetWritable changes the participant's write permission. Listeners are
// notified on the next Flush.
func (p *Session) SetWritable(writable bool) {
	p.mu.Lock()
	changed := p.writable != writable
	p.writable = writable
	p.mu.Unlock()
	if changed {
		p.enqueue(func() { p.writableFns.emit(writable) })
	}
}

// SetReplay switches replay mode, in which broadcast is unavailable.
func (p *Session) SetReplay(replay bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canBroadcast = !replay
}

// SetOnline simulates losing or regaining the network. While offline the
// participant receives nothing and its writes fail.
func (p *Session) SetOnline(online bool) {
	p.mu.Lock()
	if p.online == online || p.closed {
		p.mu.Unlock()
		return
	}
	p.online = online
	next := host.PhaseReconnecting
	if online {
		next = host.PhaseConnected
	}
	p.phase = next
	p.queue = append(p.queue, func() { p.phaseFns.emit(next) })
	p.mu.Unlock()
}

// Close leaves the room. The Disconnected phase is delivered on the next Flush.
func (p *Session) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.phase = host.PhaseDisconnected
	p.queue = append(p.queue, func() { p.phaseFns.emit(host.PhaseDisconnected) })
	p.mu.Unlock()
}

func (p *Session) checkWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return fmt.Errorf("session closed: %w", ErrOffline)
	case !p.online:
		return ErrOffline
	case !p.writable:
		return host.ErrReadOnly
	}
	return nil
}

// Read implements host.Tree.
func (p *Session) Read(_ context.Context, path []string) (any, error) {
	p.server.mu.Lock()
	v, ok := getAt(p.server.tree, path)
	if ok {
		v = clone(v)
	}
	hook := p.server.onRead
	p.server.mu.Unlock()

	if hook != nil {
		hook(p.id, path)
	}
	if !ok {
		return nil, fmt.Errorf("read %v: %w", path, host.ErrNotFound)
	}
	return v, nil
}

// Update implements host.Tree.
func (p *Session) Update(_ context.Context, path []string, value any) error {
	if err := p.checkWrite(); err != nil {
		return err
	}
	p.server.mu.Lock()
	defer p.server.mu.Unlock()
	return p.server.updateLocked(path, value)
}

// UpdateIfAbsent implements host.ConditionalTree.
func (p *Session) UpdateIfAbsent(_ context.Context, path []string, value any) (bool, error) {
	if err := p.checkWrite(); err != nil {
		return false, err
	}
	p.server.mu.Lock()
	defer p.server.mu.Unlock()
	if v, ok := getAt(p.server.tree, path); ok {
		if m, isMap := v.(map[string]any); !isMap || len(m) > 0 {
			return false, nil
		}
	}
	if err := p.server.updateLocked(path, value); err != nil {
		return false, err
	}
	return true, nil
}

// OnPathChanged implements host.Tree.
func (p *Session) OnPathChanged(path []string, fn func([]host.Action)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextWatcher++
	w := &watcher{id: p.nextWatcher, path: append([]string(nil), path...), fn: fn}
	p.watchers[w.id] = w
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.watchers, w.id)
	}
}

// IsWritable implements host.Session.
func (p *Session) IsWritable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writable
}

// OnWritableChanged implements host.Session.
func (p *Session) OnWritableChanged(fn func(bool)) func() {
	return p.writableFns.add(fn)
}

// Phase implements host.Session.
func (p *Session) Phase() host.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// OnPhaseChanged implements host.Session.
func (p *Session) OnPhaseChanged(fn func(host.Phase)) func() {
	return p.phaseFns.add(fn)
}

// Companion implements host.Session. It queries the room directly, so a peer's
// companion is visible before its change notification is delivered.
func (p *Session) Companion() host.Companion {
	p.server.mu.Lock()
	defer p.server.mu.Unlock()
	if p.server.companion == nil {
		return nil
	}
	return p.server.companion
}

// OnCompanionChanged implements host.Session.
func (p *Session) OnCompanionChanged(fn func(host.Companion)) func() {
	return p.companionFns.add(fn)
}

// CreateCompanion implements host.Session.
func (p *Session) CreateCompanion(_ context.Context, initial map[string]any) (host.Companion, error) {
	if err := p.checkWrite(); err != nil {
		return nil, err
	}

	p.server.mu.Lock()
	hook := p.server.onCreate
	p.server.mu.Unlock()
	if hook != nil {
		if err := hook(p.id); err != nil {
			return nil, err
		}
	}

	s := p.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.companion != nil {
		return nil, host.ErrCompanionExists
	}
	c := &Companion{id: uuid.NewString()}
	s.companion = c

	keys := make([]string, 0, len(initial))
	for k := range initial {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, exists := s.tree[k]; exists {
			continue
		}
		if err := s.updateLocked([]string{k}, initial[k]); err != nil {
			return nil, err
		}
	}

	s.broadcastLocked(func(sess *Session) func() {
		return func() { sess.companionFns.emit(c) }
	})
	return c, nil
}

// CanBroadcast implements host.Session.
func (p *Session) CanBroadcast() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canBroadcast
}

// Dispatch implements host.Session. Every online participant, the sender
// included, receives the message on its next Flush.
func (p *Session) Dispatch(_ context.Context, event string, payload any) error {
	p.mu.Lock()
	offline := !p.online || p.closed
	canBroadcast := p.canBroadcast
	p.mu.Unlock()
	if offline {
		return ErrOffline
	}
	if !canBroadcast {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	msg := host.Message{Event: event, Payload: data, Sender: p.id}

	p.server.mu.Lock()
	defer p.server.mu.Unlock()
	p.server.broadcastLocked(func(sess *Session) func() {
		return func() { sess.eventListeners(event).emit(msg) }
	})
	return nil
}

// OnEvent implements host.Session.
func (p *Session) OnEvent(event string, fn func(host.Message)) func() {
	return p.eventListeners(event).add(fn)
}

func (p *Session) eventListeners(event string) *listeners[host.Message] {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.eventFns[event]
	if !ok {
		l = newListeners[host.Message]()
		p.eventFns[event] = l
	}
	return l
}

type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func newListeners[T any]() *listeners[T] {
	return &listeners[T]{fns: make(map[int]func(T))}
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	l.mu.Unlock()

	for _, id := range ids {
		l.mu.Lock()
		fn, ok := l.fns[id]
		l.mu.Unlock()
		if ok {
			fn(v)
		}
	}
}
