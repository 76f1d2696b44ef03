// Package redishost implements a collaborative host on Redis.
//
// # Overview
//
// Each room lives under its own key prefix. The replicated tree is stored in
// Redis sets and hashes, changes are announced on a Pub/Sub channel, and the
// room's companion is a single string key created with SETNX so that exactly
// one creation attempt can win.
//
// A Participant is one member of a room. It implements host.Host: writes go
// straight to Redis inside a transaction that also publishes the change, and
// every notification (tree changes, companion, broadcast messages, phase and
// writability changes) is delivered on one event loop goroutine per
// Participant.
//
// # Connectivity
//
// A heartbeat pings Redis periodically. A failed ping moves the participant
// to PhaseReconnecting; the next successful one moves it back to
// PhaseConnected. Pub/Sub messages published during the gap are lost, so
// consumers re-read the tree after a reconnect.
package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/syncedstore/pkg/host"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultHeartbeatInterval is the ping period used when Options leaves it zero.
const DefaultHeartbeatInterval = time.Second

// ErrClosed is returned by operations on a closed Participant.
var ErrClosed = errors.New("participant is closed")

// Options configures a Participant.
type Options struct {
	// Redis holds the connection options. Required.
	Redis *redis.Options
	// Room namespaces every key and channel. Required.
	Room string
	// ParticipantID identifies this participant; a UUID when empty.
	ParticipantID string
	// Writable grants write permission from the start.
	Writable bool
	// Replay disables broadcasting.
	Replay bool
	// HeartbeatInterval is the ping period.
	HeartbeatInterval time.Duration
}

// Participant is one member of a Redis room.
// It is safe for concurrent use. Callbacks run on the event loop goroutine
// and must not call Close.
type Participant struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	room   string
	id     string

	mu           sync.Mutex
	writable     bool
	phase        host.Phase
	companion    *Companion
	canBroadcast bool
	closed       bool

	nextWatcher  int
	watchers     map[int]*watcher
	writableFns  *listeners[bool]
	phaseFns     *listeners[host.Phase]
	companionFns *listeners[host.Companion]
	eventFns     map[string]*listeners[host.Message]

	local     chan func()
	loopDone  chan struct{}
	hbCancel  context.CancelFunc
	hbDone    chan struct{}
	heartbeat time.Duration
	closeOnce sync.Once
}

var _ host.Host = (*Participant)(nil)
var _ host.ConditionalTree = (*Participant)(nil)

type watcher struct {
	id   int
	path []string
	fn   func([]host.Action)
}

// Connect joins a room. It verifies Redis connectivity, subscribes to the
// room's channels and loads the companion before returning.
func Connect(ctx context.Context, opts Options) (*Participant, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}
	if opts.Room == "" {
		return nil, fmt.Errorf("room name cannot be empty")
	}
	if opts.ParticipantID == "" {
		opts.ParticipantID = uuid.NewString()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}

	rdb := redis.NewClient(opts.Redis)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	channels := []string{
		TreeEventsChannel(opts.Room),
		CompanionEventsChannel(opts.Room),
		BroadcastEventsChannel(opts.Room),
	}
	pubsub := rdb.Subscribe(ctx, channels...)
	for range channels {
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			rdb.Close()
			return nil, fmt.Errorf("failed to subscribe to room events: %w", err)
		}
	}

	p := &Participant{
		rdb:          rdb,
		pubsub:       pubsub,
		room:         opts.Room,
		id:           opts.ParticipantID,
		writable:     opts.Writable,
		phase:        host.PhaseConnected,
		canBroadcast: !opts.Replay,
		watchers:     make(map[int]*watcher),
		writableFns:  newListeners[bool](),
		phaseFns:     newListeners[host.Phase](),
		companionFns: newListeners[host.Companion](),
		eventFns:     make(map[string]*listeners[host.Message]),
		local:        make(chan func(), 64),
		loopDone:     make(chan struct{}),
		hbDone:       make(chan struct{}),
		heartbeat:    opts.HeartbeatInterval,
	}

	companion, err := p.loadCompanion(ctx)
	if err != nil {
		pubsub.Close()
		rdb.Close()
		return nil, err
	}
	p.companion = companion

	hbCtx, hbCancel := context.WithCancel(context.Background())
	p.hbCancel = hbCancel
	go p.loop(pubsub.Channel())
	go p.runHeartbeat(hbCtx)

	log.Printf("[INFO] Participant %s joined room '%s' (writable=%t)", p.id, p.room, p.writable)
	return p, nil
}

// ID returns the participant id.
func (p *Participant) ID() string { return p.id }

// Room returns the room name.
func (p *Participant) Room() string { return p.room }

// Close leaves the room. PhaseDisconnected is delivered to phase listeners
// before the event loop stops. Safe to call multiple times.
func (p *Participant) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.hbCancel()
		<-p.hbDone

		p.mu.Lock()
		p.closed = true
		p.phase = host.PhaseDisconnected
		p.mu.Unlock()

		p.enqueue(func() { p.phaseFns.emit(host.PhaseDisconnected) })
		p.enqueue(nil)
		<-p.loopDone

		if cerr := p.pubsub.Close(); cerr != nil {
			err = cerr
		}
		if cerr := p.rdb.Close(); cerr != nil && err == nil {
			err = cerr
		}
		log.Printf("[INFO] Participant %s left room '%s'", p.id, p.room)
	})
	return err
}

// SetWritable changes the local write permission.
func (p *Participant) SetWritable(writable bool) {
	p.mu.Lock()
	changed := p.writable != writable && !p.closed
	p.writable = writable
	p.mu.Unlock()
	if changed {
		p.enqueue(func() { p.writableFns.emit(writable) })
	}
}

// enqueue hands fn to the event loop. A nil fn stops the loop.
func (p *Participant) enqueue(fn func()) {
	select {
	case p.local <- fn:
	case <-p.loopDone:
	}
}

func (p *Participant) loop(msgs <-chan *redis.Message) {
	defer close(p.loopDone)
	for {
		select {
		case fn := <-p.local:
			if fn == nil {
				return
			}
			fn()
		case msg, ok := <-msgs:
			if !ok {
				// Keep serving local events until Close stops the loop.
				msgs = nil
				continue
			}
			p.handleMessage(msg)
		}
	}
}

func (p *Participant) handleMessage(msg *redis.Message) {
	switch msg.Channel {
	case TreeEventsChannel(p.room):
		p.handleTreeEvent(msg.Payload)
	case CompanionEventsChannel(p.room):
		var rec companionRecord
		if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
			log.Printf("[ERROR] Failed to unmarshal companion event: %v", err)
			return
		}
		p.observeCompanion(&Companion{record: rec})
	case BroadcastEventsChannel(p.room):
		var m host.Message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			log.Printf("[ERROR] Failed to unmarshal broadcast event: %v", err)
			return
		}
		if l := p.lookupEvent(m.Event); l != nil {
			l.emit(m)
		}
	}
}

func (p *Participant) handleTreeEvent(payload string) {
	var probe struct {
		Path []string `json:"path"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		log.Printf("[ERROR] Failed to unmarshal tree event: %v", err)
		return
	}

	p.mu.Lock()
	var matched []*watcher
	for _, w := range p.watchers {
		if equalPath(w.path, probe.Path) {
			matched = append(matched, w)
		}
	}
	p.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	for _, w := range matched {
		// Each watcher decodes its own copy of the values.
		var ev treeEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Printf("[ERROR] Failed to unmarshal tree event: %v", err)
			return
		}
		if p.stillWatching(w.id) {
			w.fn(ev.Actions)
		}
	}
}

// observeCompanion records the companion and notifies listeners on change.
// Runs on the event loop.
func (p *Participant) observeCompanion(c *Companion) {
	p.mu.Lock()
	if p.companion != nil && p.companion.ID() == c.ID() {
		p.mu.Unlock()
		return
	}
	p.companion = c
	p.mu.Unlock()
	p.companionFns.emit(c)
}

func (p *Participant) loadCompanion(ctx context.Context) (*Companion, error) {
	data, err := p.rdb.Get(ctx, CompanionKey(p.room)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read companion: %w", err)
	}
	var rec companionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal companion: %w", err)
	}
	return &Companion{record: rec}, nil
}

func (p *Participant) runHeartbeat(ctx context.Context) {
	defer close(p.hbDone)
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, p.heartbeat)
		err := p.rdb.Ping(pingCtx).Err()
		cancel()
		if ctx.Err() != nil {
			return
		}

		next := host.PhaseConnected
		if err != nil {
			next = host.PhaseReconnecting
		}

		p.mu.Lock()
		changed := p.phase != next
		p.phase = next
		p.mu.Unlock()

		if changed {
			if err != nil {
				log.Printf("[INFO] Participant %s lost Redis: %v", p.id, err)
			} else {
				log.Printf("[INFO] Participant %s reconnected", p.id)
			}
			p.enqueue(func() { p.phaseFns.emit(next) })
		}
	}
}

// IsWritable implements host.Session.
func (p *Participant) IsWritable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writable
}

// OnWritableChanged implements host.Session.
func (p *Participant) OnWritableChanged(fn func(bool)) func() {
	return p.writableFns.add(fn)
}

// Phase implements host.Session.
func (p *Participant) Phase() host.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// OnPhaseChanged implements host.Session.
func (p *Participant) OnPhaseChanged(fn func(host.Phase)) func() {
	return p.phaseFns.add(fn)
}

// Companion implements host.Session. When no companion has been announced
// yet, Redis is queried directly so that a peer's fresh companion is seen
// before its announcement arrives.
func (p *Participant) Companion() host.Companion {
	p.mu.Lock()
	c, closed := p.companion, p.closed
	p.mu.Unlock()
	if c != nil {
		return c
	}
	if closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.heartbeat)
	defer cancel()
	loaded, err := p.loadCompanion(ctx)
	if err != nil || loaded == nil {
		return nil
	}
	return loaded
}

// OnCompanionChanged implements host.Session.
func (p *Participant) OnCompanionChanged(fn func(host.Companion)) func() {
	return p.companionFns.add(fn)
}

// CreateCompanion implements host.Session. The companion key is written with
// SETNX; losing creators get host.ErrCompanionExists. The initial attributes
// are written to tree roots that do not exist yet.
func (p *Participant) CreateCompanion(ctx context.Context, initial map[string]any) (host.Companion, error) {
	if err := p.checkWrite(); err != nil {
		return nil, err
	}

	rec := companionRecord{
		ID:          uuid.NewString(),
		CreatedBy:   p.id,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal companion: %w", err)
	}

	created, err := p.rdb.SetNX(ctx, CompanionKey(p.room), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create companion: %w", err)
	}
	if !created {
		return nil, host.ErrCompanionExists
	}

	roots := make([]string, 0, len(initial))
	for root := range initial {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	for _, root := range roots {
		if _, err := p.write(ctx, []string{root}, initial[root], true); err != nil {
			return nil, fmt.Errorf("failed to write initial attribute %q: %w", root, err)
		}
	}

	if err := p.rdb.Publish(ctx, CompanionEventsChannel(p.room), data).Err(); err != nil {
		return nil, fmt.Errorf("failed to publish companion event: %w", err)
	}

	log.Printf("[INFO] Participant %s created companion %s", p.id, rec.ID)
	return &Companion{record: rec}, nil
}

// CanBroadcast implements host.Session.
func (p *Participant) CanBroadcast() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canBroadcast && !p.closed
}

// Dispatch implements host.Session. The message is published to every
// participant of the room, the sender included.
func (p *Participant) Dispatch(ctx context.Context, event string, payload any) error {
	p.mu.Lock()
	closed, canBroadcast := p.closed, p.canBroadcast
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !canBroadcast {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	data, err := json.Marshal(host.Message{Event: event, Payload: raw, Sender: p.id})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.rdb.Publish(ctx, BroadcastEventsChannel(p.room), data).Err(); err != nil {
		return fmt.Errorf("failed to publish broadcast event: %w", err)
	}
	return nil
}

// OnEvent implements host.Session.
func (p *Participant) OnEvent(event string, fn func(host.Message)) func() {
	p.mu.Lock()
	l, ok := p.eventFns[event]
	if !ok {
		l = newListeners[host.Message]()
		p.eventFns[event] = l
	}
	p.mu.Unlock()
	return l.add(fn)
}

func (p *Participant) lookupEvent(event string) *listeners[host.Message] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eventFns[event]
}

// OnPathChanged implements host.Tree.
func (p *Participant) OnPathChanged(path []string, fn func([]host.Action)) func() {
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

func (p *Participant) stillWatching(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.watchers[id]
	return ok
}

func (p *Participant) checkWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !p.writable {
		return host.ErrReadOnly
	}
	return nil
}

func equalPath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
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
