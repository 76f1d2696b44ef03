// Package lifecycle elects the single companion object of a session.
//
// The companion anchors the replicated tree that synced stores write to.
// Any writable participant may create it, so creation is racy: the host
// accepts one attempt and rejects the others. A Coordinator tracks the
// companion for one session, creates it when the room has none and the local
// participant may write, and masks a lost race with a single backoff window
// during which the winner's companion is expected to become visible.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/syncedstore/pkg/host"
	"github.com/dyluth/syncedstore/pkg/observable"
)

// DefaultCreationBackoff is the wait after a failed creation before checking
// whether a peer created the companion.
const DefaultCreationBackoff = 200 * time.Millisecond

// ErrCreationRace is reported when a creation attempt failed and no companion
// appeared within the backoff window.
var ErrCreationRace = errors.New("companion creation lost the race")

// State is the coordinator state.
type State string

const (
	StateNoCompanion  State = "no_companion"
	StateCreating     State = "creating"
	StateHasCompanion State = "has_companion"
	StateDestroyed    State = "destroyed"
)

// Coordinator tracks the companion of one session. Construct one per session
// and share it between every store of that session.
type Coordinator struct {
	session host.Session

	mu      sync.Mutex
	state   State
	attempt int // incremented whenever a pending creation result must be ignored
	unsubs  []func()
	ctx     context.Context
	cancel  context.CancelFunc

	companion *observable.Value[host.Companion]
	writable  *observable.Value[bool]

	backoff time.Duration
	initial map[string]any
	label   string
	onError func(error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCreationBackoff overrides DefaultCreationBackoff.
func WithCreationBackoff(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithInitialAttributes sets the attributes the companion is created with.
func WithInitialAttributes(attrs map[string]any) Option {
	return func(c *Coordinator) {
		c.initial = attrs
	}
}

// WithErrorSink sets the function that receives creation failures.
// The default sink logs them.
func WithErrorSink(sink func(error)) Option {
	return func(c *Coordinator) {
		if sink != nil {
			c.onError = sink
		}
	}
}

// WithLabel names the session in log events.
func WithLabel(label string) Option {
	return func(c *Coordinator) {
		c.label = label
	}
}

// New creates a Coordinator for session and starts tracking it. If the room
// has no companion and the session is writable, creation starts immediately.
func New(session host.Session, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		session: session,
		state:   StateNoCompanion,
		ctx:     ctx,
		cancel:  cancel,
		backoff: DefaultCreationBackoff,
		onError: func(err error) {
			log.Printf("[ERROR] lifecycle: %v", err)
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	existing := session.Companion()
	c.companion = observable.New(existing)
	c.writable = observable.New(session.IsWritable())
	if existing != nil {
		c.state = StateHasCompanion
	}

	c.unsubs = []func(){
		session.OnWritableChanged(c.handleWritable),
		session.OnCompanionChanged(c.handleCompanion),
		session.OnPhaseChanged(c.handlePhase),
	}

	c.logEvent("coordinator_started", map[string]interface{}{
		"state":    string(c.State()),
		"writable": c.writable.Get(),
	})

	if session.Phase() == host.PhaseDisconnected {
		c.Destroy()
		return c
	}
	c.maybeCreate()
	return c
}

// Companion returns the observed companion, nil until one exists.
func (c *Coordinator) Companion() observable.Readonly[host.Companion] {
	return c.companion.Readonly()
}

// SessionWritable returns the host's write permission for the local participant.
func (c *Coordinator) SessionWritable() observable.Readonly[bool] {
	return c.writable.Readonly()
}

// State returns the current coordinator state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Destroy stops tracking the session. Both observables drop to their zero
// value and are released. Safe to call multiple times.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = StateDestroyed
	c.attempt++
	unsubs := c.unsubs
	c.unsubs = nil
	c.cancel()
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	c.companion.Set(nil)
	c.writable.Set(false)
	c.companion.Dispose()
	c.writable.Dispose()

	c.logEvent("coordinator_destroyed", map[string]interface{}{})
}

func (c *Coordinator) handleWritable(writable bool) {
	if c.State() == StateDestroyed {
		return
	}
	c.writable.Set(writable)
	c.maybeCreate()
}

func (c *Coordinator) handlePhase(phase host.Phase) {
	if phase == host.PhaseDisconnected {
		c.Destroy()
	}
}

func (c *Coordinator) handleCompanion(companion host.Companion) {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}

	if companion == nil {
		c.state = StateNoCompanion
		c.attempt++
		c.mu.Unlock()
		c.companion.Set(nil)
		c.logEvent("companion_removed", map[string]interface{}{})
		c.maybeCreate()
		return
	}

	if cur := c.companion.Get(); cur != nil && cur.ID() != companion.ID() {
		c.mu.Unlock()
		c.logEvent("companion_conflict_ignored", map[string]interface{}{
			"kept":    cur.ID(),
			"ignored": companion.ID(),
		})
		return
	}

	// Any creation still in flight is superseded.
	c.state = StateHasCompanion
	c.attempt++
	c.mu.Unlock()

	if c.companion.Set(companion) {
		c.logEvent("companion_observed", map[string]interface{}{
			"companion_id": companion.ID(),
		})
	}
}

// maybeCreate starts one creation attempt when the room has no companion and
// the session may write.
func (c *Coordinator) maybeCreate() {
	c.mu.Lock()
	if c.state != StateNoCompanion || !c.writable.Get() {
		c.mu.Unlock()
		return
	}
	c.state = StateCreating
	c.attempt++
	gen := c.attempt
	ctx := c.ctx
	c.mu.Unlock()

	c.logEvent("companion_creation_started", map[string]interface{}{
		"attempt": gen,
	})
	go c.create(ctx, gen)
}

func (c *Coordinator) create(ctx context.Context, gen int) {
	companion, err := c.session.CreateCompanion(ctx, c.initial)
	if err != nil {
		c.logEvent("companion_creation_failed", map[string]interface{}{
			"attempt": gen,
			"error":   err.Error(),
		})

		timer := time.NewTimer(c.backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		companion = c.session.Companion()
		if companion == nil {
			c.mu.Lock()
			current := c.state == StateCreating && c.attempt == gen
			if current {
				c.state = StateNoCompanion
			}
			c.mu.Unlock()
			if current {
				c.onError(fmt.Errorf("%w: %w", ErrCreationRace, err))
			}
			return
		}
	}
	c.adopt(gen, companion)
}

// adopt applies the outcome of creation attempt gen unless it was superseded.
func (c *Coordinator) adopt(gen int, companion host.Companion) {
	c.mu.Lock()
	if c.state != StateCreating || c.attempt != gen {
		c.mu.Unlock()
		c.logEvent("companion_creation_discarded", map[string]interface{}{
			"attempt":      gen,
			"companion_id": companion.ID(),
		})
		return
	}
	c.state = StateHasCompanion
	c.mu.Unlock()

	if c.companion.Set(companion) {
		c.logEvent("companion_created", map[string]interface{}{
			"attempt":      gen,
			"companion_id": companion.ID(),
		})
	}
}

// logEvent logs a structured event in JSON format.
func (c *Coordinator) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "lifecycle"
	data["event_type"] = eventType
	if c.label != "" {
		data["session"] = c.label
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Lifecycle] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
