// Package refine implements the reconciliation engine that keeps a stable local
// view of one namespace of the replicated tree.
//
// The host re-serializes every value it stores, so an object written locally
// comes back as a structurally equal but distinct value. Object values are
// therefore written inside an Envelope carrying a stable key; when the echo
// arrives with the same key the engine keeps the local object reference and
// reports no change.
//
// An Engine is not safe for concurrent use. Callers serialize access.
package refine

import (
	"fmt"
	"log"
	"sort"
)

// DiffOne describes the change of a single key.
// A nil OldValue means the key was added, a nil NewValue means it was removed.
type DiffOne struct {
	OldValue any `json:"oldValue,omitempty"`
	NewValue any `json:"newValue,omitempty"`
}

// Diff maps changed keys to their change. Unchanged keys have no entry.
type Diff map[string]DiffOne

// Action is one incremental change delivered by the host.
type Action struct {
	Key     string
	Removed bool
	Value   any
}

type ref struct {
	obj any
	env Envelope
}

// Engine holds the canonical state of one namespace.
type Engine struct {
	defaultState map[string]any
	state        map[string]any

	refs    map[identity]*ref
	refKeys map[string]*ref

	genKey  func() string
	onError func(error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithErrorSink sets the function that receives malformed-entry errors.
// The default sink logs them.
func WithErrorSink(sink func(error)) Option {
	return func(e *Engine) {
		if sink != nil {
			e.onError = sink
		}
	}
}

// WithKeyGenerator overrides stable key generation.
func WithKeyGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.genKey = gen
		}
	}
}

// New creates an Engine seeded with defaultState.
func New(defaultState map[string]any, opts ...Option) *Engine {
	e := &Engine{
		state:   make(map[string]any),
		refs:    make(map[identity]*ref),
		refKeys: make(map[string]*ref),
		genKey:  newStableKey,
		onError: func(err error) {
			log.Printf("[ERROR] refine: %v", err)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	defaults := make(map[string]any, len(defaultState))
	for k, v := range defaultState {
		defaults[k] = detach(v)
	}
	e.defaultState = defaults
	e.ReplaceState(nil)
	return e
}

// State returns a shallow copy of the canonical state.
func (e *Engine) State() map[string]any {
	out := make(map[string]any, len(e.state))
	for k, v := range e.state {
		out[k] = v
	}
	return out
}

// Get returns the canonical value of key.
func (e *Engine) Get(key string) (any, bool) {
	v, ok := e.state[key]
	return v, ok
}

// Len returns the number of keys in the canonical state.
func (e *Engine) Len() int {
	return len(e.state)
}

// DefaultState returns the state the engine was seeded with.
func (e *Engine) DefaultState() map[string]any {
	return e.defaultState
}

// ReplaceState reconciles the whole canonical state against raw.
// A nil raw reconciles against the default state.
// Returns nil when nothing changed.
func (e *Engine) ReplaceState(raw map[string]any) Diff {
	if raw == nil {
		raw = e.defaultState
	}

	keys := make(map[string]struct{}, len(e.state)+len(raw))
	for k := range e.state {
		keys[k] = struct{}{}
	}
	for k := range raw {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	var diff Diff
	for _, key := range ordered {
		if one := e.SetValue(key, raw[key]); one != nil {
			if diff == nil {
				diff = make(Diff)
			}
			diff[key] = *one
		}
	}
	return diff
}

// SetValue applies a single change to key. A nil raw removes the key.
// raw may be an envelope, a plain object or a primitive.
// Returns nil when the canonical value did not change.
func (e *Engine) SetValue(key string, raw any) *DiffOne {
	if raw == nil {
		cur, has := e.state[key]
		if !has {
			return nil
		}
		delete(e.state, key)
		e.release(cur)
		return &DiffOne{OldValue: cur}
	}

	env, isEnv, err := parseEnvelope(raw)
	if err != nil {
		e.onError(fmt.Errorf("skipping malformed value for key %q: %w", key, err))
		return nil
	}

	cur, has := e.state[key]

	var next any
	switch {
	case isEnv:
		if has {
			if r := e.refOf(cur); r != nil && r.env.Key == env.Key {
				return nil
			}
		}
		next = e.adopt(env)
	case IsObject(raw):
		e.EnsureEnvelope(raw)
		next = raw
	default:
		next = raw
	}

	if has && SameValue(cur, next) {
		return nil
	}

	e.state[key] = next
	if has {
		e.release(cur)
		return &DiffOne{OldValue: cur, NewValue: next}
	}
	return &DiffOne{NewValue: next}
}

// ApplyBatch applies actions in arrival order. The returned diff holds one
// entry per key, comparing the final value with the value before the batch.
func (e *Engine) ApplyBatch(actions []Action) Diff {
	type before struct {
		value any
		has   bool
	}
	pre := make(map[string]before)
	var order []string

	for _, a := range actions {
		if _, seen := pre[a.Key]; !seen {
			v, has := e.state[a.Key]
			pre[a.Key] = before{value: v, has: has}
			order = append(order, a.Key)
		}
		if a.Removed {
			e.SetValue(a.Key, nil)
		} else {
			e.SetValue(a.Key, a.Value)
		}
	}

	var diff Diff
	for _, key := range order {
		p := pre[key]
		cur, has := e.state[key]

		var one DiffOne
		switch {
		case !p.has && !has:
			continue
		case p.has && !has:
			one = DiffOne{OldValue: p.value}
		case !p.has && has:
			one = DiffOne{NewValue: cur}
		default:
			if SameValue(p.value, cur) {
				continue
			}
			one = DiffOne{OldValue: p.value, NewValue: cur}
		}
		if diff == nil {
			diff = make(Diff)
		}
		diff[key] = one
	}
	return diff
}

// EnsureEnvelope returns the envelope of an object value, creating and
// registering one on first use. The same object always yields the same key
// while it is registered. An envelope passed in is registered and returned.
func (e *Engine) EnsureEnvelope(value any) Envelope {
	if env, ok, err := parseEnvelope(value); ok && err == nil {
		e.register(env.Value, env)
		return env
	}
	if r := e.refOf(value); r != nil {
		return r.env
	}
	env := Envelope{Key: e.newKey(), Value: value}
	e.register(value, env)
	return env
}

// RefValue returns value as it should be written to the host: objects wrapped
// in their envelope, primitives unchanged.
func (e *Engine) RefValue(value any) any {
	if IsObject(value) {
		return e.EnsureEnvelope(value)
	}
	return value
}

// RefState returns the canonical state in host form.
func (e *Engine) RefState() map[string]any {
	out := make(map[string]any, len(e.state))
	for k, v := range e.state {
		out[k] = e.RefValue(v)
	}
	return out
}

// adopt resolves an incoming envelope to the local value it stands for.
func (e *Engine) adopt(env Envelope) any {
	if r, ok := e.refKeys[env.Key]; ok {
		return r.obj
	}
	if IsObject(env.Value) {
		env.Value = detach(env.Value)
		e.register(env.Value, env)
	}
	return env.Value
}

func (e *Engine) refOf(v any) *ref {
	id, ok := identityOf(v)
	if !ok {
		return nil
	}
	return e.refs[id]
}

func (e *Engine) register(obj any, env Envelope) {
	id, ok := identityOf(obj)
	if !ok {
		return
	}
	if old, exists := e.refs[id]; exists && old.env.Key != env.Key {
		delete(e.refKeys, old.env.Key)
	}
	r := &ref{obj: obj, env: env}
	e.refs[id] = r
	e.refKeys[env.Key] = r
}

// release forgets the envelope of an object that left the canonical state,
// unless another key still holds it.
func (e *Engine) release(old any) {
	id, ok := identityOf(old)
	if !ok {
		return
	}
	for _, v := range e.state {
		if other, isObj := identityOf(v); isObj && other == id {
			return
		}
	}
	if r, exists := e.refs[id]; exists {
		delete(e.refKeys, r.env.Key)
		delete(e.refs, id)
	}
}

func (e *Engine) newKey() string {
	for {
		key := e.genKey()
		if _, live := e.refKeys[key]; !live {
			return key
		}
	}
}
