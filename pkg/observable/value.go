// Package observable provides a typed value holder with change subscriptions
// and pure combinators over such holders.
//
// A Value is owned by exactly one component, which is the only caller of Set.
// Everyone else receives the Readonly view and can read the current value
// synchronously or subscribe to transitions.
package observable

import "sync"

// Readonly is the consumer view of a Value.
type Readonly[T comparable] interface {
	// Get returns the current value.
	Get() T

	// Subscribe registers fn to be called on every transition.
	// fn is not called for the current value. The returned function
	// removes the subscription and is safe to call more than once.
	Subscribe(fn func(T)) (unsubscribe func())
}

// Value holds a value of type T and notifies subscribers when it changes.
// Setting the value it already holds is a no-op.
//
// Notifications are delivered synchronously on the goroutine that calls Set,
// serialized per Value. A subscriber must not call Set on the Value it is
// subscribed to.
type Value[T comparable] struct {
	mu       sync.Mutex
	notifyMu sync.Mutex
	value    T
	nextID   uint64
	subs     map[uint64]func(T)
	disposed bool
}

// New creates a Value holding initial.
func New[T comparable](initial T) *Value[T] {
	return &Value[T]{
		value: initial,
		subs:  make(map[uint64]func(T)),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set stores next and notifies subscribers if it differs from the current value.
// Returns true if the value changed.
func (v *Value[T]) Set(next T) bool {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()

	v.mu.Lock()
	if v.disposed || v.value == next {
		v.mu.Unlock()
		return false
	}
	v.value = next
	subs := make([]func(T), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	v.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return true
}

// Subscribe registers fn for transitions. See Readonly.Subscribe.
func (v *Value[T]) Subscribe(fn func(T)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.disposed {
		return func() {}
	}

	id := v.nextID
	v.nextID++
	v.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
		})
	}
}

// Dispose drops all subscribers. The value stays readable but further Set
// calls are ignored.
func (v *Value[T]) Dispose() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disposed = true
	v.subs = make(map[uint64]func(T))
}

// Readonly returns the consumer view of v.
func (v *Value[T]) Readonly() Readonly[T] {
	return v
}
