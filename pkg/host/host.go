// Package host defines the contract between a synced store and the
// collaborative host it runs on.
//
// # Overview
//
// A host owns a replicated attribute tree shared by every participant of a
// room, a connection session for the local participant, and a broadcast
// channel for transient events. The store never talks to the network itself;
// everything goes through these interfaces.
//
// # Ordering
//
// Implementations deliver every callback of one participant (tree changes,
// phase changes, writability changes, companion changes and broadcast
// messages) on a single goroutine, in the order the host observed them.
// Callbacks must not block for long.
//
// # Paths
//
// Tree paths are string segments from the root. The store uses three levels:
// [storageRoot], [storageRoot, namespace] and [storageRoot, namespace, key].
// Writing a nil value deletes the node at the path.
package host

import "context"

// Tree is the replicated attribute tree of a room.
type Tree interface {
	// Read returns the structural value at path, or ErrNotFound.
	Read(ctx context.Context, path []string) (any, error)

	// Update writes value at path. A nil value deletes the node.
	// The change is delivered back to every subscriber of the parent path,
	// including the local one.
	Update(ctx context.Context, path []string, value any) error

	// OnPathChanged registers fn for changes of the direct children of path.
	// Each call receives the actions of one host batch, in arrival order.
	OnPathChanged(path []string, fn func([]Action)) (unsubscribe func())
}

// ConditionalTree is implemented by trees that can write a node only when it
// does not exist yet, atomically.
type ConditionalTree interface {
	// UpdateIfAbsent writes value at path unless a node exists there.
	// Reports whether the write happened.
	UpdateIfAbsent(ctx context.Context, path []string, value any) (bool, error)
}

// Session is the local participant's connection to a room.
type Session interface {
	// IsWritable reports whether the local participant may write to the room.
	IsWritable() bool
	OnWritableChanged(fn func(bool)) (unsubscribe func())

	Phase() Phase
	OnPhaseChanged(fn func(Phase)) (unsubscribe func())

	// Companion returns the room's companion object, or nil when none exists.
	Companion() Companion
	OnCompanionChanged(fn func(Companion)) (unsubscribe func())

	// CreateCompanion creates the room's companion object with the given
	// initial attributes. Fails with ErrCompanionExists when a peer created
	// one first.
	CreateCompanion(ctx context.Context, initial map[string]any) (Companion, error)

	// CanBroadcast reports whether Dispatch reaches peers. It is false while
	// replaying a recorded session.
	CanBroadcast() bool
	Dispatch(ctx context.Context, event string, payload any) error
	OnEvent(event string, fn func(Message)) (unsubscribe func())
}

// Host is everything a synced store needs from the collaborative host.
type Host interface {
	Tree
	Session
}

// Companion is the hidden per-room object that anchors the shared tree.
// At most one exists per room.
type Companion interface {
	ID() string
}
