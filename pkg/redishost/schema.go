package redishost

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by room name so that
// several rooms can share one Redis server.
//
// Key pattern: syncedstore:{room}:{entity}[:{name}...]
// Channel pattern: syncedstore:{room}:{event_type}_events

// RootsKey returns the Redis key for the set of top-level tree nodes.
// Pattern: syncedstore:{room}:roots
func RootsKey(room string) string {
	return fmt.Sprintf("syncedstore:%s:roots", room)
}

// RootKey returns the Redis key for the set of namespaces under a root.
// Pattern: syncedstore:{room}:node:{root}
func RootKey(room, root string) string {
	return fmt.Sprintf("syncedstore:%s:node:%s", room, root)
}

// NamespaceKey returns the Redis key for the hash of one namespace.
// Fields are keys, values are JSON.
// Pattern: syncedstore:{room}:node:{root}:{namespace}
func NamespaceKey(room, root, namespace string) string {
	return fmt.Sprintf("syncedstore:%s:node:%s:%s", room, root, namespace)
}

// CompanionKey returns the Redis key holding the room's companion record.
// Pattern: syncedstore:{room}:companion
func CompanionKey(room string) string {
	return fmt.Sprintf("syncedstore:%s:companion", room)
}

// TreeEventsChannel returns the Pub/Sub channel carrying tree changes.
// Pattern: syncedstore:{room}:tree_events
func TreeEventsChannel(room string) string {
	return fmt.Sprintf("syncedstore:%s:tree_events", room)
}

// CompanionEventsChannel returns the Pub/Sub channel announcing the companion.
// Pattern: syncedstore:{room}:companion_events
func CompanionEventsChannel(room string) string {
	return fmt.Sprintf("syncedstore:%s:companion_events", room)
}

// BroadcastEventsChannel returns the Pub/Sub channel for broadcast messages.
// Pattern: syncedstore:{room}:broadcast_events
func BroadcastEventsChannel(room string) string {
	return fmt.Sprintf("syncedstore:%s:broadcast_events", room)
}
