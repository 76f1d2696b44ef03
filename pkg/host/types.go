package host

import (
	"encoding/json"
	"fmt"
)

// ActionKind identifies the kind of change carried by an Action.
type ActionKind string

const (
	// ActionSet means a child was created or replaced.
	ActionSet ActionKind = "set"
	// ActionRemove means a child was deleted.
	ActionRemove ActionKind = "remove"
)

// Validate checks that the kind is one of the defined values.
func (k ActionKind) Validate() error {
	switch k {
	case ActionSet, ActionRemove:
		return nil
	default:
		return fmt.Errorf("invalid action kind: %q", k)
	}
}

// Action is one change of a direct child of a watched path.
type Action struct {
	Kind  ActionKind `json:"kind"`
	Key   string     `json:"key"`
	Value any        `json:"value,omitempty"`
}

// Phase is the connection phase of a session.
type Phase string

const (
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseDisconnected Phase = "disconnected"
)

// Message is a broadcast event as received by a participant.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Sender is the participant id of the dispatcher.
	Sender string `json:"sender"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %q has no payload", m.Event)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of %q: %w", m.Event, err)
	}
	return nil
}
