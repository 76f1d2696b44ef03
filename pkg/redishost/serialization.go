package redishost

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dyluth/syncedstore/pkg/host"
	"github.com/dyluth/syncedstore/pkg/refine"
)

// Serialization helpers for converting between tree values and Redis hashes
//
// Every value under a namespace is stored as one JSON-encoded hash field, so
// a namespace maps to exactly one Redis hash and reads are a single HGETALL.

// treeEvent is the payload published on the tree events channel.
type treeEvent struct {
	Path    []string      `json:"path"`
	Actions []host.Action `json:"actions"`
	Origin  string        `json:"origin"`
}

// companionRecord is the JSON stored at the companion key.
type companionRecord struct {
	ID          string `json:"id"`
	CreatedBy   string `json:"created_by"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Companion is the companion handle of a Redis room.
type Companion struct {
	record companionRecord
}

// ID returns the companion id.
func (c *Companion) ID() string { return c.record.ID }

// CreatedBy returns the participant id of the creator.
func (c *Companion) CreatedBy() string { return c.record.CreatedBy }

// CreatedAt returns the creation time.
func (c *Companion) CreatedAt() time.Time { return time.UnixMilli(c.record.CreatedAtMs) }

// EncodeValue converts a tree value to its hash field form.
// The value is sanitized first, so envelopes are stored in wire form.
func EncodeValue(v any) (string, error) {
	clean, err := refine.Sanitize(v)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}
	return string(data), nil
}

// DecodeValue converts a hash field back to a tree value.
func DecodeValue(field string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(field), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return v, nil
}

// HashToNamespace converts a namespace hash to a tree mapping.
// Fields that fail to decode are left out and named in the joined error,
// in key order.
func HashToNamespace(hash map[string]string) (map[string]any, error) {
	keys := make([]string, 0, len(hash))
	for key := range hash {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(hash))
	var errs []error
	for _, key := range keys {
		v, err := DecodeValue(hash[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", key, err))
			continue
		}
		out[key] = v
	}
	return out, errors.Join(errs...)
}

// NamespaceToHash converts a tree mapping to namespace hash fields.
func NamespaceToHash(m map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for key, v := range m {
		if v == nil {
			continue
		}
		field, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		out[key] = field
	}
	return out, nil
}
