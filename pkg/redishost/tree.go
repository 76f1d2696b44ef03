package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/dyluth/syncedstore/pkg/host"
	"github.com/dyluth/syncedstore/pkg/refine"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries on WATCH conflicts.
const maxTxRetries = 10

// Tree layout
//
// The tree has three levels: roots, namespaces and keys.
//   - [root]                 member of RootsKey, namespaces listed in RootKey
//   - [root, namespace]      member of RootKey, fields in NamespaceKey
//   - [root, namespace, key] one field of NamespaceKey
//
// Writing a namespace replaces its hash. Writing a root replaces each of its
// namespaces in turn.

// Read implements host.Tree.
func (p *Participant) Read(ctx context.Context, path []string) (any, error) {
	switch len(path) {
	case 1:
		return p.readRoot(ctx, path[0])
	case 2:
		return p.readNamespace(ctx, path[0], path[1])
	case 3:
		field, err := p.rdb.HGet(ctx, NamespaceKey(p.room, path[0], path[1]), path[2]).Result()
		if err == redis.Nil {
			return nil, fmt.Errorf("read %v: %w", path, host.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %v from Redis: %w", path, err)
		}
		return DecodeValue(field)
	default:
		return nil, fmt.Errorf("unsupported path depth %d: %v", len(path), path)
	}
}

func (p *Participant) readRoot(ctx context.Context, root string) (any, error) {
	exists, err := p.rdb.SIsMember(ctx, RootsKey(p.room), root).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read root %q from Redis: %w", root, err)
	}
	if !exists {
		return nil, fmt.Errorf("read [%s]: %w", root, host.ErrNotFound)
	}

	namespaces, err := p.rdb.SMembers(ctx, RootKey(p.room, root)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces of %q: %w", root, err)
	}
	out := make(map[string]any, len(namespaces))
	for _, ns := range namespaces {
		m, err := p.readNamespace(ctx, root, ns)
		if host.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[ns] = m
	}
	return out, nil
}

func (p *Participant) readNamespace(ctx context.Context, root, ns string) (any, error) {
	exists, err := p.rdb.SIsMember(ctx, RootKey(p.room, root), ns).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read namespace %q from Redis: %w", ns, err)
	}
	if !exists {
		return nil, fmt.Errorf("read [%s %s]: %w", root, ns, host.ErrNotFound)
	}

	hash, err := p.rdb.HGetAll(ctx, NamespaceKey(p.room, root, ns)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read namespace %q from Redis: %w", ns, err)
	}
	m, err := HashToNamespace(hash)
	if err != nil {
		log.Printf("[ERROR] Skipping undecodable field in [%s %s]: %v", root, ns, err)
	}
	return m, nil
}

// Update implements host.Tree.
func (p *Participant) Update(ctx context.Context, path []string, value any) error {
	if err := p.checkWrite(); err != nil {
		return err
	}
	_, err := p.write(ctx, path, value, false)
	return err
}

// UpdateIfAbsent implements host.ConditionalTree. A namespace counts as
// absent while it has no keys.
func (p *Participant) UpdateIfAbsent(ctx context.Context, path []string, value any) (bool, error) {
	if err := p.checkWrite(); err != nil {
		return false, err
	}
	return p.write(ctx, path, value, true)
}

func (p *Participant) write(ctx context.Context, path []string, value any, onlyIfAbsent bool) (bool, error) {
	clean, err := refine.Sanitize(value)
	if err != nil {
		return false, fmt.Errorf("invalid value for %v: %w", path, err)
	}
	switch len(path) {
	case 1:
		return p.replaceRoot(ctx, path[0], clean, onlyIfAbsent)
	case 2:
		return p.replaceNamespace(ctx, path[0], path[1], clean, onlyIfAbsent)
	case 3:
		return p.writeLeaf(ctx, path[0], path[1], path[2], clean, onlyIfAbsent)
	default:
		return false, fmt.Errorf("unsupported path depth %d: %v", len(path), path)
	}
}

func (p *Participant) writeLeaf(ctx context.Context, root, ns, key string, value any, onlyIfAbsent bool) (bool, error) {
	nsKey := NamespaceKey(p.room, root, ns)

	var field string
	if value != nil {
		var err error
		if field, err = EncodeValue(value); err != nil {
			return false, fmt.Errorf("invalid value for %q: %w", key, err)
		}
	}

	wrote := false
	txf := func(tx *redis.Tx) error {
		wrote = false
		exists, err := tx.HExists(ctx, nsKey, key).Result()
		if err != nil {
			return err
		}
		if (onlyIfAbsent && exists) || (value == nil && !exists) {
			return nil
		}

		action := host.Action{Kind: host.ActionSet, Key: key, Value: value}
		if value == nil {
			action = host.Action{Kind: host.ActionRemove, Key: key}
		}
		payload, err := p.treeEventPayload([]string{root, ns}, []host.Action{action})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if value == nil {
				pipe.HDel(ctx, nsKey, key)
			} else {
				pipe.HSet(ctx, nsKey, key, field)
				pipe.SAdd(ctx, RootKey(p.room, root), ns)
				pipe.SAdd(ctx, RootsKey(p.room), root)
			}
			pipe.Publish(ctx, TreeEventsChannel(p.room), payload)
			return nil
		})
		if err == nil {
			wrote = true
		}
		return err
	}

	if err := p.watch(ctx, txf, nsKey); err != nil {
		return false, fmt.Errorf("failed to write [%s %s %s]: %w", root, ns, key, err)
	}
	return wrote, nil
}

func (p *Participant) replaceNamespace(ctx context.Context, root, ns string, value any, onlyIfAbsent bool) (bool, error) {
	var next map[string]any
	if value != nil {
		m, ok := value.(map[string]any)
		if !ok {
			return false, fmt.Errorf("namespace [%s %s] must be a mapping, got %T", root, ns, value)
		}
		next = m
	}
	newHash, err := NamespaceToHash(next)
	if err != nil {
		return false, fmt.Errorf("invalid namespace [%s %s]: %w", root, ns, err)
	}

	nsKey := NamespaceKey(p.room, root, ns)
	rootKey := RootKey(p.room, root)

	wrote := false
	txf := func(tx *redis.Tx) error {
		wrote = false
		member, err := tx.SIsMember(ctx, rootKey, ns).Result()
		if err != nil {
			return err
		}
		oldHash, err := tx.HGetAll(ctx, nsKey).Result()
		if err != nil {
			return err
		}
		if onlyIfAbsent && len(oldHash) > 0 {
			return nil
		}
		if value == nil && !member && len(oldHash) == 0 {
			return nil
		}

		actions := diffHashes(oldHash, newHash, next)
		var payload []byte
		if len(actions) > 0 {
			if payload, err = p.treeEventPayload([]string{root, ns}, actions); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, nsKey)
			if value == nil {
				pipe.SRem(ctx, rootKey, ns)
			} else {
				if len(newHash) > 0 {
					fields := make(map[string]interface{}, len(newHash))
					for k, v := range newHash {
						fields[k] = v
					}
					pipe.HSet(ctx, nsKey, fields)
				}
				pipe.SAdd(ctx, rootKey, ns)
				pipe.SAdd(ctx, RootsKey(p.room), root)
			}
			if payload != nil {
				pipe.Publish(ctx, TreeEventsChannel(p.room), payload)
			}
			return nil
		})
		if err == nil {
			wrote = true
		}
		return err
	}

	if err := p.watch(ctx, txf, nsKey, rootKey); err != nil {
		return false, fmt.Errorf("failed to write [%s %s]: %w", root, ns, err)
	}
	return wrote, nil
}

// replaceRoot writes every namespace of a root. It is not atomic across
// namespaces.
func (p *Participant) replaceRoot(ctx context.Context, root string, value any, onlyIfAbsent bool) (bool, error) {
	rootsKey := RootsKey(p.room)
	exists, err := p.rdb.SIsMember(ctx, rootsKey, root).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read root %q: %w", root, err)
	}
	if onlyIfAbsent && exists {
		return false, nil
	}

	var next map[string]any
	if value != nil {
		m, ok := value.(map[string]any)
		if !ok {
			return false, fmt.Errorf("root %q must be a mapping, got %T", root, value)
		}
		next = m
	}

	current, err := p.rdb.SMembers(ctx, RootKey(p.room, root)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to list namespaces of %q: %w", root, err)
	}
	names := make(map[string]struct{}, len(current)+len(next))
	for _, ns := range current {
		names[ns] = struct{}{}
	}
	for ns := range next {
		names[ns] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for ns := range names {
		ordered = append(ordered, ns)
	}
	sort.Strings(ordered)

	for _, ns := range ordered {
		if _, err := p.replaceNamespace(ctx, root, ns, next[ns], false); err != nil {
			return false, err
		}
	}

	if value == nil {
		err = p.rdb.SRem(ctx, rootsKey, root).Err()
	} else {
		err = p.rdb.SAdd(ctx, rootsKey, root).Err()
	}
	if err != nil {
		return false, fmt.Errorf("failed to update root %q: %w", root, err)
	}
	return true, nil
}

// watch runs txf as an optimistic transaction over keys, retrying when a
// watched key changes under it.
func (p *Participant) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := p.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction retried %d times: %w", maxTxRetries, redis.TxFailedErr)
}

func (p *Participant) treeEventPayload(path []string, actions []host.Action) ([]byte, error) {
	data, err := json.Marshal(treeEvent{Path: path, Actions: actions, Origin: p.id})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tree event: %w", err)
	}
	return data, nil
}

// diffHashes returns the child actions turning oldHash into newHash, in key
// order. Unchanged fields produce no action.
func diffHashes(oldHash, newHash map[string]string, values map[string]any) []host.Action {
	keys := make([]string, 0, len(oldHash)+len(newHash))
	for k := range oldHash {
		keys = append(keys, k)
	}
	for k := range newHash {
		if _, dup := oldHash[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var actions []host.Action
	for _, k := range keys {
		nv, inNew := newHash[k]
		ov, inOld := oldHash[k]
		switch {
		case inNew && (!inOld || ov != nv):
			actions = append(actions, host.Action{Kind: host.ActionSet, Key: k, Value: values[k]})
		case !inNew && inOld:
			actions = append(actions, host.Action{Kind: host.ActionRemove, Key: k})
		}
	}
	return actions
}
