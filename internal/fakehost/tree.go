package fakehost

import (
	"fmt"

	"github.com/dyluth/syncedstore/pkg/refine"
)

func getAt(root map[string]any, path []string) (any, bool) {
	var node any = root
	for _, seg := range path {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// setAt writes value at path, creating intermediate nodes. A nil value
// deletes the node.
func setAt(root map[string]any, path []string, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("cannot replace the tree root")
	}
	node := root
	for i, seg := range path[:len(path)-1] {
		child, ok := node[seg]
		if !ok {
			if value == nil {
				return nil
			}
			created := map[string]any{}
			node[seg] = created
			node = created
			continue
		}
		m, isMap := child.(map[string]any)
		if !isMap {
			return fmt.Errorf("path %v crosses a leaf at %q", path, path[i])
		}
		node = m
	}

	last := path[len(path)-1]
	if value == nil {
		delete(node, last)
		return nil
	}
	node[last] = value
	return nil
}

func children(root map[string]any, path []string) map[string]any {
	v, ok := getAt(root, path)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func hasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

func clone(v any) any {
	out, err := refine.Sanitize(v)
	if err != nil {
		// Stored values are sanitized on write.
		panic(fmt.Sprintf("fakehost: unsanitized value in tree: %v", err))
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out, _ := clone(m).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}
