package state

import (
	"encoding/json"
	"reflect"
	"strconv"
)

// Snapshot is an immutable, materialized view of the document taken at a
// commit boundary. Accessors return copies.
type Snapshot struct {
	version uint64
	root    map[string]any
}

var emptySnapshot = &Snapshot{root: map[string]any{}}

// Empty returns the snapshot of a document with no entries.
func Empty() *Snapshot {
	return emptySnapshot
}

// Version counts distinct snapshots produced by the store.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Value returns a copy of the whole document tree.
func (s *Snapshot) Value() map[string]any {
	return deepCopy(s.root).(map[string]any)
}

// Get returns a copy of the value at path. List elements are addressed by
// their decimal index.
func (s *Snapshot) Get(path ...string) (any, bool) {
	var cur any = s.root
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return deepCopy(cur), true
}

// Equal reports structural equality.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil {
		return false
	}
	return reflect.DeepEqual(s.root, o.root)
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.root)
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = deepCopy(child)
		}
		return out
	}
	return v
}
