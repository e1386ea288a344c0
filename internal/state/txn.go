package state

import (
	"fmt"
	"reflect"
	"sort"

	"roomsync/internal/crdt"
)

// Txn stages mutations for one transaction. All ops share the
// transaction's stamp; reads see the transaction's own writes.
type Txn struct {
	doc    *crdt.Document
	stamp  crdt.Stamp
	ops    []crdt.Op
	closed bool
}

// Stamp returns the causal stamp this transaction will commit with.
func (t *Txn) Stamp() crdt.Stamp {
	return t.stamp
}

// Transact runs fn inside the current transaction. If fn fails, only the
// ops it staged are undone; nothing is committed until the outermost
// transaction returns.
func (t *Txn) Transact(fn func(*Txn) error) error {
	if t.closed {
		return ErrTxnClosed
	}
	return t.atomically(func() error { return fn(t) })
}

// Get returns a copy of the value at path.
func (t *Txn) Get(path crdt.Path) (any, bool) {
	if t.closed {
		return nil, false
	}
	return t.doc.Lookup(path)
}

// Kind reports what path resolves to.
func (t *Txn) Kind(path crdt.Path) crdt.NodeKind {
	if t.closed {
		return crdt.NodeMissing
	}
	return t.doc.Kind(path)
}

// Len returns the number of elements of the list at path.
func (t *Txn) Len(path crdt.Path) (int, error) {
	if t.closed {
		return 0, ErrTxnClosed
	}
	ids, err := t.doc.Elements(path)
	return len(ids), err
}

// Set writes value at path. The parent must be a map. Composite values
// (maps with string keys, slices) replace whatever was there.
func (t *Txn) Set(path crdt.Path, value any) error {
	if t.closed {
		return ErrTxnClosed
	}
	path, err := checkPath(path)
	if err != nil {
		return err
	}
	switch t.doc.Kind(path.Parent()) {
	case crdt.NodeMap:
	case crdt.NodeMissing:
		return fmt.Errorf("%w: %s", crdt.ErrNotFound, path.Parent())
	default:
		return fmt.Errorf("%w: %s", crdt.ErrNotMap, path.Parent())
	}
	return t.atomically(func() error { return t.write(path, crdt.KindSet, value) })
}

// Delete removes the value at path. Deleting a missing value is a no-op.
func (t *Txn) Delete(path crdt.Path) error {
	if t.closed {
		return ErrTxnClosed
	}
	path, err := checkPath(path)
	if err != nil {
		return err
	}
	if t.doc.Kind(path) == crdt.NodeMissing {
		return nil
	}
	_, err = t.emit(crdt.Op{Path: path, Kind: crdt.KindDelete})
	return err
}

// Insert places value at index in the list at path.
func (t *Txn) Insert(path crdt.Path, index int, value any) error {
	if t.closed {
		return ErrTxnClosed
	}
	ids, err := t.doc.Elements(path)
	if err != nil {
		return err
	}
	if index < 0 || index > len(ids) {
		return fmt.Errorf("%w: %d of %d", crdt.ErrIndexOutOfRange, index, len(ids))
	}
	after := ""
	if index > 0 {
		after = ids[index-1].String()
	}
	return t.atomically(func() error {
		_, err := t.insert(path.Normalize(), value, after)
		return err
	})
}

// Append adds value to the end of the list at path.
func (t *Txn) Append(path crdt.Path, value any) error {
	n, err := t.Len(path)
	if err != nil {
		return err
	}
	return t.Insert(path, n, value)
}

// Update replaces the element at index in the list at path.
func (t *Txn) Update(path crdt.Path, index int, value any) error {
	if t.closed {
		return ErrTxnClosed
	}
	elem, err := t.elementPath(path, index)
	if err != nil {
		return err
	}
	return t.atomically(func() error { return t.write(elem, crdt.KindListUpdate, value) })
}

// DeleteAt removes the element at index in the list at path.
func (t *Txn) DeleteAt(path crdt.Path, index int) error {
	if t.closed {
		return ErrTxnClosed
	}
	elem, err := t.elementPath(path, index)
	if err != nil {
		return err
	}
	_, err = t.emit(crdt.Op{Path: elem, Kind: crdt.KindDelete})
	return err
}

func (t *Txn) elementPath(path crdt.Path, index int) (crdt.Path, error) {
	ids, err := t.doc.Elements(path)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(ids) {
		return nil, fmt.Errorf("%w: %d of %d", crdt.ErrIndexOutOfRange, index, len(ids))
	}
	return path.Normalize().Child(ids[index].String()), nil
}

// write emits kind at path for value, expanding composite values into a
// container marker followed by child ops.
func (t *Txn) write(path crdt.Path, kind crdt.Kind, value any) error {
	value, err := plain(value)
	if err != nil {
		return err
	}
	switch v := value.(type) {
	case map[string]any:
		if _, err := t.emit(crdt.Op{Path: path, Kind: kind, Value: crdt.EmptyMap()}); err != nil {
			return err
		}
		return t.fillMap(path, v)
	case []any:
		if _, err := t.emit(crdt.Op{Path: path, Kind: kind, Value: crdt.EmptyList()}); err != nil {
			return err
		}
		return t.fillList(path, v)
	}
	_, err = t.emit(crdt.Op{Path: path, Kind: kind, Value: value})
	return err
}

func (t *Txn) insert(list crdt.Path, value any, after string) (crdt.OpID, error) {
	value, err := plain(value)
	if err != nil {
		return crdt.OpID{}, err
	}
	switch v := value.(type) {
	case map[string]any:
		id, err := t.emit(crdt.Op{Path: list, Kind: crdt.KindListInsert, Value: crdt.EmptyMap(), After: after})
		if err != nil {
			return id, err
		}
		return id, t.fillMap(list.Child(id.String()), v)
	case []any:
		id, err := t.emit(crdt.Op{Path: list, Kind: crdt.KindListInsert, Value: crdt.EmptyList(), After: after})
		if err != nil {
			return id, err
		}
		return id, t.fillList(list.Child(id.String()), v)
	}
	return t.emit(crdt.Op{Path: list, Kind: crdt.KindListInsert, Value: value, After: after})
}

func (t *Txn) fillMap(path crdt.Path, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "" {
			return fmt.Errorf("%w: empty key under %s", crdt.ErrInvalidPath, path)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := t.write(path.Child(k).Normalize(), crdt.KindSet, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Txn) fillList(path crdt.Path, items []any) error {
	after := ""
	for _, item := range items {
		id, err := t.insert(path, item, after)
		if err != nil {
			return err
		}
		after = id.String()
	}
	return nil
}

func (t *Txn) emit(op crdt.Op) (crdt.OpID, error) {
	id := crdt.OpID{Stamp: t.stamp, Seq: uint32(len(t.ops))}
	if _, err := t.doc.Apply(crdt.Operation{ID: id, Op: op}); err != nil {
		return id, err
	}
	t.ops = append(t.ops, op)
	return id, nil
}

// atomically undoes the ops staged by fn if it fails.
func (t *Txn) atomically(fn func() error) error {
	sp, n := t.doc.Savepoint(), len(t.ops)
	if err := fn(); err != nil {
		t.doc.RollbackTo(sp)
		t.ops = t.ops[:n]
		return err
	}
	return nil
}

func checkPath(path crdt.Path) (crdt.Path, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", crdt.ErrInvalidPath)
	}
	for _, seg := range path {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty segment in %s", crdt.ErrInvalidPath, path)
		}
	}
	return path.Normalize(), nil
}

// plain converts maps with string keys and slices of any element type into
// map[string]any / []any, and scalars into their canonical form.
func plain(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any, []any:
		return val, nil
	case nil:
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key %s", crdt.ErrUnsupportedValue, rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return crdt.NormalizeScalar(v)
}
