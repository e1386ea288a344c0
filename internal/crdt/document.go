package crdt

import (
	"fmt"
	"sort"
)

/*
REPLICATED DOCUMENT

The document is a map of last-writer-wins registers keyed by path. Every
Set, Delete and ListUpdate competes for the register at its path; the op
with the greatest OpID wins. Deletes stay in the register as tombstones.

Container values (maps and lists) are created by a register holding an
empty container marker. A register below a container only counts when its
OpID is greater than the container's, so overwriting a container discards
everything written into the previous one.

Lists are RGAs: each ListInsert creates an element anchored after another
element (or the head). Siblings are ordered newest first, which keeps
concurrent inserts at the same index next to each other in the same order
on every replica. An element's value lives in the register at
list-path + element-id.

All state is a union of grow-only sets and max registers, so applying the
same operations in any order, any number of times, yields the same
document.
*/

// NodeKind describes what a path resolves to.
type NodeKind int

const (
	NodeMissing NodeKind = iota
	NodeMap
	NodeList
	NodeScalar
)

func (k NodeKind) String() string {
	switch k {
	case NodeMap:
		return "map"
	case NodeList:
		return "list"
	case NodeScalar:
		return "scalar"
	}
	return "missing"
}

type register struct {
	id    OpID
	kind  Kind
	value any
}

type element struct {
	id    OpID
	after string
}

// Document is a replicated key/value document. It is not safe for
// concurrent use; state.Store serializes access.
type Document struct {
	clock *Clock

	registers map[string]*register
	children  map[string]map[string]struct{}
	lists     map[string]map[string]*element

	seen map[OpID]struct{}
	log  []Operation

	journal []func()
	staging bool
}

// NewDocument creates an empty document driven by clock.
func NewDocument(clock *Clock) *Document {
	if clock == nil {
		clock = NewClock()
	}
	return &Document{
		clock:     clock,
		registers: make(map[string]*register),
		children:  make(map[string]map[string]struct{}),
		lists:     make(map[string]map[string]*element),
		seen:      make(map[OpID]struct{}),
	}
}

// Clock returns the replica clock.
func (d *Document) Clock() *Clock {
	return d.clock
}

// Len returns the number of distinct operations applied.
func (d *Document) Len() int {
	return len(d.log)
}

// Has reports whether the operation id has been applied.
func (d *Document) Has(id OpID) bool {
	_, ok := d.seen[id]
	return ok
}

// Apply applies a single stamped operation. Applying an operation that was
// already applied is a no-op and reports false.
func (d *Document) Apply(op Operation) (bool, error) {
	if err := validateOp(op.Op); err != nil {
		return false, err
	}
	if op.ID.Clock == 0 || op.ID.Origin == "" {
		return false, fmt.Errorf("%w: operation without stamp", ErrMalformed)
	}
	return d.apply(op), nil
}

// ApplyBatch applies every op of b. The batch is validated as a whole
// first; an invalid batch changes nothing.
func (d *Document) ApplyBatch(b Batch) (int, error) {
	if err := ValidateBatch(b); err != nil {
		return 0, err
	}
	return d.applyBatch(b), nil
}

// MergeLog merges a foreign operation log. The whole log is validated
// before anything is applied. Merging the same log twice is the same as
// merging it once.
func (d *Document) MergeLog(log []Batch) (int, error) {
	for _, b := range log {
		if err := ValidateBatch(b); err != nil {
			return 0, err
		}
	}
	applied := 0
	for _, b := range log {
		applied += d.applyBatch(b)
	}
	return applied, nil
}

func (d *Document) applyBatch(b Batch) int {
	applied := 0
	for _, op := range b.Operations() {
		if d.apply(op) {
			applied++
		}
	}
	d.clock.Observe(b.Clock)
	return applied
}

func (d *Document) apply(op Operation) bool {
	if _, ok := d.seen[op.ID]; ok {
		return false
	}
	value, _ := normalizeValue(op.Value)
	op.Path = op.Path.Normalize()
	op.Value = value
	d.markSeen(op)

	switch op.Kind {
	case KindListInsert:
		d.addElement(op.Path.key(), &element{id: op.ID, after: op.After})
		d.writeRegister(op.Path.Child(op.ID.String()), &register{id: op.ID, kind: op.Kind, value: value})
	case KindSet, KindDelete:
		d.addChild(op.Path.Parent().key(), op.Path.Last())
		d.writeRegister(op.Path, &register{id: op.ID, kind: op.Kind, value: value})
	case KindListUpdate:
		d.writeRegister(op.Path, &register{id: op.ID, kind: op.Kind, value: value})
	}
	return true
}

func (d *Document) markSeen(op Operation) {
	d.seen[op.ID] = struct{}{}
	n := len(d.log)
	d.log = append(d.log, op)
	d.record(func() {
		delete(d.seen, op.ID)
		d.log = d.log[:n]
	})
}

func (d *Document) writeRegister(path Path, r *register) {
	k := path.key()
	cur := d.registers[k]
	if cur != nil && !cur.id.Less(r.id) {
		return
	}
	d.registers[k] = r
	d.record(func() {
		if cur == nil {
			delete(d.registers, k)
		} else {
			d.registers[k] = cur
		}
	})
}

func (d *Document) addChild(parent, seg string) {
	set := d.children[parent]
	if set == nil {
		set = make(map[string]struct{})
		d.children[parent] = set
	}
	if _, ok := set[seg]; ok {
		return
	}
	set[seg] = struct{}{}
	d.record(func() { delete(set, seg) })
}

func (d *Document) addElement(list string, e *element) {
	set := d.lists[list]
	if set == nil {
		set = make(map[string]*element)
		d.lists[list] = set
	}
	k := e.id.String()
	set[k] = e
	d.record(func() { delete(set, k) })
}

// Staging

// Begin starts recording undo information for subsequent applies.
func (d *Document) Begin() {
	d.staging = true
	d.journal = d.journal[:0]
}

// Savepoint returns a marker that RollbackTo can return to.
func (d *Document) Savepoint() int {
	return len(d.journal)
}

// RollbackTo undoes every apply made after the savepoint.
func (d *Document) RollbackTo(sp int) {
	for i := len(d.journal) - 1; i >= sp; i-- {
		d.journal[i]()
	}
	d.journal = d.journal[:sp]
}

// Rollback undoes everything since Begin and stops staging.
func (d *Document) Rollback() {
	d.RollbackTo(0)
	d.staging = false
}

// Commit keeps everything since Begin and stops staging.
func (d *Document) Commit() {
	d.journal = d.journal[:0]
	d.staging = false
}

func (d *Document) record(undo func()) {
	if d.staging {
		d.journal = append(d.journal, undo)
	}
}

// Log returns every known batch in first-seen order.
func (d *Document) Log() []Batch {
	index := make(map[Stamp]int)
	var out []Batch
	var seqs [][]uint32
	for _, op := range d.log {
		s := op.ID.Stamp
		i, ok := index[s]
		if !ok {
			i = len(out)
			index[s] = i
			out = append(out, Batch{Origin: s.Origin, Clock: s.Clock})
			seqs = append(seqs, nil)
		}
		out[i].Ops = append(out[i].Ops, op.Op)
		seqs[i] = append(seqs[i], op.ID.Seq)
	}
	for i := range out {
		ops, seq := out[i].Ops, seqs[i]
		sort.Sort(bySeq{ops, seq})
	}
	return out
}

type bySeq struct {
	ops []Op
	seq []uint32
}

func (s bySeq) Len() int           { return len(s.ops) }
func (s bySeq) Less(i, j int) bool { return s.seq[i] < s.seq[j] }
func (s bySeq) Swap(i, j int) {
	s.ops[i], s.ops[j] = s.ops[j], s.ops[i]
	s.seq[i], s.seq[j] = s.seq[j], s.seq[i]
}

// Reads

// live returns the register at path if it is visible inside a container
// created by floor.
func (d *Document) live(path Path, floor OpID) *register {
	r := d.registers[path.key()]
	if r == nil || r.kind == KindDelete || !floor.Less(r.id) {
		return nil
	}
	return r
}

// resolve walks path from the root and returns the visible register at
// its end. The root itself has no register.
func (d *Document) resolve(path Path) (*register, error) {
	var (
		floor  OpID
		r      *register
		inList bool
	)
	for i := range path {
		p := path[:i+1]
		if inList {
			e := d.lists[p.Parent().key()][p.Last()]
			if e == nil || !floor.Less(e.id) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
			}
		}
		r = d.live(p, floor)
		if r == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		switch {
		case isMapMarker(r.value):
			inList = false
		case isListMarker(r.value):
			inList = true
		default:
			if i < len(path)-1 {
				return nil, fmt.Errorf("%w: %s is a scalar", ErrNotFound, p)
			}
		}
		floor = r.id
	}
	return r, nil
}

// Kind reports what path currently resolves to.
func (d *Document) Kind(path Path) NodeKind {
	path = path.Normalize()
	if len(path) == 0 {
		return NodeMap
	}
	r, err := d.resolve(path)
	if err != nil {
		return NodeMissing
	}
	switch {
	case isMapMarker(r.value):
		return NodeMap
	case isListMarker(r.value):
		return NodeList
	}
	return NodeScalar
}

// Lookup materializes the subtree at path.
func (d *Document) Lookup(path Path) (any, bool) {
	path = path.Normalize()
	if len(path) == 0 {
		return d.Materialize(), true
	}
	r, err := d.resolve(path)
	if err != nil {
		return nil, false
	}
	return d.materializeRegister(path, r), true
}

// Elements returns the ids of the visible elements of the list at path,
// in list order.
func (d *Document) Elements(path Path) ([]OpID, error) {
	path = path.Normalize()
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: root is a map", ErrNotList)
	}
	r, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	if !isListMarker(r.value) {
		return nil, fmt.Errorf("%w: %s", ErrNotList, path)
	}
	var ids []OpID
	for _, e := range d.order(path.key(), r.id) {
		if d.live(path.Child(e.id.String()), r.id) != nil {
			ids = append(ids, e.id)
		}
	}
	return ids, nil
}

// Materialize builds a plain value tree of the current document.
func (d *Document) Materialize() map[string]any {
	return d.materializeMap(nil, OpID{})
}

func (d *Document) materializeMap(path Path, floor OpID) map[string]any {
	out := make(map[string]any)
	for seg := range d.children[path.key()] {
		child := path.Child(seg)
		if r := d.live(child, floor); r != nil {
			out[seg] = d.materializeRegister(child, r)
		}
	}
	return out
}

func (d *Document) materializeList(path Path, floor OpID) []any {
	out := make([]any, 0)
	for _, e := range d.order(path.key(), floor) {
		child := path.Child(e.id.String())
		if r := d.live(child, floor); r != nil {
			out = append(out, d.materializeRegister(child, r))
		}
	}
	return out
}

func (d *Document) materializeRegister(path Path, r *register) any {
	switch {
	case isMapMarker(r.value):
		return d.materializeMap(path, r.id)
	case isListMarker(r.value):
		return d.materializeList(path, r.id)
	}
	return r.value
}

// order returns the elements of a list in RGA order, tombstones included,
// restricted to elements inserted after floor.
func (d *Document) order(list string, floor OpID) []*element {
	set := d.lists[list]
	if len(set) == 0 {
		return nil
	}
	after := make(map[string][]*element, len(set))
	for _, e := range set {
		after[e.after] = append(after[e.after], e)
	}
	for _, sibs := range after {
		sort.Slice(sibs, func(i, j int) bool { return sibs[j].id.Less(sibs[i].id) })
	}

	out := make([]*element, 0, len(set))
	stack := reversed(after[""])
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if floor.Less(e.id) {
			out = append(out, e)
		}
		stack = append(stack, reversed(after[e.id.String()])...)
	}
	return out
}

func reversed(in []*element) []*element {
	out := make([]*element, len(in))
	for i, e := range in {
		out[len(in)-1-i] = e
	}
	return out
}
