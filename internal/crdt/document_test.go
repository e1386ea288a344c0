package crdt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batch(origin ReplicaID, clock uint64, ops ...Op) Batch {
	return Batch{Origin: origin, Clock: clock, Ops: ops}
}

func set(value any, path ...string) Op {
	return Op{Path: P(path...), Kind: KindSet, Value: value}
}

func del(path ...string) Op {
	return Op{Path: P(path...), Kind: KindDelete}
}

func insert(value any, after string, path ...string) Op {
	return Op{Path: P(path...), Kind: KindListInsert, Value: value, After: after}
}

func elemID(clock uint64, seq uint32, origin ReplicaID) string {
	return OpID{Stamp: Stamp{Clock: clock, Origin: origin}, Seq: seq}.String()
}

func mergeAll(t *testing.T, log ...Batch) *Document {
	t.Helper()
	d := NewDocument(nil)
	_, err := d.MergeLog(log)
	require.NoError(t, err)
	return d
}

func permutations(in []Batch) [][]Batch {
	if len(in) <= 1 {
		return [][]Batch{append([]Batch(nil), in...)}
	}
	var out [][]Batch
	for i := range in {
		rest := make([]Batch, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Batch{in[i]}, p...))
		}
	}
	return out
}

func TestDocument_LWW_HigherClockWins(t *testing.T) {
	a := batch("replica-a", 1, set("first", "title"))
	b := batch("replica-b", 2, set("second", "title"))

	for _, order := range [][]Batch{{a, b}, {b, a}} {
		d := mergeAll(t, order...)
		assert.Equal(t, map[string]any{"title": "second"}, d.Materialize())
	}
}

func TestDocument_LWW_EqualClockTieBreaksOnReplicaID(t *testing.T) {
	a := batch("replica-a", 1, set("from a", "title"))
	b := batch("replica-b", 1, set("from b", "title"))

	for _, order := range [][]Batch{{a, b}, {b, a}} {
		d := mergeAll(t, order...)
		assert.Equal(t, map[string]any{"title": "from b"}, d.Materialize())
	}
}

func TestDocument_ConcurrentListSetIsNotMerged(t *testing.T) {
	// Both replicas write a whole list at clock 1: one wins outright.
	a := batch("replica-a", 1,
		set(EmptyList(), "list"),
		insert("a", "", "list"),
	)
	b := batch("replica-b", 1,
		set(EmptyList(), "list"),
		insert("b", "", "list"),
	)

	da := mergeAll(t, a, b)
	db := mergeAll(t, b, a)

	want := map[string]any{"list": []any{"b"}}
	assert.Equal(t, want, da.Materialize())
	assert.Equal(t, want, db.Materialize())
}

func TestDocument_ConvergesInAnyOrder(t *testing.T) {
	milk := elemID(1, 1, "A")
	log := []Batch{
		batch("A", 1, set(EmptyList(), "todo"), insert("milk", "", "todo")),
		batch("B", 2, insert("eggs", milk, "todo")),
		batch("A", 2, insert("bread", milk, "todo")),
		batch("B", 3, set("Groceries", "title"), del("todo", milk)),
	}
	want := map[string]any{
		"title": "Groceries",
		"todo":  []any{"eggs", "bread"},
	}

	for _, order := range permutations(log) {
		d := mergeAll(t, order...)
		assert.Equal(t, want, d.Materialize())
	}
}

func TestDocument_MergeLogIsIdempotent(t *testing.T) {
	log := []Batch{
		batch("A", 1, set(EmptyMap(), "profile"), set("ada", "profile", "name")),
		batch("B", 2, set(float64(36), "profile", "age")),
	}

	d := NewDocument(nil)
	n, err := d.MergeLog(log)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	once := d.Materialize()

	n, err = d.MergeLog(log)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, once, d.Materialize())
	assert.Equal(t, 3, d.Len())
}

func TestDocument_ConcurrentInsertsAtSameIndexBothSurvive(t *testing.T) {
	base := batch("A", 1, set(EmptyList(), "l"))
	fromA := batch("A", 2, insert("x", "", "l"))
	fromB := batch("B", 2, insert("y", "", "l"))

	d1 := mergeAll(t, base, fromA, fromB)
	d2 := mergeAll(t, fromB, base, fromA)

	assert.Equal(t, []any{"y", "x"}, d1.Materialize()["l"])
	assert.Equal(t, d1.Materialize(), d2.Materialize())
}

func TestDocument_ContainerResetShadowsOlderChildren(t *testing.T) {
	log := []Batch{
		batch("A", 1, set(EmptyMap(), "p")),
		batch("A", 2, set(float64(1), "p", "x")),
		batch("B", 3, set(EmptyMap(), "p")),
	}
	d := mergeAll(t, log...)
	assert.Equal(t, map[string]any{"p": map[string]any{}}, d.Materialize())

	_, err := d.ApplyBatch(batch("A", 4, set(float64(5), "p", "x")))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"p": map[string]any{"x": float64(5)}}, d.Materialize())
}

func TestDocument_DeleteIsTombstone(t *testing.T) {
	d := mergeAll(t,
		batch("A", 1, set("v1", "k")),
		batch("A", 3, del("k")),
	)
	assert.Empty(t, d.Materialize())

	// A concurrent write older than the tombstone stays hidden.
	_, err := d.ApplyBatch(batch("B", 2, set("stale", "k")))
	require.NoError(t, err)
	assert.Empty(t, d.Materialize())

	// A newer write wins over the tombstone.
	_, err = d.ApplyBatch(batch("B", 4, set("fresh", "k")))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "fresh"}, d.Materialize())
}

func TestDocument_DeletingDeletedElementIsNoop(t *testing.T) {
	item := elemID(1, 1, "A")
	d := mergeAll(t,
		batch("A", 1, set(EmptyList(), "l"), insert("x", "", "l")),
		batch("A", 2, del("l", item)),
	)
	_, err := d.ApplyBatch(batch("B", 2, del("l", item)))
	require.NoError(t, err)

	assert.Equal(t, []any{}, d.Materialize()["l"])
}

func TestDocument_UpdateBeforeInsertWaitsForInsert(t *testing.T) {
	item := elemID(2, 0, "A")
	list := batch("A", 1, set(EmptyList(), "l"))
	ins := batch("A", 2, insert("x", "", "l"))
	upd := batch("B", 3, Op{Path: P("l", item), Kind: KindListUpdate, Value: "y"})

	d := mergeAll(t, list, upd)
	assert.Equal(t, []any{}, d.Materialize()["l"])

	_, err := d.ApplyBatch(ins)
	require.NoError(t, err)
	assert.Equal(t, []any{"y"}, d.Materialize()["l"])
}

func TestDocument_MergeLogRejectsMalformedLogWhole(t *testing.T) {
	good := batch("A", 1, set("ok", "k"))
	bad := batch("B", 1, Op{Path: P("x"), Kind: "explode"})

	d := NewDocument(nil)
	n, err := d.MergeLog([]Batch{good, bad})

	require.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, d.Len())
	assert.Empty(t, d.Materialize())
}

func TestDocument_NonFiniteNumbersAreRejected(t *testing.T) {
	d := NewDocument(nil)
	_, err := d.ApplyBatch(batch("B", 3, set(math.NaN(), "n")))
	require.ErrorIs(t, err, ErrMalformed)

	n, err := d.MergeLog([]Batch{
		batch("A", 1, set(1.5, "ok")),
		batch("B", 2, insert(math.Inf(1), "", "l")),
	})
	require.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, uint64(1), d.Clock().Next(), "a rejected log must not move the clock")

	for _, v := range []any{math.NaN(), math.Inf(1), float32(math.Inf(-1))} {
		_, err := NormalizeScalar(v)
		assert.ErrorIs(t, err, ErrUnsupportedValue)
	}
	v, err := NormalizeScalar(float32(0.5))
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)
}

func TestDocument_MergeObservesForeignClock(t *testing.T) {
	d := NewDocument(nil)
	_, err := d.MergeLog([]Batch{batch("B", 7, set(true, "flag"))})
	require.NoError(t, err)

	assert.Equal(t, uint64(8), d.Clock().Next())
}

func TestDocument_LogRoundTripsToLateJoiner(t *testing.T) {
	a := NewDocument(nil)
	b := NewDocument(nil)

	ops := []Batch{
		batch("A", 1, set(EmptyMap(), "cfg")),
		batch("B", 2, set("dark", "cfg", "theme")),
		batch("A", 3, set(EmptyList(), "tags")),
		batch("A", 4, insert("go", "", "tags")),
		batch("B", 5, set(float64(2), "cfg", "rev")),
	}
	_, err := a.MergeLog(ops[:3])
	require.NoError(t, err)
	_, err = b.MergeLog(ops[2:])
	require.NoError(t, err)
	_, err = a.MergeLog(b.Log())
	require.NoError(t, err)
	_, err = b.MergeLog(a.Log())
	require.NoError(t, err)
	require.Equal(t, a.Materialize(), b.Materialize())

	c := mergeAll(t, a.Log()...)
	assert.Equal(t, a.Materialize(), c.Materialize())
	assert.Equal(t, a.Len(), c.Len())
}

func TestDocument_RollbackRestoresState(t *testing.T) {
	d := mergeAll(t, batch("A", 1, set("keep", "k")))

	d.Begin()
	_, err := d.Apply(Operation{ID: OpID{Stamp: Stamp{Clock: 2, Origin: "A"}}, Op: set("drop", "k")})
	require.NoError(t, err)
	_, err = d.Apply(Operation{ID: OpID{Stamp: Stamp{Clock: 2, Origin: "A"}, Seq: 1}, Op: set(EmptyList(), "l")})
	require.NoError(t, err)
	d.Rollback()

	assert.Equal(t, map[string]any{"k": "keep"}, d.Materialize())
	assert.Equal(t, 1, d.Len())
	assert.False(t, d.Has(OpID{Stamp: Stamp{Clock: 2, Origin: "A"}}))
}

func TestDocument_SavepointRollback(t *testing.T) {
	d := NewDocument(nil)
	stamp := Stamp{Clock: 1, Origin: "A"}

	d.Begin()
	_, err := d.Apply(Operation{ID: OpID{Stamp: stamp, Seq: 0}, Op: set("a", "x")})
	require.NoError(t, err)
	sp := d.Savepoint()
	_, err = d.Apply(Operation{ID: OpID{Stamp: stamp, Seq: 1}, Op: set("b", "y")})
	require.NoError(t, err)
	d.RollbackTo(sp)
	d.Commit()

	assert.Equal(t, map[string]any{"x": "a"}, d.Materialize())
}

func TestDocument_Reads(t *testing.T) {
	d := mergeAll(t,
		batch("A", 1,
			set(EmptyMap(), "m"),
			set(EmptyList(), "m", "l"),
			insert("one", "", "m", "l"),
			insert("two", elemID(1, 2, "A"), "m", "l"),
			set(float64(3), "n"),
		),
	)

	assert.Equal(t, NodeMap, d.Kind(nil))
	assert.Equal(t, NodeMap, d.Kind(P("m")))
	assert.Equal(t, NodeList, d.Kind(P("m", "l")))
	assert.Equal(t, NodeScalar, d.Kind(P("n")))
	assert.Equal(t, NodeMissing, d.Kind(P("n", "deeper")))

	ids, err := d.Elements(P("m", "l"))
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, elemID(1, 2, "A"), ids[0].String())

	v, ok := d.Lookup(P("m", "l"))
	require.True(t, ok)
	assert.Equal(t, []any{"one", "two"}, v)

	_, err = d.Elements(P("n"))
	assert.ErrorIs(t, err, ErrNotList)
}

func TestDocument_KeysAreNFCNormalized(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	d := mergeAll(t,
		batch("A", 1, set("x", composed)),
		batch("B", 2, set("y", decomposed)),
	)

	assert.Equal(t, map[string]any{composed: "y"}, d.Materialize())
}

func TestValidateBatch(t *testing.T) {
	cases := map[string]Batch{
		"no origin":      {Clock: 1, Ops: []Op{set("v", "k")}},
		"no clock":       {Origin: "A", Ops: []Op{set("v", "k")}},
		"empty":          {Origin: "A", Clock: 1},
		"empty path":     batch("A", 1, Op{Kind: KindSet, Value: "v"}),
		"empty segment":  batch("A", 1, set("v", "k", "")),
		"unknown kind":   batch("A", 1, Op{Path: P("k"), Kind: "merge"}),
		"non-empty map":  batch("A", 1, set(map[string]any{"a": 1.0}, "k")),
		"anchor on set":  batch("A", 1, Op{Path: P("k"), Kind: KindSet, Value: "v", After: "1.0@A"}),
		"unsupported":    batch("A", 1, set(struct{}{}, "k")),
		"non-empty list": batch("A", 1, set([]any{1.0}, "k")),
		"nan":            batch("A", 1, set(math.NaN(), "k")),
		"infinity":       batch("A", 1, set(math.Inf(-1), "k")),
		"float32 inf":    batch("A", 1, set(float32(math.Inf(1)), "k")),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateBatch(b), ErrMalformed)
		})
	}

	assert.NoError(t, ValidateBatch(batch("A", 1, set(nil, "k"), del("k"))))
}
