package subscription

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_InsertionOrder(t *testing.T) {
	r := NewRegistry()
	var calls []string
	r.Subscribe(func() { calls = append(calls, "a") })
	r.Subscribe(func() { calls = append(calls, "b") })
	r.Subscribe(func() { calls = append(calls, "c") })

	r.Notify()

	assert.Equal(t, []string{"a", "b", "c"}, calls)
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := NewRegistry()
	var a, b int
	unsubA := r.Subscribe(func() { a++ })
	r.Subscribe(func() { b++ })

	r.Notify()
	unsubA()
	unsubA() // idempotent
	r.Notify()

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_AddedDuringRoundRunsNextRound(t *testing.T) {
	r := NewRegistry()
	var late int
	added := false
	r.Subscribe(func() {
		if !added {
			added = true
			r.Subscribe(func() { late++ })
		}
	})

	r.Notify()
	assert.Equal(t, 0, late, "handler added during a round must not run in that round")

	r.Notify()
	assert.Equal(t, 1, late)
}

func TestRegistry_RemovedDuringRoundIsSkipped(t *testing.T) {
	r := NewRegistry()
	var second int
	var unsubSecond func()
	r.Subscribe(func() { unsubSecond() })
	unsubSecond = r.Subscribe(func() { second++ })

	r.Notify()

	assert.Equal(t, 0, second)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ReentrantNotifyCoalesces(t *testing.T) {
	r := NewRegistry()
	var calls int
	r.Subscribe(func() {
		calls++
		if calls == 1 {
			r.Notify()
			r.Notify()
		}
	})

	r.Notify()

	// One round for the outer call, one folded round for both nested calls.
	assert.Equal(t, 2, calls)
}

func TestRegistry_HandlersNeverConcurrent(t *testing.T) {
	r := NewRegistry()
	var inside, overlaps atomic.Int32
	r.Subscribe(func() {
		if inside.Add(1) > 1 {
			overlaps.Add(1)
		}
		inside.Add(-1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Notify()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), overlaps.Load())
}

func TestRegistry_PanickingHandlerDoesNotWedge(t *testing.T) {
	r := NewRegistry()
	boom := true
	var calls int
	r.Subscribe(func() {
		calls++
		if boom {
			panic("handler failed")
		}
	})

	require.Panics(t, r.Notify)
	boom = false
	r.Notify()

	assert.Equal(t, 2, calls)
}
