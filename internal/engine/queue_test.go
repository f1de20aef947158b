package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func queued(id, entityID string, priority int, seq int64) *Item {
	return &Item{
		ID:         id,
		EntityType: "product",
		EntityID:   entityID,
		Priority:   priority,
		Status:     StatusPending,
		Seq:        seq,
		CreatedAt:  t0.Add(time.Duration(seq) * time.Millisecond),
	}
}

func TestItemQueue_PriorityThenFIFO(t *testing.T) {
	q := newItemQueue()
	q.add(queued("low", "a", 5, 1))
	q.add(queued("high-late", "b", 8, 3))
	q.add(queued("high-early", "c", 8, 2))

	var order []string
	for it := q.next(); it != nil; it = q.next() {
		order = append(order, it.ID)
		q.remove(it.ID)
	}
	assert.Equal(t, []string{"high-early", "high-late", "low"}, order)
}

func TestItemQueue_SeqBreaksCreatedAtTies(t *testing.T) {
	q := newItemQueue()
	a := queued("a", "a", 1, 2)
	b := queued("b", "b", 1, 1)
	a.CreatedAt, b.CreatedAt = t0, t0
	q.add(a)
	q.add(b)

	assert.Equal(t, "b", q.next().ID)
}

func TestItemQueue_OnlyChainHeadIsEligible(t *testing.T) {
	q := newItemQueue()
	first := queued("first", "p1", 1, 1)
	second := queued("second", "p1", 9, 2)
	q.add(first)
	q.add(second)

	// the higher-priority item waits behind the earlier item for p1
	require.Equal(t, "first", q.next().ID)

	first.Status = StatusProcessing
	assert.Nil(t, q.next(), "second must not run while first is in flight")

	first.Status = StatusRetrying
	assert.Nil(t, q.next(), "second must not overtake a retrying head")

	q.remove("first")
	assert.Equal(t, "second", q.next().ID)
	assert.True(t, q.isHead(second))
}

func TestItemQueue_LeaveAndRejoin(t *testing.T) {
	q := newItemQueue()
	failed := queued("failed", "p1", 1, 1)
	later := queued("later", "p1", 1, 2)
	q.add(failed)
	q.add(later)

	failed.Status = StatusFailed
	q.leave(failed)
	assert.Equal(t, "later", q.next().ID)
	assert.Equal(t, 2, q.Len(), "failed items stay inspectable")

	failed.Status = StatusPending
	q.join(failed)
	later.Status = StatusProcessing
	assert.Nil(t, q.next(), "rejoined item waits at the tail")
}

func TestItemQueue_AddFailedSkipsChain(t *testing.T) {
	q := newItemQueue()
	it := queued("x", "p1", 1, 1)
	it.Status = StatusFailed
	q.add(it)

	assert.Nil(t, q.next())
	assert.False(t, q.isHead(it))
	assert.Len(t, q.withStatus(StatusFailed), 1)
}

func TestItemQueue_ListAndCounts(t *testing.T) {
	q := newItemQueue()
	q.add(queued("b", "p2", 1, 2))
	q.add(queued("a", "p1", 1, 1))
	sale := queued("c", "s1", 1, 3)
	sale.EntityType = "sale"
	q.add(sale)

	all := q.list(ItemFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)

	assert.Len(t, q.list(ItemFilter{EntityType: "sale"}), 1)
	assert.Len(t, q.list(ItemFilter{EntityID: "p2"}), 1)
	assert.Equal(t, map[Status]int{StatusPending: 3}, q.counts())

	q.remove("missing")
	assert.Equal(t, 3, q.Len())
}
