package engine

import (
	"sort"

	"github.com/roach88/syncq/internal/entity"
)

// itemQueue holds every live item and the per-entity chains that
// serialize them.
//
// Each chain lists the active items of one entity in enqueue order. Only
// the head of a chain is eligible for dispatch, so two items for the same
// entity are never in flight together and they reach destinations in the
// order they were enqueued. Failed items leave their chain; a requeue joins
// the tail again.
//
// itemQueue is not safe for concurrent use: the Manager guards it with its
// mutex.
type itemQueue struct {
	items  map[string]*Item
	chains map[entity.Key][]string
}

// newItemQueue creates an empty queue.
func newItemQueue() *itemQueue {
	return &itemQueue{
		items:  make(map[string]*Item),
		chains: make(map[entity.Key][]string),
	}
}

// add inserts it. Active items join the tail of their entity's chain.
func (q *itemQueue) add(it *Item) {
	q.items[it.ID] = it
	if it.Status.Active() {
		q.join(it)
	}
}

// join appends it to its entity's chain.
func (q *itemQueue) join(it *Item) {
	key := it.Key()
	q.chains[key] = append(q.chains[key], it.ID)
}

// leave removes it from its entity's chain, keeping the item itself.
func (q *itemQueue) leave(it *Item) {
	key := it.Key()
	chain := q.chains[key]
	for i, id := range chain {
		if id == it.ID {
			chain = append(chain[:i:i], chain[i+1:]...)
			break
		}
	}
	if len(chain) == 0 {
		delete(q.chains, key)
		return
	}
	q.chains[key] = chain
}

// remove deletes the item entirely.
func (q *itemQueue) remove(id string) {
	it, ok := q.items[id]
	if !ok {
		return
	}
	q.leave(it)
	delete(q.items, id)
}

// get returns the live item with id.
func (q *itemQueue) get(id string) (*Item, bool) {
	it, ok := q.items[id]
	return it, ok
}

// isHead reports whether it is first in its entity's chain.
func (q *itemQueue) isHead(it *Item) bool {
	chain := q.chains[it.Key()]
	return len(chain) > 0 && chain[0] == it.ID
}

// next returns the pending chain head served first, or nil.
func (q *itemQueue) next() *Item {
	var best *Item
	for _, chain := range q.chains {
		it := q.items[chain[0]]
		if it == nil || it.Status != StatusPending {
			continue
		}
		if best == nil || it.before(best) {
			best = it
		}
	}
	return best
}

// withStatus returns the items in status s, in seq order.
func (q *itemQueue) withStatus(s Status) []*Item {
	return q.list(ItemFilter{Status: s})
}

// list returns the items matching f, in seq order.
func (q *itemQueue) list(f ItemFilter) []*Item {
	var out []*Item
	for _, it := range q.items {
		if f.match(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	return out
}

// counts returns the number of items per status.
func (q *itemQueue) counts() map[Status]int {
	out := make(map[Status]int)
	for _, it := range q.items {
		out[it.Status]++
	}
	return out
}

// Len returns the number of live items.
func (q *itemQueue) Len() int {
	return len(q.items)
}
