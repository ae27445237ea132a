package scheduler

import (
	"container/heap"

	"github.com/xkilldash9x/pacer/api/schemas"
)

// entry is a pending request plus its bookkeeping.
type entry struct {
	req         schemas.ActionRequest
	seq         uint64
	attempts    int
	lastOutcome schemas.Outcome
	index       int
}

// requestHeap orders entries by priority (high first), then RequestedAt, then enqueue order.
type requestHeap []*entry

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.req.Priority != b.req.Priority {
		return a.req.Priority > b.req.Priority
	}
	if !a.req.RequestedAt.Equal(b.req.RequestedAt) {
		return a.req.RequestedAt.Before(b.req.RequestedAt)
	}
	return a.seq < b.seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// queue is the pending set with lookup by request id.
type queue struct {
	h    requestHeap
	byID map[string]*entry
	seq  uint64
}

func newQueue() *queue {
	return &queue{byID: make(map[string]*entry)}
}

func (q *queue) len() int { return q.h.Len() }

func (q *queue) has(id string) bool {
	_, ok := q.byID[id]
	return ok
}

// add enqueues a new request and returns its entry.
func (q *queue) add(req schemas.ActionRequest) *entry {
	q.seq++
	e := &entry{req: req, seq: q.seq}
	q.push(e)
	return e
}

// push inserts an existing entry, keeping its original ordering keys. It refuses an
// id that is already queued.
func (q *queue) push(e *entry) bool {
	if q.has(e.req.ID) {
		return false
	}
	heap.Push(&q.h, e)
	q.byID[e.req.ID] = e
	return true
}

func (q *queue) peek() (*entry, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	return q.h[0], true
}

// remove takes the entry with id out of the queue.
func (q *queue) remove(id string) (*entry, bool) {
	e, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byID, id)
	return e, true
}
