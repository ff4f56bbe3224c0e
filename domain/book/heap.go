package book

import "container/heap"

// orderQueue is a priority queue of orders under a step ordering. The
// ordering reads mutable allocation state, so resort must be called
// after any bulk mutation of queued orders.
type orderQueue struct {
	items []*Order
	cmp   func(a, b *Order) bool
}

func newOrderQueue(cmp func(a, b *Order) bool) *orderQueue {
	return &orderQueue{cmp: cmp}
}

func (q *orderQueue) Len() int           { return len(q.items) }
func (q *orderQueue) Less(i, j int) bool { return q.cmp(q.items[i], q.items[j]) }
func (q *orderQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *orderQueue) Push(x any) { q.items = append(q.items, x.(*Order)) }

func (q *orderQueue) Pop() any {
	n := len(q.items)
	o := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	return o
}

func (q *orderQueue) push(o *Order) { heap.Push(q, o) }

func (q *orderQueue) pop() *Order {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*Order)
}

func (q *orderQueue) remove(id uint64) bool {
	for i, o := range q.items {
		if o.id == id {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}

func (q *orderQueue) each(fn func(*Order)) {
	for _, o := range q.items {
		fn(o)
	}
}

func (q *orderQueue) resort() { heap.Init(q) }

func (q *orderQueue) clear() { q.items = q.items[:0] }
