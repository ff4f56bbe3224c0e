package book

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PriceLevel holds every resting order at one price, queued once per
// match step the order is eligible for. Matching walks the steps in
// plan order; each step works from a snapshot of its queue size taken
// when the aggressor arrived, so orders landing mid-match wait for the
// next aggressor.
type PriceLevel struct {
	Price    int64
	security *Security
	plan     *StepPlan
	queues   []*orderQueue
	orders   map[uint64]*Order
	totalQty int64
}

func newPriceLevel(price int64, sec *Security, plan *StepPlan) *PriceLevel {
	l := &PriceLevel{
		Price:    price,
		security: sec,
		plan:     plan,
		orders:   make(map[uint64]*Order),
	}
	for i := 0; i < plan.Len(); i++ {
		step := plan.At(i)
		l.queues = append(l.queues, newOrderQueue(func(a, b *Order) bool {
			return plan.less(step, a, b)
		}))
	}
	return l
}

func (l *PriceLevel) empty() bool          { return len(l.orders) == 0 }
func (l *PriceLevel) TotalQuantity() int64 { return l.totalQty }

func (l *PriceLevel) order(id uint64) *Order { return l.orders[id] }

// add queues the order into every step it is eligible for.
func (l *PriceLevel) add(o *Order) {
	l.orders[o.id] = o
	l.totalQty += o.Remaining()
	for i := 0; i < l.plan.Len(); i++ {
		if l.plan.fits(l.plan.At(i), o) {
			l.queues[i].push(o)
		}
	}
	if l.plan.Has(StepProRata) {
		l.reprorate()
	}
}

// cancel drops the order from the level entirely.
func (l *PriceLevel) cancel(o *Order) {
	if _, ok := l.orders[o.id]; !ok {
		return
	}
	delete(l.orders, o.id)
	l.totalQty -= o.Remaining()
	for _, q := range l.queues {
		q.remove(o.id)
	}
	if l.plan.Has(StepProRata) {
		l.reprorate()
	}
}

// unassignTop strips TOP status from the current holder, if any.
func (l *PriceLevel) unassignTop() {
	idx := l.plan.Index(StepTOP)
	if idx < 0 {
		return
	}
	if o := l.queues[idx].pop(); o != nil {
		o.top = false
	}
}

// match fills the aggressor against this level, one step at a time.
// Partially filled resting orders rejoin the queue of the step that hit
// them; fully filled ones leave the level. A step ends once it has seen
// every order queued at match start, or, for the split-FIFO pass, once
// its allowance is spent.
func (l *PriceLevel) match(agg *Order) []*MatchEvent {
	var events []*MatchEvent

	sizes := make([]int, len(l.queues))
	visited := make([]int, len(l.queues))
	for i, q := range l.queues {
		sizes[i] = q.Len()
	}
	agg.setStepInitial(agg.Remaining())
	if l.plan.At(0) == StepSplitFIFO {
		agg.initSplitAllowance()
	}

	var minFill int64
	if !l.plan.Has(StepProRata) {
		minFill = 1
	}

	step := 0
	for agg.Remaining() > 0 && step < l.plan.Len() {
		kind := l.plan.At(step)
		q := l.queues[step]

		done := visited[step] >= sizes[step] || q.Len() == 0
		if kind == StepSplitFIFO && agg.splitRemaining <= 0 {
			done = true
		}
		if done {
			step++
			if step < l.plan.Len() {
				l.enterStep(agg, step, sizes)
			}
			continue
		}

		resting := q.pop()
		visited[step]++

		fill := l.aggressingQuantity(agg, resting, kind)
		if fill < minFill {
			fill = minFill
		}
		if r := resting.Remaining(); fill > r {
			fill = r
		}
		if r := agg.Remaining(); fill > r {
			fill = r
		}

		// A zero fill still counts as this step's allocation, so the
		// order stops winning its comparator for the rest of the cycle.
		resting.fill(fill, kind)
		agg.fillAggressing(fill, kind)
		l.totalQty -= fill

		if fill > 0 {
			events = append(events, &MatchEvent{
				AggressingOrderID: agg.id,
				RestingOrderID:    resting.id,
				AggressingSide:    agg.side,
				Price:             l.Price,
				Quantity:          fill,
				Timestamp:         time.Now().UnixNano(),
			})
		} else if kind == StepProRata {
			resting.markedForLeveling = true
		}

		if resting.Filled() {
			delete(l.orders, resting.id)
		} else {
			q.push(resting)
		}
	}

	l.nextAggressor()
	return events
}

// aggressingQuantity is how much of itself the aggressor offers a
// resting order under the given step.
func (l *PriceLevel) aggressingQuantity(agg, resting *Order, step MatchStep) int64 {
	switch {
	case step == StepTOP && resting.top:
		qty := agg.initialQty
		if max := l.security.TopMax; max > 0 && qty > max {
			qty = max
		}
		return qty

	case step == StepSplitFIFO:
		return agg.splitRemaining

	case step == StepProRata && resting.proRataEligible():
		lots := int64(float64(agg.stepInitialQty) * resting.proration)
		if lots >= l.security.ProRataMin {
			return lots
		}
		return 0

	case step == StepLeveling && resting.markedForLeveling:
		return 1

	case l.plan.Has(StepLMM) && resting.lmmEligible():
		return agg.stepInitialQty * resting.lmmPct / 100

	default:
		return resting.Remaining()
	}
}

// enterStep snapshots the aggressor for the step being entered and sets
// up whatever state that step needs.
func (l *PriceLevel) enterStep(agg *Order, idx int, sizes []int) {
	agg.setStepInitial(agg.Remaining())
	switch l.plan.At(idx) {
	case StepProRata:
		l.reprorate()
	case StepSplitFIFO:
		agg.initSplitAllowance()
	case StepLeveling:
		lq := l.queues[idx]
		lq.clear()
		l.queues[l.plan.Index(StepProRata)].each(func(o *Order) {
			if o.markedForLeveling {
				lq.push(o)
			}
		})
		sizes[idx] = lq.Len()
	}
}

// nextAggressor clears per-cycle allocation state so the next aggressor
// sees a fresh level.
func (l *PriceLevel) nextAggressor() {
	for _, o := range l.orders {
		o.resetCycleFlags()
	}
	for _, q := range l.queues {
		q.resort()
	}
	if l.plan.Len() > 0 && l.plan.At(0) == StepProRata {
		l.reprorate()
	}
}

func (l *PriceLevel) reprorate() {
	idx := l.plan.Index(StepProRata)
	q := l.queues[idx]
	q.each(func(o *Order) { o.updateProration(l.totalQty) })
	q.resort()
}

func (l *PriceLevel) String() string {
	ids := make([]uint64, 0, len(l.orders))
	for id := range l.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var b strings.Builder
	fmt.Fprintf(&b, "%d: total=%d", l.Price, l.totalQty)
	for _, id := range ids {
		b.WriteString(" ")
		b.WriteString(l.orders[id].String())
	}
	return b.String()
}
