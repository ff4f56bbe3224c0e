package book

import (
	"fmt"
	"log"
	"strings"
)

// Submitter re-enters derived orders, iceberg slices mostly, into the
// command stream so they queue behind work already in flight.
type Submitter interface {
	Submit(*Order)
}

// Validator vets an order before it can touch the book. Returning an
// error rejects the order.
type Validator func(*Order) error

// Config wires an order book. Security is required; everything else
// has a working zero value.
type Config struct {
	Security  *Security
	Feed      *UpdateFeed
	Submitter Submitter
	Validate  Validator
}

// OrderBook is the book for one security. It is not safe for
// concurrent use; the engine serializes all access through its
// command loop.
type OrderBook struct {
	security *Security
	plan     *StepPlan
	feed     *UpdateFeed
	submit   Submitter
	validate Validator

	bids *ladder
	asks *ladder

	orders          map[uint64]*Order
	levelByOrder    map[uint64]*PriceLevel
	orderByClientID map[string]uint64

	stops       []*Order
	icebergs    map[uint64]*Order
	activeSlice map[uint64]uint64

	topBid *Order
	topAsk *Order

	lastTraded    int64
	lastTradedSet bool
}

func New(cfg Config) *OrderBook {
	feed := cfg.Feed
	if feed == nil {
		feed = NewUpdateFeed()
	}
	plan := PlanFor(cfg.Security.Discipline)
	if len(cfg.Security.Steps) > 0 {
		plan = PlanForSteps(cfg.Security.Steps)
	}
	b := &OrderBook{
		security:        cfg.Security,
		plan:            plan,
		feed:            feed,
		submit:          cfg.Submitter,
		validate:        cfg.Validate,
		orders:          make(map[uint64]*Order),
		levelByOrder:    make(map[uint64]*PriceLevel),
		orderByClientID: make(map[string]uint64),
		icebergs:        make(map[uint64]*Order),
		activeSlice:     make(map[uint64]uint64),
	}
	mint := func(price int64) *PriceLevel { return newPriceLevel(price, cfg.Security, plan) }
	b.bids = newLadder(Bid, mint)
	b.asks = newLadder(Ask, mint)
	return b
}

func (b *OrderBook) Security() *Security { return b.security }
func (b *OrderBook) Feed() *UpdateFeed   { return b.feed }

func (b *OrderBook) HasOrder(id uint64) bool { _, ok := b.orders[id]; return ok }

// Order returns a working order by id, or nil.
func (b *OrderBook) Order(id uint64) *Order { return b.orders[id] }

// OrderByClientID resolves a client order id to the working order.
func (b *OrderBook) OrderByClientID(cid string) *Order {
	id, ok := b.orderByClientID[cid]
	if !ok {
		return nil
	}
	return b.orders[id]
}

func (b *OrderBook) BidPrices() []int64 { return b.bids.prices() }
func (b *OrderBook) AskPrices() []int64 { return b.asks.prices() }

// LevelQuantity is the total resting quantity at a price, zero when
// the level does not exist.
func (b *OrderBook) LevelQuantity(side Side, price int64) int64 {
	t := b.bids
	if side == Ask {
		t = b.asks
	}
	if lvl := t.find(price); lvl != nil {
		return lvl.TotalQuantity()
	}
	return 0
}

func (b *OrderBook) LastTradedPrice() (int64, bool) { return b.lastTraded, b.lastTradedSet }

// ActiveSliceID is the id of the visible slice currently working for
// an iceberg parent.
func (b *OrderBook) ActiveSliceID(parentID uint64) (uint64, bool) {
	id, ok := b.activeSlice[parentID]
	return id, ok
}

func (b *OrderBook) IsEmpty() bool {
	return b.bids.Size() == 0 && b.asks.Size() == 0 && len(b.stops) == 0
}

// WorkingOrderIDs lists every order the book still knows about.
func (b *OrderBook) WorkingOrderIDs() []uint64 {
	out := make([]uint64, 0, len(b.orders))
	for id := range b.orders {
		out = append(out, id)
	}
	return out
}

// AddOrder runs the full entry flow: ack, validate, park stops, derive
// iceberg slices, check min quantity, sweep the far side, then rest or
// expire whatever is left.
func (b *OrderBook) AddOrder(o *Order) {
	b.publish(o, StatusNew, nil)

	if b.validate != nil {
		if err := b.validate(o); err != nil {
			log.Printf("[book] reject order %d: %v", o.id, err)
			b.publish(o, StatusReject, nil)
			return
		}
	}

	b.orders[o.id] = o
	b.orderByClientID[o.clientOrderID] = o.id

	if o.orderType == StopLimit || o.orderType == StopWithProtection {
		b.stops = append(b.stops, o)
		return
	}

	against, rest := b.asks, b.bids
	if o.side == Ask {
		against, rest = b.bids, b.asks
	}

	derived := o
	if o.isIceberg() {
		b.icebergs[o.id] = o
		derived = o.newSlice()
		b.orders[derived.id] = derived
		b.orderByClientID[derived.clientOrderID] = derived.id
		b.activeSlice[o.id] = derived.id
		b.publish(derived, StatusNew, nil)
	}

	if !b.minQuantityMet(derived, against) {
		b.expire(o, derived)
		return
	}

	// Protection bands and market-limit conversion price off the far
	// side as it stood on arrival.
	ref, refOK := int64(0), false
	if lvl := against.best(); lvl != nil {
		ref, refOK = lvl.Price, true
	} else if b.lastTradedSet {
		ref, refOK = b.lastTraded, true
	}

	traded := false
	for !derived.Filled() {
		lvl := against.best()
		if lvl == nil || !b.isMatch(derived, lvl, ref, refOK) {
			break
		}

		b.lastTraded = lvl.Price
		b.lastTradedSet = true
		traded = true

		events := lvl.match(derived)
		if len(events) == 0 {
			break
		}

		aggStatus := StatusPartialFill
		if derived.Filled() {
			aggStatus = StatusCompleteFill
		}
		b.publish(derived, aggStatus, events)

		b.notifyResting(events)
		b.dropFilled(events)

		if lvl.empty() {
			against.delete(lvl.Price)
		}

		if derived.orderType == MarketLimit {
			derived.orderType = Limit
			derived.price = b.lastTraded
		}

		if derived.slice {
			b.propagateSliceFill(derived, events)
		}
	}

	switch derived.orderType {
	case MarketLimit:
		// Never traded: price off the last trade, or give up.
		if b.lastTradedSet {
			derived.orderType = Limit
			derived.price = b.lastTraded
		} else if !derived.Filled() {
			b.expire(o, derived)
			return
		}
	case MarketWithProtection:
		if refOK {
			derived.orderType = Limit
			if derived.side == Bid {
				derived.price = ref + b.security.ProtectionPoints
			} else {
				derived.price = ref - b.security.ProtectionPoints
			}
		} else if !derived.Filled() {
			b.expire(o, derived)
			return
		}
	}

	switch {
	case derived.Filled():
		b.forget(derived)
	case derived.tif == FAK:
		b.expire(o, derived)
	default:
		b.restOrder(derived, rest)
	}

	if traded {
		b.triggerStops()
	}
}

// restOrder places the leftover on its own side and hands out TOP
// status when the discipline supports it.
func (b *OrderBook) restOrder(o *Order, side *ladder) {
	lvl := side.upsert(o.price)
	if b.plan.Has(StepTOP) && lvl.empty() && side.best() == lvl && o.Remaining() >= b.security.TopMin {
		cur := b.topOn(o.side)
		if cur != nil {
			if old := b.levelByOrder[cur.id]; old != nil {
				old.unassignTop()
			}
		}
		o.top = true
		b.setTopOn(o.side, o)
	}
	o.resetCycleFlags()
	lvl.add(o)
	b.levelByOrder[o.id] = lvl
}

func (b *OrderBook) topOn(s Side) *Order {
	if s == Bid {
		return b.topBid
	}
	return b.topAsk
}

func (b *OrderBook) setTopOn(s Side, o *Order) {
	if s == Bid {
		b.topBid = o
	} else {
		b.topAsk = o
	}
}

// TopOrder exposes the current TOP holder for a side, or nil.
func (b *OrderBook) TopOrder(s Side) *Order { return b.topOn(s) }

func (b *OrderBook) isMatch(o *Order, lvl *PriceLevel, ref int64, refOK bool) bool {
	switch o.orderType {
	case MarketLimit:
		return true
	case MarketWithProtection:
		if !refOK {
			return false
		}
		if o.side == Bid {
			return lvl.Price <= ref+b.security.ProtectionPoints
		}
		return lvl.Price >= ref-b.security.ProtectionPoints
	default:
		if o.side == Bid {
			return o.price >= lvl.Price
		}
		return o.price <= lvl.Price
	}
}

func (b *OrderBook) priceAcceptable(o *Order, price int64) bool {
	switch o.orderType {
	case MarketLimit, MarketWithProtection:
		return true
	default:
		if o.side == Bid {
			return o.price >= price
		}
		return o.price <= price
	}
}

// minQuantityMet enforces the fill-and-kill minimum: enough quantity
// must be on the far side at acceptable prices before matching starts.
func (b *OrderBook) minQuantityMet(o *Order, against *ladder) bool {
	if o.minQty <= 0 || o.tif != FAK {
		return true
	}
	var avail int64
	against.eachBestFirst(func(lvl *PriceLevel) bool {
		if !b.priceAcceptable(o, lvl.Price) {
			return false
		}
		avail += lvl.TotalQuantity()
		return avail < o.minQty
	})
	return avail >= o.minQty
}

// notifyResting publishes one update per resting order hit in a batch.
func (b *OrderBook) notifyResting(events []*MatchEvent) {
	var order []uint64
	byResting := make(map[uint64][]*MatchEvent)
	for _, ev := range events {
		if _, seen := byResting[ev.RestingOrderID]; !seen {
			order = append(order, ev.RestingOrderID)
		}
		byResting[ev.RestingOrderID] = append(byResting[ev.RestingOrderID], ev)
	}
	for _, id := range order {
		r := b.orders[id]
		if r == nil {
			continue
		}
		st := StatusPartialFill
		if r.Filled() {
			st = StatusCompleteFill
		}
		b.publish(r, st, byResting[id])
		if r.slice {
			b.propagateSliceFill(r, byResting[id])
		}
	}
}

// propagateSliceFill books a slice's fills onto its iceberg parent and
// releases the next slice once the current one is spent.
func (b *OrderBook) propagateSliceFill(slice *Order, events []*MatchEvent) {
	parent := b.icebergs[slice.originID]
	if parent == nil {
		return
	}
	var qty int64
	for _, ev := range events {
		qty += ev.Quantity
	}
	parent.filledQty += qty

	st := StatusPartialFill
	if parent.Filled() {
		st = StatusCompleteFill
	}
	b.publish(parent, st, events)

	if !slice.Filled() {
		return
	}
	delete(b.activeSlice, parent.id)
	if parent.Filled() {
		delete(b.icebergs, parent.id)
		b.forget(parent)
		return
	}
	next := parent.newSlice()
	b.activeSlice[parent.id] = next.id
	if b.submit != nil {
		b.submit.Submit(next)
		return
	}
	b.AddOrder(next)
}

// dropFilled forgets resting orders a batch exhausted.
func (b *OrderBook) dropFilled(events []*MatchEvent) {
	for _, ev := range events {
		r, ok := b.orders[ev.RestingOrderID]
		if !ok || !r.Filled() {
			continue
		}
		delete(b.levelByOrder, r.id)
		b.forget(r)
		if b.topBid == r {
			b.topBid = nil
		}
		if b.topAsk == r {
			b.topAsk = nil
		}
	}
}

// CancelOrder removes an order wherever it lives: the stop queue, a
// price level, or an iceberg with its active slice. Reports whether
// the id was known.
func (b *OrderBook) CancelOrder(id uint64, expired bool) bool {
	status := StatusCancelled
	if expired {
		status = StatusExpired
	}

	for i, s := range b.stops {
		if s.id == id {
			b.stops = append(b.stops[:i], b.stops[i+1:]...)
			b.publish(s, status, nil)
			b.forget(s)
			return true
		}
	}

	o, ok := b.orders[id]
	if !ok {
		return false
	}
	b.publish(o, status, nil)

	if sliceID, live := b.activeSlice[id]; live {
		if s := b.orders[sliceID]; s != nil {
			b.publish(s, status, nil)
			b.removeResting(s)
		}
		delete(b.activeSlice, id)
	}
	delete(b.icebergs, id)

	b.removeResting(o)
	return true
}

// removeResting pulls an order out of its level and all indexes.
func (b *OrderBook) removeResting(o *Order) {
	if lvl := b.levelByOrder[o.id]; lvl != nil {
		lvl.cancel(o)
		if lvl.empty() {
			side := b.bids
			if o.side == Ask {
				side = b.asks
			}
			side.delete(lvl.Price)
		}
		delete(b.levelByOrder, o.id)
	}
	if b.topBid == o {
		b.topBid = nil
	}
	if b.topAsk == o {
		b.topAsk = nil
	}
	b.forget(o)
}

func (b *OrderBook) forget(o *Order) {
	delete(b.orders, o.id)
	delete(b.levelByOrder, o.id)
	if cur, ok := b.orderByClientID[o.clientOrderID]; ok && cur == o.id {
		delete(b.orderByClientID, o.clientOrderID)
	}
}

// expire kills an order that cannot proceed, cleaning up any iceberg
// state it brought with it.
func (b *OrderBook) expire(o, derived *Order) {
	b.publish(derived, StatusExpired, nil)
	if derived != o {
		b.publish(o, StatusExpired, nil)
		delete(b.icebergs, o.id)
		delete(b.activeSlice, o.id)
		b.forget(o)
	}
	b.forget(derived)
}

// triggerStops releases parked stop orders whose trigger the last trade
// crossed. Released orders re-enter as limit orders and may trade and
// trigger further stops.
func (b *OrderBook) triggerStops() {
	var fire []*Order
	keep := b.stops[:0]
	for _, s := range b.stops {
		hit := (s.side == Bid && b.lastTraded >= s.trigger) ||
			(s.side == Ask && b.lastTraded <= s.trigger)
		if hit {
			fire = append(fire, s)
		} else {
			keep = append(keep, s)
		}
	}
	b.stops = keep

	for _, s := range fire {
		if s.orderType == StopWithProtection {
			if s.side == Bid {
				s.price = s.trigger + b.security.ProtectionPoints
			} else {
				s.price = s.trigger - b.security.ProtectionPoints
			}
		}
		s.orderType = Limit
		b.forget(s)
		b.AddOrder(s)
	}
}

// Clear drops every order and index. The update feed survives.
func (b *OrderBook) Clear() {
	b.bids.clear()
	b.asks.clear()
	b.orders = make(map[uint64]*Order)
	b.levelByOrder = make(map[uint64]*PriceLevel)
	b.orderByClientID = make(map[string]uint64)
	b.stops = nil
	b.icebergs = make(map[uint64]*Order)
	b.activeSlice = make(map[uint64]uint64)
	b.topBid, b.topAsk = nil, nil
	b.lastTraded, b.lastTradedSet = 0, false
}

func (b *OrderBook) publish(o *Order, st Status, events []*MatchEvent) {
	b.feed.Publish(&OrderUpdate{
		OrderID:   o.id,
		Status:    st,
		Type:      o.orderType,
		Price:     o.price,
		Remaining: o.Remaining(),
		Matches:   events,
	})
}

func (b *OrderBook) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s]\n", b.security.Symbol, b.security.Discipline)
	sb.WriteString("asks:\n")
	b.asks.eachBestFirst(func(l *PriceLevel) bool {
		fmt.Fprintf(&sb, "  %s\n", l)
		return true
	})
	sb.WriteString("bids:\n")
	b.bids.eachBestFirst(func(l *PriceLevel) bool {
		fmt.Fprintf(&sb, "  %s\n", l)
		return true
	})
	return sb.String()
}
