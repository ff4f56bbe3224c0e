package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"meridian/domain/book"
)

// Modify asks for a working order to be replaced. Nil fields inherit
// from the order being replaced; Quantity, when set, is the new total
// quantity.
type Modify struct {
	OrderID         uint64
	ClientOrderID   *string
	Type            *book.OrderType
	TimeInForce     *book.TimeInForce
	Price           *int64
	Quantity        *int64
	TriggerPrice    *int64
	MinQuantity     *int64
	DisplayQuantity *int64
	Expiration      *time.Time

	// InFlightMitigation shrinks the replacement by whatever matched
	// between this request and its application. A replacement shrunk
	// to nothing is silently dropped.
	InFlightMitigation bool
}

type submitCmd struct {
	order *book.Order
	seq   uint64
}

type cancelCmd struct {
	orderID uint64
	expired bool
}

type modifyCmd struct {
	mod         Modify
	requestedAt int64
}

// Config wires an engine. All fields are optional.
type Config struct {
	Feed     *book.UpdateFeed
	Validate book.Validator
	// NextExpiry is when the first daily expiration sweep runs. Zero
	// disables the sweep until SetNextExpiry is called.
	NextExpiry time.Time
}

// Engine owns every order book and applies all commands on one
// goroutine. Cancels are drained before modifies, modifies before
// submits, and submits apply oldest first. A hold parks every command
// for an order id until the hold is lifted.
type Engine struct {
	feed     *book.UpdateFeed
	validate book.Validator

	mu       sync.Mutex
	cond     *sync.Cond
	closed   bool
	seq      uint64
	sweeps   []time.Time
	cancels  []cancelCmd
	modifies []modifyCmd
	submits  []submitCmd
	held     map[uint64]bool
	inflight map[uint64]int
	done     map[uint64]int

	nextExpiry  time.Time
	expiryReset chan struct{}

	// books is shared with Book callers, so lookups take booksMu.
	booksMu sync.Mutex
	books   map[int]*book.OrderBook

	// loop-owned, never touched off the command goroutine
	bookByOrder map[uint64]*book.OrderBook
}

func New(cfg Config) *Engine {
	feed := cfg.Feed
	if feed == nil {
		feed = book.NewUpdateFeed()
	}
	e := &Engine{
		feed:        feed,
		validate:    cfg.Validate,
		held:        make(map[uint64]bool),
		inflight:    make(map[uint64]int),
		done:        make(map[uint64]int),
		nextExpiry:  cfg.NextExpiry,
		expiryReset: make(chan struct{}, 1),
		books:       make(map[int]*book.OrderBook),
		bookByOrder: make(map[uint64]*book.OrderBook),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *Engine) Feed() *book.UpdateFeed { return e.feed }

// Book returns the order book for a security, creating it on first use.
// The lookup is safe alongside the command loop; reads of the returned
// book still race in-flight commands.
func (e *Engine) Book(sec *book.Security) *book.OrderBook {
	return e.bookFor(sec)
}

// Start launches the command loop and the expiration scheduler. Both
// stop when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.run()
	go e.expiryLoop(ctx)
	go func() {
		<-ctx.Done()
		e.mu.Lock()
		e.closed = true
		e.cond.Broadcast()
		e.mu.Unlock()
	}()
	log.Println("[engine] started")
}

// Submit queues an order. Implements book.Submitter so books can feed
// iceberg slices back through the same path.
func (e *Engine) Submit(o *book.Order) {
	e.mu.Lock()
	e.seq++
	e.submits = append(e.submits, submitCmd{order: o, seq: e.seq})
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Cancel queues a cancellation.
func (e *Engine) Cancel(orderID uint64) {
	e.enqueueCancel(orderID, false)
}

// Expire queues a system-driven cancellation; the order's final status
// reads Expired rather than Cancelled.
func (e *Engine) Expire(orderID uint64) {
	e.enqueueCancel(orderID, true)
}

func (e *Engine) enqueueCancel(orderID uint64, expired bool) {
	e.mu.Lock()
	e.cancels = append(e.cancels, cancelCmd{orderID: orderID, expired: expired})
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Modify queues a replace request.
func (e *Engine) Modify(m Modify) {
	e.mu.Lock()
	e.modifies = append(e.modifies, modifyCmd{mod: m, requestedAt: time.Now().UnixNano()})
	e.cond.Broadcast()
	e.mu.Unlock()
}

// PlaceHold parks all pending and future commands for an order id.
func (e *Engine) PlaceHold(orderID uint64) {
	e.mu.Lock()
	e.held[orderID] = true
	e.mu.Unlock()
}

// RemoveHold releases a held order id.
func (e *Engine) RemoveHold(orderID uint64) {
	e.mu.Lock()
	delete(e.held, orderID)
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Wait blocks until every command currently queued or in flight for
// the order id has been applied, and at least one ever has been.
func (e *Engine) Wait(orderID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.pendingLocked(orderID) || e.done[orderID] == 0 {
		e.cond.Wait()
	}
}

// SetNextExpiry moves the next expiration sweep. Intended for boot
// configuration and tests.
func (e *Engine) SetNextExpiry(t time.Time) {
	e.mu.Lock()
	e.nextExpiry = t
	e.mu.Unlock()
	select {
	case e.expiryReset <- struct{}{}:
	default:
	}
}

func (e *Engine) pendingLocked(orderID uint64) bool {
	if e.inflight[orderID] > 0 {
		return true
	}
	for _, c := range e.cancels {
		if c.orderID == orderID {
			return true
		}
	}
	for _, m := range e.modifies {
		if m.mod.OrderID == orderID {
			return true
		}
	}
	for _, s := range e.submits {
		if s.order.ID() == orderID {
			return true
		}
	}
	return false
}

// nextCommand picks the highest-priority runnable command and marks its
// order id in flight. Caller holds the mutex.
func (e *Engine) nextCommand() (any, bool) {
	if len(e.sweeps) > 0 {
		t := e.sweeps[0]
		e.sweeps = e.sweeps[1:]
		return t, true
	}
	for i, c := range e.cancels {
		if e.held[c.orderID] {
			continue
		}
		e.cancels = append(e.cancels[:i], e.cancels[i+1:]...)
		e.inflight[c.orderID]++
		return c, true
	}
	for i, m := range e.modifies {
		if e.held[m.mod.OrderID] {
			continue
		}
		e.modifies = append(e.modifies[:i], e.modifies[i+1:]...)
		e.inflight[m.mod.OrderID]++
		return m, true
	}
	best := -1
	for i, s := range e.submits {
		if e.held[s.order.ID()] {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := e.submits[best]
		if s.order.Timestamp() < b.order.Timestamp() ||
			(s.order.Timestamp() == b.order.Timestamp() && s.seq < b.seq) {
			best = i
		}
	}
	if best >= 0 {
		s := e.submits[best]
		e.submits = append(e.submits[:best], e.submits[best+1:]...)
		e.inflight[s.order.ID()]++
		return s, true
	}
	return nil, false
}

func (e *Engine) run() {
	for {
		e.mu.Lock()
		var cmd any
		for {
			if e.closed {
				e.mu.Unlock()
				return
			}
			var ok bool
			if cmd, ok = e.nextCommand(); ok {
				break
			}
			e.cond.Wait()
		}
		e.mu.Unlock()

		switch c := cmd.(type) {
		case cancelCmd:
			e.applyCancel(c)
			e.ring(c.orderID)
		case modifyCmd:
			e.applyModify(c)
			e.ring(c.mod.OrderID)
		case submitCmd:
			e.applySubmit(c.order)
			e.ring(c.order.ID())
		case time.Time:
			e.applySweep(c)
		}
	}
}

// ring marks a command applied and wakes waiters.
func (e *Engine) ring(orderID uint64) {
	e.mu.Lock()
	if e.inflight[orderID] > 0 {
		e.inflight[orderID]--
	}
	e.done[orderID]++
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) bookFor(sec *book.Security) *book.OrderBook {
	e.booksMu.Lock()
	defer e.booksMu.Unlock()
	b, ok := e.books[sec.ID]
	if !ok {
		b = book.New(book.Config{
			Security:  sec,
			Feed:      e.feed,
			Submitter: e,
			Validate:  e.validate,
		})
		e.books[sec.ID] = b
		log.Printf("[engine] opened book for security %d (%s)", sec.ID, sec.Symbol)
	}
	return b
}

func (e *Engine) applySubmit(o *book.Order) {
	bk := e.bookFor(o.Security())
	// A slice can outlive its parent when the parent is cancelled
	// while the slice sits in the queue.
	if o.IsSlice() && bk.Order(o.OriginID()) == nil {
		return
	}
	bk.AddOrder(o)
	if bk.HasOrder(o.ID()) {
		e.bookByOrder[o.ID()] = bk
	}
}

func (e *Engine) applyCancel(c cancelCmd) {
	if bk, ok := e.bookByOrder[c.orderID]; ok {
		bk.CancelOrder(c.orderID, c.expired)
		delete(e.bookByOrder, c.orderID)
	}
	e.purgeSubmits(c.orderID)
}

// purgeSubmits drops queued submits that belong to a cancelled order,
// its pending iceberg slices included.
func (e *Engine) purgeSubmits(orderID uint64) {
	e.mu.Lock()
	kept := e.submits[:0]
	var purged []uint64
	for _, s := range e.submits {
		if s.order.ID() == orderID || s.order.OriginID() == orderID {
			purged = append(purged, s.order.ID())
			continue
		}
		kept = append(kept, s)
	}
	e.submits = kept
	for _, id := range purged {
		e.done[id]++
	}
	if len(purged) > 0 {
		e.cond.Broadcast()
	}
	e.mu.Unlock()
}

func (e *Engine) applyModify(c modifyCmd) {
	var bk *book.OrderBook
	if b, ok := e.bookByOrder[c.mod.OrderID]; ok {
		bk = b
	}
	var target *book.Order
	if bk != nil {
		target = bk.Order(c.mod.OrderID)
	}
	if target == nil {
		e.feed.Publish(&book.OrderUpdate{OrderID: c.mod.OrderID, Status: book.StatusReject})
		return
	}

	cid := target.ClientOrderID()
	if c.mod.ClientOrderID != nil {
		cid = *c.mod.ClientOrderID
	}
	typ := target.Type()
	if c.mod.Type != nil {
		typ = *c.mod.Type
	}
	tif := target.TIF()
	if c.mod.TimeInForce != nil {
		tif = *c.mod.TimeInForce
	}
	price := target.Price()
	if c.mod.Price != nil {
		price = *c.mod.Price
	}
	qty := target.Remaining()
	if c.mod.Quantity != nil {
		qty = *c.mod.Quantity
	}
	trigger := target.TriggerPrice()
	if c.mod.TriggerPrice != nil {
		trigger = *c.mod.TriggerPrice
	}
	minQty := target.MinQuantity()
	if c.mod.MinQuantity != nil {
		minQty = *c.mod.MinQuantity
	}
	display := target.DisplayQuantity()
	if c.mod.DisplayQuantity != nil {
		display = *c.mod.DisplayQuantity
	}
	expiration := target.Expiration()
	if c.mod.Expiration != nil {
		expiration = *c.mod.Expiration
	}
	if c.mod.InFlightMitigation {
		qty -= e.filledSince(target.ID(), c.requestedAt)
	}

	bk.CancelOrder(target.ID(), false)
	delete(e.bookByOrder, target.ID())
	e.purgeSubmits(target.ID())

	if qty <= 0 {
		log.Printf("[engine] modify of order %d fully mitigated, no replacement", target.ID())
		return
	}

	repl := book.NewOrder(book.OrderParams{
		ClientOrderID:      cid,
		Security:           target.Security(),
		Side:               target.Side(),
		Type:               typ,
		TIF:                tif,
		Price:              price,
		Quantity:           qty,
		TriggerPrice:       trigger,
		MinQuantity:        minQty,
		DisplayQuantity:    display,
		LMMPercentage:      target.LMMPercentage(),
		Expiration:         expiration,
		OriginID:           target.ID(),
		InFlightMitigation: c.mod.InFlightMitigation,
	})
	e.mu.Lock()
	e.inflight[repl.ID()]++
	e.mu.Unlock()
	e.applySubmit(repl)
	e.ring(repl.ID())
}

// filledSince sums fills reported for an order after the given time.
func (e *Engine) filledSince(orderID uint64, since int64) int64 {
	var qty int64
	for _, u := range e.feed.Updates(orderID) {
		if u.Timestamp <= since {
			continue
		}
		for _, m := range u.Matches {
			qty += m.Quantity
		}
	}
	return qty
}

// applySweep expires everything due as of the sweep time.
func (e *Engine) applySweep(asOf time.Time) {
	var due []uint64
	for id, bk := range e.bookByOrder {
		if o := bk.Order(id); o != nil && !o.IsSlice() && o.ShouldExpire(asOf) {
			due = append(due, id)
		}
	}
	for _, id := range due {
		bk := e.bookByOrder[id]
		bk.CancelOrder(id, true)
		delete(e.bookByOrder, id)
		e.purgeSubmits(id)
	}
	if len(due) > 0 {
		log.Printf("[engine] expiration sweep removed %d orders", len(due))
	}
}

func (e *Engine) expiryLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		e.mu.Lock()
		next := e.nextExpiry
		e.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next.IsZero() {
			timer.Reset(time.Hour)
		} else {
			timer.Reset(time.Until(next))
		}

		select {
		case <-ctx.Done():
			return
		case <-e.expiryReset:
		case <-timer.C:
			if next.IsZero() {
				continue
			}
			e.mu.Lock()
			e.sweeps = append(e.sweeps, next)
			if e.nextExpiry.Equal(next) {
				e.nextExpiry = next.Add(24 * time.Hour)
			}
			e.cond.Broadcast()
			e.mu.Unlock()
		}
	}
}
