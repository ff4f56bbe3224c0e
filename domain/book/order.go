package book

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var nextOrderID atomic.Uint64

// OrderParams carries everything a caller may set on a new order.
// Zero values mean "not set": a zero Price on a market type is normal,
// a zero DisplayQuantity means not an iceberg, and so on.
type OrderParams struct {
	ClientOrderID   string
	Security        *Security
	Side            Side
	Type            OrderType
	TIF             TimeInForce
	Price           int64
	Quantity        int64
	TriggerPrice    int64
	MinQuantity     int64
	DisplayQuantity int64
	LMMPercentage   int64
	Expiration      time.Time

	// OriginID links a modify replacement back to the order it replaces.
	OriginID uint64
	// InFlightMitigation asks the engine to shrink the replacement by
	// whatever matched between the modify request and its application.
	InFlightMitigation bool
}

// Order is a single working order. Identity, pricing and quantities are
// fixed at construction; the allocation fields at the bottom are cycle
// state owned by the price level the order rests in.
type Order struct {
	id            uint64
	originID      uint64
	clientOrderID string
	security      *Security
	side          Side
	timestamp     int64

	orderType  OrderType
	tif        TimeInForce
	price      int64
	trigger    int64
	initialQty int64
	filledQty  int64
	minQty     int64
	displayQty int64
	lmmPct     int64
	expiration time.Time

	slice bool
	ifm   bool

	top               bool
	lmmAllocated      bool
	proRataAllocated  bool
	markedForLeveling bool
	proration         float64
	stepInitialQty    int64
	splitRemaining    int64
}

// NewOrder assigns the next process-wide id and stamps the order with
// the current time. Ids are monotonic, so equal timestamps still have a
// total order.
func NewOrder(p OrderParams) *Order {
	cid := p.ClientOrderID
	if cid == "" {
		cid = uuid.NewString()
	}
	return &Order{
		id:             nextOrderID.Add(1),
		originID:       p.OriginID,
		clientOrderID:  cid,
		security:       p.Security,
		side:           p.Side,
		timestamp:      time.Now().UnixNano(),
		orderType:      p.Type,
		tif:            p.TIF,
		price:          p.Price,
		trigger:        p.TriggerPrice,
		initialQty:     p.Quantity,
		minQty:         p.MinQuantity,
		displayQty:     p.DisplayQuantity,
		lmmPct:         p.LMMPercentage,
		expiration:     p.Expiration,
		ifm:            p.InFlightMitigation,
		stepInitialQty: p.Quantity,
	}
}

func (o *Order) ID() uint64             { return o.id }
func (o *Order) OriginID() uint64       { return o.originID }
func (o *Order) ClientOrderID() string  { return o.clientOrderID }
func (o *Order) Security() *Security    { return o.security }
func (o *Order) Side() Side             { return o.side }
func (o *Order) Type() OrderType        { return o.orderType }
func (o *Order) TIF() TimeInForce       { return o.tif }
func (o *Order) Price() int64           { return o.price }
func (o *Order) TriggerPrice() int64    { return o.trigger }
func (o *Order) InitialQuantity() int64 { return o.initialQty }
func (o *Order) FilledQuantity() int64  { return o.filledQty }
func (o *Order) MinQuantity() int64     { return o.minQty }
func (o *Order) DisplayQuantity() int64 { return o.displayQty }
func (o *Order) LMMPercentage() int64   { return o.lmmPct }
func (o *Order) Expiration() time.Time  { return o.expiration }
func (o *Order) Timestamp() int64       { return o.timestamp }
func (o *Order) IsSlice() bool          { return o.slice }
func (o *Order) IsTop() bool            { return o.top }

func (o *Order) Remaining() int64 { return o.initialQty - o.filledQty }
func (o *Order) Filled() bool     { return o.Remaining() <= 0 }

func (o *Order) isIceberg() bool { return o.displayQty > 0 }

// newSlice derives the next visible tranche of an iceberg. The slice
// trades as a plain limit order and points back at its parent.
func (o *Order) newSlice() *Order {
	qty := o.displayQty
	if rem := o.Remaining(); rem < qty {
		qty = rem
	}
	s := NewOrder(OrderParams{
		ClientOrderID: uuid.NewString(),
		Security:      o.security,
		Side:          o.side,
		Type:          Limit,
		TIF:           o.tif,
		Price:         o.price,
		Quantity:      qty,
		LMMPercentage: o.lmmPct,
		OriginID:      o.id,
	})
	s.slice = true
	return s
}

// fill records a resting fill and flips the allocation flag for the
// step that produced it.
func (o *Order) fill(qty int64, step MatchStep) {
	o.filledQty += qty
	switch step {
	case StepLMM:
		o.lmmAllocated = true
	case StepProRata:
		o.proRataAllocated = true
	case StepLeveling:
		o.markedForLeveling = false
	}
}

// fillAggressing records a fill on the aggressing order and charges the
// split-FIFO allowance when that pass produced it.
func (o *Order) fillAggressing(qty int64, step MatchStep) {
	o.filledQty += qty
	if step == StepSplitFIFO {
		o.splitRemaining -= qty
	}
}

// updateProration recomputes this order's share of the level. Orders
// already served by the pro-rata pass keep their stale share so they
// sort behind unserved ones.
func (o *Order) updateProration(levelQty int64) {
	if o.proRataAllocated || levelQty <= 0 {
		return
	}
	o.proration = float64(o.Remaining()) / float64(levelQty)
}

func (o *Order) resetCycleFlags() {
	o.lmmAllocated = false
	o.proRataAllocated = false
	o.markedForLeveling = false
}

func (o *Order) setStepInitial(qty int64) { o.stepInitialQty = qty }

func (o *Order) initSplitAllowance() {
	pct := o.security.SplitPercentage
	o.splitRemaining = int64(math.Round(float64(pct) * float64(o.stepInitialQty) / 100.0))
}

func (o *Order) lmmEligible() bool     { return o.lmmPct > 0 && !o.lmmAllocated }
func (o *Order) proRataEligible() bool { return o.proration > 0 && !o.proRataAllocated }

// ShouldExpire reports whether the daily sweep at asOf must expire the
// order. Security expiration trumps the order's own time in force.
func (o *Order) ShouldExpire(asOf time.Time) bool {
	if exp := o.security.Expiration; !exp.IsZero() && !exp.After(asOf) {
		return true
	}
	switch o.tif {
	case Day:
		return true
	case GTD:
		return !o.expiration.After(asOf)
	default:
		return false
	}
}

func (o *Order) String() string {
	return fmt.Sprintf("#%d %s %d@%d rem=%d", o.id, o.side, o.initialQty, o.price, o.Remaining())
}
