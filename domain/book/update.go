package book

import (
	"sync"
	"time"
)

// MatchEvent is one fill between an aggressing and a resting order.
type MatchEvent struct {
	AggressingOrderID uint64 `json:"aggressing_order_id"`
	RestingOrderID    uint64 `json:"resting_order_id"`
	AggressingSide    Side   `json:"aggressing_side"`
	Price             int64  `json:"price"`
	Quantity          int64  `json:"quantity"`
	Timestamp         int64  `json:"timestamp"`
}

// OrderUpdate is one lifecycle notification for a single order.
type OrderUpdate struct {
	OrderID   uint64        `json:"order_id"`
	Status    Status        `json:"status"`
	Type      OrderType     `json:"type"`
	Price     int64         `json:"price"`
	Remaining int64         `json:"remaining"`
	Timestamp int64         `json:"timestamp"`
	Matches   []*MatchEvent `json:"matches,omitempty"`
}

// UpdateFeed accumulates per-order update history and fans each update
// out to attached hooks. Publishing happens on the matching goroutine;
// readers may come from anywhere.
type UpdateFeed struct {
	mu      sync.RWMutex
	byOrder map[uint64][]*OrderUpdate
	hooks   []func(*OrderUpdate)
}

func NewUpdateFeed() *UpdateFeed {
	return &UpdateFeed{byOrder: make(map[uint64][]*OrderUpdate)}
}

// Attach registers a hook called synchronously for every update. Hooks
// must be attached before the book starts processing.
func (f *UpdateFeed) Attach(fn func(*OrderUpdate)) {
	f.hooks = append(f.hooks, fn)
}

func (f *UpdateFeed) Publish(u *OrderUpdate) {
	if u.Timestamp == 0 {
		u.Timestamp = time.Now().UnixNano()
	}
	f.mu.Lock()
	f.byOrder[u.OrderID] = append(f.byOrder[u.OrderID], u)
	f.mu.Unlock()
	for _, h := range f.hooks {
		h(u)
	}
}

// Updates returns the full history for an order, oldest first.
func (f *UpdateFeed) Updates(orderID uint64) []*OrderUpdate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	us := f.byOrder[orderID]
	out := make([]*OrderUpdate, len(us))
	copy(out, us)
	return out
}

// Last returns the most recent update for an order, or nil.
func (f *UpdateFeed) Last(orderID uint64) *OrderUpdate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	us := f.byOrder[orderID]
	if len(us) == 0 {
		return nil
	}
	return us[len(us)-1]
}

// Statuses returns the status history for an order, oldest first.
func (f *UpdateFeed) Statuses(orderID uint64) []Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	us := f.byOrder[orderID]
	out := make([]Status, len(us))
	for i, u := range us {
		out[i] = u.Status
	}
	return out
}

func (f *UpdateFeed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byOrder = make(map[uint64][]*OrderUpdate)
}
