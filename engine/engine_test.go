package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meridian/domain/book"
)

func i64(v int64) *int64 { return &v }

func startEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	return e
}

func fifoSec(id int) *book.Security {
	return &book.Security{ID: id, Symbol: "T", Discipline: book.FIFO}
}

func limit(sec *book.Security, side book.Side, qty, price int64) *book.Order {
	return book.NewOrder(book.OrderParams{
		Security: sec, Side: side, Type: book.Limit, TIF: book.GTC,
		Price: price, Quantity: qty,
	})
}

// findReplacement locates the working order a modify produced for the
// given original.
func findReplacement(bk *book.OrderBook, originID uint64) *book.Order {
	for _, id := range bk.WorkingOrderIDs() {
		if o := bk.Order(id); o != nil && o.OriginID() == originID {
			return o
		}
	}
	return nil
}

func TestSubmitAndMatch(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	bid := limit(sec, book.Bid, 10, 100)
	ask := limit(sec, book.Ask, 10, 100)
	e.Submit(bid)
	e.Wait(bid.ID())
	e.Submit(ask)
	e.Wait(ask.ID())

	require.Equal(t, book.StatusCompleteFill, e.Feed().Last(bid.ID()).Status)
	require.Equal(t, book.StatusCompleteFill, e.Feed().Last(ask.ID()).Status)
	require.True(t, e.Book(sec).IsEmpty())
}

func TestCancelWorkingOrder(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	bid := limit(sec, book.Bid, 10, 100)
	e.Submit(bid)
	e.Wait(bid.ID())

	e.Cancel(bid.ID())
	e.Wait(bid.ID())

	require.Equal(t, book.StatusCancelled, e.Feed().Last(bid.ID()).Status)
	require.True(t, e.Book(sec).IsEmpty())
}

func TestModifyReplacesOrder(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	bid := limit(sec, book.Bid, 10, 100)
	e.Submit(bid)
	e.Wait(bid.ID())

	e.Modify(Modify{OrderID: bid.ID(), Price: i64(101), Quantity: i64(2)})
	e.Wait(bid.ID())

	require.Equal(t, book.StatusCancelled, e.Feed().Last(bid.ID()).Status)

	repl := findReplacement(e.Book(sec), bid.ID())
	require.NotNil(t, repl)
	require.Equal(t, int64(101), repl.Price())
	require.Equal(t, int64(2), repl.InitialQuantity())
	require.Equal(t, bid.ClientOrderID(), repl.ClientOrderID())
	require.Equal(t, []int64{101}, e.Book(sec).BidPrices())
}

func TestExpireReportsExpiredStatus(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	bid := limit(sec, book.Bid, 10, 100)
	e.Submit(bid)
	e.Wait(bid.ID())

	e.Expire(bid.ID())
	e.Wait(bid.ID())

	require.Equal(t, book.StatusExpired, e.Feed().Last(bid.ID()).Status)
	require.True(t, e.Book(sec).IsEmpty())
}

func TestBookLookupDuringSubmissions(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			o := limit(sec, book.Bid, 1, int64(100+i))
			e.Submit(o)
			e.Wait(o.ID())
		}
	}()
	// first-use lookups for other securities while the loop is busy
	books := make([]*book.OrderBook, 50)
	go func() {
		defer wg.Done()
		for i := range books {
			books[i] = e.Book(fifoSec(i + 2))
		}
	}()
	wg.Wait()

	for _, bk := range books {
		require.NotNil(t, bk)
		require.True(t, bk.IsEmpty())
	}
	require.Len(t, e.Book(sec).BidPrices(), 50)
}

func TestModifyInheritsUnsetFields(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	bid := book.NewOrder(book.OrderParams{
		ClientOrderID: "keep-me",
		Security:      sec, Side: book.Bid, Type: book.Limit, TIF: book.GTC,
		Price: 100, Quantity: 10, MinQuantity: 2,
	})
	e.Submit(bid)
	e.Wait(bid.ID())

	tif := book.Day
	e.Modify(Modify{OrderID: bid.ID(), TimeInForce: &tif, DisplayQuantity: i64(3)})
	e.Wait(bid.ID())

	repl := findReplacement(e.Book(sec), bid.ID())
	require.NotNil(t, repl)
	require.Equal(t, "keep-me", repl.ClientOrderID())
	require.Equal(t, book.Day, repl.TIF())
	require.Equal(t, int64(3), repl.DisplayQuantity())
	require.Equal(t, int64(100), repl.Price())
	require.Equal(t, int64(10), repl.InitialQuantity())
	require.Equal(t, int64(2), repl.MinQuantity())
}

func TestModifyUnknownOrderRejected(t *testing.T) {
	e := startEngine(t)

	e.Modify(Modify{OrderID: 424242, Quantity: i64(5)})
	e.Wait(424242)

	require.Equal(t, book.StatusReject, e.Feed().Last(424242).Status)
}

func TestModifyAfterCompleteFillRejected(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	bid := limit(sec, book.Bid, 4, 100)
	e.Submit(bid)
	e.Wait(bid.ID())

	e.PlaceHold(bid.ID())
	e.Modify(Modify{OrderID: bid.ID(), Quantity: i64(8)})

	ask := limit(sec, book.Ask, 4, 100)
	e.Submit(ask)
	e.Wait(ask.ID())
	require.Equal(t, book.StatusCompleteFill, e.Feed().Last(bid.ID()).Status)

	e.RemoveHold(bid.ID())
	e.Wait(bid.ID())

	require.Equal(t, book.StatusReject, e.Feed().Last(bid.ID()).Status)
	require.Nil(t, findReplacement(e.Book(sec), bid.ID()))
}

func TestModifyInFlightMitigationShrinksReplacement(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	bid := limit(sec, book.Bid, 10, 100)
	e.Submit(bid)
	e.Wait(bid.ID())

	e.PlaceHold(bid.ID())
	e.Modify(Modify{OrderID: bid.ID(), Quantity: i64(10), InFlightMitigation: true})

	// 4 lots trade away while the modify sits behind the hold
	ask := limit(sec, book.Ask, 4, 100)
	e.Submit(ask)
	e.Wait(ask.ID())

	e.RemoveHold(bid.ID())
	e.Wait(bid.ID())

	repl := findReplacement(e.Book(sec), bid.ID())
	require.NotNil(t, repl)
	require.Equal(t, int64(6), repl.InitialQuantity())
}

func TestModifyFullyMitigatedDropsSilently(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	bid := limit(sec, book.Bid, 10, 100)
	e.Submit(bid)
	e.Wait(bid.ID())

	e.PlaceHold(bid.ID())
	e.Modify(Modify{OrderID: bid.ID(), Quantity: i64(4), InFlightMitigation: true})

	ask := limit(sec, book.Ask, 4, 100)
	e.Submit(ask)
	e.Wait(ask.ID())

	e.RemoveHold(bid.ID())
	e.Wait(bid.ID())

	require.Equal(t, book.StatusCancelled, e.Feed().Last(bid.ID()).Status)
	require.Nil(t, findReplacement(e.Book(sec), bid.ID()))
	require.True(t, e.Book(sec).IsEmpty())
}

func TestModifyTriggerPriceOnParkedStop(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	stop := book.NewOrder(book.OrderParams{
		Security: sec, Side: book.Bid, Type: book.StopLimit, TIF: book.GTC,
		Price: 101, TriggerPrice: 100, Quantity: 3,
	})
	e.Submit(stop)
	e.Wait(stop.ID())

	e.Modify(Modify{OrderID: stop.ID(), TriggerPrice: i64(105)})
	e.Wait(stop.ID())

	repl := findReplacement(e.Book(sec), stop.ID())
	require.NotNil(t, repl)
	require.Equal(t, book.StopLimit, repl.Type())
	require.Equal(t, int64(105), repl.TriggerPrice())
	require.Empty(t, e.Book(sec).BidPrices())
}

func TestIcebergSlicesFlowThroughEngine(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	berg := book.NewOrder(book.OrderParams{
		Security: sec, Side: book.Bid, Type: book.Limit, TIF: book.GTC,
		Price: 100, Quantity: 20, DisplayQuantity: 5,
	})
	e.Submit(berg)
	e.Wait(berg.ID())

	ask := limit(sec, book.Ask, 12, 100)
	e.Submit(ask)
	e.Wait(ask.ID())

	// the refill slices arrive as their own submits
	require.Eventually(t, func() bool {
		last := e.Feed().Last(ask.ID())
		return last != nil && last.Status == book.StatusCompleteFill
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, int64(8), berg.Remaining())
	require.Equal(t, int64(3), e.Book(sec).LevelQuantity(book.Bid, 100))
}

func TestCancelIcebergPurgesQueuedSlices(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	berg := book.NewOrder(book.OrderParams{
		Security: sec, Side: book.Bid, Type: book.Limit, TIF: book.GTC,
		Price: 100, Quantity: 50, DisplayQuantity: 5,
	})
	e.Submit(berg)
	e.Wait(berg.ID())

	e.Cancel(berg.ID())
	e.Wait(berg.ID())

	require.Equal(t, book.StatusCancelled, e.Feed().Last(berg.ID()).Status)
	require.Eventually(t, func() bool {
		return e.Book(sec).IsEmpty()
	}, time.Second, 5*time.Millisecond)
}

func TestExpirationSweep(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(1)

	day := book.NewOrder(book.OrderParams{
		Security: sec, Side: book.Bid, Type: book.Limit, TIF: book.Day,
		Price: 100, Quantity: 1,
	})
	gtc := limit(sec, book.Bid, 1, 99)
	gtd := book.NewOrder(book.OrderParams{
		Security: sec, Side: book.Bid, Type: book.Limit, TIF: book.GTD,
		Price: 98, Quantity: 1, Expiration: time.Now().Add(24 * time.Hour),
	})
	for _, o := range []*book.Order{day, gtc, gtd} {
		e.Submit(o)
		e.Wait(o.ID())
	}

	e.SetNextExpiry(time.Now().Add(20 * time.Millisecond))

	require.Eventually(t, func() bool {
		last := e.Feed().Last(day.ID())
		return last != nil && last.Status == book.StatusExpired
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, book.StatusNew, e.Feed().Last(gtc.ID()).Status)
	require.Equal(t, book.StatusNew, e.Feed().Last(gtd.ID()).Status)
	require.Equal(t, []int64{99, 98}, e.Book(sec).BidPrices())
}

func TestExpiredSecurityExpiresGTC(t *testing.T) {
	e := startEngine(t)
	sec := fifoSec(2)
	sec.Expiration = time.Now().Add(-time.Hour)

	gtc := limit(sec, book.Bid, 1, 100)
	e.Submit(gtc)
	e.Wait(gtc.ID())

	e.SetNextExpiry(time.Now().Add(20 * time.Millisecond))

	require.Eventually(t, func() bool {
		last := e.Feed().Last(gtc.ID())
		return last != nil && last.Status == book.StatusExpired
	}, time.Second, 5*time.Millisecond)
}
