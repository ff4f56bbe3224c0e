package book

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testBook(sec *Security) *OrderBook {
	return New(Config{Security: sec})
}

func limit(sec *Security, side Side, qty, price int64) *Order {
	return NewOrder(OrderParams{
		Security: sec,
		Side:     side,
		Type:     Limit,
		TIF:      GTC,
		Price:    price,
		Quantity: qty,
	})
}

func lmmLimit(sec *Security, side Side, qty, price, pct int64) *Order {
	return NewOrder(OrderParams{
		Security:      sec,
		Side:          side,
		Type:          Limit,
		TIF:           GTC,
		Price:         price,
		Quantity:      qty,
		LMMPercentage: pct,
	})
}

// aggFills flattens the fill quantities and counterparties reported to
// an aggressor, in execution order.
func aggFills(feed *UpdateFeed, orderID uint64) (qtys []int64, resting []uint64) {
	for _, u := range feed.Updates(orderID) {
		for _, m := range u.Matches {
			qtys = append(qtys, m.Quantity)
			resting = append(resting, m.RestingOrderID)
		}
	}
	return qtys, resting
}

func TestFIFOMatchesInArrivalOrder(t *testing.T) {
	sec := &Security{ID: 1, Symbol: "T", Discipline: FIFO}
	b := testBook(sec)

	b1 := limit(sec, Bid, 10, 100)
	b2 := limit(sec, Bid, 20, 100)
	b.AddOrder(b1)
	b.AddOrder(b2)

	ask := limit(sec, Ask, 25, 100)
	b.AddOrder(ask)

	qtys, resting := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{10, 15}, qtys)
	require.Equal(t, []uint64{b1.ID(), b2.ID()}, resting)

	require.False(t, b.HasOrder(b1.ID()))
	require.Equal(t, int64(5), b2.Remaining())
	require.Equal(t, int64(5), b.LevelQuantity(Bid, 100))
	require.Equal(t, StatusCompleteFill, b.Feed().Last(ask.ID()).Status)
}

func TestFIFOAcrossPriceLadder(t *testing.T) {
	sec := &Security{ID: 1, Symbol: "T", Discipline: FIFO}
	b := testBook(sec)

	bidPrices := []int64{100, 150, 200, 200, 250, 300}
	bids := make([]*Order, len(bidPrices))
	for i, p := range bidPrices {
		bids[i] = limit(sec, Bid, 10, p)
		b.AddOrder(bids[i])
	}

	for _, p := range []int64{100, 150, 200, 250, 300} {
		b.AddOrder(limit(sec, Ask, 10, p))
	}

	// the crossing asks consume the best bids, the earlier 200 first
	require.Equal(t, []int64{200, 150, 100}, b.BidPrices())
	require.Equal(t, []int64{250, 300}, b.AskPrices())
	require.False(t, b.HasOrder(bids[2].ID()))
	require.True(t, b.HasOrder(bids[3].ID()))
}

func TestFIFOPartialAggressorRests(t *testing.T) {
	sec := &Security{ID: 1, Symbol: "T", Discipline: FIFO}
	b := testBook(sec)

	b.AddOrder(limit(sec, Bid, 10, 100))
	ask := limit(sec, Ask, 25, 100)
	b.AddOrder(ask)

	require.Equal(t, int64(15), ask.Remaining())
	require.Equal(t, []int64{100}, b.AskPrices())
	require.Equal(t, int64(15), b.LevelQuantity(Ask, 100))
	require.Equal(t, StatusPartialFill, b.Feed().Last(ask.ID()).Status)
}

func TestLMMAllocatesPercentagesThenFIFO(t *testing.T) {
	sec := &Security{ID: 1, Symbol: "T", Discipline: LMM}
	b := testBook(sec)

	b1 := lmmLimit(sec, Bid, 10, 100, 0)
	b2 := lmmLimit(sec, Bid, 10, 100, 20)
	b3 := lmmLimit(sec, Bid, 10, 100, 80)
	b.AddOrder(b1)
	b.AddOrder(b2)
	b.AddOrder(b3)

	ask := limit(sec, Ask, 30, 100)
	b.AddOrder(ask)

	qtys, resting := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{6, 10, 10, 4}, qtys)
	require.Equal(t, []uint64{b2.ID(), b3.ID(), b1.ID(), b2.ID()}, resting)
	require.True(t, b.IsEmpty())
}

func TestLMMRoundsDownToOneLotMinimum(t *testing.T) {
	sec := &Security{ID: 1, Symbol: "T", Discipline: LMM}
	b := testBook(sec)

	bid := lmmLimit(sec, Bid, 10, 100, 5)
	b.AddOrder(bid)

	ask := limit(sec, Ask, 1, 100)
	b.AddOrder(ask)

	qtys, _ := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{1}, qtys)
	require.Equal(t, int64(9), bid.Remaining())
}

func TestLMMRepeatsAcrossAggressors(t *testing.T) {
	sec := &Security{ID: 1, Symbol: "T", Discipline: LMM}
	b := testBook(sec)

	b1 := lmmLimit(sec, Bid, 40, 100, 20)
	b2 := lmmLimit(sec, Bid, 40, 100, 0)
	b.AddOrder(b1)
	b.AddOrder(b2)

	a1 := limit(sec, Ask, 10, 100)
	b.AddOrder(a1)
	qtys, resting := aggFills(b.Feed(), a1.ID())
	require.Equal(t, []int64{2, 8}, qtys)
	require.Equal(t, []uint64{b1.ID(), b1.ID()}, resting)

	// allocation flags reset, the LMM pass runs again
	a2 := limit(sec, Ask, 10, 100)
	b.AddOrder(a2)
	qtys, resting = aggFills(b.Feed(), a2.ID())
	require.Equal(t, []int64{2, 8}, qtys)
	require.Equal(t, []uint64{b1.ID(), b1.ID()}, resting)
}

func TestLMMWithTopServesTopThenPercentages(t *testing.T) {
	sec := &Security{ID: 1, Symbol: "T", Discipline: LMMWithTop, TopMin: 1}
	b := testBook(sec)

	b1 := lmmLimit(sec, Bid, 10, 100, 0)
	b2 := lmmLimit(sec, Bid, 10, 100, 10)
	b3 := lmmLimit(sec, Bid, 10, 100, 20)
	b4 := lmmLimit(sec, Bid, 10, 100, 0)
	b.AddOrder(b1)
	b.AddOrder(b2)
	b.AddOrder(b3)
	b.AddOrder(b4)
	require.True(t, b1.IsTop())

	ask := limit(sec, Ask, 40, 100)
	b.AddOrder(ask)

	qtys, resting := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{10, 3, 6, 7, 4, 10}, qtys)
	require.Equal(t, []uint64{b1.ID(), b2.ID(), b3.ID(), b2.ID(), b3.ID(), b4.ID()}, resting)
	require.True(t, b.IsEmpty())
}

func TestProRataSplitsByShare(t *testing.T) {
	sec := &Security{ID: 1, Symbol: "T", Discipline: ProRata}
	b := testBook(sec)

	b1 := limit(sec, Bid, 2, 100)
	b2 := limit(sec, Bid, 42, 100)
	b3 := limit(sec, Bid, 56, 100)
	b.AddOrder(b1)
	b.AddOrder(b2)
	b.AddOrder(b3)

	a1 := limit(sec, Ask, 50, 100)
	b.AddOrder(a1)

	qtys, resting := aggFills(b.Feed(), a1.ID())
	require.Equal(t, []int64{28, 21, 1}, qtys)
	require.Equal(t, []uint64{b3.ID(), b2.ID(), b1.ID()}, resting)

	// prorations recompute from the remainders, so a second identical
	// aggressor splits the book the same way and empties it
	a2 := limit(sec, Ask, 50, 100)
	b.AddOrder(a2)

	qtys, resting = aggFills(b.Feed(), a2.ID())
	require.Equal(t, []int64{28, 21, 1}, qtys)
	require.Equal(t, []uint64{b3.ID(), b2.ID(), b1.ID()}, resting)
	require.True(t, b.IsEmpty())
}

func TestAllocationTopThenProRata(t *testing.T) {
	sec := &Security{ID: 1, Symbol: "T", Discipline: Allocation, TopMin: 1}
	b := testBook(sec)

	b1 := limit(sec, Bid, 2, 100)
	b2 := limit(sec, Bid, 56, 100)
	b3 := limit(sec, Bid, 42, 100)
	b.AddOrder(b1)
	b.AddOrder(b2)
	b.AddOrder(b3)
	require.True(t, b1.IsTop())

	a1 := limit(sec, Ask, 50, 100)
	b.AddOrder(a1)

	qtys, resting := aggFills(b.Feed(), a1.ID())
	require.Equal(t, []int64{2, 27, 20, 1}, qtys)
	require.Equal(t, []uint64{b1.ID(), b2.ID(), b3.ID(), b2.ID()}, resting)

	a2 := limit(sec, Ask, 50, 100)
	b.AddOrder(a2)

	qtys, resting = aggFills(b.Feed(), a2.ID())
	require.Equal(t, []int64{28, 22}, qtys)
	require.Equal(t, []uint64{b2.ID(), b3.ID()}, resting)
	require.True(t, b.IsEmpty())
}

func TestThresholdProRataCapsTopAllocation(t *testing.T) {
	sec := &Security{
		ID: 1, Symbol: "T", Discipline: ThresholdProRata,
		TopMin: 1, TopMax: 100, ProRataMin: 2,
	}
	b := testBook(sec)

	b1 := limit(sec, Bid, 260, 100)
	b2 := limit(sec, Bid, 50, 100)
	b3 := limit(sec, Bid, 8, 100)
	b.AddOrder(b1)
	b.AddOrder(b2)
	b.AddOrder(b3)
	require.True(t, b1.IsTop())

	ask := limit(sec, Ask, 200, 100)
	b.AddOrder(ask)

	qtys, resting := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{100, 73, 22, 3, 2}, qtys)
	require.Equal(t, []uint64{b1.ID(), b1.ID(), b2.ID(), b3.ID(), b1.ID()}, resting)
}

func TestThresholdProRataWithLMM(t *testing.T) {
	sec := &Security{
		ID: 1, Symbol: "T", Discipline: ThresholdProRataWithLMM,
		TopMin: 1, TopMax: 250, ProRataMin: 2,
	}
	b := testBook(sec)

	b1 := lmmLimit(sec, Bid, 370, 100, 0)
	b2 := lmmLimit(sec, Bid, 120, 100, 40)
	b3 := lmmLimit(sec, Bid, 18, 100, 0)
	b.AddOrder(b1)
	b.AddOrder(b2)
	b.AddOrder(b3)

	ask := limit(sec, Ask, 400, 100)
	b.AddOrder(ask)

	qtys, resting := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{250, 60, 54, 27, 8, 1}, qtys)
	require.Equal(t, []uint64{b1.ID(), b2.ID(), b1.ID(), b2.ID(), b3.ID(), b1.ID()}, resting)
}

func TestConfigurableFullStepChain(t *testing.T) {
	sec := &Security{
		ID: 1, Symbol: "T", Discipline: Configurable,
		TopMin: 1, ProRataMin: 2, SplitPercentage: 40,
	}
	b := testBook(sec)

	rows := []struct {
		qty, lmm int64
	}{
		{2, 0}, {51, 10}, {47, 20}, {100, 0},
		{1, 0}, {1, 0}, {1, 0}, {1, 0},
	}
	orders := make([]*Order, len(rows))
	for i, s := range rows {
		orders[i] = lmmLimit(sec, Bid, s.qty, 100, s.lmm)
		b.AddOrder(orders[i])
	}
	require.True(t, orders[0].IsTop())

	ask := limit(sec, Ask, 202, 100)
	b.AddOrder(ask)

	qtys, resting := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{2, 20, 40, 31, 7, 18, 80, 1, 1, 1, 1}, qtys)
	require.Equal(t, []uint64{
		orders[0].ID(), // TOP
		orders[1].ID(), orders[2].ID(), // LMM percentages
		orders[1].ID(), orders[2].ID(), orders[3].ID(), // split FIFO
		orders[3].ID(),                                                 // pro rata
		orders[4].ID(), orders[5].ID(), orders[6].ID(), orders[7].ID(), // leveling
	}, resting)
	require.True(t, ask.Filled())
}

func TestConfigurableLevelsBelowThreshold(t *testing.T) {
	sec := &Security{
		ID: 1, Symbol: "T", Discipline: Configurable,
		TopMin: 1, ProRataMin: 2, SplitPercentage: 40,
	}
	b := testBook(sec)

	qtys := []int64{1, 100, 30, 80, 30, 60}
	orders := make([]*Order, len(qtys))
	for i, q := range qtys {
		orders[i] = limit(sec, Bid, q, 200)
		b.AddOrder(orders[i])
	}

	ask := limit(sec, Ask, 8, 200)
	b.AddOrder(ask)

	fills, resting := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{1, 3, 1, 1, 1, 1}, fills)
	require.Equal(t, []uint64{
		orders[0].ID(), // TOP
		orders[1].ID(), // split FIFO allowance round(40% of 7)
		// leveling by descending remainder, FIFO on the tie
		orders[1].ID(), orders[3].ID(), orders[5].ID(), orders[2].ID(),
	}, resting)
}

func TestProRataMarksEveryBelowMinimumOrder(t *testing.T) {
	// Every allocation floors below ProRataMin. The pro-rata pass must
	// visit each order once, not respend its budget on the largest one,
	// so leveling reaches all three.
	sec := &Security{
		ID: 1, Symbol: "T", Discipline: Configurable,
		TopMin: 100, ProRataMin: 5,
	}
	b := testBook(sec)

	o1 := limit(sec, Bid, 30, 100)
	o2 := limit(sec, Bid, 20, 100)
	o3 := limit(sec, Bid, 10, 100)
	b.AddOrder(o1)
	b.AddOrder(o2)
	b.AddOrder(o3)

	ask := limit(sec, Ask, 6, 100)
	b.AddOrder(ask)

	qtys, resting := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{1, 1, 1, 3}, qtys)
	require.Equal(t, []uint64{o1.ID(), o2.ID(), o3.ID(), o1.ID()}, resting)
	require.True(t, ask.Filled())
}

func TestCustomStepsSplitFIFOFirst(t *testing.T) {
	sec := &Security{
		ID: 1, Symbol: "T", Discipline: Configurable,
		SplitPercentage: 50,
		Steps:           []MatchStep{StepSplitFIFO, StepFIFO},
	}
	b := testBook(sec)

	b1 := limit(sec, Bid, 10, 100)
	b2 := limit(sec, Bid, 10, 100)
	b.AddOrder(b1)
	b.AddOrder(b2)

	ask := limit(sec, Ask, 8, 100)
	b.AddOrder(ask)

	// the split allowance is funded even though no earlier step ran
	qtys, resting := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{4, 4}, qtys)
	require.Equal(t, []uint64{b1.ID(), b1.ID()}, resting)
	require.Equal(t, int64(2), b1.Remaining())
	require.Equal(t, int64(10), b2.Remaining())
}

func TestConfigurableWithoutProRataPass(t *testing.T) {
	sec := &Security{
		ID: 1, Symbol: "T", Discipline: Configurable,
		TopMin: 1, SplitPercentage: 100,
		Steps: []MatchStep{StepTOP, StepLMM, StepSplitFIFO, StepFIFO},
	}
	b := testBook(sec)

	b1 := limit(sec, Bid, 1, 100)
	b2 := lmmLimit(sec, Bid, 10, 100, 30)
	b3 := limit(sec, Bid, 50, 100)
	b.AddOrder(b1)
	b.AddOrder(b2)
	b.AddOrder(b3)

	ask := limit(sec, Ask, 50, 100)
	b.AddOrder(ask)

	qtys, resting := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{1, 10, 39}, qtys)
	require.Equal(t, []uint64{b1.ID(), b2.ID(), b3.ID()}, resting)
	require.Equal(t, int64(11), b3.Remaining())
}

func TestConfigurableWithoutFIFOPass(t *testing.T) {
	sec := &Security{
		ID: 1, Symbol: "T", Discipline: Configurable,
		TopMin: 1, ProRataMin: 2,
		Steps: []MatchStep{StepTOP, StepLMM, StepSplitFIFO, StepProRata, StepLeveling},
	}
	b := testBook(sec)

	b1 := limit(sec, Bid, 1, 100)
	b2 := limit(sec, Bid, 40, 100)
	b3 := limit(sec, Bid, 40, 100)
	b.AddOrder(b1)
	b.AddOrder(b2)
	b.AddOrder(b3)

	ask := limit(sec, Ask, 21, 100)
	b.AddOrder(ask)

	qtys, resting := aggFills(b.Feed(), ask.ID())
	require.Equal(t, []int64{1, 10, 10}, qtys)
	require.Equal(t, []uint64{b1.ID(), b2.ID(), b3.ID()}, resting)
	require.True(t, ask.Filled())
}

func TestQuantityConservation(t *testing.T) {
	sec := &Security{
		ID: 1, Symbol: "T", Discipline: Configurable,
		TopMin: 1, ProRataMin: 2, SplitPercentage: 40,
	}
	b := testBook(sec)

	qtys := []int64{7, 31, 13, 55, 2, 9}
	var rested int64
	orders := make([]*Order, len(qtys))
	for i, q := range qtys {
		orders[i] = limit(sec, Bid, q, 100)
		b.AddOrder(orders[i])
		rested += q
	}

	ask := limit(sec, Ask, 60, 100)
	b.AddOrder(ask)

	fills, _ := aggFills(b.Feed(), ask.ID())
	var sum int64
	for _, q := range fills {
		require.Positive(t, q)
		sum += q
	}
	require.Equal(t, ask.InitialQuantity()-ask.Remaining(), sum)

	var left int64
	for _, o := range orders {
		left += o.Remaining()
	}
	require.Equal(t, rested-sum, left)
	require.Equal(t, left, b.LevelQuantity(Bid, 100))
}
