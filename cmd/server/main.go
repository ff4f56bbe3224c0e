package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meridian/domain/book"
	"meridian/engine"
	"meridian/infra/journal"
	"meridian/infra/outbox"
	"meridian/jobs/broadcast"
)

func main() {
	var (
		journalDir = flag.String("journal", "./data/journal", "command journal directory")
		outboxDir  = flag.String("outbox", "./data/outbox", "outbox directory")
		brokers    = flag.String("brokers", "", "comma-separated Kafka brokers, empty disables broadcast")
		topic      = flag.String("topic", "order-updates", "Kafka topic for order updates")
		demo       = flag.Bool("demo", false, "submit a demonstration flow and print the books")
	)
	flag.Parse()

	securities := map[int]*book.Security{
		1: {ID: 1, Symbol: "MDN-FIFO", Discipline: book.FIFO},
		2: {ID: 2, Symbol: "MDN-LMM", Discipline: book.LMMWithTop, TopMin: 5},
		3: {ID: 3, Symbol: "MDN-PR", Discipline: book.Allocation, TopMin: 5, ProRataMin: 2},
	}

	// ---------------- Journal ----------------

	jnl, err := journal.Open(journal.Config{
		Dir:             *journalDir,
		SegmentSize:     2 * 1024 * 1024,
		SegmentDuration: time.Minute,
	})
	if err != nil {
		log.Fatalf("journal init failed: %v", err)
	}
	defer jnl.Close()

	// ---------------- Outbox ----------------

	ob, err := outbox.Open(*outboxDir)
	if err != nil {
		log.Fatalf("outbox init failed: %v", err)
	}
	defer ob.Close()

	// ---------------- Engine ----------------

	feed := book.NewUpdateFeed()
	feed.Attach(func(u *book.OrderUpdate) {
		payload, err := json.Marshal(u)
		if err != nil {
			log.Printf("[server] encode update: %v", err)
			return
		}
		if _, err := ob.Append(u.OrderID, payload); err != nil {
			log.Printf("[server] stage update: %v", err)
		}
	})

	midnight := time.Now().Truncate(24 * time.Hour).Add(24 * time.Hour)
	eng := engine.New(engine.Config{Feed: feed, NextExpiry: midnight})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	// ---------------- Journal replay ----------------

	replayed := 0
	_, err = journal.Replay(*journalDir, func(rec *journal.Record) error {
		switch rec.Type {
		case journal.RecordSubmit:
			var p journal.SubmitPayload
			if err := json.Unmarshal(rec.Data, &p); err != nil {
				return err
			}
			sec, ok := securities[p.SecurityID]
			if !ok {
				log.Printf("[server] replay: unknown security %d, skipping", p.SecurityID)
				return nil
			}
			eng.Submit(p.Order(sec))
			replayed++
		case journal.RecordCancel:
			var p journal.CancelPayload
			if err := json.Unmarshal(rec.Data, &p); err != nil {
				return err
			}
			eng.Cancel(p.OrderID)
			replayed++
		case journal.RecordModify:
			var p journal.ModifyPayload
			if err := json.Unmarshal(rec.Data, &p); err != nil {
				return err
			}
			mod := engine.Modify{
				OrderID:            p.OrderID,
				ClientOrderID:      p.ClientOrderID,
				Type:               p.Type,
				TimeInForce:        p.TIF,
				Price:              p.Price,
				Quantity:           p.Quantity,
				TriggerPrice:       p.TriggerPrice,
				MinQuantity:        p.MinQuantity,
				DisplayQuantity:    p.DisplayQuantity,
				InFlightMitigation: p.InFlightMitigation,
			}
			if p.Expiration != nil {
				exp := time.Unix(0, *p.Expiration)
				mod.Expiration = &exp
			}
			eng.Modify(mod)
			replayed++
		}
		return nil
	})
	if err != nil {
		log.Fatalf("journal replay failed: %v", err)
	}
	if replayed > 0 {
		log.Printf("[server] replayed %d journalled commands", replayed)
	}

	// ---------------- Broadcast ----------------

	if *brokers != "" {
		bc, err := broadcast.New(ob, strings.Split(*brokers, ","), *topic)
		if err != nil {
			log.Fatalf("broadcaster init failed: %v", err)
		}
		defer bc.Close()
		bc.Start(ctx)
	}

	if *demo {
		runDemo(eng, jnl, securities)
		return
	}

	fmt.Println("meridian matching engine running, ctrl-c to stop")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("[server] shutting down")
}

// submitLogged journals a submit before handing it to the engine, so a
// restart can rebuild the book.
func submitLogged(eng *engine.Engine, jnl *journal.Journal, o *book.Order) {
	data, err := journal.EncodeSubmit(o)
	if err != nil {
		log.Printf("[server] journal encode: %v", err)
	} else if _, err := jnl.Log(journal.RecordSubmit, data); err != nil {
		log.Printf("[server] journal append: %v", err)
	}
	eng.Submit(o)
}

func runDemo(eng *engine.Engine, jnl *journal.Journal, securities map[int]*book.Security) {
	sec := securities[2]

	bids := []struct {
		qty, price, lmm int64
	}{
		{10, 100, 0},
		{10, 100, 20},
		{10, 100, 80},
	}
	var last *book.Order
	for _, b := range bids {
		last = book.NewOrder(book.OrderParams{
			Security:      sec,
			Side:          book.Bid,
			Type:          book.Limit,
			TIF:           book.GTC,
			Price:         b.price,
			Quantity:      b.qty,
			LMMPercentage: b.lmm,
		})
		submitLogged(eng, jnl, last)
	}
	eng.Wait(last.ID())

	ask := book.NewOrder(book.OrderParams{
		Security: sec,
		Side:     book.Ask,
		Type:     book.Limit,
		TIF:      book.GTC,
		Price:    100,
		Quantity: 12,
	})
	submitLogged(eng, jnl, ask)
	eng.Wait(ask.ID())

	bk := eng.Book(sec)
	fmt.Println(bk)
	for _, u := range eng.Feed().Updates(ask.ID()) {
		fmt.Printf("ask update: %s rem=%d\n", u.Status, u.Remaining)
	}
}
