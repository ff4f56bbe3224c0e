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

	"github.com/segmentio/kafka-go"

	"meridian/domain/book"
)

// feed tails the order-update topic and renders each update, a small
// consumer for watching the engine from the outside.
func main() {
	var (
		brokers = flag.String("brokers", "localhost:9092", "comma-separated Kafka brokers")
		topic   = flag.String("topic", "order-updates", "topic to tail")
		group   = flag.String("group", "meridian-feed", "consumer group id")
	)
	flag.Parse()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		GroupID: *group,
	})
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	log.Printf("[feed] tailing %s on %s", *topic, *brokers)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[feed] read: %v", err)
			continue
		}

		var u book.OrderUpdate
		if err := json.Unmarshal(msg.Value, &u); err != nil {
			log.Printf("[feed] decode: %v", err)
			continue
		}

		fmt.Printf("order %d %s rem=%d", u.OrderID, u.Status, u.Remaining)
		for _, m := range u.Matches {
			fmt.Printf(" [%d@%d vs %d]", m.Quantity, m.Price, m.RestingOrderID)
		}
		fmt.Println()
	}
}
