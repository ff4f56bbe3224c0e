package journal

import (
	"encoding/json"
	"time"

	"meridian/domain/book"
)

type RecordType uint8

const (
	RecordSubmit RecordType = iota
	RecordCancel
	RecordModify
)

// Record is one journalled command. Data is the JSON payload for the
// record type.
type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(t RecordType, seq uint64, data []byte) *Record {
	return &Record{
		Type: t,
		Seq:  seq,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}

// SubmitPayload captures enough of an order to rebuild it on replay.
type SubmitPayload struct {
	ClientOrderID   string           `json:"client_order_id"`
	SecurityID      int              `json:"security_id"`
	Side            book.Side        `json:"side"`
	Type            book.OrderType   `json:"type"`
	TIF             book.TimeInForce `json:"tif"`
	Price           int64            `json:"price"`
	Quantity        int64            `json:"quantity"`
	TriggerPrice    int64            `json:"trigger_price,omitempty"`
	MinQuantity     int64            `json:"min_quantity,omitempty"`
	DisplayQuantity int64            `json:"display_quantity,omitempty"`
	LMMPercentage   int64            `json:"lmm_percentage,omitempty"`
	Expiration      int64            `json:"expiration,omitempty"`
}

type CancelPayload struct {
	OrderID uint64 `json:"order_id"`
}

type ModifyPayload struct {
	OrderID            uint64            `json:"order_id"`
	ClientOrderID      *string           `json:"client_order_id,omitempty"`
	Type               *book.OrderType   `json:"type,omitempty"`
	TIF                *book.TimeInForce `json:"tif,omitempty"`
	Price              *int64            `json:"price,omitempty"`
	Quantity           *int64            `json:"quantity,omitempty"`
	TriggerPrice       *int64            `json:"trigger_price,omitempty"`
	MinQuantity        *int64            `json:"min_quantity,omitempty"`
	DisplayQuantity    *int64            `json:"display_quantity,omitempty"`
	Expiration         *int64            `json:"expiration,omitempty"`
	InFlightMitigation bool              `json:"ifm,omitempty"`
}

func EncodeSubmit(o *book.Order) ([]byte, error) {
	var exp int64
	if !o.Expiration().IsZero() {
		exp = o.Expiration().UnixNano()
	}
	return json.Marshal(SubmitPayload{
		ClientOrderID:   o.ClientOrderID(),
		SecurityID:      o.Security().ID,
		Side:            o.Side(),
		Type:            o.Type(),
		TIF:             o.TIF(),
		Price:           o.Price(),
		Quantity:        o.InitialQuantity(),
		TriggerPrice:    o.TriggerPrice(),
		MinQuantity:     o.MinQuantity(),
		DisplayQuantity: o.DisplayQuantity(),
		LMMPercentage:   o.LMMPercentage(),
		Expiration:      exp,
	})
}

// Order rebuilds a submit payload into a fresh order against the given
// security. The replayed order gets a new id; client order ids are the
// stable handle across restarts.
func (p *SubmitPayload) Order(sec *book.Security) *book.Order {
	var exp time.Time
	if p.Expiration != 0 {
		exp = time.Unix(0, p.Expiration)
	}
	return book.NewOrder(book.OrderParams{
		ClientOrderID:   p.ClientOrderID,
		Security:        sec,
		Side:            p.Side,
		Type:            p.Type,
		TIF:             p.TIF,
		Price:           p.Price,
		Quantity:        p.Quantity,
		TriggerPrice:    p.TriggerPrice,
		MinQuantity:     p.MinQuantity,
		DisplayQuantity: p.DisplayQuantity,
		LMMPercentage:   p.LMMPercentage,
		Expiration:      exp,
	})
}
