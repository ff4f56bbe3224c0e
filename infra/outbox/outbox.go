package outbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

// State tracks how far an outbox entry has travelled.
type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Record is one durable notification awaiting broadcast.
type Record struct {
	Seq         uint64
	OrderID     uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

// binary encoding: [state:1][retries:4][lastAttempt:8][orderID:8][payload]
func encodeRecord(r *Record) []byte {
	buf := make([]byte, 1+4+8+8+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	binary.BigEndian.PutUint64(buf[13:21], r.OrderID)
	copy(buf[21:], r.Payload)
	return buf
}

func decodeRecord(seq uint64, b []byte) (*Record, error) {
	if len(b) < 21 {
		return nil, errors.New("outbox: record too short")
	}
	return &Record{
		Seq:         seq,
		OrderID:     binary.BigEndian.Uint64(b[13:21]),
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     append([]byte(nil), b[21:]...),
	}, nil
}

// Outbox is the durable staging area between the matching goroutine
// and the broadcaster. Entries move NEW -> SENT -> ACKED and are
// removed once acked.
type Outbox struct {
	db      *pebble.DB
	nextSeq atomic.Uint64
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // durability over write latency
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: open: %w", err)
	}
	o := &Outbox{db: db}

	// resume the sequence from whatever survived the last run
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("update/"),
		UpperBound: []byte("update/~"),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if iter.Last() && iter.Valid() {
		if seq, err := parseKey(iter.Key()); err == nil {
			o.nextSeq.Store(seq)
		}
	}
	if err := iter.Close(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

func (o *Outbox) Close() error { return o.db.Close() }

// Append stages a new entry and returns its sequence.
func (o *Outbox) Append(orderID uint64, payload []byte) (uint64, error) {
	seq := o.nextSeq.Add(1)
	rec := &Record{
		Seq:     seq,
		OrderID: orderID,
		State:   StateNew,
		Payload: payload,
	}
	if err := o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync); err != nil {
		return 0, fmt.Errorf("outbox: append: %w", err)
	}
	return seq, nil
}

func (o *Outbox) Get(seq uint64) (*Record, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeRecord(seq, val)
}

// MarkSent flags an entry as handed to the transport.
func (o *Outbox) MarkSent(seq uint64) error { return o.setState(seq, StateSent, 0) }

// MarkAcked removes the entry; the transport has it.
func (o *Outbox) MarkAcked(seq uint64) error {
	return o.db.Delete(keyFor(seq), pebble.Sync)
}

// MarkFailed counts a delivery failure and leaves the entry pending.
func (o *Outbox) MarkFailed(seq uint64, retries uint32) error {
	return o.setState(seq, StateFailed, retries)
}

func (o *Outbox) setState(seq uint64, state State, retries uint32) error {
	rec, err := o.Get(seq)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = time.Now().UnixNano()
	return o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

// ScanPending streams every entry not yet acked, oldest first.
func (o *Outbox) ScanPending(fn func(*Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("update/"),
		UpperBound: []byte("update/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return err
		}
		if rec.State == StateAcked {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("update/%020d", seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte("update/"))), "%d", &seq)
	return seq, err
}
