package models

import (
	"time"

	"bookmirror/orderbook"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// TRANSPORT /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// RawFeedMessage wraps one text frame read from the feed websocket.
type RawFeedMessage struct {
	Session   string
	Data      []byte
	Timestamp time.Time
}

// SubscribeRequest is the level2 subscription sent right after connecting.
type SubscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// WIRE ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Envelope carries the fields shared by every feed message.
//
//	{"type":"l2update","product_id":"BTC-USD",...}
type Envelope struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
}

// SnapshotResp mirrors the full-book message.
//
//	{"type":"snapshot","product_id":"BTC-USD","bids":[["10101.10","0.45054140"]],"asks":[["10102.55","0.57753524"]]}
type SnapshotResp struct {
	ProductID string     `json:"product_id"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Sequence  *int64     `json:"sequence,omitempty"`
}

// L2UpdateResp mirrors the incremental-change message. Each change is [side, price, size].
//
//	{"type":"l2update","product_id":"BTC-USD","changes":[["buy","22356.270000","0.00000000"]],"time":"2022-08-04T15:25:05.010758Z"}
type L2UpdateResp struct {
	ProductID string     `json:"product_id"`
	Changes   [][]string `json:"changes"`
	Time      string     `json:"time"`
	Sequence  *int64     `json:"sequence,omitempty"`
}

// ErrorResp is sent by the exchange when a request is refused.
type ErrorResp struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// EVENTS //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Event is one classified feed message: Snapshot, Update, Ack, FeedError or Unrecognized.
type Event interface {
	Kind() string
}

// Snapshot replaces the whole book. Clamped counts levels whose negative price or
// size was loaded as zero.
type Snapshot struct {
	Instrument string
	Bids       []orderbook.Level
	Asks       []orderbook.Level
	Sequence   int64
	Clamped    int
}

// Change is one incremental entry. Side keeps the feed label so a bad label can be
// rejected for this entry alone.
type Change struct {
	Side  string
	Price orderbook.Price
	Size  orderbook.Size
}

// Update carries incremental changes in feed order. BadTime holds a time field
// that did not parse; Time is then zero.
type Update struct {
	Instrument string
	Changes    []Change
	Time       time.Time
	BadTime    string
	Sequence   int64
}

// Ack acknowledges a subscription.
type Ack struct{}

// FeedError is an error message pushed by the exchange.
type FeedError struct {
	Message string
	Reason  string
}

// Unrecognized holds any message with an unknown type.
type Unrecognized struct {
	Type string
	Raw  []byte
}

func (Snapshot) Kind() string     { return "snapshot" }
func (Update) Kind() string       { return "l2update" }
func (Ack) Kind() string          { return "subscriptions" }
func (FeedError) Kind() string    { return "error" }
func (Unrecognized) Kind() string { return "unrecognized" }

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// QUOTES //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// QuoteUpdate is emitted whenever an applied message moves the top of the book.
type QuoteUpdate struct {
	Instrument string          `json:"instrument"`
	Quote      orderbook.Quote `json:"quote"`
	Sequence   int64           `json:"sequence,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
