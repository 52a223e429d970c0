// Package orderbook holds the local replica of one instrument's price-level book.
//
// A Book is not safe for concurrent use; share it through Shared, which serializes
// the single feed writer against any number of readers.
package orderbook

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Level is one resting price level.
type Level struct {
	Price Price `json:"price"`
	Size  Size  `json:"size"`
}

// Equal reports whether both levels have numerically equal price and size.
func (l Level) Equal(o Level) bool {
	return l.Price.Equal(o.Price) && l.Size.Equal(o.Size)
}

// Depth is an ordered copy of both sides: bids best (highest) first, asks best (lowest) first.
type Depth struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Quote is the top of the book. A missing side is reported through HasBid / HasAsk.
type Quote struct {
	Bid    Level `json:"bid"`
	Ask    Level `json:"ask"`
	HasBid bool  `json:"has_bid"`
	HasAsk bool  `json:"has_ask"`
}

// Equal reports whether two quotes show the same top of book.
func (q Quote) Equal(o Quote) bool {
	return q.HasBid == o.HasBid && q.HasAsk == o.HasAsk && q.Bid.Equal(o.Bid) && q.Ask.Equal(o.Ask)
}

// Book keeps each side as a price-ascending slice of unique prices.
type Book struct {
	bids ladder
	asks ladder
}

// New returns an empty book.
func New() *Book {
	return &Book{}
}

// ReplaceFull discards both sides and loads the snapshot levels verbatim.
// Duplicate prices keep the last size seen.
func (b *Book) ReplaceFull(bids, asks []Level) {
	b.bids.reset(bids)
	b.asks.reset(asks)
}

// ApplyChange applies one incremental entry. A zero size removes the level at price,
// any other size inserts or overwrites it.
func (b *Book) ApplyChange(side Side, price Price, size Size) error {
	l, err := b.side(side)
	if err != nil {
		return err
	}
	if size.IsZero() {
		l.remove(price)
		return nil
	}
	l.upsert(Level{Price: price, Size: size})
	return nil
}

// BestBid returns the highest-priced bid.
func (b *Book) BestBid() (Level, bool) {
	n := len(b.bids.levels)
	if n == 0 {
		return Level{}, false
	}
	return b.bids.levels[n-1], true
}

// BestAsk returns the lowest-priced ask.
func (b *Book) BestAsk() (Level, bool) {
	if len(b.asks.levels) == 0 {
		return Level{}, false
	}
	return b.asks.levels[0], true
}

// Top returns both best levels at once.
func (b *Book) Top() Quote {
	var q Quote
	q.Bid, q.HasBid = b.BestBid()
	q.Ask, q.HasAsk = b.BestAsk()
	return q
}

// Crossed reports whether the best bid is above the best ask.
func (b *Book) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	return okBid && okAsk && bid.Price.Cmp(ask.Price) > 0
}

// MidPrice is (best ask + best bid) / 2. It is undefined when either side is empty
// or the book is crossed.
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	bid, ask, ok := b.touch()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Price.Decimal().Add(ask.Price.Decimal()).Div(decimal.NewFromInt(2)), true
}

// Spread is (best ask - best bid) / best ask as a fraction; multiply by 100 for percent.
// Same preconditions as MidPrice, and undefined for a zero ask price.
func (b *Book) Spread() (float64, bool) {
	bid, ask, ok := b.touch()
	if !ok || ask.Price.IsZero() {
		return 0, false
	}
	a := ask.Price.Decimal()
	return a.Sub(bid.Price.Decimal()).Div(a).InexactFloat64(), true
}

func (b *Book) touch() (Level, Level, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk || bid.Price.Cmp(ask.Price) > 0 {
		return Level{}, Level{}, false
	}
	return bid, ask, true
}

// Dump copies both sides in best-to-worst order.
func (b *Book) Dump() Depth {
	return b.Depth(0)
}

// Depth is Dump truncated to at most limit levels per side; limit <= 0 means all levels.
func (b *Book) Depth(limit int) Depth {
	return Depth{
		Bids: b.bids.descending(limit),
		Asks: b.asks.ascending(limit),
	}
}

// Len returns the number of levels stored on side.
func (b *Book) Len(side Side) int {
	l, err := b.side(side)
	if err != nil {
		return 0
	}
	return len(l.levels)
}

func (b *Book) side(side Side) (*ladder, error) {
	switch side {
	case Bid:
		return &b.bids, nil
	case Ask:
		return &b.asks, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidSide, side)
	}
}

// ladder is one side of the book, ascending by price.
type ladder struct {
	levels []Level
}

func (l *ladder) search(price Price) (int, bool) {
	i := sort.Search(len(l.levels), func(i int) bool { return l.levels[i].Price.Cmp(price) >= 0 })
	return i, i < len(l.levels) && l.levels[i].Price.Equal(price)
}

func (l *ladder) upsert(lvl Level) {
	i, found := l.search(lvl.Price)
	if found {
		l.levels[i].Size = lvl.Size
		return
	}
	l.levels = append(l.levels, Level{})
	copy(l.levels[i+1:], l.levels[i:])
	l.levels[i] = lvl
}

func (l *ladder) remove(price Price) {
	i, found := l.search(price)
	if !found {
		return
	}
	l.levels = append(l.levels[:i], l.levels[i+1:]...)
}

// reset loads levels in price order. Equal prices keep the size seen last.
func (l *ladder) reset(levels []Level) {
	sorted := make([]Level, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Price.Cmp(sorted[j].Price) < 0 })

	out := make([]Level, 0, len(sorted))
	for _, lvl := range sorted {
		if n := len(out); n > 0 && out[n-1].Price.Equal(lvl.Price) {
			out[n-1].Size = lvl.Size
			continue
		}
		out = append(out, lvl)
	}
	l.levels = out
}

func (l *ladder) ascending(limit int) []Level {
	n := len(l.levels)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Level, n)
	copy(out, l.levels[:n])
	return out
}

func (l *ladder) descending(limit int) []Level {
	n := len(l.levels)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Level, 0, n)
	for i := len(l.levels) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.levels[i])
	}
	return out
}
