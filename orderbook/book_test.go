package orderbook

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func mustPrice(t *testing.T, s string) Price {
	t.Helper()
	p, err := ParsePrice(s)
	if err != nil {
		t.Fatalf("parse price %q: %v", s, err)
	}
	return p
}

func mustSize(t *testing.T, s string) Size {
	t.Helper()
	v, err := ParseSize(s)
	if err != nil {
		t.Fatalf("parse size %q: %v", s, err)
	}
	return v
}

func lvl(t *testing.T, price, size string) Level {
	t.Helper()
	return Level{Price: mustPrice(t, price), Size: mustSize(t, size)}
}

// scenarioBook loads {bids:[(100.00,1.0)], asks:[(101.00,2.0)]}.
func scenarioBook(t *testing.T) *Book {
	t.Helper()
	b := New()
	b.ReplaceFull([]Level{lvl(t, "100.00", "1.0")}, []Level{lvl(t, "101.00", "2.0")})
	return b
}

func TestSnapshotDerivedQuantities(t *testing.T) {
	b := scenarioBook(t)

	bid, ok := b.BestBid()
	if !ok || !bid.Equal(lvl(t, "100", "1")) {
		t.Fatalf("best bid = %+v, %v", bid, ok)
	}
	ask, ok := b.BestAsk()
	if !ok || !ask.Equal(lvl(t, "101", "2")) {
		t.Fatalf("best ask = %+v, %v", ask, ok)
	}
	mid, ok := b.MidPrice()
	if !ok || mid.String() != "100.5" {
		t.Fatalf("mid = %s, %v", mid, ok)
	}
	spread, ok := b.Spread()
	if !ok || math.Abs(spread-(1.0/101.0)) > 1e-12 {
		t.Fatalf("spread = %v, %v", spread, ok)
	}
	if spread < 0.0099 || spread > 0.0100 {
		t.Fatalf("spread %v not ~0.0099", spread)
	}
}

func TestDeleteLastBidEmptiesSide(t *testing.T) {
	b := scenarioBook(t)
	if err := b.ApplyChange(Bid, mustPrice(t, "100.00"), Size{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := b.BestBid(); ok {
		t.Fatal("expected empty bid side")
	}
	if _, ok := b.MidPrice(); ok {
		t.Fatal("mid must be undefined with an empty side")
	}
	if _, ok := b.Spread(); ok {
		t.Fatal("spread must be undefined with an empty side")
	}
}

func TestUpsertOverwritesSize(t *testing.T) {
	b := scenarioBook(t)
	if err := b.ApplyChange(Ask, mustPrice(t, "101.00"), mustSize(t, "3.5")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ask, ok := b.BestAsk()
	if !ok || !ask.Equal(lvl(t, "101", "3.5")) {
		t.Fatalf("best ask = %+v, want overwrite to 3.5", ask)
	}
	if b.Len(Ask) != 1 {
		t.Fatalf("ask levels = %d, want 1", b.Len(Ask))
	}
}

func TestZeroSizeOnMissingLevelIsNoop(t *testing.T) {
	b := scenarioBook(t)
	before := b.Dump()
	if err := b.ApplyChange(Bid, mustPrice(t, "99.00"), Size{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := b.ApplyChange(Ask, mustPrice(t, "150.00"), Size{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !depthEqual(before, b.Dump()) {
		t.Fatalf("book changed: %+v -> %+v", before, b.Dump())
	}
}

func TestApplyChangeRejectsUnknownSide(t *testing.T) {
	b := scenarioBook(t)
	before := b.Dump()
	err := b.ApplyChange(Side(7), mustPrice(t, "100"), mustSize(t, "1"))
	if !errors.Is(err, ErrInvalidSide) {
		t.Fatalf("err = %v, want ErrInvalidSide", err)
	}
	if !depthEqual(before, b.Dump()) {
		t.Fatal("book mutated by rejected change")
	}
}

func TestCrossedBookHasNoDerivedQuantities(t *testing.T) {
	b := New()
	b.ReplaceFull([]Level{lvl(t, "102", "1")}, []Level{lvl(t, "101", "1")})
	if !b.Crossed() {
		t.Fatal("expected crossed book")
	}
	if _, ok := b.MidPrice(); ok {
		t.Fatal("mid must be undefined on a crossed book")
	}
	if _, ok := b.Spread(); ok {
		t.Fatal("spread must be undefined on a crossed book")
	}
	// best levels themselves remain visible
	if _, ok := b.BestBid(); !ok {
		t.Fatal("best bid should still be reported")
	}
}

func TestLockedBookHasZeroSpread(t *testing.T) {
	b := New()
	b.ReplaceFull([]Level{lvl(t, "100", "1")}, []Level{lvl(t, "100", "1")})
	spread, ok := b.Spread()
	if !ok || spread != 0 {
		t.Fatalf("spread = %v, %v", spread, ok)
	}
	mid, ok := b.MidPrice()
	if !ok || mid.String() != "100" {
		t.Fatalf("mid = %s, %v", mid, ok)
	}
}

func TestSpreadUndefinedForZeroAsk(t *testing.T) {
	b := New()
	b.ReplaceFull([]Level{lvl(t, "0", "1")}, []Level{lvl(t, "0", "1")})
	if _, ok := b.Spread(); ok {
		t.Fatal("spread must be undefined for a zero ask price")
	}
}

func TestReplaceFullRoundTrip(t *testing.T) {
	b := New()
	bids := []Level{lvl(t, "99", "1"), lvl(t, "101", "2"), lvl(t, "100", "3"), lvl(t, "101", "4")}
	asks := []Level{lvl(t, "105", "1"), lvl(t, "103", "2"), lvl(t, "104", "3"), lvl(t, "103", "5")}
	b.ReplaceFull(bids, asks)

	want := Depth{
		Bids: []Level{lvl(t, "101", "4"), lvl(t, "100", "3"), lvl(t, "99", "1")},
		Asks: []Level{lvl(t, "103", "5"), lvl(t, "104", "3"), lvl(t, "105", "1")},
	}
	got := b.Dump()
	if !depthEqual(got, want) {
		t.Fatalf("dump = %+v, want %+v", got, want)
	}
	for i := 1; i < len(got.Bids); i++ {
		if got.Bids[i-1].Price.Cmp(got.Bids[i].Price) <= 0 {
			t.Fatalf("bids not strictly descending: %+v", got.Bids)
		}
	}
	for i := 1; i < len(got.Asks); i++ {
		if got.Asks[i-1].Price.Cmp(got.Asks[i].Price) >= 0 {
			t.Fatalf("asks not strictly ascending: %+v", got.Asks)
		}
	}
}

func TestReplaceFullDiscardsPreviousLevels(t *testing.T) {
	b := scenarioBook(t)
	b.ReplaceFull([]Level{lvl(t, "50", "1")}, nil)
	if b.Len(Bid) != 1 || b.Len(Ask) != 0 {
		t.Fatalf("levels after replace: bids=%d asks=%d", b.Len(Bid), b.Len(Ask))
	}
}

func TestReplaceFullKeepsZeroSizeLevels(t *testing.T) {
	b := New()
	b.ReplaceFull([]Level{lvl(t, "10", "0")}, nil)
	bid, ok := b.BestBid()
	if !ok || !bid.Size.IsZero() {
		t.Fatalf("snapshot level must be stored verbatim, got %+v %v", bid, ok)
	}
}

func TestDumpIsACopy(t *testing.T) {
	b := scenarioBook(t)
	d := b.Dump()
	d.Bids[0].Size = mustSize(t, "42")
	if bid, _ := b.BestBid(); bid.Size.Equal(mustSize(t, "42")) {
		t.Fatal("dump aliases internal storage")
	}
}

func TestDepthLimit(t *testing.T) {
	b := New()
	b.ReplaceFull(
		[]Level{lvl(t, "1", "1"), lvl(t, "2", "1"), lvl(t, "3", "1")},
		[]Level{lvl(t, "4", "1"), lvl(t, "5", "1"), lvl(t, "6", "1")},
	)
	d := b.Depth(2)
	if len(d.Bids) != 2 || !d.Bids[0].Price.Equal(mustPrice(t, "3")) || !d.Bids[1].Price.Equal(mustPrice(t, "2")) {
		t.Fatalf("bids = %+v", d.Bids)
	}
	if len(d.Asks) != 2 || !d.Asks[0].Price.Equal(mustPrice(t, "4")) || !d.Asks[1].Price.Equal(mustPrice(t, "5")) {
		t.Fatalf("asks = %+v", d.Asks)
	}
}

func TestIdempotentUpsert(t *testing.T) {
	once := scenarioBook(t)
	twice := scenarioBook(t)
	p, s := mustPrice(t, "99.5"), mustSize(t, "7")
	_ = once.ApplyChange(Bid, p, s)
	_ = twice.ApplyChange(Bid, p, s)
	_ = twice.ApplyChange(Bid, p, s)
	if !depthEqual(once.Dump(), twice.Dump()) {
		t.Fatalf("applying twice differs: %+v vs %+v", once.Dump(), twice.Dump())
	}
}

type change struct {
	side  Side
	price int64
	size  int64
}

func TestRandomChangesMatchReferenceModel(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		changes := make([]change, 200)
		for i := range changes {
			side := Bid
			if rng.Intn(2) == 0 {
				side = Ask
			}
			changes[i] = change{side: side, price: int64(rng.Intn(20) + 1), size: int64(rng.Intn(4))}
		}
		apply := func(b *Book, c change) error {
			return b.ApplyChange(c.side, NewPrice(decimal.NewFromInt(c.price)), NewSize(decimal.NewFromInt(c.size)))
		}

		// one write scope per change vs one scope for the whole batch
		step := NewShared()
		for _, c := range changes {
			step.WithWrite(func(b *Book) {
				if err := apply(b, c); err != nil {
					t.Fatalf("apply: %v", err)
				}
			})
		}
		batch := NewShared()
		batch.WithWrite(func(b *Book) {
			for _, c := range changes {
				_ = apply(b, c)
			}
		})
		if !depthEqual(step.Dump(), batch.Dump()) {
			t.Fatalf("round %d: stepwise and batch application differ", round)
		}

		// reference: last write per (side, price), zero removes
		ref := map[Side]map[int64]int64{Bid: {}, Ask: {}}
		for _, c := range changes {
			if c.size == 0 {
				delete(ref[c.side], c.price)
			} else {
				ref[c.side][c.price] = c.size
			}
		}

		d := step.Dump()
		check := func(side Side, got []Level) {
			if len(got) != len(ref[side]) {
				t.Fatalf("round %d %v: %d levels, want %d", round, side, len(got), len(ref[side]))
			}
			for _, l := range got {
				if l.Size.Decimal().Sign() <= 0 {
					t.Fatalf("stored non-positive level %+v", l)
				}
				want, ok := ref[side][l.Price.Decimal().IntPart()]
				if !ok || !l.Size.Equal(NewSize(decimal.NewFromInt(want))) {
					t.Fatalf("round %d %v: level %+v, want size %v", round, side, l, want)
				}
			}
		}
		check(Bid, d.Bids)
		check(Ask, d.Asks)
	}
}

func depthEqual(a, b Depth) bool {
	return levelsEqual(a.Bids, b.Bids) && levelsEqual(a.Asks, b.Asks)
}

func levelsEqual(a, b []Level) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func TestFarAwayLevelsKeepOrder(t *testing.T) {
	b := New()
	b.ReplaceFull(
		[]Level{lvl(t, "22356.27", "1"), lvl(t, "0.00000000001", "5")},
		[]Level{lvl(t, "1000000000000.00", "0.01"), lvl(t, "22356.28", "2"), lvl(t, "92233720368.54775808", "1")},
	)
	d := b.Dump()
	want := []string{"22356.28", "92233720368.54775808", "1000000000000"}
	for i, w := range want {
		if d.Asks[i].Price.String() != w {
			t.Fatalf("asks[%d] = %s, want %s", i, d.Asks[i].Price, w)
		}
	}
	if d.Bids[1].Price.String() != "0.00000000001" {
		t.Fatalf("bids = %+v", d.Bids)
	}
	spread, ok := b.Spread()
	if !ok || math.Abs(spread-(0.01/22356.28)) > 1e-12 {
		t.Fatalf("spread = %v, %v", spread, ok)
	}
	if err := b.ApplyChange(Ask, mustPrice(t, "1000000000000"), Size{}); err != nil || b.Len(Ask) != 2 {
		t.Fatalf("far ask not removed: %v, %d levels", err, b.Len(Ask))
	}
}
