package orderbook

import (
	"errors"
	"fmt"
)

// ErrInvalidSide is returned for a side label or value other than buy/bid or sell/ask.
var ErrInvalidSide = errors.New("invalid side")

// Side identifies one half of the book.
type Side int

const (
	Bid Side = iota + 1
	Ask
)

// ParseSide maps the feed's change labels onto a Side: "buy" is Bid and "sell" is Ask.
func ParseSide(label string) (Side, error) {
	switch label {
	case "buy":
		return Bid, nil
	case "sell":
		return Ask, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, label)
	}
}

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}
