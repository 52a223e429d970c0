package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookmirror/models"
	"bookmirror/orderbook"
)

// ErrDecode marks a message that could not be decoded into an event.
var ErrDecode = errors.New("decode feed message")

const (
	typeSnapshot      = "snapshot"
	typeL2Update      = "l2update"
	typeSubscriptions = "subscriptions"
	typeError         = "error"
)

// Classify turns one text payload into exactly one event. Unknown message types are
// not an error; they come back as models.Unrecognized.
func Classify(payload []byte) (models.Event, error) {
	var env models.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	switch env.Type {
	case typeSnapshot:
		return decodeSnapshot(payload)
	case typeL2Update:
		return decodeUpdate(payload)
	case typeSubscriptions:
		return models.Ack{}, nil
	case typeError:
		var resp models.ErrorResp
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return models.FeedError{Message: resp.Message, Reason: resp.Reason}, nil
	default:
		return models.Unrecognized{Type: env.Type, Raw: payload}, nil
	}
}

func decodeSnapshot(payload []byte) (models.Snapshot, error) {
	var resp models.SnapshotResp
	if err := json.Unmarshal(payload, &resp); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if resp.Bids == nil || resp.Asks == nil {
		return models.Snapshot{}, fmt.Errorf("%w: snapshot missing bids or asks", ErrDecode)
	}
	bids, clampedBids, err := decodeLevels("bids", resp.Bids)
	if err != nil {
		return models.Snapshot{}, err
	}
	asks, clampedAsks, err := decodeLevels("asks", resp.Asks)
	if err != nil {
		return models.Snapshot{}, err
	}
	snap := models.Snapshot{
		Instrument: resp.ProductID,
		Bids:       bids,
		Asks:       asks,
		Clamped:    clampedBids + clampedAsks,
	}
	if resp.Sequence != nil {
		snap.Sequence = *resp.Sequence
	}
	return snap, nil
}

// decodeLevels trusts snapshot levels as sent, except that a negative price or
// size is loaded as zero.
func decodeLevels(name string, rows [][]string) ([]orderbook.Level, int, error) {
	levels := make([]orderbook.Level, 0, len(rows))
	clamped := 0
	for i, row := range rows {
		if len(row) != 2 {
			return nil, 0, fmt.Errorf("%w: %s[%d] has %d fields, want [price, size]", ErrDecode, name, i, len(row))
		}
		price, err := orderbook.ParsePrice(row[0])
		if errors.Is(err, orderbook.ErrNegative) {
			price, err = orderbook.Price{}, nil
			clamped++
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s[%d]: %v", ErrDecode, name, i, err)
		}
		size, err := orderbook.ParseSize(row[1])
		if errors.Is(err, orderbook.ErrNegative) {
			size, err = orderbook.Size{}, nil
			clamped++
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s[%d]: %v", ErrDecode, name, i, err)
		}
		levels = append(levels, orderbook.Level{Price: price, Size: size})
	}
	return levels, clamped, nil
}

func decodeUpdate(payload []byte) (models.Update, error) {
	var resp models.L2UpdateResp
	if err := json.Unmarshal(payload, &resp); err != nil {
		return models.Update{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if resp.Changes == nil {
		return models.Update{}, fmt.Errorf("%w: l2update missing changes", ErrDecode)
	}

	changes := make([]models.Change, 0, len(resp.Changes))
	for i, row := range resp.Changes {
		if len(row) != 3 {
			return models.Update{}, fmt.Errorf("%w: changes[%d] has %d fields, want [side, price, size]", ErrDecode, i, len(row))
		}
		price, err := orderbook.ParsePrice(row[1])
		if err != nil {
			return models.Update{}, fmt.Errorf("%w: changes[%d]: %v", ErrDecode, i, err)
		}
		size, err := orderbook.ParseSize(row[2])
		if err != nil {
			return models.Update{}, fmt.Errorf("%w: changes[%d]: %v", ErrDecode, i, err)
		}
		changes = append(changes, models.Change{Side: row[0], Price: price, Size: size})
	}

	upd := models.Update{Instrument: resp.ProductID, Changes: changes}
	if resp.Time != "" {
		if ts, err := time.Parse(time.RFC3339Nano, resp.Time); err == nil {
			upd.Time = ts
		} else {
			upd.BadTime = resp.Time
		}
	}
	if resp.Sequence != nil {
		upd.Sequence = *resp.Sequence
	}
	return upd, nil
}
