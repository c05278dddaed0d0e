package model

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Side tags an order as resting on the buy or sell side of the book.
// The side is always carried explicitly; size is always unsigned. Some
// indexer deployments still encode side as the sign of the size field,
// which Normalize folds into this tag.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return fmt.Sprintf("side(%d)", uint8(s))
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Order is the canonical in-memory representation of a resting order.
// ID doubles as the on-chain order handle. Price and Size are fixed-point
// base-unit integers; floats are never used for order arithmetic.
type Order struct {
	ID        common.Hash
	Trader    common.Address
	Asset     common.Address
	Side      Side
	Price     *big.Int
	Size      *big.Int // remaining tradable amount, always >= 0
	CreatedAt int64    // unix seconds, time-priority key
}

// Filled reports whether the order has no remaining size.
func (o *Order) Filled() bool {
	return o.Size.Sign() == 0
}

// IndexerOrder is the raw record shape delivered by the GraphQL indexer,
// all values string-typed as they appear on the wire.
type IndexerOrder struct {
	ID        string `json:"id"`
	Trader    string `json:"trader"`
	Asset     string `json:"asset"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	OrderType string `json:"order_type"`
	Timestamp string `json:"timestamp"`
}

// Normalize parses an indexer record into a canonical Order. A negative
// size (legacy sign-encoded side) is mapped to Sell with the absolute
// value; an explicit order_type field, when present, wins. Errors cover
// exactly one record so a single bad row never aborts a whole fetch.
func (raw IndexerOrder) Normalize() (*Order, error) {
	if raw.ID == "" {
		return nil, fmt.Errorf("order has no id")
	}

	price, ok := new(big.Int).SetString(raw.Price, 10)
	if !ok {
		return nil, fmt.Errorf("order %s: bad price %q", raw.ID, raw.Price)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("order %s: non-positive price %q", raw.ID, raw.Price)
	}

	size, ok := new(big.Int).SetString(raw.Size, 10)
	if !ok {
		return nil, fmt.Errorf("order %s: bad size %q", raw.ID, raw.Size)
	}

	var side Side
	switch strings.ToLower(raw.OrderType) {
	case "buy":
		side = Buy
	case "sell":
		side = Sell
	case "":
		// Legacy feeds omit order_type and encode side as the sign of size.
		if size.Sign() < 0 {
			side = Sell
		} else {
			side = Buy
		}
	default:
		return nil, fmt.Errorf("order %s: unknown order_type %q", raw.ID, raw.OrderType)
	}
	size.Abs(size)

	createdAt, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", raw.ID, err)
	}

	return &Order{
		ID:        common.HexToHash(raw.ID),
		Trader:    common.HexToAddress(raw.Trader),
		Asset:     common.HexToAddress(raw.Asset),
		Side:      side,
		Price:     price,
		Size:      size,
		CreatedAt: createdAt,
	}, nil
}

// parseTimestamp accepts RFC3339 (indexer db timestamps) or raw unix seconds.
func parseTimestamp(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	var unix int64
	if _, err := fmt.Sscanf(s, "%d", &unix); err == nil {
		return unix, nil
	}
	return 0, fmt.Errorf("bad timestamp %q", s)
}
