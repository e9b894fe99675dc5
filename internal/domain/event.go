package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventType classifies an exchange-reported order event.
type EventType string

const (
	EventSubmitted    EventType = "submitted"
	EventAcknowledged EventType = "acknowledged"
	EventPartialFill  EventType = "partial_fill"
	EventFilled       EventType = "filled"
	EventCancelled    EventType = "cancelled"
	EventRejected     EventType = "rejected"
	EventExpired      EventType = "expired"
	EventReplaced     EventType = "replaced"
)

// OrderEvent is an immutable, exchange-reported fact about one order. Seq is
// assigned locally by the gateway, monotonically increasing per order; fill
// quantities are already deltas (the gateway converts the exchange's
// cumulative figures before constructing events).
type OrderEvent struct {
	OrderID       string
	ClientOrderID string
	Type          EventType
	Seq           int64
	Time          time.Time

	// Fill fields, set only for partial_fill/filled events.
	FillQty   decimal.Decimal
	FillPrice decimal.Decimal
	FillID    string
}

// Fingerprint returns a stable identity for idempotent application.
func (e *OrderEvent) Fingerprint() string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		e.OrderID,
		string(e.Type),
		strconv.FormatInt(e.Seq, 10),
		e.FillID,
	}, "|")))
	return hex.EncodeToString(h[:])
}

// Fill is a confirmed partial or full execution of an order.
type Fill struct {
	FillID   string
	OrderID  string
	Side     OrderSide
	Quantity decimal.Decimal // always positive
	Price    decimal.Decimal
	Time     time.Time
	IsEntry  bool
}
