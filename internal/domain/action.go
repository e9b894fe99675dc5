package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ActionType enumerates the order operations the gateway can execute.
type ActionType string

const (
	ActionOpen          ActionType = "open"
	ActionCloseFull     ActionType = "close_full"
	ActionClosePartial  ActionType = "close_partial"
	ActionPlaceStop     ActionType = "place_stop"
	ActionUpdateStop    ActionType = "update_stop"
	ActionCancelStop    ActionType = "cancel_stop"
	ActionFlattenOrphan ActionType = "flatten_orphan"
)

// Action is one unit of work for the execution gateway. Close and stop
// actions are always reduce-only on the exchange side.
type Action struct {
	Type       ActionType
	PositionID string
	Symbol     string
	Side       OrderSide       // order side to submit
	Quantity   decimal.Decimal // zero for cancel/flatten
	StopPrice  decimal.Decimal // stop actions only
	OrderID    string          // cancel actions only: the order to cancel
	Reason     ExitReason      // exit actions only
}

// IntentStatus tracks the life of a write-ahead action intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSent      IntentStatus = "sent"
	IntentCompleted IntentStatus = "completed"
	IntentFailed    IntentStatus = "failed"
)

// ActionIntent is the durable "about to send this order" record written and
// flushed before the corresponding network call begins.
type ActionIntent struct {
	ID              string
	PositionID      string
	Symbol          string
	Action          ActionType
	ClientOrderID   string
	Detail          string
	Status          IntentStatus
	ExchangeOrderID string
	FailReason      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewActionIntent builds a pending intent for an action, assigning the client
// order id the gateway will submit with.
func NewActionIntent(a Action, now time.Time) *ActionIntent {
	return &ActionIntent{
		ID:            uuid.NewString(),
		PositionID:    a.PositionID,
		Symbol:        NormalizeSymbol(a.Symbol),
		Action:        a.Type,
		ClientOrderID: "pe-" + uuid.NewString(),
		Detail:        fmt.Sprintf("%s %s qty=%s stop=%s", a.Side, a.Symbol, a.Quantity, a.StopPrice),
		Status:        IntentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AuditKind labels a reconciliation adjustment in the audit trail.
type AuditKind string

const (
	AuditOrphaned      AuditKind = "orphaned"
	AuditAdopted       AuditKind = "adopted"
	AuditConvergeEntry AuditKind = "converge_entry"
	AuditConvergeExit  AuditKind = "converge_exit"
	AuditPhantom       AuditKind = "phantom"
	AuditRepair        AuditKind = "startup_repair"
)

// AuditEntry is one append-only reconciliation adjustment. Its fingerprint is
// content-derived so that repeated passes over the same discrepancy write at
// most one row.
type AuditEntry struct {
	Fingerprint string
	Symbol      string
	Kind        AuditKind
	LocalQty    decimal.Decimal
	ExchangeQty decimal.Decimal
	Detail      string
	Time        time.Time
}

// NewAuditEntry derives the fingerprint from the discrepancy itself, not from
// the observation time.
func NewAuditEntry(kind AuditKind, symbol string, localQty, exchangeQty decimal.Decimal, detail string, now time.Time) AuditEntry {
	sym := NormalizeSymbol(symbol)
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s", kind, sym, localQty, exchangeQty, detail)))
	return AuditEntry{
		Fingerprint: hex.EncodeToString(h[:]),
		Symbol:      sym,
		Kind:        kind,
		LocalQty:    localQty,
		ExchangeQty: exchangeQty,
		Detail:      detail,
		Time:        now,
	}
}
