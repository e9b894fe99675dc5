package domain

// Side is the direction of a position (not of an individual order).
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the reversed position side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// OrderSide represents the side of an order sent to the exchange (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// EntrySide returns the order side that opens a position of the given direction.
func EntrySide(s Side) OrderSide {
	if s == Long {
		return Buy
	}
	return Sell
}

// ExitSide returns the order side that reduces a position of the given direction.
func ExitSide(s Side) OrderSide {
	if s == Long {
		return Sell
	}
	return Buy
}

// PositionState is the lifecycle state of a managed position.
type PositionState string

const (
	StatePending       PositionState = "pending"        // entry submitted, no fill yet
	StateOpen          PositionState = "open"           // at least one entry fill
	StateProtected     PositionState = "protected"      // open with a live stop order
	StatePartial       PositionState = "partial"        // partially exited, still exposed
	StateExitPending   PositionState = "exit_pending"   // exit order in flight
	StateCancelPending PositionState = "cancel_pending" // cancel request in flight
	StateClosed        PositionState = "closed"
	StateCancelled     PositionState = "cancelled" // entry never filled
	StateError         PositionState = "error"     // reconciliation contradiction
	StateOrphaned      PositionState = "orphaned"  // exchange no longer confirms exposure
)

// IsTerminal reports whether the state is final. Terminal positions are never
// mutated again; they are only evicted from closed history after retention.
func (s PositionState) IsTerminal() bool {
	switch s {
	case StateClosed, StateCancelled, StateError, StateOrphaned:
		return true
	}
	return false
}

// IsInFlight reports whether an order for this position is currently in
// transit to or from the exchange. No protective action other than the
// absolute stop-hit check runs while in flight.
func (s PositionState) IsInFlight() bool {
	switch s {
	case StatePending, StateExitPending, StateCancelPending:
		return true
	}
	return false
}

// ExitReason indicates why a position was (or is being) closed.
type ExitReason string

const (
	ExitReasonStopLoss           ExitReason = "stop_loss"
	ExitReasonTrailingStop       ExitReason = "trailing_stop"
	ExitReasonTakeProfit1        ExitReason = "take_profit_1"
	ExitReasonTakeProfit2        ExitReason = "take_profit_2"
	ExitReasonFinalTarget        ExitReason = "take_profit_final"
	ExitReasonPremiseInvalidated ExitReason = "premise_invalidation"
	ExitReasonReversal           ExitReason = "direction_reversal"
	ExitReasonKillSwitch         ExitReason = "kill_switch"
	ExitReasonManual             ExitReason = "manual"
	ExitReasonReconciliation     ExitReason = "reconciliation"
	ExitReasonOrphanFlatten      ExitReason = "orphan_flatten"
	ExitReasonProtection         ExitReason = "protection_fallback"
	ExitReasonExitTimeout        ExitReason = "exit_timeout"
)

// SetupKind distinguishes tight from wide trade setups. Tight setups demand an
// explicit market-structure confirmation before the stop moves to break-even.
type SetupKind string

const (
	SetupTight SetupKind = "tight"
	SetupWide  SetupKind = "wide"
)

// ParseSetupKind maps a free-form setup tag onto the closed set. Unknown tags
// fall back to tight, the stricter break-even behavior.
func ParseSetupKind(tag string) SetupKind {
	if SetupKind(tag) == SetupWide {
		return SetupWide
	}
	return SetupTight
}
