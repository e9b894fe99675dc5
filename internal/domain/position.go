package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrTerminalPosition is returned when mutating a position in a terminal state.
	ErrTerminalPosition = errors.New("position is terminal")
	// ErrStopMoveRejected is returned for a stop update that would move the
	// stop away from profit or below/above its initial level.
	ErrStopMoveRejected = errors.New("stop move rejected")
	// ErrInvalidStop is returned for a non-positive or wrong-sided stop price.
	ErrInvalidStop = errors.New("invalid stop price")
)

// ManagedPosition is the local state machine for one exchange position.
// It is not safe for concurrent use; the registry serializes access.
type ManagedPosition struct {
	ID     string
	Symbol string
	Side   Side

	// Entry parameters, locked once the entry is acknowledged.
	InitialSize       decimal.Decimal
	InitialEntryPrice decimal.Decimal
	InitialStopPrice  decimal.Decimal
	TP1Price          decimal.Decimal // zero means unset
	TP2Price          decimal.Decimal // zero means unset
	FinalTarget       decimal.Decimal // zero means unset
	Setup             SetupKind

	State       PositionState
	CurrentStop decimal.Decimal

	EntryAcked         bool
	TP1Filled          bool
	TP2Filled          bool
	BreakEvenTriggered bool
	TrailingActive     bool
	IntentConfirmed    bool

	// Tracked exchange order ids. The entry order is additionally matched by
	// client order id because the two appear interchangeably across event
	// sources.
	EntryOrderID       string
	EntryClientOrderID string
	StopOrderID        string
	TP1OrderID         string
	TP2OrderID         string
	PendingExitOrderID string

	EntryFills []Fill
	ExitFills  []Fill

	ExitReason ExitReason
	ExitTime   time.Time
	CreatedAt  time.Time

	processed map[string]struct{}
}

// PositionParams carries the immutable entry parameters for a new position.
type PositionParams struct {
	Symbol      string
	Side        Side
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TP1Price    decimal.Decimal
	TP2Price    decimal.Decimal
	FinalTarget decimal.Decimal
	Setup       SetupKind
}

// NewManagedPosition creates a position in the pending state. The stop must be
// on the protective side of the entry price for the requested direction.
func NewManagedPosition(p PositionParams, now time.Time) (*ManagedPosition, error) {
	if p.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if p.Side != Long && p.Side != Short {
		return nil, fmt.Errorf("side must be long or short, got %q", p.Side)
	}
	if !p.Size.IsPositive() {
		return nil, fmt.Errorf("size must be positive, got %s", p.Size)
	}
	if !p.EntryPrice.IsPositive() || !p.StopPrice.IsPositive() {
		return nil, fmt.Errorf("%w: entry=%s stop=%s", ErrInvalidStop, p.EntryPrice, p.StopPrice)
	}
	if p.Side == Long && !p.StopPrice.LessThan(p.EntryPrice) {
		return nil, fmt.Errorf("%w: long stop %s must be below entry %s", ErrInvalidStop, p.StopPrice, p.EntryPrice)
	}
	if p.Side == Short && !p.StopPrice.GreaterThan(p.EntryPrice) {
		return nil, fmt.Errorf("%w: short stop %s must be above entry %s", ErrInvalidStop, p.StopPrice, p.EntryPrice)
	}
	setup := p.Setup
	if setup == "" {
		setup = SetupTight
	}
	return &ManagedPosition{
		ID:                uuid.NewString(),
		Symbol:            NormalizeSymbol(p.Symbol),
		Side:              p.Side,
		InitialSize:       p.Size,
		InitialEntryPrice: p.EntryPrice,
		InitialStopPrice:  p.StopPrice,
		TP1Price:          p.TP1Price,
		TP2Price:          p.TP2Price,
		FinalTarget:       p.FinalTarget,
		Setup:             setup,
		State:             StatePending,
		CurrentStop:       p.StopPrice,
		CreatedAt:         now,
		processed:         make(map[string]struct{}),
	}, nil
}

// --- Derived fill state (recomputed on demand, never stored) ---

// FilledEntryQty is the sum of entry fill quantities.
func (p *ManagedPosition) FilledEntryQty() decimal.Decimal {
	total := decimal.Zero
	for _, f := range p.EntryFills {
		total = total.Add(f.Quantity)
	}
	return total
}

// FilledExitQty is the sum of exit fill quantities.
func (p *ManagedPosition) FilledExitQty() decimal.Decimal {
	total := decimal.Zero
	for _, f := range p.ExitFills {
		total = total.Add(f.Quantity)
	}
	return total
}

// RemainingQty is filled entry minus filled exit quantity. A negative value is
// a data-integrity error, never a recoverable condition.
func (p *ManagedPosition) RemainingQty() decimal.Decimal {
	rem := p.FilledEntryQty().Sub(p.FilledExitQty())
	if rem.IsNegative() {
		violate("negative remaining quantity %s for position %s (%s)", rem, p.ID, p.Symbol)
	}
	return rem
}

// AvgEntryPrice is the quantity-weighted mean of entry fills, or zero when no
// entry has filled yet.
func (p *ManagedPosition) AvgEntryPrice() decimal.Decimal {
	qty := p.FilledEntryQty()
	if qty.IsZero() {
		return decimal.Zero
	}
	notional := decimal.Zero
	for _, f := range p.EntryFills {
		notional = notional.Add(f.Quantity.Mul(f.Price))
	}
	return notional.Div(qty)
}

// --- Event application ---

// ApplyResult reports what an event application changed, so the gateway can
// derive follow-up actions.
type ApplyResult struct {
	Changed        bool
	Duplicate      bool
	FirstEntryFill bool
	Closed         bool
	EntryCancelled bool
	ExitReverted   bool
}

// ApplyOrderEvent is the only mutator of derived fill state. Applying an event
// whose fingerprint has already been recorded is a no-op.
func (p *ManagedPosition) ApplyOrderEvent(ev *OrderEvent) ApplyResult {
	fp := ev.Fingerprint()
	if p.processed == nil {
		p.processed = make(map[string]struct{})
	}
	if _, seen := p.processed[fp]; seen {
		return ApplyResult{Duplicate: true}
	}

	var res ApplyResult
	switch ev.Type {
	case EventSubmitted, EventAcknowledged:
		res = p.applyAck(ev)
	case EventPartialFill, EventFilled:
		if ev.FillQty.IsPositive() {
			res = p.applyFill(ev)
		}
		if ev.Type == EventFilled {
			if p.markTargetOrderDone(ev.OrderID) {
				res.Changed = true
			}
		}
	case EventCancelled, EventExpired:
		res = p.applyCancel(ev)
	case EventRejected:
		res = p.applyReject(ev)
	case EventReplaced:
		// Stop replacement bookkeeping happens in the replacer; the event is
		// only recorded for idempotency.
	}

	p.processed[fp] = struct{}{}
	return res
}

func (p *ManagedPosition) applyAck(ev *OrderEvent) ApplyResult {
	var res ApplyResult
	if p.matchesEntry(ev) {
		if !p.EntryAcked {
			p.EntryAcked = true
			res.Changed = true
		}
		return res
	}
	if p.StopOrderID != "" && ev.OrderID == p.StopOrderID && p.State == StateOpen {
		p.State = StateProtected
		res.Changed = true
	}
	return res
}

func (p *ManagedPosition) applyFill(ev *OrderEvent) ApplyResult {
	var res ApplyResult
	fill := Fill{
		FillID:   ev.FillID,
		OrderID:  ev.OrderID,
		Quantity: ev.FillQty,
		Price:    ev.FillPrice,
		Time:     ev.Time,
	}
	if fill.FillID == "" {
		fill.FillID = uuid.NewString()
	}

	if p.matchesEntry(ev) {
		fill.IsEntry = true
		fill.Side = EntrySide(p.Side)
		p.EntryFills = append(p.EntryFills, fill)
		res.Changed = true
		if !p.EntryAcked {
			p.EntryAcked = true
		}
		if p.State == StatePending {
			p.State = StateOpen
			res.FirstEntryFill = len(p.EntryFills) == 1
		}
		return res
	}

	source := p.exitOrderSource(ev.OrderID)
	if source == "" {
		// Not one of our tracked orders; recorded for idempotency only.
		return res
	}

	fill.IsEntry = false
	fill.Side = ExitSide(p.Side)
	p.ExitFills = append(p.ExitFills, fill)
	res.Changed = true

	if p.ExitReason == "" {
		p.ExitReason = p.defaultExitReason(source)
	}

	rem := p.RemainingQty()
	if rem.IsZero() && len(p.ExitFills) > 0 {
		p.State = StateClosed
		p.ExitTime = ev.Time
		res.Closed = true
		return res
	}
	// Still exposed after a partial exit from an exchange-resident order.
	if source != "exit" && (p.State == StateOpen || p.State == StateProtected) {
		p.State = StatePartial
	}
	return res
}

func (p *ManagedPosition) applyCancel(ev *OrderEvent) ApplyResult {
	var res ApplyResult
	switch {
	case p.matchesEntry(ev):
		if !p.State.IsTerminal() && p.State == StatePending {
			if p.FilledEntryQty().IsZero() {
				p.State = StateCancelled
				p.ExitTime = ev.Time
				res.EntryCancelled = true
			} else {
				// Partially filled entry cancelled: the filled portion is the position.
				p.State = StateOpen
			}
			res.Changed = true
		}
	case ev.OrderID == p.PendingExitOrderID && p.PendingExitOrderID != "":
		res = p.revertExit(ev)
	case ev.OrderID == p.StopOrderID && p.StopOrderID != "":
		p.StopOrderID = ""
		if p.State == StateProtected {
			p.State = StateOpen
		}
		res.Changed = true
	case ev.OrderID == p.TP1OrderID && p.TP1OrderID != "":
		p.TP1OrderID = ""
		res.Changed = true
	case ev.OrderID == p.TP2OrderID && p.TP2OrderID != "":
		p.TP2OrderID = ""
		res.Changed = true
	}
	return res
}

func (p *ManagedPosition) applyReject(ev *OrderEvent) ApplyResult {
	var res ApplyResult
	if p.matchesEntry(ev) && p.State == StatePending {
		p.State = StateCancelled
		p.ExitTime = ev.Time
		res.Changed = true
		res.EntryCancelled = true
		return res
	}
	if ev.OrderID == p.PendingExitOrderID && p.PendingExitOrderID != "" {
		return p.revertExit(ev)
	}
	return res
}

// revertExit returns an exit-pending position to its resting state after the
// pending exit order cancelled, expired or was rejected.
func (p *ManagedPosition) revertExit(_ *OrderEvent) ApplyResult {
	p.PendingExitOrderID = ""
	p.ExitReason = ""
	if p.State == StateExitPending {
		if p.TP1Filled {
			p.State = StatePartial
		} else {
			p.State = StateOpen
		}
	}
	return ApplyResult{Changed: true, ExitReverted: true}
}

func (p *ManagedPosition) matchesEntry(ev *OrderEvent) bool {
	if ev.OrderID != "" && ev.OrderID == p.EntryOrderID {
		return true
	}
	return ev.ClientOrderID != "" && ev.ClientOrderID == p.EntryClientOrderID
}

// exitOrderSource classifies which tracked exit order an event refers to.
func (p *ManagedPosition) exitOrderSource(orderID string) string {
	switch {
	case orderID == "" || p.State.IsTerminal():
		return ""
	case orderID == p.PendingExitOrderID && p.PendingExitOrderID != "":
		return "exit"
	case orderID == p.StopOrderID && p.StopOrderID != "":
		return "stop"
	case orderID == p.TP1OrderID && p.TP1OrderID != "":
		return "tp1"
	case orderID == p.TP2OrderID && p.TP2OrderID != "":
		return "tp2"
	}
	return ""
}

func (p *ManagedPosition) defaultExitReason(source string) ExitReason {
	switch source {
	case "stop":
		if p.TrailingActive {
			return ExitReasonTrailingStop
		}
		return ExitReasonStopLoss
	case "tp1":
		return ExitReasonTakeProfit1
	case "tp2":
		return ExitReasonTakeProfit2
	}
	return ExitReasonManual
}

func (p *ManagedPosition) markTargetOrderDone(orderID string) bool {
	switch {
	case orderID != "" && orderID == p.TP1OrderID && !p.TP1Filled:
		p.TP1Filled = true
		return true
	case orderID != "" && orderID == p.TP2OrderID && !p.TP2Filled:
		p.TP2Filled = true
		return true
	}
	return false
}

// --- Stop management ---

// ValidateStopMove checks a prospective stop update without applying it.
// Once the entry is acknowledged a long's stop may only move up and never
// below its initial value; a short's stop is mirrored.
func (p *ManagedPosition) ValidateStopMove(newStop decimal.Decimal) error {
	if p.State.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalPosition, p.State)
	}
	if !newStop.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidStop, newStop)
	}
	if !p.EntryAcked {
		return nil
	}
	switch p.Side {
	case Long:
		if newStop.LessThan(p.CurrentStop) {
			return fmt.Errorf("%w: long stop %s below current %s", ErrStopMoveRejected, newStop, p.CurrentStop)
		}
		if newStop.LessThan(p.InitialStopPrice) {
			return fmt.Errorf("%w: long stop %s below initial %s", ErrStopMoveRejected, newStop, p.InitialStopPrice)
		}
	case Short:
		if newStop.GreaterThan(p.CurrentStop) {
			return fmt.Errorf("%w: short stop %s above current %s", ErrStopMoveRejected, newStop, p.CurrentStop)
		}
		if newStop.GreaterThan(p.InitialStopPrice) {
			return fmt.Errorf("%w: short stop %s above initial %s", ErrStopMoveRejected, newStop, p.InitialStopPrice)
		}
	}
	return nil
}

// UpdateStop applies a validated stop move. Violating moves are rejected, not
// clamped.
func (p *ManagedPosition) UpdateStop(newStop decimal.Decimal) error {
	if err := p.ValidateStopMove(newStop); err != nil {
		return err
	}
	p.CurrentStop = newStop
	return nil
}

// ShouldTriggerBreakEven reports whether the stop may move to the average
// entry price. The trigger is conditional: TP1 must be filled, the exited
// fraction of the initial size must meet the minimum threshold, and tight
// setups additionally require the market-structure confirmation flag.
func (p *ManagedPosition) ShouldTriggerBreakEven(minExitFraction decimal.Decimal) bool {
	if p.BreakEvenTriggered || p.State.IsTerminal() || !p.TP1Filled {
		return false
	}
	if !p.InitialSize.IsPositive() {
		return false
	}
	if p.FilledExitQty().Div(p.InitialSize).LessThan(minExitFraction) {
		return false
	}
	if p.Setup == SetupWide {
		return true
	}
	return p.IntentConfirmed
}

// --- Price triggers (pure functions of price and side) ---

// CheckStopHit reports whether price has crossed the current stop. Disabled
// while terminal or exit-pending to avoid duplicate exit submission.
func (p *ManagedPosition) CheckStopHit(price decimal.Decimal) bool {
	if p.State.IsTerminal() || p.State == StateExitPending {
		return false
	}
	if p.Side == Long {
		return price.LessThanOrEqual(p.CurrentStop)
	}
	return price.GreaterThanOrEqual(p.CurrentStop)
}

// CheckTP1Hit reports whether the first take-profit level is reached.
func (p *ManagedPosition) CheckTP1Hit(price decimal.Decimal) bool {
	return !p.TP1Filled && p.targetHit(p.TP1Price, price)
}

// CheckTP2Hit reports whether the second take-profit level is reached.
func (p *ManagedPosition) CheckTP2Hit(price decimal.Decimal) bool {
	return !p.TP2Filled && p.targetHit(p.TP2Price, price)
}

// CheckFinalTargetHit reports whether the final target is reached.
func (p *ManagedPosition) CheckFinalTargetHit(price decimal.Decimal) bool {
	return p.targetHit(p.FinalTarget, price)
}

func (p *ManagedPosition) targetHit(target, price decimal.Decimal) bool {
	if !target.IsPositive() || p.State.IsTerminal() {
		return false
	}
	if p.Side == Long {
		return price.GreaterThanOrEqual(target)
	}
	return price.LessThanOrEqual(target)
}

// --- Transitions driven from outside the event stream ---

// BeginExit marks an exit order as in flight. The stop-hit check is blocked
// until the exit resolves.
func (p *ManagedPosition) BeginExit(orderID string, reason ExitReason) {
	p.PendingExitOrderID = orderID
	p.ExitReason = reason
	p.State = StateExitPending
}

// MarkStopPlaced records the live protective stop order for an open position.
func (p *ManagedPosition) MarkStopPlaced(orderID string) {
	p.StopOrderID = orderID
	if p.State == StateOpen {
		p.State = StateProtected
	}
}

// MarkOrphaned records that the exchange no longer confirms this exposure.
func (p *ManagedPosition) MarkOrphaned(now time.Time) {
	p.State = StateOrphaned
	p.ExitReason = ExitReasonReconciliation
	p.ExitTime = now
}

// ConfirmIntent sets the market-structure confirmation used by tight setups.
func (p *ManagedPosition) ConfirmIntent() {
	p.IntentConfirmed = true
}

// AdoptSyntheticFill appends a reconciliation-generated fill, recording its
// id so a repeated adjustment pass stays idempotent.
func (p *ManagedPosition) AdoptSyntheticFill(f Fill) {
	if !f.Quantity.IsPositive() {
		violate("synthetic fill quantity %s must be positive for position %s", f.Quantity, p.ID)
	}
	if p.processed == nil {
		p.processed = make(map[string]struct{})
	}
	if _, seen := p.processed["synthetic:"+f.FillID]; seen {
		return
	}
	if f.IsEntry {
		p.EntryFills = append(p.EntryFills, f)
		if p.State == StatePending {
			p.State = StateOpen
		}
	} else {
		p.ExitFills = append(p.ExitFills, f)
	}
	p.processed["synthetic:"+f.FillID] = struct{}{}
}

// --- Persistence support ---

// ProcessedFingerprints returns the applied-event fingerprints for snapshots.
func (p *ManagedPosition) ProcessedFingerprints() []string {
	out := make([]string, 0, len(p.processed))
	for fp := range p.processed {
		out = append(out, fp)
	}
	return out
}

// RestoreProcessedFingerprints reloads the idempotency set from a snapshot.
func (p *ManagedPosition) RestoreProcessedFingerprints(fps []string) {
	p.processed = make(map[string]struct{}, len(fps))
	for _, fp := range fps {
		p.processed[fp] = struct{}{}
	}
}
