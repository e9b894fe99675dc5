package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/ports"
)

// ReversalRequest records an in-flight direction reversal for a symbol. New
// entries are blocked until the reversal completes.
type ReversalRequest struct {
	Side           domain.Side
	ReferencePrice decimal.Decimal
}

// Registry owns the symbol -> managed position map. It enforces the
// single-position-per-symbol and reversal-lock invariants and holds a bounded
// history of closed positions. All methods are safe for concurrent use; the
// mutex is defensive, since multiple scheduled tasks touch the map.
type Registry struct {
	mu        sync.Mutex
	logger    ports.Logger
	active    map[string]*domain.ManagedPosition
	closed    []*domain.ManagedPosition
	maxClosed int
	reversals map[string]ReversalRequest

	// Exchange exposure observed during the last reconciliation pass, kept as
	// a defense against registry/exchange desync.
	exchangeExposure map[string]decimal.Decimal
}

// New creates an empty registry. maxClosed bounds the in-memory closed
// history; full history lives in the store.
func New(logger ports.Logger, maxClosed int) *Registry {
	if logger == nil {
		logger = ports.NopLogger{}
	}
	if maxClosed <= 0 {
		maxClosed = 256
	}
	return &Registry{
		logger:           logger,
		active:           make(map[string]*domain.ManagedPosition),
		maxClosed:        maxClosed,
		reversals:        make(map[string]ReversalRequest),
		exchangeExposure: make(map[string]decimal.Decimal),
	}
}

// CanOpenPosition reports whether a new entry for symbol/side is admissible,
// with a reason string on denial.
func (r *Registry) CanOpenPosition(symbol string, side domain.Side) (bool, string) {
	sym := domain.NormalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()

	if pos, ok := r.active[sym]; ok && !pos.State.IsTerminal() {
		if pos.Side == side {
			return false, fmt.Sprintf("position %s already open for %s", pos.ID, sym)
		}
		return false, fmt.Sprintf("opposite-side position %s must close before reversing %s", pos.ID, sym)
	}
	if _, ok := r.reversals[sym]; ok {
		return false, fmt.Sprintf("reversal pending for %s", sym)
	}
	// Defense in depth: the last reconciliation still shows live exposure even
	// though the registry has no record. Opening here would compound exposure.
	if exp, ok := r.exchangeExposure[sym]; ok && exp.IsPositive() {
		if _, tracked := r.active[sym]; !tracked {
			return false, fmt.Sprintf("exchange still reports %s exposure for %s with no local record", exp, sym)
		}
	}
	return true, ""
}

// RegisterPosition adds a position to the active map. Registering the same
// logical position twice is a no-op; registering a different position for an
// occupied, non-terminal symbol is a fatal invariant violation.
func (r *Registry) RegisterPosition(pos *domain.ManagedPosition) {
	sym := domain.NormalizeSymbol(pos.Symbol)
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[sym]; ok {
		if existing.ID == pos.ID {
			return
		}
		if !existing.State.IsTerminal() {
			domain.Violate("duplicate active position for %s: %s already registered, refusing %s",
				sym, existing.ID, pos.ID)
		}
		r.archiveLocked(existing)
	}
	r.active[sym] = pos
	r.logger.Debug(context.Background(), "Position registered",
		map[string]interface{}{"symbol": sym, "positionID": pos.ID, "side": pos.Side})
}

// Get returns the active position for a symbol, in any textual form.
func (r *Registry) Get(symbol string) (*domain.ManagedPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.active[domain.NormalizeSymbol(symbol)]
	return pos, ok
}

// Active returns a snapshot of the active positions.
func (r *Registry) Active() []*domain.ManagedPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.ManagedPosition, 0, len(r.active))
	for _, pos := range r.active {
		out = append(out, pos)
	}
	return out
}

// Archive moves a terminal position out of the active map into closed
// history. Archiving a non-terminal position is an invariant violation:
// positions are never deleted while live.
func (r *Registry) Archive(pos *domain.ManagedPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archiveLocked(pos)
}

func (r *Registry) archiveLocked(pos *domain.ManagedPosition) {
	if !pos.State.IsTerminal() {
		domain.Violate("cannot archive non-terminal position %s in state %s", pos.ID, pos.State)
	}
	sym := domain.NormalizeSymbol(pos.Symbol)
	if current, ok := r.active[sym]; ok && current.ID == pos.ID {
		delete(r.active, sym)
	}
	r.closed = append(r.closed, pos)
	if len(r.closed) > r.maxClosed {
		r.closed = r.closed[len(r.closed)-r.maxClosed:]
	}
}

// ClosedHistory returns the bounded in-memory closed history, oldest first.
func (r *Registry) ClosedHistory() []*domain.ManagedPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.ManagedPosition, len(r.closed))
	copy(out, r.closed)
	return out
}

// RequestReversal records an in-flight reversal lock for the symbol.
func (r *Registry) RequestReversal(symbol string, side domain.Side, price decimal.Decimal) {
	sym := domain.NormalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reversals[sym] = ReversalRequest{Side: side, ReferencePrice: price}
}

// PendingReversal returns the reversal request for a symbol, if any.
func (r *Registry) PendingReversal(symbol string) (ReversalRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.reversals[domain.NormalizeSymbol(symbol)]
	return req, ok
}

// ClearReversal releases the reversal lock once the new entry is submitted or
// the reversal is abandoned.
func (r *Registry) ClearReversal(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reversals, domain.NormalizeSymbol(symbol))
}
