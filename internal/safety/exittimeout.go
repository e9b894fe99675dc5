package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/gateway"
	"cryptoPositionEngine/internal/ports"
	"cryptoPositionEngine/internal/registry"
)

type exitTrack struct {
	OrderID     string
	SubmittedAt time.Time
	Escalated   bool
}

// ExitTimeoutManager escalates exits that fail to complete. The ladder is
// recheck, then market-close escalation, then kill switch: an exit order that
// sits unfilled past recheckAfter is re-fetched from the exchange, past
// escalateAfter it is cancelled and replaced with a market close, and past
// killAfter the whole engine is halted because even the market close did not
// resolve the position.
type ExitTimeoutManager struct {
	mu            sync.Mutex
	logger        ports.Logger
	reg           *registry.Registry
	gw            *gateway.Gateway
	kill          *KillSwitch
	recheckAfter  time.Duration
	escalateAfter time.Duration
	killAfter     time.Duration
	pending       map[string]*exitTrack
	now           func() time.Time
}

// ExitTimeoutConfig holds the manager's dependencies and the escalation
// ladder thresholds.
type ExitTimeoutConfig struct {
	Logger        ports.Logger
	Registry      *registry.Registry
	Gateway       *gateway.Gateway
	KillSwitch    *KillSwitch
	RecheckAfter  time.Duration
	EscalateAfter time.Duration
	KillAfter     time.Duration
	Now           func() time.Time
}

// NewExitTimeoutManager creates an exit timeout manager.
func NewExitTimeoutManager(cfg ExitTimeoutConfig) (*ExitTimeoutManager, error) {
	if cfg.Logger == nil || cfg.Registry == nil || cfg.Gateway == nil || cfg.KillSwitch == nil {
		return nil, fmt.Errorf("missing required dependencies for ExitTimeoutManager")
	}
	recheckAfter := cfg.RecheckAfter
	if recheckAfter <= 0 {
		recheckAfter = 30 * time.Second
	}
	escalateAfter := cfg.EscalateAfter
	if escalateAfter <= recheckAfter {
		escalateAfter = 2 * time.Minute
	}
	killAfter := cfg.KillAfter
	if killAfter <= escalateAfter {
		killAfter = 5 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &ExitTimeoutManager{
		logger:        cfg.Logger,
		reg:           cfg.Registry,
		gw:            cfg.Gateway,
		kill:          cfg.KillSwitch,
		recheckAfter:  recheckAfter,
		escalateAfter: escalateAfter,
		killAfter:     killAfter,
		pending:       make(map[string]*exitTrack),
		now:           now,
	}, nil
}

// Track starts the escalation clock for a submitted exit order.
func (e *ExitTimeoutManager) Track(symbol, orderID string) {
	sym := domain.NormalizeSymbol(symbol)
	e.mu.Lock()
	e.pending[sym] = &exitTrack{OrderID: orderID, SubmittedAt: e.now()}
	e.mu.Unlock()
}

// Clear stops tracking a symbol, typically after the exit completed.
func (e *ExitTimeoutManager) Clear(symbol string) {
	sym := domain.NormalizeSymbol(symbol)
	e.mu.Lock()
	delete(e.pending, sym)
	e.mu.Unlock()
}

// Check walks all tracked exits once and applies the escalation ladder.
func (e *ExitTimeoutManager) Check(ctx context.Context, exchange ports.ExchangeClient) {
	op := "ExitTimeoutCheck"
	for sym, tr := range e.snapshot() {
		pos, ok := e.reg.Get(sym)
		if !ok || pos.State != domain.StateExitPending || pos.PendingExitOrderID != tr.OrderID {
			e.Clear(sym)
			continue
		}
		age := e.now().Sub(tr.SubmittedAt)

		switch {
		case age >= e.killAfter:
			e.logger.Error(ctx, nil, op+": exit unresolved past final threshold",
				map[string]interface{}{"symbol": sym, "orderID": tr.OrderID, "age": age.String()})
			e.kill.Engage(ctx, fmt.Sprintf("exit for %s unresolved after %s", sym, age.Round(time.Second)))
			e.Clear(sym)

		case age >= e.escalateAfter && !tr.Escalated:
			e.logger.Warn(ctx, op+": escalating stuck exit to market close",
				map[string]interface{}{"symbol": sym, "orderID": tr.OrderID, "age": age.String()})
			e.escalate(ctx, pos, tr)

		case age >= e.recheckAfter:
			// The fill may simply not have reached us; ask the exchange.
			st, err := exchange.FetchOrder(ctx, pos.Symbol, tr.OrderID)
			if err != nil {
				e.logger.Warn(ctx, op+": recheck fetch failed",
					map[string]interface{}{"symbol": sym, "orderID": tr.OrderID, "error": err.Error()})
				continue
			}
			if _, err := e.gw.HandleOrderUpdate(ctx, pos.Symbol, *st); err != nil {
				e.logger.Error(ctx, err, op+": recheck apply failed",
					map[string]interface{}{"symbol": sym, "orderID": tr.OrderID})
			}
		}
	}
}

// escalate cancels the stuck exit order and closes the remainder at market.
// The escalated flag is set before acting so a failing cancel does not retry
// the ladder step on every sweep while the kill timer keeps running.
func (e *ExitTimeoutManager) escalate(ctx context.Context, pos *domain.ManagedPosition, tr *exitTrack) {
	e.mu.Lock()
	tr.Escalated = true
	e.mu.Unlock()

	if c := e.gw.Execute(ctx, domain.Action{
		Type:       domain.ActionCancelStop,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		OrderID:    tr.OrderID,
	}); !c.Success {
		e.logger.Warn(ctx, "ExitTimeoutCheck: cancel of stuck exit failed",
			map[string]interface{}{"symbol": pos.Symbol, "orderID": tr.OrderID})
	}

	res := e.gw.Execute(ctx, domain.Action{
		Type:       domain.ActionCloseFull,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       domain.ExitSide(pos.Side),
		Quantity:   pos.RemainingQty(),
		Reason:     domain.ExitReasonExitTimeout,
	})
	if !res.Success {
		e.logger.Error(ctx, res.Err, "ExitTimeoutCheck: escalated market close failed",
			map[string]interface{}{"symbol": pos.Symbol, "positionID": pos.ID})
		return
	}
	// Track the replacement order under the same clock so the kill threshold
	// still applies if the market close also stalls.
	e.mu.Lock()
	tr.OrderID = res.ExchangeOrderID
	e.mu.Unlock()
}

func (e *ExitTimeoutManager) snapshot() map[string]*exitTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*exitTrack, len(e.pending))
	for k, v := range e.pending {
		out[k] = v
	}
	return out
}
