package safety

import (
	"context"
	"errors"
	"fmt"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/gateway"
	"cryptoPositionEngine/internal/metrics"
	"cryptoPositionEngine/internal/ports"
	"cryptoPositionEngine/internal/registry"
)

// Exchange order statuses grouped by what they mean for a protective stop.
// Unknown statuses fall in none of the sets and are treated as alive so a
// new exchange status value never triggers a spurious emergency close.
var (
	stopAliveStatuses = map[string]struct{}{
		"NEW": {}, "PARTIALLY_FILLED": {}, "TRIGGERED": {}, "PENDING_NEW": {}, "ACCEPTED": {},
	}
	stopDeadStatuses = map[string]struct{}{
		"CANCELED": {}, "CANCELLED": {}, "EXPIRED": {}, "REJECTED": {}, "EXPIRED_IN_MATCH": {},
	}
	stopFinalStatuses = map[string]struct{}{
		"FILLED": {},
	}
)

// ProtectionMonitor verifies that every open position has a live protective
// stop on the exchange and force-closes any position found naked.
type ProtectionMonitor struct {
	logger   ports.Logger
	exchange ports.ExchangeClient
	reg      *registry.Registry
	gw       *gateway.Gateway
	mtx      *metrics.Metrics
}

// ProtectionMonitorConfig holds the monitor's dependencies.
type ProtectionMonitorConfig struct {
	Logger   ports.Logger
	Exchange ports.ExchangeClient
	Registry *registry.Registry
	Gateway  *gateway.Gateway
	Metrics  *metrics.Metrics
}

// NewProtectionMonitor creates a protection monitor.
func NewProtectionMonitor(cfg ProtectionMonitorConfig) (*ProtectionMonitor, error) {
	if cfg.Logger == nil || cfg.Exchange == nil || cfg.Registry == nil || cfg.Gateway == nil {
		return nil, fmt.Errorf("missing required dependencies for ProtectionMonitor")
	}
	return &ProtectionMonitor{
		logger:   cfg.Logger,
		exchange: cfg.Exchange,
		reg:      cfg.Registry,
		gw:       cfg.Gateway,
		mtx:      cfg.Metrics,
	}, nil
}

// CheckAll sweeps every active position once. Positions with no remaining
// quantity or with an exit already in flight are skipped. Verification errors
// fail toward "protected": only positive evidence of a dead or missing stop
// triggers the emergency close.
func (m *ProtectionMonitor) CheckAll(ctx context.Context) {
	op := "ProtectionCheck"
	for _, pos := range m.reg.Active() {
		if pos.RemainingQty().IsZero() || pos.State.IsInFlight() {
			continue
		}
		naked, detail := m.verify(ctx, pos)
		if !naked {
			continue
		}
		m.logger.Error(ctx, nil, op+": position is unprotected, closing at market",
			map[string]interface{}{"symbol": pos.Symbol, "positionID": pos.ID, "detail": detail})
		m.emergencyClose(ctx, pos)
	}
}

// verify reports whether the position is naked and why.
func (m *ProtectionMonitor) verify(ctx context.Context, pos *domain.ManagedPosition) (bool, string) {
	if pos.StopOrderID == "" {
		return true, "no stop order on record"
	}

	st, err := m.exchange.FetchOrder(ctx, pos.Symbol, pos.StopOrderID)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			return true, "stop order unknown to exchange"
		}
		// Transient lookup failure, assume the stop is still live.
		m.logger.Warn(ctx, "ProtectionCheck: stop verification failed, assuming protected",
			map[string]interface{}{"symbol": pos.Symbol, "orderID": pos.StopOrderID, "error": err.Error()})
		return false, ""
	}

	if _, dead := stopDeadStatuses[st.Status]; dead {
		return true, fmt.Sprintf("stop order status %s", st.Status)
	}
	if _, final := stopFinalStatuses[st.Status]; final {
		if st.FilledQty.IsPositive() {
			// The stop fired; let the fill flow through the normal event path
			// instead of stacking a second market close on top of it.
			if _, err := m.gw.HandleOrderUpdate(ctx, pos.Symbol, *st); err != nil {
				m.logger.Error(ctx, err, "ProtectionCheck: failed to apply filled stop",
					map[string]interface{}{"symbol": pos.Symbol, "orderID": st.OrderID})
			}
		}
		return false, ""
	}

	// Alive or unknown status: confirm the order still closes the position.
	if st.Side != domain.ExitSide(pos.Side) {
		return true, fmt.Sprintf("stop order side %s does not close a %s position", st.Side, pos.Side)
	}
	if !st.ReduceOnly {
		return true, "stop order is not reduce-only"
	}
	return false, ""
}

func (m *ProtectionMonitor) emergencyClose(ctx context.Context, pos *domain.ManagedPosition) {
	if m.mtx != nil {
		m.mtx.ProtectionEmergencies.Inc()
	}
	res := m.gw.Execute(ctx, domain.Action{
		Type:       domain.ActionCloseFull,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       domain.ExitSide(pos.Side),
		Quantity:   pos.RemainingQty(),
		Reason:     domain.ExitReasonProtection,
	})
	if !res.Success {
		m.logger.Error(ctx, res.Err, "ProtectionCheck: emergency close failed",
			map[string]interface{}{"symbol": pos.Symbol, "positionID": pos.ID, "reason": res.Reason})
	}
}
