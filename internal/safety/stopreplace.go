package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/gateway"
	"cryptoPositionEngine/internal/metrics"
	"cryptoPositionEngine/internal/ports"
)

// StopReplacer swaps a position's protective stop without ever leaving the
// position naked: the new stop is placed and confirmed on the exchange's open
// order list before the old one is cancelled.
type StopReplacer struct {
	logger         ports.Logger
	exchange       ports.ExchangeClient
	gw             *gateway.Gateway
	store          ports.PositionStore
	mtx            *metrics.Metrics
	confirmTimeout time.Duration
	pollInterval   time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// StopReplacerConfig holds the replacer's dependencies and polling bounds.
type StopReplacerConfig struct {
	Logger         ports.Logger
	Exchange       ports.ExchangeClient
	Gateway        *gateway.Gateway
	Store          ports.PositionStore
	Metrics        *metrics.Metrics
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// NewStopReplacer creates a stop replacer.
func NewStopReplacer(cfg StopReplacerConfig) (*StopReplacer, error) {
	if cfg.Logger == nil || cfg.Exchange == nil || cfg.Gateway == nil || cfg.Store == nil {
		return nil, fmt.Errorf("missing required dependencies for StopReplacer")
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 10 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &StopReplacer{
		logger:         cfg.Logger,
		exchange:       cfg.Exchange,
		gw:             cfg.Gateway,
		store:          cfg.Store,
		mtx:            cfg.Metrics,
		confirmTimeout: confirmTimeout,
		pollInterval:   pollInterval,
		sleep:          sleepCtx,
	}, nil
}

// Replace moves the position's stop to newStop using the new-first protocol:
//
//  1. place the new stop;
//  2. poll until it appears in the exchange's open orders or the bounded
//     timeout elapses;
//  3. only after confirmation, cancel the old stop.
//
// If placement fails the old stop is untouched. If confirmation times out the
// unconfirmed new stop is best-effort cancelled and the old stop remains
// authoritative. Cancellation failure on the old stop after confirmation is
// tolerated: it may have already triggered.
func (r *StopReplacer) Replace(ctx context.Context, pos *domain.ManagedPosition, newStop decimal.Decimal) error {
	op := "StopReplace"
	if err := pos.ValidateStopMove(newStop); err != nil {
		r.logger.Error(ctx, err, op+": stop move rejected",
			map[string]interface{}{"symbol": pos.Symbol, "newStop": newStop.String(), "currentStop": pos.CurrentStop.String()})
		r.countResult("rejected")
		return err
	}

	oldID := pos.StopOrderID
	res := r.gw.Execute(ctx, domain.Action{
		Type:       domain.ActionUpdateStop,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       domain.ExitSide(pos.Side),
		Quantity:   pos.RemainingQty(),
		StopPrice:  newStop,
	})
	if !res.Success {
		// Step 1 failed: no state change, the old stop still protects.
		r.countResult("place_failed")
		return fmt.Errorf("%w: %v", ports.ErrOrderPlacementFailed, res.Err)
	}
	newID := res.ExchangeOrderID

	if !r.awaitVisible(ctx, newID) {
		r.logger.Warn(ctx, op+": new stop not confirmed in time, cancelling it",
			map[string]interface{}{"symbol": pos.Symbol, "newOrderID": newID})
		if c := r.gw.Execute(ctx, domain.Action{
			Type:       domain.ActionCancelStop,
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			OrderID:    newID,
		}); !c.Success {
			r.logger.Error(ctx, c.Err, op+": failed to cancel unconfirmed replacement stop",
				map[string]interface{}{"symbol": pos.Symbol, "orderID": newID})
		}
		r.countResult("confirm_timeout")
		return ports.ErrStopConfirmTimeout
	}

	if oldID != "" {
		if c := r.gw.Execute(ctx, domain.Action{
			Type:       domain.ActionCancelStop,
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			OrderID:    oldID,
		}); !c.Success {
			// Tolerated: the old stop may have just triggered.
			r.logger.Warn(ctx, op+": old stop cancel failed after confirmation",
				map[string]interface{}{"symbol": pos.Symbol, "orderID": oldID})
		}
	}

	pos.StopOrderID = newID
	if err := pos.UpdateStop(newStop); err != nil {
		// Validated above; a failure here means the position mutated mid-replace.
		domain.Violate("stop update failed after confirmation for %s: %v", pos.ID, err)
	}
	if err := r.store.SavePosition(ctx, pos); err != nil {
		r.logger.Error(ctx, err, op+": failed to persist replaced stop",
			map[string]interface{}{"positionID": pos.ID})
	}
	r.logger.Info(ctx, op+": stop replaced",
		map[string]interface{}{"symbol": pos.Symbol, "newStop": newStop.String(), "orderID": newID})
	r.countResult("ok")
	return nil
}

// awaitVisible polls the open-order list until the order appears or the
// bounded timeout elapses. Listing errors consume the budget rather than
// aborting: a transient listing failure must not cancel a live stop.
func (r *StopReplacer) awaitVisible(ctx context.Context, orderID string) bool {
	deadline := time.Now().Add(r.confirmTimeout)
	for time.Now().Before(deadline) {
		orders, err := r.exchange.OpenOrders(ctx)
		if err == nil {
			for _, o := range orders {
				if o.OrderID == orderID {
					return true
				}
			}
		} else {
			r.logger.Warn(ctx, "StopReplace: open-order poll failed",
				map[string]interface{}{"orderID": orderID, "error": err.Error()})
		}
		if err := r.sleep(ctx, r.pollInterval); err != nil {
			return false
		}
	}
	return false
}

func (r *StopReplacer) countResult(result string) {
	if r.mtx != nil {
		r.mtx.StopReplacements.WithLabelValues(result).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
