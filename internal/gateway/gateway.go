package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/metrics"
	"cryptoPositionEngine/internal/ports"
	"cryptoPositionEngine/internal/registry"
)

// ActionResult is the typed outcome of one gateway action. Expected
// operational failures are reported here, never raised as panics from the
// gateway's public entry points.
type ActionResult struct {
	Success         bool
	ExchangeOrderID string
	Reason          string
	Err             error
}

func failure(reason string, err error) ActionResult {
	return ActionResult{Reason: reason, Err: err}
}

// Gateway is the single choke point for order traffic: every placement,
// cancellation, and exchange event flows through it. No other component may
// call the exchange order API directly.
type Gateway struct {
	logger   ports.Logger
	exchange ports.ExchangeClient
	reg      *registry.Registry
	intents  ports.IntentLog
	store    ports.PositionStore
	ordering *OrderingEnforcer
	mtx      *metrics.Metrics
	now      func() time.Time

	mu sync.Mutex
	// Last observed cumulative filled quantity per order. The exchange
	// reports fills cumulatively; only the delta may be forwarded or fills
	// would be double-counted.
	cumFilled map[string]decimal.Decimal
	// Intent awaiting completion, keyed by exchange order id.
	intentByOrder map[string]string
}

// Config holds the gateway's dependencies.
type Config struct {
	Logger   ports.Logger
	Exchange ports.ExchangeClient
	Registry *registry.Registry
	Intents  ports.IntentLog
	Store    ports.PositionStore
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// New creates an execution gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Logger == nil || cfg.Exchange == nil || cfg.Registry == nil || cfg.Intents == nil || cfg.Store == nil {
		return nil, fmt.Errorf("missing required dependencies for Gateway")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		logger:        cfg.Logger,
		exchange:      cfg.Exchange,
		reg:           cfg.Registry,
		intents:       cfg.Intents,
		store:         cfg.Store,
		ordering:      NewOrderingEnforcer(),
		mtx:           cfg.Metrics,
		now:           now,
		cumFilled:     make(map[string]decimal.Decimal),
		intentByOrder: make(map[string]string),
	}, nil
}

// Execute performs one action: write-ahead intent first, network call second.
// If the durable intent write fails, the network call never starts.
func (g *Gateway) Execute(ctx context.Context, action domain.Action) ActionResult {
	op := "Execute"
	intent := domain.NewActionIntent(action, g.now())
	if err := g.intents.Append(ctx, intent); err != nil {
		g.logger.Error(ctx, err, op+": failed to write action intent",
			map[string]interface{}{"action": action.Type, "symbol": action.Symbol})
		return failure("intent log write failed", err)
	}

	var res ActionResult
	switch action.Type {
	case domain.ActionOpen:
		res = g.submitOrder(ctx, intent, ports.CreateOrderRequest{
			Symbol:        action.Symbol,
			Type:          ports.OrderTypeMarket,
			Side:          action.Side,
			Quantity:      action.Quantity,
			ClientOrderID: intent.ClientOrderID,
		})
		if res.Success {
			if pos, ok := g.reg.Get(action.Symbol); ok && pos.ID == action.PositionID {
				pos.EntryOrderID = res.ExchangeOrderID
				pos.EntryClientOrderID = intent.ClientOrderID
				g.persist(ctx, pos)
			}
		}
	case domain.ActionCloseFull, domain.ActionClosePartial:
		res = g.submitOrder(ctx, intent, ports.CreateOrderRequest{
			Symbol:        action.Symbol,
			Type:          ports.OrderTypeMarket,
			Side:          action.Side,
			Quantity:      action.Quantity,
			ReduceOnly:    true,
			ClientOrderID: intent.ClientOrderID,
		})
		if res.Success && action.Type == domain.ActionCloseFull {
			if pos, ok := g.reg.Get(action.Symbol); ok && pos.ID == action.PositionID {
				pos.BeginExit(res.ExchangeOrderID, action.Reason)
				g.persist(ctx, pos)
			}
		}
	case domain.ActionPlaceStop, domain.ActionUpdateStop:
		res = g.submitOrder(ctx, intent, ports.CreateOrderRequest{
			Symbol:        action.Symbol,
			Type:          ports.OrderTypeStopMarket,
			Side:          action.Side,
			Quantity:      action.Quantity,
			StopPrice:     action.StopPrice,
			ReduceOnly:    true,
			ClientOrderID: intent.ClientOrderID,
		})
		// ActionUpdateStop deliberately leaves the position's stop order id
		// alone: the stop replacer swaps ids only after confirmation.
		if res.Success && action.Type == domain.ActionPlaceStop {
			if pos, ok := g.reg.Get(action.Symbol); ok && pos.ID == action.PositionID {
				pos.MarkStopPlaced(res.ExchangeOrderID)
				g.persist(ctx, pos)
			}
		}
	case domain.ActionCancelStop:
		res = g.cancelOrder(ctx, intent, action.Symbol, action.OrderID)
	case domain.ActionFlattenOrphan:
		res = g.flatten(ctx, intent, action.Symbol)
	default:
		res = failure(fmt.Sprintf("unsupported action type %q", action.Type), ports.ErrInvalidRequest)
		_ = g.intents.MarkFailed(ctx, intent.ID, res.Reason)
	}

	if g.mtx != nil {
		if res.Success {
			g.mtx.OrdersPlaced.WithLabelValues(string(action.Type)).Inc()
		} else {
			g.mtx.OrderFailures.WithLabelValues(string(action.Type)).Inc()
		}
	}
	return res
}

func (g *Gateway) submitOrder(ctx context.Context, intent *domain.ActionIntent, req ports.CreateOrderRequest) ActionResult {
	st, err := g.exchange.CreateOrder(ctx, req)
	if err != nil {
		_ = g.intents.MarkFailed(ctx, intent.ID, err.Error())
		g.logger.Error(ctx, err, "Order submission failed",
			map[string]interface{}{"symbol": req.Symbol, "type": req.Type, "side": req.Side})
		return failure("order submission failed", err)
	}
	if err := g.intents.MarkSent(ctx, intent.ID, st.OrderID); err != nil {
		g.logger.Error(ctx, err, "Failed to mark intent sent",
			map[string]interface{}{"intentID": intent.ID, "orderID": st.OrderID})
	}
	g.mu.Lock()
	g.intentByOrder[st.OrderID] = intent.ID
	g.mu.Unlock()
	return ActionResult{Success: true, ExchangeOrderID: st.OrderID}
}

func (g *Gateway) cancelOrder(ctx context.Context, intent *domain.ActionIntent, symbol, orderID string) ActionResult {
	if err := g.exchange.CancelOrder(ctx, symbol, orderID); err != nil {
		_ = g.intents.MarkFailed(ctx, intent.ID, err.Error())
		return failure("cancel failed", err)
	}
	_ = g.intents.MarkCompleted(ctx, intent.ID)
	return ActionResult{Success: true, ExchangeOrderID: orderID}
}

func (g *Gateway) flatten(ctx context.Context, intent *domain.ActionIntent, symbol string) ActionResult {
	if err := g.exchange.ClosePosition(ctx, symbol); err != nil {
		_ = g.intents.MarkFailed(ctx, intent.ID, err.Error())
		return failure("flatten failed", err)
	}
	_ = g.intents.MarkCompleted(ctx, intent.ID)
	return ActionResult{Success: true}
}

// HandleOrderUpdate converts an exchange order-status report into an order
// event, enforces ordering and idempotency, applies it to the registry
// position, and recursively executes any follow-up actions the state machine
// implies. The returned actions are the follow-ups that were executed.
func (g *Gateway) HandleOrderUpdate(ctx context.Context, symbol string, st ports.OrderStatus) ([]domain.Action, error) {
	pos, ok := g.reg.Get(symbol)
	if !ok {
		g.logger.Debug(ctx, "Order update for untracked symbol ignored",
			map[string]interface{}{"symbol": symbol, "orderID": st.OrderID})
		return nil, nil
	}

	var res domain.ApplyResult
	applied := false
	for _, ev := range g.toEvents(st) {
		if admitted, why := g.ordering.Admit(ev); !admitted {
			if g.mtx != nil {
				g.mtx.EventsDeduplicated.Inc()
			}
			g.logger.Debug(ctx, "Order event rejected by ordering enforcer",
				map[string]interface{}{"orderID": st.OrderID, "reason": why})
			continue
		}
		r := pos.ApplyOrderEvent(ev)
		if g.mtx != nil {
			if r.Duplicate {
				g.mtx.EventsDeduplicated.Inc()
			} else {
				g.mtx.EventsApplied.Inc()
			}
		}
		res.Changed = res.Changed || r.Changed
		res.FirstEntryFill = res.FirstEntryFill || r.FirstEntryFill
		res.Closed = res.Closed || r.Closed
		res.EntryCancelled = res.EntryCancelled || r.EntryCancelled
		res.ExitReverted = res.ExitReverted || r.ExitReverted
		applied = true
	}
	if !applied {
		return nil, nil
	}
	g.persist(ctx, pos)

	if terminalStatus(st.Status) {
		g.completeIntent(ctx, st.OrderID)
	}

	var followUps []domain.Action
	if res.FirstEntryFill {
		// Entry just filled: the position must never sit exposed without a
		// protective stop.
		followUps = append(followUps, domain.Action{
			Type:       domain.ActionPlaceStop,
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Side:       domain.ExitSide(pos.Side),
			Quantity:   pos.RemainingQty(),
			StopPrice:  pos.CurrentStop,
		})
	}
	if res.Closed || res.EntryCancelled {
		g.reg.Archive(pos)
		if pos.StopOrderID != "" && res.Closed {
			// The resting stop is no longer needed once flat.
			followUps = append(followUps, domain.Action{
				Type:       domain.ActionCancelStop,
				PositionID: pos.ID,
				Symbol:     pos.Symbol,
				OrderID:    pos.StopOrderID,
			})
		}
	}

	for _, a := range followUps {
		if r := g.Execute(ctx, a); !r.Success {
			g.logger.Error(ctx, r.Err, "Follow-up action failed",
				map[string]interface{}{"action": a.Type, "symbol": a.Symbol, "reason": r.Reason})
		}
	}
	return followUps, nil
}

// toEvents maps a cumulative order-status report onto delta events with
// locally assigned sequence numbers. A report usually yields one event; a
// cancel, expiry, or rejection whose cumulative quantity still carries an
// unobserved fill yields two, the fill first, so the filled portion is applied
// before the order dies. A single snapshot from FetchOrder can collapse both
// facts into one report.
func (g *Gateway) toEvents(st ports.OrderStatus) []*domain.OrderEvent {
	g.mu.Lock()
	prev := g.cumFilled[st.OrderID]
	delta := st.FilledQty.Sub(prev)
	if delta.IsPositive() {
		g.cumFilled[st.OrderID] = st.FilledQty
	} else {
		delta = decimal.Zero
	}
	g.mu.Unlock()

	when := st.UpdateTime
	if when.IsZero() {
		when = g.now()
	}
	typ := statusToEventType(st.Status, delta)

	next := func(t domain.EventType) *domain.OrderEvent {
		return &domain.OrderEvent{
			OrderID:       st.OrderID,
			ClientOrderID: st.ClientOrderID,
			Type:          t,
			Seq:           g.ordering.NextSeq(st.OrderID),
			Time:          when,
		}
	}
	withFill := func(ev *domain.OrderEvent) *domain.OrderEvent {
		ev.FillQty = delta
		ev.FillPrice = st.AvgFillPrice
		ev.FillID = st.LastFillID
		if ev.FillID == "" {
			// Exchanges that omit per-fill ids still dedupe correctly: the
			// cumulative quantity uniquely identifies the fill boundary.
			ev.FillID = st.OrderID + ":" + st.FilledQty.String()
		}
		return ev
	}

	if !delta.IsPositive() {
		return []*domain.OrderEvent{next(typ)}
	}
	switch typ {
	case domain.EventPartialFill, domain.EventFilled:
		return []*domain.OrderEvent{withFill(next(typ))}
	default:
		return []*domain.OrderEvent{withFill(next(domain.EventPartialFill)), next(typ)}
	}
}

func (g *Gateway) completeIntent(ctx context.Context, orderID string) {
	g.mu.Lock()
	intentID, ok := g.intentByOrder[orderID]
	if ok {
		delete(g.intentByOrder, orderID)
	}
	g.mu.Unlock()
	if ok {
		if err := g.intents.MarkCompleted(ctx, intentID); err != nil {
			g.logger.Error(ctx, err, "Failed to mark intent completed",
				map[string]interface{}{"intentID": intentID, "orderID": orderID})
		}
	}
}

func (g *Gateway) persist(ctx context.Context, pos *domain.ManagedPosition) {
	if err := g.store.SavePosition(ctx, pos); err != nil {
		g.logger.Error(ctx, err, "Failed to persist position snapshot",
			map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol})
	}
}

func statusToEventType(status string, fillDelta decimal.Decimal) domain.EventType {
	switch strings.ToUpper(status) {
	case "NEW", "ACCEPTED", "PENDING_NEW":
		return domain.EventAcknowledged
	case "PARTIALLY_FILLED":
		return domain.EventPartialFill
	case "FILLED":
		return domain.EventFilled
	case "CANCELED", "CANCELLED":
		return domain.EventCancelled
	case "REJECTED":
		return domain.EventRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.EventExpired
	case "REPLACED":
		return domain.EventReplaced
	}
	if fillDelta.IsPositive() {
		return domain.EventPartialFill
	}
	return domain.EventSubmitted
}

func terminalStatus(status string) bool {
	switch strings.ToUpper(status) {
	case "FILLED", "CANCELED", "CANCELLED", "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return true
	}
	return false
}
