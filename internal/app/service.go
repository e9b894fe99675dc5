package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPositionEngine/config"
	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/gateway"
	"cryptoPositionEngine/internal/metrics"
	"cryptoPositionEngine/internal/ports"
	"cryptoPositionEngine/internal/registry"
	"cryptoPositionEngine/internal/risk"
	"cryptoPositionEngine/internal/safety"
)

// EntrySignal is an upstream request to open a managed position.
type EntrySignal struct {
	Symbol      string
	Side        domain.Side
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TP1Price    decimal.Decimal
	TP2Price    decimal.Decimal
	FinalTarget decimal.Decimal
	Setup       string
}

// Service orchestrates the position lifecycle engine: entry gating, the
// exit decision ladder, order-event routing, reversals, and the periodic
// reconciliation and protection sweeps.
type Service struct {
	cfg         *config.Config
	logger      ports.Logger
	exchange    ports.ExchangeClient
	store       ports.PositionStore
	intents     ports.IntentLog
	audit       ports.ReconciliationAudit
	reg         *registry.Registry
	gw          *gateway.Gateway
	replacer    *safety.StopReplacer
	protection  *safety.ProtectionMonitor
	exitTimeout *safety.ExitTimeoutManager
	kill        *safety.KillSwitch
	riskMgr     *risk.Manager
	mtx         *metrics.Metrics
	now         func() time.Time

	mu        sync.Mutex
	recovered bool
	lastDay   string
	// Position ids whose terminal settlement already ran. Late order events
	// for an archived symbol must not settle the same position twice.
	settled map[string]struct{}
}

// ServiceConfig holds the service's dependencies.
type ServiceConfig struct {
	Cfg         *config.Config
	Logger      ports.Logger
	Exchange    ports.ExchangeClient
	Store       ports.PositionStore
	Intents     ports.IntentLog
	Audit       ports.ReconciliationAudit
	Registry    *registry.Registry
	Gateway     *gateway.Gateway
	Replacer    *safety.StopReplacer
	Protection  *safety.ProtectionMonitor
	ExitTimeout *safety.ExitTimeoutManager
	KillSwitch  *safety.KillSwitch
	Risk        *risk.Manager
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// NewService creates the application service.
func NewService(c ServiceConfig) (*Service, error) {
	if c.Cfg == nil || c.Logger == nil || c.Exchange == nil || c.Store == nil ||
		c.Intents == nil || c.Audit == nil || c.Registry == nil || c.Gateway == nil ||
		c.Replacer == nil || c.Protection == nil || c.ExitTimeout == nil ||
		c.KillSwitch == nil || c.Risk == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:         c.Cfg,
		logger:      c.Logger,
		exchange:    c.Exchange,
		store:       c.Store,
		intents:     c.Intents,
		audit:       c.Audit,
		reg:         c.Registry,
		gw:          c.Gateway,
		replacer:    c.Replacer,
		protection:  c.Protection,
		exitTimeout: c.ExitTimeout,
		kill:        c.KillSwitch,
		riskMgr:     c.Risk,
		mtx:         c.Metrics,
		now:         now,
		settled:     make(map[string]struct{}),
	}, nil
}

// --- Entry ---

// EvaluateEntry gates and executes an entry signal. The position is
// registered before the order is submitted so a concurrent signal for the
// same symbol cannot slip past the occupancy check.
func (s *Service) EvaluateEntry(ctx context.Context, sig EntrySignal) (*domain.ManagedPosition, error) {
	op := "EvaluateEntry"

	s.mu.Lock()
	recovered := s.recovered
	s.mu.Unlock()
	if !recovered {
		return nil, ports.ErrRecoveryIncomplete
	}
	if s.kill.Engaged() {
		return nil, fmt.Errorf("%w: %s", ports.ErrKillSwitchEngaged, s.kill.Reason())
	}
	if err := s.riskMgr.ApproveEntry(ctx, sig.Size, sig.EntryPrice); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrEntryDenied, err)
	}
	if ok, reason := s.reg.CanOpenPosition(sig.Symbol, sig.Side); !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrEntryDenied, reason)
	}

	pos, err := domain.NewManagedPosition(domain.PositionParams{
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Size:        sig.Size,
		EntryPrice:  sig.EntryPrice,
		StopPrice:   sig.StopPrice,
		TP1Price:    sig.TP1Price,
		TP2Price:    sig.TP2Price,
		FinalTarget: sig.FinalTarget,
		Setup:       domain.ParseSetupKind(sig.Setup),
	}, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrEntryDenied, err)
	}

	s.reg.RegisterPosition(pos)
	if err := s.store.SavePosition(ctx, pos); err != nil {
		s.logger.Error(ctx, err, op+": failed to persist new position",
			map[string]interface{}{"positionID": pos.ID})
	}

	res := s.gw.Execute(ctx, domain.Action{
		Type:       domain.ActionOpen,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       domain.EntrySide(pos.Side),
		Quantity:   pos.InitialSize,
	})
	if !res.Success {
		pos.State = domain.StateCancelled
		s.reg.Archive(pos)
		s.persist(ctx, pos)
		return nil, fmt.Errorf("%w: %s", ports.ErrOrderPlacementFailed, res.Reason)
	}

	s.riskMgr.RecordOpen(ctx, pos.InitialSize, sig.EntryPrice)
	s.updateActiveGauge()
	s.logger.Info(ctx, op+": position submitted",
		map[string]interface{}{"symbol": pos.Symbol, "side": pos.Side, "size": pos.InitialSize.String(), "orderID": res.ExchangeOrderID})
	return pos, nil
}

// --- Exit decision ladder ---

// EvaluatePosition walks the exit ladder for one symbol at the given mark
// price. Only the highest-priority applicable action fires per call: a stop
// hit outranks the final target, which outranks the scale-out levels, which
// outrank stop maintenance.
func (s *Service) EvaluatePosition(ctx context.Context, symbol string, price, atr decimal.Decimal) {
	pos, ok := s.reg.Get(symbol)
	if !ok || pos.State.IsTerminal() || pos.State.IsInFlight() {
		return
	}
	if pos.RemainingQty().IsZero() {
		return
	}

	switch {
	case pos.CheckStopHit(price):
		reason := domain.ExitReasonStopLoss
		if pos.TrailingActive {
			reason = domain.ExitReasonTrailingStop
		}
		s.closeFull(ctx, pos, reason)

	case pos.CheckFinalTargetHit(price):
		s.closeFull(ctx, pos, domain.ExitReasonFinalTarget)

	case pos.CheckTP2Hit(price):
		s.scaleOut(ctx, pos, s.cfg.TP2ExitFraction, 2)

	case pos.CheckTP1Hit(price):
		s.scaleOut(ctx, pos, s.cfg.TP1ExitFraction, 1)

	case pos.ShouldTriggerBreakEven(s.cfg.BreakEvenMinExit):
		s.moveToBreakEven(ctx, pos)

	default:
		s.trail(ctx, pos, price, atr)
	}
}

func (s *Service) closeFull(ctx context.Context, pos *domain.ManagedPosition, reason domain.ExitReason) {
	res := s.gw.Execute(ctx, domain.Action{
		Type:       domain.ActionCloseFull,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       domain.ExitSide(pos.Side),
		Quantity:   pos.RemainingQty(),
		Reason:     reason,
	})
	if !res.Success {
		s.logger.Error(ctx, res.Err, "Full close failed",
			map[string]interface{}{"symbol": pos.Symbol, "reason": reason})
		return
	}
	s.exitTimeout.Track(pos.Symbol, res.ExchangeOrderID)
}

// scaleOut closes a fraction of the initial size at a take-profit level. The
// resulting order id is recorded so its fill marks the level done.
func (s *Service) scaleOut(ctx context.Context, pos *domain.ManagedPosition, fraction decimal.Decimal, level int) {
	qty := pos.InitialSize.Mul(fraction)
	if qty.GreaterThan(pos.RemainingQty()) {
		qty = pos.RemainingQty()
	}
	if !qty.IsPositive() {
		return
	}
	reason := domain.ExitReasonTakeProfit1
	if level == 2 {
		reason = domain.ExitReasonTakeProfit2
	}
	res := s.gw.Execute(ctx, domain.Action{
		Type:       domain.ActionClosePartial,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       domain.ExitSide(pos.Side),
		Quantity:   qty,
		Reason:     reason,
	})
	if !res.Success {
		s.logger.Error(ctx, res.Err, "Scale-out failed",
			map[string]interface{}{"symbol": pos.Symbol, "level": level})
		return
	}
	if level == 1 {
		pos.TP1OrderID = res.ExchangeOrderID
	} else {
		pos.TP2OrderID = res.ExchangeOrderID
	}
	s.persist(ctx, pos)
}

func (s *Service) moveToBreakEven(ctx context.Context, pos *domain.ManagedPosition) {
	target := pos.AvgEntryPrice()
	if !target.IsPositive() {
		return
	}
	if err := s.replacer.Replace(ctx, pos, target); err != nil {
		s.logger.Warn(ctx, "Break-even stop move failed",
			map[string]interface{}{"symbol": pos.Symbol, "error": err.Error()})
		return
	}
	pos.BreakEvenTriggered = true
	s.persist(ctx, pos)
}

// trail ratchets the stop behind price once break-even has been reached.
// Moves that would loosen the stop are rejected by the position itself.
func (s *Service) trail(ctx context.Context, pos *domain.ManagedPosition, price, atr decimal.Decimal) {
	if !pos.BreakEvenTriggered || !atr.IsPositive() || !s.cfg.TrailingATRMult.IsPositive() {
		return
	}
	distance := atr.Mul(s.cfg.TrailingATRMult)
	var candidate decimal.Decimal
	if pos.Side == domain.Long {
		candidate = price.Sub(distance)
	} else {
		candidate = price.Add(distance)
	}
	if err := pos.ValidateStopMove(candidate); err != nil {
		return
	}
	if candidate.Equal(pos.CurrentStop) {
		return
	}
	if err := s.replacer.Replace(ctx, pos, candidate); err != nil {
		s.logger.Warn(ctx, "Trailing stop move failed",
			map[string]interface{}{"symbol": pos.Symbol, "error": err.Error()})
		return
	}
	pos.TrailingActive = true
	s.persist(ctx, pos)
}

// --- Order events ---

// HandleOrderEvent routes an exchange order-status report through the
// gateway and maintains the exit-timeout tracker and reversal completion.
func (s *Service) HandleOrderEvent(ctx context.Context, symbol string, st ports.OrderStatus) error {
	if _, err := s.gw.HandleOrderUpdate(ctx, symbol, st); err != nil {
		return err
	}

	pos, ok := s.reg.Get(symbol)
	if !ok || pos.State != domain.StateExitPending {
		s.exitTimeout.Clear(symbol)
	}
	s.updateActiveGauge()

	if !ok {
		// The position just went terminal and was archived; settle its risk
		// accounting and any pending reversal.
		s.settleTerminal(ctx, symbol)
	}
	return nil
}

// settleTerminal runs once per position after it leaves the registry.
func (s *Service) settleTerminal(ctx context.Context, symbol string) {
	var last *domain.ManagedPosition
	sym := domain.NormalizeSymbol(symbol)
	inRing := make(map[string]struct{})
	for _, p := range s.reg.ClosedHistory() {
		inRing[p.ID] = struct{}{}
		if domain.SameSymbol(p.Symbol, sym) {
			last = p
		}
	}
	if last == nil {
		return
	}

	s.mu.Lock()
	// Ids evicted from the bounded closed-history ring can never be found
	// again, so their markers are dropped here.
	for id := range s.settled {
		if _, ok := inRing[id]; !ok {
			delete(s.settled, id)
		}
	}
	_, done := s.settled[last.ID]
	if !done {
		s.settled[last.ID] = struct{}{}
	}
	s.mu.Unlock()
	if done {
		// A late report for the archived symbol, usually the cancel
		// confirmation of its resting stop. The exit is already booked.
		return
	}
	s.riskMgr.RecordExit(ctx, last)

	if req, pending := s.reg.PendingReversal(sym); pending {
		s.completeReversal(ctx, last, req)
	}
}

// --- Reversal ---

// RequestReversal closes the active position and records the intent to open
// the opposite side once flat. New entries on the symbol are denied until the
// reversal completes.
func (s *Service) RequestReversal(ctx context.Context, symbol string, newSide domain.Side, price decimal.Decimal) error {
	pos, ok := s.reg.Get(symbol)
	if !ok {
		return ports.ErrPositionNotFound
	}
	if pos.Side == newSide {
		return fmt.Errorf("%w: position already %s", ports.ErrReversalUnavailable, newSide)
	}
	if pos.State.IsTerminal() || pos.State == domain.StateExitPending {
		return fmt.Errorf("%w: position state %s", ports.ErrReversalUnavailable, pos.State)
	}

	s.reg.RequestReversal(symbol, newSide, price)
	s.closeFull(ctx, pos, domain.ExitReasonReversal)
	return nil
}

// completeReversal opens the opposite side after the old position settled.
// The reversal lock is cleared first so the entry gate admits the new
// position.
func (s *Service) completeReversal(ctx context.Context, old *domain.ManagedPosition, req registry.ReversalRequest) {
	op := "CompleteReversal"
	s.reg.ClearReversal(old.Symbol)

	if old.ExitReason != domain.ExitReasonReversal {
		// The position died some other way; the reversal premise is gone.
		s.logger.Info(ctx, op+": dropping stale reversal request",
			map[string]interface{}{"symbol": old.Symbol, "exitReason": old.ExitReason})
		return
	}

	one := decimal.NewFromInt(1)
	var stop decimal.Decimal
	if req.Side == domain.Long {
		stop = req.ReferencePrice.Mul(one.Sub(s.cfg.StopLossPct))
	} else {
		stop = req.ReferencePrice.Mul(one.Add(s.cfg.StopLossPct))
	}

	if _, err := s.EvaluateEntry(ctx, EntrySignal{
		Symbol:     old.Symbol,
		Side:       req.Side,
		Size:       old.InitialSize,
		EntryPrice: req.ReferencePrice,
		StopPrice:  stop,
	}); err != nil {
		s.logger.Error(ctx, err, op+": reversal entry denied",
			map[string]interface{}{"symbol": old.Symbol, "side": req.Side})
	}
}

// --- Recovery ---

// Recover restores persisted state after a restart: active positions are
// re-registered and repaired, unresolved write-ahead intents are resolved
// against the exchange, the kill switch state is reloaded, and a full
// reconciliation pass runs. Entries are denied until this completes.
func (s *Service) Recover(ctx context.Context) error {
	op := "Recover"

	positions, err := s.store.LoadActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active positions: %w", err)
	}
	for _, pos := range positions {
		s.repairPosition(ctx, pos)
		s.reg.RegisterPosition(pos)
		s.riskMgr.RecordOpen(ctx, pos.InitialSize, pos.InitialEntryPrice)
		if pos.State == domain.StateExitPending && pos.PendingExitOrderID != "" {
			s.exitTimeout.Track(pos.Symbol, pos.PendingExitOrderID)
		}
	}
	s.logger.Info(ctx, op+": active positions restored",
		map[string]interface{}{"count": len(positions)})

	if err := s.replayIntents(ctx); err != nil {
		s.logger.Error(ctx, err, op+": intent replay failed")
	}

	if err := s.kill.Load(ctx); err != nil {
		return fmt.Errorf("failed to load kill switch state: %w", err)
	}

	if err := s.RunReconciliation(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	s.mu.Lock()
	s.recovered = true
	s.lastDay = s.now().UTC().Format("2006-01-02")
	s.mu.Unlock()
	s.updateActiveGauge()
	s.logger.Info(ctx, op+": recovery complete")
	return nil
}

// repairPosition fixes internally inconsistent snapshots. A position with
// exit fills but no entry fills gets a synthetic entry so remaining-quantity
// arithmetic holds.
func (s *Service) repairPosition(ctx context.Context, pos *domain.ManagedPosition) {
	if len(pos.ExitFills) == 0 || len(pos.EntryFills) > 0 {
		return
	}
	qty := pos.FilledExitQty()
	entry := domain.NewAuditEntry(domain.AuditRepair, pos.Symbol, decimal.Zero, qty,
		"synthetic entry for position "+pos.ID+" with exits but no entries", s.now())
	pos.AdoptSyntheticFill(domain.Fill{
		FillID:   "repair:" + entry.Fingerprint,
		OrderID:  pos.EntryOrderID,
		Side:     domain.EntrySide(pos.Side),
		Quantity: qty,
		Price:    pos.InitialEntryPrice,
		Time:     s.now(),
		IsEntry:  true,
	})
	if _, err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error(ctx, err, "Failed to record repair audit entry",
			map[string]interface{}{"positionID": pos.ID})
	}
	s.persist(ctx, pos)
}

// replayIntents resolves write-ahead intents the previous process never
// settled. Sent intents are checked against the exchange; intents that never
// reached the wire are marked failed.
func (s *Service) replayIntents(ctx context.Context) error {
	pending, err := s.intents.PendingIntents(ctx)
	if err != nil {
		return err
	}
	for _, intent := range pending {
		switch intent.Status {
		case domain.IntentSent:
			if intent.ExchangeOrderID == "" {
				continue
			}
			st, err := s.exchange.FetchOrder(ctx, intent.Symbol, intent.ExchangeOrderID)
			if err != nil {
				s.logger.Warn(ctx, "Intent replay: order fetch failed",
					map[string]interface{}{"intentID": intent.ID, "orderID": intent.ExchangeOrderID, "error": err.Error()})
				continue
			}
			if _, err := s.gw.HandleOrderUpdate(ctx, intent.Symbol, *st); err != nil {
				s.logger.Error(ctx, err, "Intent replay: apply failed",
					map[string]interface{}{"intentID": intent.ID})
			}
		case domain.IntentPending:
			// Never confirmed on the wire. The reconciliation pass picks up
			// the exposure if the order did in fact reach the exchange.
			if err := s.intents.MarkFailed(ctx, intent.ID, "unresolved at restart"); err != nil {
				s.logger.Error(ctx, err, "Intent replay: mark failed errored",
					map[string]interface{}{"intentID": intent.ID})
			}
		}
	}
	return nil
}

// --- Reconciliation ---

// RunReconciliation compares local state against exchange truth and applies
// the computed adjustments: touched positions are persisted, each adjustment
// is recorded once in the audit trail, and phantom exposures are flattened.
func (s *Service) RunReconciliation(ctx context.Context) error {
	op := "Reconcile"

	exchPositions, err := s.exchange.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch open positions: %w", err)
	}
	exchOrders, err := s.exchange.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch open orders: %w", err)
	}

	outcome := s.reg.ReconcileWithExchange(ctx, exchPositions, exchOrders, s.now())

	for _, pos := range outcome.Touched {
		s.persist(ctx, pos)
	}
	for _, entry := range outcome.Audits {
		fresh, err := s.audit.Record(ctx, entry)
		if err != nil {
			s.logger.Error(ctx, err, op+": failed to record audit entry",
				map[string]interface{}{"kind": entry.Kind, "symbol": entry.Symbol})
			continue
		}
		if fresh && s.mtx != nil {
			s.mtx.ReconcileAdjustments.WithLabelValues(string(entry.Kind)).Inc()
		}
	}
	for _, action := range outcome.Flattens {
		if res := s.gw.Execute(ctx, action); !res.Success {
			s.logger.Error(ctx, res.Err, op+": flatten failed",
				map[string]interface{}{"symbol": action.Symbol})
		}
	}

	if len(outcome.Orphaned)+len(outcome.Adopted)+len(outcome.Converged)+len(outcome.Cancelled)+len(outcome.Flattens) > 0 {
		s.logger.Warn(ctx, op+": divergence detected and adjusted", map[string]interface{}{
			"orphaned":  outcome.Orphaned,
			"adopted":   outcome.Adopted,
			"converged": outcome.Converged,
			"cancelled": outcome.Cancelled,
			"flattens":  len(outcome.Flattens),
		})
	}
	s.updateActiveGauge()
	return nil
}

// --- Exposure delta ---

// ApplyExposureDelta computes and executes the actions that move actual
// exchange exposure to the desired set.
func (s *Service) ApplyExposureDelta(ctx context.Context, desired []DesiredExposure) error {
	exchPositions, err := s.exchange.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch open positions: %w", err)
	}
	for _, action := range ComputeDelta(desired, exchPositions) {
		if res := s.gw.Execute(ctx, action); !res.Success {
			s.logger.Error(ctx, res.Err, "Exposure delta action failed",
				map[string]interface{}{"action": action.Type, "symbol": action.Symbol})
		}
	}
	return nil
}

// --- Main loop ---

// Start runs recovery and then the periodic sweeps until the context is
// cancelled or a termination signal arrives.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting position engine...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	if err := s.Recover(ctx); err != nil {
		s.logger.Error(ctx, err, "Recovery failed, refusing to trade")
		return err
	}

	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()
	protectionTicker := time.NewTicker(s.cfg.ProtectionInterval)
	defer protectionTicker.Stop()
	exitTicker := time.NewTicker(s.cfg.ExitCheckInterval)
	defer exitTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Position engine stopped")
			return nil
		case <-reconcileTicker.C:
			if err := s.RunReconciliation(ctx); err != nil {
				s.logger.Error(ctx, err, "Periodic reconciliation failed")
			}
			s.maybeResetDaily(ctx)
		case <-protectionTicker.C:
			s.protection.CheckAll(ctx)
		case <-exitTicker.C:
			s.exitTimeout.Check(ctx, s.exchange)
		}
	}
}

func (s *Service) maybeResetDaily(ctx context.Context) {
	day := s.now().UTC().Format("2006-01-02")
	s.mu.Lock()
	stale := s.lastDay != "" && s.lastDay != day
	s.lastDay = day
	s.mu.Unlock()
	if stale {
		s.riskMgr.ResetDailyStats(ctx)
		s.logger.Info(ctx, "Daily risk statistics reset", map[string]interface{}{"day": day})
	}
}

func (s *Service) persist(ctx context.Context, pos *domain.ManagedPosition) {
	if err := s.store.SavePosition(ctx, pos); err != nil {
		s.logger.Error(ctx, err, "Failed to persist position",
			map[string]interface{}{"positionID": pos.ID})
	}
}

func (s *Service) updateActiveGauge() {
	if s.mtx != nil {
		s.mtx.ActivePositions.Set(float64(len(s.reg.Active())))
	}
}
