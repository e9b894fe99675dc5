package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/ports"
)

// ReconcileOutcome summarizes one reconciliation pass. The caller persists
// touched positions, records audit entries, and executes phantom flattens;
// the registry itself only converges in-memory state.
type ReconcileOutcome struct {
	Orphaned  []string // position ids archived because the exchange dropped them
	Adopted   []string // position ids whose exchange quantity was adopted
	Converged []string // position ids adjusted by a synthetic fill
	Cancelled []string // pending position ids whose entry order vanished unfilled
	Touched   []*domain.ManagedPosition
	Flattens  []domain.Action // phantom exposure to flatten
	Audits    []domain.AuditEntry
}

// ReconcileWithExchange merges local state with the exchange's authoritative
// report. Exchange truth wins: local positions the exchange no longer
// confirms are orphaned, quantity mismatches converge via synthetic fills,
// and exchange exposure with no local record is flagged for flattening.
func (r *Registry) ReconcileWithExchange(ctx context.Context, exchPositions []ports.ExchangePosition, exchOrders []ports.OrderStatus, now time.Time) *ReconcileOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := &ReconcileOutcome{}

	exch := make(map[string]ports.ExchangePosition, len(exchPositions))
	exposure := make(map[string]decimal.Decimal, len(exchPositions))
	for _, ep := range exchPositions {
		sym := domain.NormalizeSymbol(ep.Symbol)
		exch[sym] = ep
		exposure[sym] = ep.Quantity
	}
	openOrders := make(map[string]struct{}, len(exchOrders))
	for _, o := range exchOrders {
		openOrders[o.OrderID] = struct{}{}
	}

	var toArchive []*domain.ManagedPosition
	for sym, pos := range r.active {
		ep, present := exch[sym]
		local := pos.RemainingQty()

		if !present || ep.Quantity.IsZero() {
			if local.IsPositive() {
				// Exchange truth wins: the exposure is gone, likely liquidated
				// or manually closed.
				entry := domain.NewAuditEntry(domain.AuditOrphaned, sym, local, decimal.Zero,
					"position "+pos.ID, now)
				pos.MarkOrphaned(now)
				toArchive = append(toArchive, pos)
				out.Orphaned = append(out.Orphaned, pos.ID)
				out.Audits = append(out.Audits, entry)
				out.Touched = append(out.Touched, pos)
				r.logger.Warn(ctx, "Orphaned position: exchange no longer confirms exposure",
					map[string]interface{}{"symbol": sym, "positionID": pos.ID, "localQty": local.String()})
				continue
			}
			if pos.State == domain.StatePending && pos.EntryOrderID != "" && len(exchOrders) > 0 {
				if _, live := openOrders[pos.EntryOrderID]; !live {
					// Entry order neither open nor filled: it died unobserved.
					pos.State = domain.StateCancelled
					pos.ExitTime = now
					toArchive = append(toArchive, pos)
					out.Cancelled = append(out.Cancelled, pos.ID)
					out.Touched = append(out.Touched, pos)
				}
			}
			continue
		}

		if ep.Side != pos.Side {
			// Contradiction: the exchange holds the opposite direction. Local
			// state cannot be trusted; flag it and flatten the exchange side.
			entry := domain.NewAuditEntry(domain.AuditPhantom, sym, local, ep.Quantity,
				fmt.Sprintf("side contradiction local=%s exchange=%s position=%s", pos.Side, ep.Side, pos.ID), now)
			pos.State = domain.StateError
			pos.ExitReason = domain.ExitReasonReconciliation
			pos.ExitTime = now
			toArchive = append(toArchive, pos)
			out.Audits = append(out.Audits, entry)
			out.Touched = append(out.Touched, pos)
			out.Flattens = append(out.Flattens, domain.Action{
				Type:   domain.ActionFlattenOrphan,
				Symbol: sym,
				Reason: domain.ExitReasonOrphanFlatten,
			})
			r.logger.Error(ctx, fmt.Errorf("side contradiction for %s", sym),
				"Reconciliation contradiction", map[string]interface{}{"positionID": pos.ID})
			continue
		}

		if local.IsZero() && pos.State == domain.StatePending {
			// Race: the order filled on the exchange before the fill event was
			// observed locally. Adopt the exchange quantity; archiving here
			// would lose track of a live position and re-enter every cycle.
			entry := domain.NewAuditEntry(domain.AuditAdopted, sym, local, ep.Quantity,
				"position "+pos.ID, now)
			pos.AdoptSyntheticFill(domain.Fill{
				FillID:   "recon:" + entry.Fingerprint,
				OrderID:  pos.EntryOrderID,
				Side:     domain.EntrySide(pos.Side),
				Quantity: ep.Quantity,
				Price:    ep.EntryPrice,
				Time:     now,
				IsEntry:  true,
			})
			out.Adopted = append(out.Adopted, pos.ID)
			out.Audits = append(out.Audits, entry)
			out.Touched = append(out.Touched, pos)
			r.logger.Warn(ctx, "Adopted exchange quantity for pending position",
				map[string]interface{}{"symbol": sym, "positionID": pos.ID, "qty": ep.Quantity.String()})
			continue
		}

		if !local.Equal(ep.Quantity) {
			// Converge to exchange truth rather than looping forever on an
			// unreconciled delta.
			diff := ep.Quantity.Sub(local)
			kind := domain.AuditConvergeEntry
			isEntry := true
			if diff.IsNegative() {
				kind = domain.AuditConvergeExit
				isEntry = false
				diff = diff.Abs()
			}
			entry := domain.NewAuditEntry(kind, sym, local, ep.Quantity, "position "+pos.ID, now)
			fill := domain.Fill{
				FillID:   "recon:" + entry.Fingerprint,
				OrderID:  pos.EntryOrderID,
				Quantity: diff,
				Price:    ep.EntryPrice,
				Time:     now,
				IsEntry:  isEntry,
			}
			if isEntry {
				fill.Side = domain.EntrySide(pos.Side)
			} else {
				fill.Side = domain.ExitSide(pos.Side)
			}
			pos.AdoptSyntheticFill(fill)
			if !isEntry && pos.RemainingQty().IsZero() {
				pos.State = domain.StateClosed
				pos.ExitReason = domain.ExitReasonReconciliation
				pos.ExitTime = now
				toArchive = append(toArchive, pos)
			}
			out.Converged = append(out.Converged, pos.ID)
			out.Audits = append(out.Audits, entry)
			out.Touched = append(out.Touched, pos)
			r.logger.Warn(ctx, "Converged local quantity to exchange",
				map[string]interface{}{"symbol": sym, "positionID": pos.ID,
					"localQty": local.String(), "exchangeQty": ep.Quantity.String()})
		}
	}

	for _, pos := range toArchive {
		r.archiveLocked(pos)
	}

	// Exchange exposure with no registry entry at all is a phantom and must be
	// flattened.
	for sym, ep := range exch {
		if _, tracked := r.active[sym]; tracked {
			continue
		}
		if known := containsID(toArchive, sym); known {
			// Just archived above; its flatten (if any) is already queued.
			continue
		}
		if !ep.Quantity.IsPositive() {
			continue
		}
		entry := domain.NewAuditEntry(domain.AuditPhantom, sym, decimal.Zero, ep.Quantity, "no local record", now)
		out.Audits = append(out.Audits, entry)
		out.Flattens = append(out.Flattens, domain.Action{
			Type:   domain.ActionFlattenOrphan,
			Symbol: sym,
			Side:   domain.ExitSide(ep.Side),
			Reason: domain.ExitReasonOrphanFlatten,
		})
		r.logger.Warn(ctx, "Phantom exchange position, flattening",
			map[string]interface{}{"symbol": sym, "qty": ep.Quantity.String()})
	}

	r.exchangeExposure = exposure
	return out
}

func containsID(archived []*domain.ManagedPosition, sym string) bool {
	for _, pos := range archived {
		if domain.NormalizeSymbol(pos.Symbol) == sym {
			return true
		}
	}
	return false
}
