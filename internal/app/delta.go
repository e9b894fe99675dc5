package app

import (
	"sort"

	"github.com/shopspring/decimal"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/ports"
)

// DesiredExposure is the target exposure for one symbol.
type DesiredExposure struct {
	Symbol string
	Side   domain.Side
	Size   decimal.Decimal
}

// ComputeDelta derives the minimal set of actions that move actual exchange
// exposure to the desired set. It is a pure function of its inputs:
//
//   - exposure on the exchange with no desired counterpart is flattened;
//   - a side mismatch flattens first, the new side is opened by a later pass
//     once flat;
//   - a size shortfall opens the difference, an excess closes it reduce-only.
func ComputeDelta(desired []DesiredExposure, actual []ports.ExchangePosition) []domain.Action {
	want := make(map[string]DesiredExposure, len(desired))
	for _, d := range desired {
		want[domain.NormalizeSymbol(d.Symbol)] = d
	}
	have := make(map[string]ports.ExchangePosition, len(actual))
	for _, a := range actual {
		if a.Quantity.IsZero() {
			continue
		}
		have[domain.NormalizeSymbol(a.Symbol)] = a
	}

	var actions []domain.Action

	for _, sym := range sortedKeys(have) {
		a := have[sym]
		d, ok := want[sym]
		if !ok || d.Size.IsZero() {
			actions = append(actions, domain.Action{
				Type:   domain.ActionFlattenOrphan,
				Symbol: sym,
			})
			continue
		}
		if d.Side != a.Side {
			// Flatten now; the open happens on the next pass when the
			// exchange reports the symbol flat.
			actions = append(actions, domain.Action{
				Type:   domain.ActionFlattenOrphan,
				Symbol: sym,
			})
			continue
		}
		diff := d.Size.Sub(a.Quantity)
		switch {
		case diff.IsPositive():
			actions = append(actions, domain.Action{
				Type:     domain.ActionOpen,
				Symbol:   sym,
				Side:     domain.EntrySide(d.Side),
				Quantity: diff,
			})
		case diff.IsNegative():
			actions = append(actions, domain.Action{
				Type:     domain.ActionClosePartial,
				Symbol:   sym,
				Side:     domain.ExitSide(d.Side),
				Quantity: diff.Neg(),
				Reason:   domain.ExitReasonReconciliation,
			})
		}
	}

	for _, sym := range sortedKeys(want) {
		d := want[sym]
		if _, ok := have[sym]; ok || d.Size.IsZero() {
			continue
		}
		actions = append(actions, domain.Action{
			Type:     domain.ActionOpen,
			Symbol:   sym,
			Side:     domain.EntrySide(d.Side),
			Quantity: d.Size,
		})
	}
	return actions
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
