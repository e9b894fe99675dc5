package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/ports"
)

func TestReconcile_OrphansMissingExposure(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETHUSDT", domain.Long)
	fillEntry(pos, "10")
	r.RegisterPosition(pos)

	out := r.ReconcileWithExchange(context.Background(), nil, nil, time.Now())

	require.Len(t, out.Orphaned, 1)
	assert.Equal(t, pos.ID, out.Orphaned[0])
	assert.Equal(t, domain.StateOrphaned, pos.State)
	_, stillActive := r.Get("ETHUSDT")
	assert.False(t, stillActive)
	require.Len(t, out.Audits, 1)
	assert.Equal(t, domain.AuditOrphaned, out.Audits[0].Kind)
}

func TestReconcile_CancelsVanishedPendingEntry(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETHUSDT", domain.Long)
	pos.EntryOrderID = "entry-1"
	r.RegisterPosition(pos)

	// Another order is open but the entry order is gone without a fill.
	orders := []ports.OrderStatus{{OrderID: "unrelated-9", Symbol: "BTCUSDT"}}
	out := r.ReconcileWithExchange(context.Background(), nil, orders, time.Now())

	require.Len(t, out.Cancelled, 1)
	assert.Equal(t, domain.StateCancelled, pos.State)
	_, stillActive := r.Get("ETHUSDT")
	assert.False(t, stillActive)
}

func TestReconcile_PendingEntrySparedWithoutOrderEvidence(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETHUSDT", domain.Long)
	pos.EntryOrderID = "entry-1"
	r.RegisterPosition(pos)

	// Empty open-order list is no evidence of loss; the order feed may simply
	// have failed.
	out := r.ReconcileWithExchange(context.Background(), nil, nil, time.Now())
	assert.Empty(t, out.Cancelled)
	assert.Equal(t, domain.StatePending, pos.State)
}

func TestReconcile_AdoptsExchangeFillForPending(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETHUSDT", domain.Long)
	pos.EntryOrderID = "entry-1"
	r.RegisterPosition(pos)

	out := r.ReconcileWithExchange(context.Background(), []ports.ExchangePosition{
		{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("10"), EntryPrice: dec("2001")},
	}, nil, time.Now())

	require.Len(t, out.Adopted, 1)
	assert.Equal(t, domain.StateOpen, pos.State)
	assert.True(t, pos.RemainingQty().Equal(dec("10")))
	require.Len(t, out.Audits, 1)
	assert.Equal(t, domain.AuditAdopted, out.Audits[0].Kind)
}

func TestReconcile_ConvergesQuantityMismatch(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETHUSDT", domain.Long)
	fillEntry(pos, "10")
	r.RegisterPosition(pos)

	// The exchange holds less than we think: converge with a synthetic exit.
	out := r.ReconcileWithExchange(context.Background(), []ports.ExchangePosition{
		{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("6"), EntryPrice: dec("2000")},
	}, nil, time.Now())

	require.Len(t, out.Converged, 1)
	assert.True(t, pos.RemainingQty().Equal(dec("6")))
	require.Len(t, out.Audits, 1)
	assert.Equal(t, domain.AuditConvergeExit, out.Audits[0].Kind)
}

func TestReconcile_ZeroQuantityReportOrphans(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETHUSDT", domain.Long)
	fillEntry(pos, "10")
	r.RegisterPosition(pos)

	out := r.ReconcileWithExchange(context.Background(), []ports.ExchangePosition{
		{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("0"), EntryPrice: dec("2000")},
	}, nil, time.Now())

	// Zero quantity counts as no exposure: the position is orphaned.
	require.Len(t, out.Orphaned, 1)
	assert.True(t, pos.State.IsTerminal())
}

func TestReconcile_SideContradiction(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETHUSDT", domain.Long)
	fillEntry(pos, "10")
	r.RegisterPosition(pos)

	out := r.ReconcileWithExchange(context.Background(), []ports.ExchangePosition{
		{Symbol: "ETHUSDT", Side: domain.Short, Quantity: dec("10"), EntryPrice: dec("2000")},
	}, nil, time.Now())

	assert.Equal(t, domain.StateError, pos.State)
	require.Len(t, out.Flattens, 1)
	assert.Equal(t, domain.ActionFlattenOrphan, out.Flattens[0].Type)
	_, stillActive := r.Get("ETHUSDT")
	assert.False(t, stillActive)
}

func TestReconcile_PhantomExposureFlattened(t *testing.T) {
	r := New(nil, 16)

	out := r.ReconcileWithExchange(context.Background(), []ports.ExchangePosition{
		{Symbol: "SOLUSDT", Side: domain.Long, Quantity: dec("3"), EntryPrice: dec("150")},
	}, nil, time.Now())

	require.Len(t, out.Flattens, 1)
	assert.Equal(t, "SOLUSDT", out.Flattens[0].Symbol)
	require.Len(t, out.Audits, 1)
	assert.Equal(t, domain.AuditPhantom, out.Audits[0].Kind)

	// The recorded exposure blocks new entries until it clears.
	ok, reason := r.CanOpenPosition("SOLUSDT", domain.Long)
	assert.False(t, ok)
	assert.Contains(t, reason, "no local record")
}

func TestReconcile_RepeatedPassSameAuditFingerprint(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETHUSDT", domain.Long)
	fillEntry(pos, "10")
	r.RegisterPosition(pos)

	exch := []ports.ExchangePosition{
		{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("6"), EntryPrice: dec("2000")},
	}
	first := r.ReconcileWithExchange(context.Background(), exch, nil, time.Now())
	require.Len(t, first.Audits, 1)

	// Second pass: quantities now agree, nothing new to adjust.
	second := r.ReconcileWithExchange(context.Background(), exch, nil, time.Now())
	assert.Empty(t, second.Audits)
	assert.Empty(t, second.Converged)
}
