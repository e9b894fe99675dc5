package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/ports"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: ports.NopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newPosition(t *testing.T) *domain.ManagedPosition {
	t.Helper()
	pos, err := domain.NewManagedPosition(domain.PositionParams{
		Symbol: "ETHUSDT", Side: domain.Long,
		Size: dec("10"), EntryPrice: dec("2000"), StopPrice: dec("1950"),
		TP1Price: dec("2050"), TP2Price: dec("2100"), FinalTarget: dec("2200"),
		Setup: domain.SetupTight,
	}, time.Now().UTC().Truncate(time.Second))
	require.NoError(t, err)
	pos.EntryOrderID = "entry-1"
	return pos
}

func TestSaveLoadPosition_RoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pos := newPosition(t)
	pos.ApplyOrderEvent(&domain.OrderEvent{
		OrderID: "entry-1", Type: domain.EventPartialFill, Seq: 1, Time: time.Now().UTC(),
		FillQty: dec("4"), FillPrice: dec("2000"), FillID: "f1",
	})
	pos.ApplyOrderEvent(&domain.OrderEvent{
		OrderID: "entry-1", Type: domain.EventFilled, Seq: 2, Time: time.Now().UTC(),
		FillQty: dec("6"), FillPrice: dec("2010"), FillID: "f2",
	})
	pos.MarkStopPlaced("stop-1")
	require.NoError(t, repo.SavePosition(ctx, pos))

	got, err := repo.LoadPosition(ctx, pos.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, pos.ID, got.ID)
	assert.Equal(t, "ETHUSDT", got.Symbol)
	assert.Equal(t, domain.Long, got.Side)
	assert.Equal(t, domain.SetupTight, got.Setup)
	assert.Equal(t, domain.StateProtected, got.State)
	assert.Equal(t, "stop-1", got.StopOrderID)
	assert.True(t, got.InitialSize.Equal(dec("10")))
	assert.True(t, got.CurrentStop.Equal(dec("1950")))
	require.Len(t, got.EntryFills, 2)
	assert.Equal(t, "f1", got.EntryFills[0].FillID)
	assert.Equal(t, "f2", got.EntryFills[1].FillID)
	assert.True(t, got.AvgEntryPrice().Equal(dec("2006")), "got %s", got.AvgEntryPrice())
	assert.True(t, got.RemainingQty().Equal(dec("10")))
}

func TestSavePosition_ReplaysAreStillDeduplicated(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pos := newPosition(t)
	ev := &domain.OrderEvent{
		OrderID: "entry-1", Type: domain.EventFilled, Seq: 1, Time: time.Now().UTC(),
		FillQty: dec("10"), FillPrice: dec("2000"), FillID: "f1",
	}
	pos.ApplyOrderEvent(ev)
	require.NoError(t, repo.SavePosition(ctx, pos))

	got, err := repo.LoadPosition(ctx, pos.ID)
	require.NoError(t, err)

	// The processed-fingerprint set survives the round trip, so replaying the
	// same event after a restart adds nothing.
	res := got.ApplyOrderEvent(ev)
	assert.True(t, res.Duplicate)
	assert.True(t, got.FilledEntryQty().Equal(dec("10")))
}

func TestLoadPosition_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.LoadPosition(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadActivePositions_ExcludesTerminal(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	active := newPosition(t)
	require.NoError(t, repo.SavePosition(ctx, active))

	closed := newPosition(t)
	closed.State = domain.StateClosed
	closed.ExitTime = time.Now().UTC()
	require.NoError(t, repo.SavePosition(ctx, closed))

	cancelled := newPosition(t)
	cancelled.State = domain.StateCancelled
	require.NoError(t, repo.SavePosition(ctx, cancelled))

	got, err := repo.LoadActivePositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)
}

func TestSavePosition_UpsertOverwrites(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pos := newPosition(t)
	require.NoError(t, repo.SavePosition(ctx, pos))

	pos.State = domain.StateOpen
	pos.BreakEvenTriggered = true
	require.NoError(t, repo.SavePosition(ctx, pos))

	got, err := repo.LoadPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, got.State)
	assert.True(t, got.BreakEvenTriggered)
}

func TestIntentLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	intent := domain.NewActionIntent(domain.Action{
		Type: domain.ActionOpen, PositionID: "pos-1", Symbol: "ETHUSDT",
		Side: domain.Buy, Quantity: dec("10"),
	}, time.Now().UTC())
	require.NoError(t, repo.Append(ctx, intent))

	pending, err := repo.PendingIntents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.IntentPending, pending[0].Status)

	require.NoError(t, repo.MarkSent(ctx, intent.ID, "ord-1"))
	pending, err = repo.PendingIntents(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "sent intents are still unresolved")
	assert.Equal(t, domain.IntentSent, pending[0].Status)
	assert.Equal(t, "ord-1", pending[0].ExchangeOrderID)

	require.NoError(t, repo.MarkCompleted(ctx, intent.ID))
	pending, err = repo.PendingIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkFailed_PreservesExchangeOrderID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	intent := domain.NewActionIntent(domain.Action{
		Type: domain.ActionCloseFull, PositionID: "pos-1", Symbol: "ETHUSDT",
	}, time.Now().UTC())
	require.NoError(t, repo.Append(ctx, intent))
	require.NoError(t, repo.MarkSent(ctx, intent.ID, "ord-9"))
	require.NoError(t, repo.MarkFailed(ctx, intent.ID, "exchange rejected"))

	const query = `SELECT status, exchange_order_id, fail_reason FROM action_intents WHERE id = ?`
	var status, orderID, reason string
	require.NoError(t, repo.db.QueryRowContext(ctx, query, intent.ID).Scan(&status, &orderID, &reason))
	assert.Equal(t, string(domain.IntentFailed), status)
	assert.Equal(t, "ord-9", orderID)
	assert.Equal(t, "exchange rejected", reason)
}

func TestUpdateIntent_UnknownID(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.MarkCompleted(context.Background(), "missing")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestAuditRecord_IgnoresDuplicateFingerprint(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	entry := domain.NewAuditEntry(domain.AuditOrphaned, "ETHUSDT", dec("10"), decimal.Zero,
		"position pos-1", time.Now().UTC())

	fresh, err := repo.Record(ctx, entry)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = repo.Record(ctx, entry)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestKillSwitch_RoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	engaged, reason, err := repo.KillSwitchState(ctx)
	require.NoError(t, err)
	assert.False(t, engaged)
	assert.Empty(t, reason)

	require.NoError(t, repo.EngageKillSwitch(ctx, "exit unresolved", time.Now().UTC()))
	engaged, reason, err = repo.KillSwitchState(ctx)
	require.NoError(t, err)
	assert.True(t, engaged)
	assert.Equal(t, "exit unresolved", reason)

	require.NoError(t, repo.DisengageKillSwitch(ctx))
	engaged, _, err = repo.KillSwitchState(ctx)
	require.NoError(t, err)
	assert.False(t, engaged)
}
