package registry

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPositionEngine/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newPosition(t *testing.T, symbol string, side domain.Side) *domain.ManagedPosition {
	t.Helper()
	stop, entry := dec("1950"), dec("2000")
	if side == domain.Short {
		stop = dec("2050")
	}
	pos, err := domain.NewManagedPosition(domain.PositionParams{
		Symbol: symbol, Side: side,
		Size: dec("10"), EntryPrice: entry, StopPrice: stop,
	}, time.Now())
	require.NoError(t, err)
	return pos
}

func fillEntry(pos *domain.ManagedPosition, qty string) {
	pos.AdoptSyntheticFill(domain.Fill{
		FillID: "seed:" + pos.ID, OrderID: pos.EntryOrderID,
		Side: domain.EntrySide(pos.Side), Quantity: dec(qty), Price: dec("2000"),
		Time: time.Now(), IsEntry: true,
	})
}

func TestCanOpenPosition_Denials(t *testing.T) {
	r := New(nil, 16)

	ok, _ := r.CanOpenPosition("ETHUSDT", domain.Long)
	assert.True(t, ok)

	pos := newPosition(t, "ETHUSDT", domain.Long)
	r.RegisterPosition(pos)

	ok, reason := r.CanOpenPosition("ETHUSDT", domain.Long)
	assert.False(t, ok)
	assert.Contains(t, reason, "already open")

	ok, reason = r.CanOpenPosition("eth/usdt:usdt", domain.Short)
	assert.False(t, ok)
	assert.Contains(t, reason, "opposite-side")

	// Other symbols are unaffected.
	ok, _ = r.CanOpenPosition("BTCUSDT", domain.Long)
	assert.True(t, ok)
}

func TestCanOpenPosition_ReversalLockOutlivesPosition(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETHUSDT", domain.Long)
	fillEntry(pos, "10")
	r.RegisterPosition(pos)
	r.RequestReversal("ETHUSDT", domain.Short, dec("1990"))

	pos.BeginExit("exit-1", domain.ExitReasonReversal)
	pos.ApplyOrderEvent(&domain.OrderEvent{
		OrderID: "exit-1", Type: domain.EventFilled, Seq: 1, Time: time.Now(),
		FillQty: dec("10"), FillPrice: dec("1990"), FillID: "x1",
	})
	require.Equal(t, domain.StateClosed, pos.State)
	r.Archive(pos)

	// The old position is gone but the reversal still holds the symbol.
	ok, reason := r.CanOpenPosition("ETHUSDT", domain.Short)
	assert.False(t, ok)
	assert.Contains(t, reason, "reversal pending")

	r.ClearReversal("ETHUSDT")
	ok, _ = r.CanOpenPosition("ETHUSDT", domain.Short)
	assert.True(t, ok)
}

func TestRegisterPosition_IdempotentOnSameID(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETHUSDT", domain.Long)
	r.RegisterPosition(pos)
	r.RegisterPosition(pos)

	got, ok := r.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, pos.ID, got.ID)
	assert.Len(t, r.Active(), 1)
}

func TestRegisterPosition_PanicsOnActiveConflict(t *testing.T) {
	r := New(nil, 16)
	r.RegisterPosition(newPosition(t, "ETHUSDT", domain.Long))
	assert.Panics(t, func() {
		r.RegisterPosition(newPosition(t, "ETHUSDT", domain.Long))
	})
}

func TestRegisterPosition_ReplacesTerminalOccupant(t *testing.T) {
	r := New(nil, 16)
	old := newPosition(t, "ETHUSDT", domain.Long)
	r.RegisterPosition(old)
	old.State = domain.StateCancelled

	fresh := newPosition(t, "ETHUSDT", domain.Long)
	r.RegisterPosition(fresh)

	got, ok := r.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, fresh.ID, got.ID)
	assert.Len(t, r.ClosedHistory(), 1)
}

func TestArchive_PanicsOnNonTerminal(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETHUSDT", domain.Long)
	r.RegisterPosition(pos)
	assert.Panics(t, func() { r.Archive(pos) })
}

func TestClosedHistory_Bounded(t *testing.T) {
	r := New(nil, 2)
	for i := 0; i < 4; i++ {
		pos := newPosition(t, "ETHUSDT", domain.Long)
		pos.State = domain.StateCancelled
		r.Archive(pos)
	}
	assert.Len(t, r.ClosedHistory(), 2)
}

func TestGet_NormalizesSymbol(t *testing.T) {
	r := New(nil, 16)
	pos := newPosition(t, "ETH/USDT:USDT", domain.Long)
	r.RegisterPosition(pos)

	got, ok := r.Get("ethusdt")
	require.True(t, ok)
	assert.Equal(t, pos.ID, got.ID)
}
