package safety

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/gateway"
	"cryptoPositionEngine/internal/ports"
	"cryptoPositionEngine/internal/registry"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Mock implementations

type mockExchange struct {
	createErr   error
	cancelErr   error
	cancelled   []string
	created     []ports.CreateOrderRequest
	nextID      int
	openOrders  []ports.OrderStatus
	openErr     error
	fetchStatus map[string]*ports.OrderStatus
	fetchErr    error
}

func (m *mockExchange) CreateOrder(ctx context.Context, req ports.CreateOrderRequest) (*ports.OrderStatus, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.nextID++
	m.created = append(m.created, req)
	id := "ord-" + string(rune('0'+m.nextID))
	return &ports.OrderStatus{OrderID: id, ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Status: "NEW", Side: req.Side, Type: req.Type}, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, id string) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, id)
	return nil
}

func (m *mockExchange) FetchOrder(ctx context.Context, symbol, id string) (*ports.OrderStatus, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if st, ok := m.fetchStatus[id]; ok {
		return st, nil
	}
	return nil, ports.ErrOrderNotFound
}

func (m *mockExchange) OpenOrders(ctx context.Context) ([]ports.OrderStatus, error) {
	return m.openOrders, m.openErr
}

func (m *mockExchange) OpenPositions(ctx context.Context) ([]ports.ExchangePosition, error) {
	return nil, nil
}

func (m *mockExchange) ClosePosition(ctx context.Context, symbol string) error {
	return nil
}

type nopIntentLog struct{}

func (nopIntentLog) Append(ctx context.Context, intent *domain.ActionIntent) error { return nil }
func (nopIntentLog) MarkSent(ctx context.Context, id, exchangeOrderID string) error {
	return nil
}
func (nopIntentLog) MarkCompleted(ctx context.Context, id string) error { return nil }
func (nopIntentLog) MarkFailed(ctx context.Context, id, r string) error { return nil }
func (nopIntentLog) PendingIntents(ctx context.Context) ([]domain.ActionIntent, error) {
	return nil, nil
}

type nopStore struct{}

func (nopStore) SavePosition(ctx context.Context, pos *domain.ManagedPosition) error { return nil }
func (nopStore) LoadPosition(ctx context.Context, id string) (*domain.ManagedPosition, error) {
	return nil, nil
}
func (nopStore) LoadActivePositions(ctx context.Context) ([]*domain.ManagedPosition, error) {
	return nil, nil
}

// Helpers

type replaceFixture struct {
	replacer *StopReplacer
	exchange *mockExchange
	reg      *registry.Registry
	pos      *domain.ManagedPosition
}

func newReplaceFixture(t *testing.T) *replaceFixture {
	t.Helper()
	f := &replaceFixture{
		exchange: &mockExchange{},
		reg:      registry.New(nil, 16),
	}
	gw, err := gateway.New(gateway.Config{
		Logger:   ports.NopLogger{},
		Exchange: f.exchange,
		Registry: f.reg,
		Intents:  nopIntentLog{},
		Store:    nopStore{},
	})
	require.NoError(t, err)

	replacer, err := NewStopReplacer(StopReplacerConfig{
		Logger:         ports.NopLogger{},
		Exchange:       f.exchange,
		Gateway:        gw,
		Store:          nopStore{},
		ConfirmTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	require.NoError(t, err)
	f.replacer = replacer

	pos, err := domain.NewManagedPosition(domain.PositionParams{
		Symbol: "ETHUSDT", Side: domain.Long,
		Size: dec("10"), EntryPrice: dec("2000"), StopPrice: dec("1950"),
	}, time.Now())
	require.NoError(t, err)
	pos.EntryOrderID = "entry-1"
	pos.AdoptSyntheticFill(domain.Fill{
		FillID: "f1", OrderID: "entry-1", Side: domain.Buy,
		Quantity: dec("10"), Price: dec("2000"), Time: time.Now(), IsEntry: true,
	})
	pos.MarkStopPlaced("stop-old")
	f.reg.RegisterPosition(pos)
	f.pos = pos
	return f
}

// confirmOrders makes the poll loop see whatever order the exchange creates
// next.
func (f *replaceFixture) confirmOrders() {
	f.exchange.openOrders = []ports.OrderStatus{
		{OrderID: "ord-" + string(rune('0'+f.exchange.nextID+1))},
	}
}

// Tests

func TestReplace_NewStopConfirmedBeforeOldCancelled(t *testing.T) {
	f := newReplaceFixture(t)
	f.confirmOrders()

	err := f.replacer.Replace(context.Background(), f.pos, dec("1980"))
	require.NoError(t, err)

	require.Len(t, f.exchange.created, 1)
	assert.Equal(t, ports.OrderTypeStopMarket, f.exchange.created[0].Type)
	assert.Equal(t, []string{"stop-old"}, f.exchange.cancelled)
	assert.Equal(t, "ord-1", f.pos.StopOrderID)
	assert.True(t, f.pos.CurrentStop.Equal(dec("1980")))
}

func TestReplace_PlacementFailureLeavesOldStopUntouched(t *testing.T) {
	f := newReplaceFixture(t)
	f.exchange.createErr = ports.ErrRateLimited

	err := f.replacer.Replace(context.Background(), f.pos, dec("1980"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed)

	assert.Empty(t, f.exchange.cancelled, "old stop must not be cancelled")
	assert.Equal(t, "stop-old", f.pos.StopOrderID)
	assert.True(t, f.pos.CurrentStop.Equal(dec("1950")))
}

func TestReplace_RejectedMoveNeverReachesExchange(t *testing.T) {
	f := newReplaceFixture(t)

	// Looser stop for a long is rejected by the position itself.
	err := f.replacer.Replace(context.Background(), f.pos, dec("1900"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStopMoveRejected)
	assert.Empty(t, f.exchange.created)
	assert.Empty(t, f.exchange.cancelled)
}

func TestReplace_ConfirmTimeoutCancelsNewStop(t *testing.T) {
	f := newReplaceFixture(t)
	// OpenOrders never lists the new stop.
	f.exchange.openOrders = nil

	err := f.replacer.Replace(context.Background(), f.pos, dec("1980"))
	assert.ErrorIs(t, err, ports.ErrStopConfirmTimeout)

	// The unconfirmed replacement was cancelled, the old stop survives.
	assert.Equal(t, []string{"ord-1"}, f.exchange.cancelled)
	assert.Equal(t, "stop-old", f.pos.StopOrderID)
	assert.True(t, f.pos.CurrentStop.Equal(dec("1950")))
}

func TestReplace_OldCancelFailureTolerated(t *testing.T) {
	f := newReplaceFixture(t)
	f.confirmOrders()
	f.exchange.cancelErr = ports.ErrOrderNotFound

	err := f.replacer.Replace(context.Background(), f.pos, dec("1980"))
	require.NoError(t, err, "the old stop may have triggered already")
	assert.Equal(t, "ord-1", f.pos.StopOrderID)
	assert.True(t, f.pos.CurrentStop.Equal(dec("1980")))
}

func TestReplace_PollErrorsDoNotCancelLiveStop(t *testing.T) {
	f := newReplaceFixture(t)
	f.exchange.openErr = ports.ErrExchangeUnavailable

	err := f.replacer.Replace(context.Background(), f.pos, dec("1980"))
	assert.ErrorIs(t, err, ports.ErrStopConfirmTimeout)
	// Listing failures burn the confirmation budget; only the unconfirmed new
	// stop is cancelled, never the old one.
	assert.Equal(t, []string{"ord-1"}, f.exchange.cancelled)
	assert.Equal(t, "stop-old", f.pos.StopOrderID)
}
