package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPositionEngine/internal/domain"
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
	calls         []string
	createErr     error
	cancelErr     error
	nextOrderID   int
	createdOrders []ports.CreateOrderRequest
}

func (m *mockExchange) CreateOrder(ctx context.Context, req ports.CreateOrderRequest) (*ports.OrderStatus, error) {
	m.calls = append(m.calls, "create")
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.nextOrderID++
	m.createdOrders = append(m.createdOrders, req)
	return &ports.OrderStatus{
		OrderID:       orderID(m.nextOrderID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        "NEW",
		Side:          req.Side,
		Type:          req.Type,
		OrigQty:       req.Quantity,
	}, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, id string) error {
	m.calls = append(m.calls, "cancel:"+id)
	return m.cancelErr
}

func (m *mockExchange) FetchOrder(ctx context.Context, symbol, id string) (*ports.OrderStatus, error) {
	return nil, ports.ErrOrderNotFound
}

func (m *mockExchange) OpenOrders(ctx context.Context) ([]ports.OrderStatus, error) {
	return nil, nil
}

func (m *mockExchange) OpenPositions(ctx context.Context) ([]ports.ExchangePosition, error) {
	return nil, nil
}

func (m *mockExchange) ClosePosition(ctx context.Context, symbol string) error {
	m.calls = append(m.calls, "flatten:"+symbol)
	return nil
}

func orderID(n int) string {
	return "ord-" + string(rune('0'+n))
}

type mockIntentLog struct {
	appendErr error
	appended  []*domain.ActionIntent
	sent      map[string]string
	completed []string
	failed    map[string]string
}

func newMockIntentLog() *mockIntentLog {
	return &mockIntentLog{sent: make(map[string]string), failed: make(map[string]string)}
}

func (m *mockIntentLog) Append(ctx context.Context, intent *domain.ActionIntent) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, intent)
	return nil
}

func (m *mockIntentLog) MarkSent(ctx context.Context, id, exchangeOrderID string) error {
	m.sent[id] = exchangeOrderID
	return nil
}

func (m *mockIntentLog) MarkCompleted(ctx context.Context, id string) error {
	m.completed = append(m.completed, id)
	return nil
}

func (m *mockIntentLog) MarkFailed(ctx context.Context, id, reason string) error {
	m.failed[id] = reason
	return nil
}

func (m *mockIntentLog) PendingIntents(ctx context.Context) ([]domain.ActionIntent, error) {
	return nil, nil
}

type mockStore struct {
	saved []*domain.ManagedPosition
}

func (m *mockStore) SavePosition(ctx context.Context, pos *domain.ManagedPosition) error {
	m.saved = append(m.saved, pos)
	return nil
}

func (m *mockStore) LoadPosition(ctx context.Context, id string) (*domain.ManagedPosition, error) {
	return nil, nil
}

func (m *mockStore) LoadActivePositions(ctx context.Context) ([]*domain.ManagedPosition, error) {
	return nil, nil
}

// Helpers

type fixture struct {
	gw       *Gateway
	exchange *mockExchange
	intents  *mockIntentLog
	store    *mockStore
	reg      *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		exchange: &mockExchange{},
		intents:  newMockIntentLog(),
		store:    &mockStore{},
		reg:      registry.New(nil, 16),
	}
	gw, err := New(Config{
		Logger:   ports.NopLogger{},
		Exchange: f.exchange,
		Registry: f.reg,
		Intents:  f.intents,
		Store:    f.store,
	})
	require.NoError(t, err)
	f.gw = gw
	return f
}

func (f *fixture) registerLong(t *testing.T) *domain.ManagedPosition {
	t.Helper()
	pos, err := domain.NewManagedPosition(domain.PositionParams{
		Symbol: "ETHUSDT", Side: domain.Long,
		Size: dec("10"), EntryPrice: dec("2000"), StopPrice: dec("1950"),
	}, time.Now())
	require.NoError(t, err)
	f.reg.RegisterPosition(pos)
	return pos
}

// Tests

func TestExecute_IntentWrittenBeforeNetworkCall(t *testing.T) {
	f := newFixture(t)
	f.intents.appendErr = errors.New("disk full")

	res := f.gw.Execute(context.Background(), domain.Action{
		Type: domain.ActionOpen, Symbol: "ETHUSDT", Side: domain.Buy, Quantity: dec("10"),
	})

	assert.False(t, res.Success)
	assert.Empty(t, f.exchange.calls, "network call must not start when the intent write fails")
}

func TestExecute_OpenRecordsEntryOrder(t *testing.T) {
	f := newFixture(t)
	pos := f.registerLong(t)

	res := f.gw.Execute(context.Background(), domain.Action{
		Type: domain.ActionOpen, PositionID: pos.ID, Symbol: "ETHUSDT",
		Side: domain.Buy, Quantity: dec("10"),
	})

	require.True(t, res.Success)
	assert.Equal(t, res.ExchangeOrderID, pos.EntryOrderID)
	assert.NotEmpty(t, pos.EntryClientOrderID)

	require.Len(t, f.intents.appended, 1)
	intent := f.intents.appended[0]
	assert.Equal(t, intent.ClientOrderID, pos.EntryClientOrderID)
	assert.Equal(t, res.ExchangeOrderID, f.intents.sent[intent.ID])
}

func TestExecute_SubmissionFailureReturnsTypedResult(t *testing.T) {
	f := newFixture(t)
	f.registerLong(t)
	f.exchange.createErr = ports.ErrInsufficientFunds

	res := f.gw.Execute(context.Background(), domain.Action{
		Type: domain.ActionOpen, Symbol: "ETHUSDT", Side: domain.Buy, Quantity: dec("10"),
	})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ports.ErrInsufficientFunds)
	require.Len(t, f.intents.appended, 1)
	assert.Contains(t, f.intents.failed, f.intents.appended[0].ID)
}

func TestExecute_CloseFullBeginsExit(t *testing.T) {
	f := newFixture(t)
	pos := f.registerLong(t)
	pos.EntryOrderID = "entry-1"
	pos.AdoptSyntheticFill(domain.Fill{
		FillID: "f1", OrderID: "entry-1", Side: domain.Buy,
		Quantity: dec("10"), Price: dec("2000"), Time: time.Now(), IsEntry: true,
	})

	res := f.gw.Execute(context.Background(), domain.Action{
		Type: domain.ActionCloseFull, PositionID: pos.ID, Symbol: "ETHUSDT",
		Side: domain.Sell, Quantity: dec("10"), Reason: domain.ExitReasonManual,
	})

	require.True(t, res.Success)
	assert.Equal(t, domain.StateExitPending, pos.State)
	assert.Equal(t, res.ExchangeOrderID, pos.PendingExitOrderID)
	require.Len(t, f.exchange.createdOrders, 1)
	assert.True(t, f.exchange.createdOrders[0].ReduceOnly)
}

func TestExecute_PlaceStopMarksProtected(t *testing.T) {
	f := newFixture(t)
	pos := f.registerLong(t)
	pos.EntryOrderID = "entry-1"
	pos.AdoptSyntheticFill(domain.Fill{
		FillID: "f1", OrderID: "entry-1", Side: domain.Buy,
		Quantity: dec("10"), Price: dec("2000"), Time: time.Now(), IsEntry: true,
	})
	require.Equal(t, domain.StateOpen, pos.State)

	res := f.gw.Execute(context.Background(), domain.Action{
		Type: domain.ActionPlaceStop, PositionID: pos.ID, Symbol: "ETHUSDT",
		Side: domain.Sell, Quantity: dec("10"), StopPrice: dec("1950"),
	})

	require.True(t, res.Success)
	assert.Equal(t, domain.StateProtected, pos.State)
	assert.Equal(t, res.ExchangeOrderID, pos.StopOrderID)
	require.Len(t, f.exchange.createdOrders, 1)
	assert.Equal(t, ports.OrderTypeStopMarket, f.exchange.createdOrders[0].Type)
}

func TestExecute_UpdateStopLeavesPositionIDsAlone(t *testing.T) {
	f := newFixture(t)
	pos := f.registerLong(t)
	pos.StopOrderID = "stop-old"

	res := f.gw.Execute(context.Background(), domain.Action{
		Type: domain.ActionUpdateStop, PositionID: pos.ID, Symbol: "ETHUSDT",
		Side: domain.Sell, Quantity: dec("10"), StopPrice: dec("1960"),
	})

	require.True(t, res.Success)
	assert.Equal(t, "stop-old", pos.StopOrderID, "replacement swaps ids only after confirmation")
}

func TestHandleOrderUpdate_CumulativeToDelta(t *testing.T) {
	f := newFixture(t)
	pos := f.registerLong(t)
	pos.EntryOrderID = "entry-1"

	_, err := f.gw.HandleOrderUpdate(context.Background(), "ETHUSDT", ports.OrderStatus{
		OrderID: "entry-1", Symbol: "ETHUSDT", Status: "PARTIALLY_FILLED",
		FilledQty: dec("4"), AvgFillPrice: dec("2000"), UpdateTime: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, pos.FilledEntryQty().Equal(dec("4")))

	_, err = f.gw.HandleOrderUpdate(context.Background(), "ETHUSDT", ports.OrderStatus{
		OrderID: "entry-1", Symbol: "ETHUSDT", Status: "FILLED",
		FilledQty: dec("10"), AvgFillPrice: dec("2002"), UpdateTime: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, pos.FilledEntryQty().Equal(dec("10")), "only the delta may be added")
}

func TestHandleOrderUpdate_RepeatedReportAddsNothing(t *testing.T) {
	f := newFixture(t)
	pos := f.registerLong(t)
	pos.EntryOrderID = "entry-1"

	report := ports.OrderStatus{
		OrderID: "entry-1", Symbol: "ETHUSDT", Status: "FILLED",
		FilledQty: dec("10"), AvgFillPrice: dec("2000"), UpdateTime: time.Now(),
	}
	_, err := f.gw.HandleOrderUpdate(context.Background(), "ETHUSDT", report)
	require.NoError(t, err)
	_, err = f.gw.HandleOrderUpdate(context.Background(), "ETHUSDT", report)
	require.NoError(t, err)

	assert.True(t, pos.FilledEntryQty().Equal(dec("10")))
}

func TestHandleOrderUpdate_FirstFillPlacesStop(t *testing.T) {
	f := newFixture(t)
	pos := f.registerLong(t)
	pos.EntryOrderID = "entry-1"

	followUps, err := f.gw.HandleOrderUpdate(context.Background(), "ETHUSDT", ports.OrderStatus{
		OrderID: "entry-1", Symbol: "ETHUSDT", Status: "FILLED",
		FilledQty: dec("10"), AvgFillPrice: dec("2000"), UpdateTime: time.Now(),
	})
	require.NoError(t, err)

	require.Len(t, followUps, 1)
	assert.Equal(t, domain.ActionPlaceStop, followUps[0].Type)
	assert.True(t, followUps[0].StopPrice.Equal(dec("1950")))

	// The follow-up was executed: a stop order reached the exchange and the
	// position is protected.
	require.Len(t, f.exchange.createdOrders, 1)
	assert.Equal(t, ports.OrderTypeStopMarket, f.exchange.createdOrders[0].Type)
	assert.Equal(t, domain.StateProtected, pos.State)
}

func TestHandleOrderUpdate_CloseArchivesAndCancelsStop(t *testing.T) {
	f := newFixture(t)
	pos := f.registerLong(t)
	pos.EntryOrderID = "entry-1"
	pos.AdoptSyntheticFill(domain.Fill{
		FillID: "f1", OrderID: "entry-1", Side: domain.Buy,
		Quantity: dec("10"), Price: dec("2000"), Time: time.Now(), IsEntry: true,
	})
	pos.MarkStopPlaced("stop-1")
	pos.BeginExit("exit-1", domain.ExitReasonManual)

	_, err := f.gw.HandleOrderUpdate(context.Background(), "ETHUSDT", ports.OrderStatus{
		OrderID: "exit-1", Symbol: "ETHUSDT", Status: "FILLED",
		FilledQty: dec("10"), AvgFillPrice: dec("2100"), UpdateTime: time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StateClosed, pos.State)
	_, stillActive := f.reg.Get("ETHUSDT")
	assert.False(t, stillActive)
	assert.Contains(t, f.exchange.calls, "cancel:stop-1")
}

func TestHandleOrderUpdate_CancelReportCarryingFillKeepsPosition(t *testing.T) {
	f := newFixture(t)
	pos := f.registerLong(t)
	pos.EntryOrderID = "entry-1"

	// A single snapshot delivers the partial fill and the cancellation at
	// once: the filled portion is the position, not a dead entry.
	_, err := f.gw.HandleOrderUpdate(context.Background(), "ETHUSDT", ports.OrderStatus{
		OrderID: "entry-1", Symbol: "ETHUSDT", Status: "CANCELED",
		FilledQty: dec("4"), AvgFillPrice: dec("2000"), UpdateTime: time.Now(),
	})
	require.NoError(t, err)

	assert.True(t, pos.FilledEntryQty().Equal(dec("4")))
	assert.NotEqual(t, domain.StateCancelled, pos.State)
	_, stillActive := f.reg.Get("ETHUSDT")
	assert.True(t, stillActive)

	// The fill counted as a first entry fill, so a protective stop for the
	// remaining quantity went out.
	require.Len(t, f.exchange.createdOrders, 1)
	assert.Equal(t, ports.OrderTypeStopMarket, f.exchange.createdOrders[0].Type)
	assert.True(t, f.exchange.createdOrders[0].Quantity.Equal(dec("4")))
	assert.Equal(t, domain.StateProtected, pos.State)
}

func TestHandleOrderUpdate_ExpiredExitReportCarryingFillKeepsRemainder(t *testing.T) {
	f := newFixture(t)
	pos := f.registerLong(t)
	pos.EntryOrderID = "entry-1"
	pos.AdoptSyntheticFill(domain.Fill{
		FillID: "f1", OrderID: "entry-1", Side: domain.Buy,
		Quantity: dec("10"), Price: dec("2000"), Time: time.Now(), IsEntry: true,
	})
	pos.BeginExit("exit-1", domain.ExitReasonManual)

	_, err := f.gw.HandleOrderUpdate(context.Background(), "ETHUSDT", ports.OrderStatus{
		OrderID: "exit-1", Symbol: "ETHUSDT", Status: "EXPIRED",
		FilledQty: dec("4"), AvgFillPrice: dec("2100"), UpdateTime: time.Now(),
	})
	require.NoError(t, err)

	// The exited quantity is recorded and the remainder returns to a resting
	// state instead of staying stuck in the exit.
	assert.True(t, pos.FilledExitQty().Equal(dec("4")))
	assert.True(t, pos.RemainingQty().Equal(dec("6")))
	assert.Equal(t, domain.StateOpen, pos.State)
	assert.Empty(t, pos.PendingExitOrderID)
}

func TestHandleOrderUpdate_UntrackedSymbolIgnored(t *testing.T) {
	f := newFixture(t)
	followUps, err := f.gw.HandleOrderUpdate(context.Background(), "BTCUSDT", ports.OrderStatus{
		OrderID: "x", Symbol: "BTCUSDT", Status: "FILLED", FilledQty: dec("1"),
	})
	require.NoError(t, err)
	assert.Empty(t, followUps)
	assert.Empty(t, f.exchange.calls)
}
