package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"cryptoPositionEngine/internal/domain"
)

// OrderType is the exchange order type the gateway submits.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// CreateOrderRequest describes one order submission. The gateway supplies the
// client order id; adapters must pass it through unchanged so events can be
// matched back to the originating intent.
type CreateOrderRequest struct {
	Symbol        string
	Type          OrderType
	Side          domain.OrderSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit orders only
	StopPrice     decimal.Decimal // stop orders only
	ReduceOnly    bool
	ClientOrderID string
}

// OrderStatus is the exchange's report of one order. FilledQty is CUMULATIVE
// for the order's lifetime, not an increment; the gateway derives deltas.
type OrderStatus struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        string // raw exchange status string
	Side          domain.OrderSide
	Type          OrderType
	OrigQty       decimal.Decimal
	FilledQty     decimal.Decimal // cumulative
	AvgFillPrice  decimal.Decimal
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	LastFillID    string // empty when the exchange reports no per-fill id
	UpdateTime    time.Time
}

// ExchangePosition is one exchange-reported open position.
type ExchangePosition struct {
	Symbol     string
	Side       domain.Side
	Quantity   decimal.Decimal // always positive
	EntryPrice decimal.Decimal
}

// ExchangeClient is the narrow capability interface the engine requires from
// the remote exchange. Idempotency is the gateway's responsibility (client
// order ids plus the intent log), not the adapter's.
type ExchangeClient interface {
	// CreateOrder places an order and returns its initial status.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderStatus, error)
	// CancelOrder cancels an open order.
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// FetchOrder retrieves the current status of an order.
	FetchOrder(ctx context.Context, symbol, orderID string) (*OrderStatus, error)
	// OpenOrders lists every open order on the account.
	OpenOrders(ctx context.Context) ([]OrderStatus, error)
	// OpenPositions lists every open position on the account.
	OpenPositions(ctx context.Context) ([]ExchangePosition, error)
	// ClosePosition flattens a symbol with a reduce-only market order.
	ClosePosition(ctx context.Context, symbol string) error
}
