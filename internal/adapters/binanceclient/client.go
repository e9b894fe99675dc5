package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.ExchangeClient interface using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Binance futures client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{futuresClient: client, logger: cfg.Logger}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / bad key, IP, or permissions
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019, -3005, -3041: // Margin or balance insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly order is rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -4003, -4014, -4015: // Qty, price, or leverage out of range
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// SetServerTime synchronizes the client's clock offset with the exchange.
func (c *Client) SetServerTime(ctx context.Context) error {
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, "SetServerTime")
	}
	return nil
}

// CreateOrder places an order and returns its initial status.
func (c *Client) CreateOrder(ctx context.Context, req ports.CreateOrderRequest) (*ports.OrderStatus, error) {
	op := "CreateOrder"
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	switch req.Type {
	case ports.OrderTypeLimit:
		svc = svc.Price(req.Price.String()).TimeInForce(futures.TimeInForceTypeGTC)
	case ports.OrderTypeStopMarket:
		svc = svc.StopPrice(req.StopPrice.String())
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	st, err := translateCreateResponse(order)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, "Order placed", map[string]interface{}{
		"symbol": req.Symbol, "type": req.Type, "side": req.Side, "orderID": st.OrderID})
	return st, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w: order id %q is not numeric", op, ports.ErrInvalidRequest, orderID)
	}
	if _, err := c.futuresClient.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// FetchOrder retrieves the current status of an order.
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (*ports.OrderStatus, error) {
	op := "FetchOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: order id %q is not numeric", op, ports.ErrInvalidRequest, orderID)
	}
	order, err := c.futuresClient.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateOrder(order)
}

// OpenOrders lists every open order on the account.
func (c *Client) OpenOrders(ctx context.Context) ([]ports.OrderStatus, error) {
	op := "OpenOrders"
	orders, err := c.futuresClient.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]ports.OrderStatus, 0, len(orders))
	for _, o := range orders {
		st, err := translateOrder(o)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		out = append(out, *st)
	}
	return out, nil
}

// OpenPositions lists every exchange position with non-zero exposure.
func (c *Client) OpenPositions(ctx context.Context) ([]ports.ExchangePosition, error) {
	op := "OpenPositions"
	risks, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]ports.ExchangePosition, 0, len(risks))
	for _, risk := range risks {
		amt, err := decimal.NewFromString(risk.PositionAmt)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("parsing position amount %q: %w", risk.PositionAmt, err), op)
		}
		if amt.IsZero() {
			continue
		}
		entry, err := decimal.NewFromString(risk.EntryPrice)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("parsing entry price %q: %w", risk.EntryPrice, err), op)
		}
		side := domain.Long
		if amt.IsNegative() {
			side = domain.Short
		}
		out = append(out, ports.ExchangePosition{
			Symbol:     risk.Symbol,
			Side:       side,
			Quantity:   amt.Abs(),
			EntryPrice: entry,
		})
	}
	return out, nil
}

// ClosePosition flattens a symbol with a reduce-only market order sized to
// the exchange-reported exposure.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	op := "ClosePosition"
	risks, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	for _, risk := range risks {
		amt, err := decimal.NewFromString(risk.PositionAmt)
		if err != nil {
			return c.handleError(ctx, fmt.Errorf("parsing position amount %q: %w", risk.PositionAmt, err), op)
		}
		if amt.IsZero() {
			continue
		}
		side := futures.SideTypeSell
		if amt.IsNegative() {
			side = futures.SideTypeBuy
		}
		if _, err := c.futuresClient.NewCreateOrderService().
			Symbol(risk.Symbol).
			Side(side).
			Type(futures.OrderTypeMarket).
			Quantity(amt.Abs().String()).
			ReduceOnly(true).
			Do(ctx); err != nil {
			return c.handleError(ctx, err, op)
		}
		c.logger.Info(ctx, "Position flattened", map[string]interface{}{"symbol": risk.Symbol, "quantity": amt.Abs().String()})
	}
	return nil
}

// --- Translation helpers ---

func translateCreateResponse(o *futures.CreateOrderResponse) (*ports.OrderStatus, error) {
	origQty, err := parseDecimal(o.OrigQuantity)
	if err != nil {
		return nil, fmt.Errorf("parsing original quantity %q: %w", o.OrigQuantity, err)
	}
	filledQty, err := parseDecimal(o.ExecutedQuantity)
	if err != nil {
		return nil, fmt.Errorf("parsing executed quantity %q: %w", o.ExecutedQuantity, err)
	}
	avgPrice, err := parseDecimal(o.AvgPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing average price %q: %w", o.AvgPrice, err)
	}
	stopPrice, err := parseDecimal(o.StopPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing stop price %q: %w", o.StopPrice, err)
	}
	return &ports.OrderStatus{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Status:        string(o.Status),
		Side:          domain.OrderSide(o.Side),
		Type:          ports.OrderType(o.Type),
		OrigQty:       origQty,
		FilledQty:     filledQty,
		AvgFillPrice:  avgPrice,
		StopPrice:     stopPrice,
		ReduceOnly:    o.ReduceOnly,
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}, nil
}

func translateOrder(o *futures.Order) (*ports.OrderStatus, error) {
	origQty, err := parseDecimal(o.OrigQuantity)
	if err != nil {
		return nil, fmt.Errorf("parsing original quantity %q: %w", o.OrigQuantity, err)
	}
	filledQty, err := parseDecimal(o.ExecutedQuantity)
	if err != nil {
		return nil, fmt.Errorf("parsing executed quantity %q: %w", o.ExecutedQuantity, err)
	}
	avgPrice, err := parseDecimal(o.AvgPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing average price %q: %w", o.AvgPrice, err)
	}
	stopPrice, err := parseDecimal(o.StopPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing stop price %q: %w", o.StopPrice, err)
	}
	return &ports.OrderStatus{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Status:        string(o.Status),
		Side:          domain.OrderSide(o.Side),
		Type:          ports.OrderType(o.Type),
		OrigQty:       origQty,
		FilledQty:     filledQty,
		AvgFillPrice:  avgPrice,
		StopPrice:     stopPrice,
		ReduceOnly:    o.ReduceOnly,
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
