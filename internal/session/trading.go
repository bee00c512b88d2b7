package session

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PlaceOrder sends a buy or sell. A zero price places a market order,
// otherwise a limit order. Amount and price go on the wire exactly as given.
func (s *Session) PlaceOrder(ctx context.Context, instrument string, side Side, amount, price decimal.Decimal) (*OrderResult, error) {
	if !side.Valid() {
		return nil, errors.Errorf("placeOrder: invalid side %q", side)
	}
	if instrument == "" {
		return nil, errors.New("placeOrder: instrument is required")
	}
	if !amount.IsPositive() {
		return nil, errors.Errorf("placeOrder: amount must be positive, got %s", amount)
	}
	if price.IsNegative() {
		return nil, errors.Errorf("placeOrder: price must not be negative, got %s", price)
	}

	params := map[string]interface{}{
		"instrument_name": instrument,
		"amount":          wireDecimal(amount),
		"type":            "market",
	}
	if !price.IsZero() {
		params["type"] = "limit"
		params["price"] = wireDecimal(price)
	}

	raw, err := s.call(ctx, "placeOrder", "private/"+string(side), params, true)
	if err != nil {
		return nil, err
	}
	var res OrderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "placeOrder")
	}
	return &res, nil
}

// CancelOrder cancels one order by id.
func (s *Session) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, errors.New("cancelOrder: order id is required")
	}
	raw, err := s.call(ctx, "cancelOrder", "private/cancel", map[string]interface{}{"order_id": orderID}, true)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, errors.Wrap(err, "cancelOrder")
	}
	return &order, nil
}

// ModifyOrder changes price and amount of an open order.
func (s *Session) ModifyOrder(ctx context.Context, orderID string, price, amount decimal.Decimal) (*OrderResult, error) {
	if orderID == "" {
		return nil, errors.New("modifyOrder: order id is required")
	}
	if !amount.IsPositive() || !price.IsPositive() {
		return nil, errors.Errorf("modifyOrder: price and amount must be positive, got %s / %s", price, amount)
	}
	params := map[string]interface{}{
		"order_id": orderID,
		"amount":   wireDecimal(amount),
		"price":    wireDecimal(price),
	}
	raw, err := s.call(ctx, "modifyOrder", "private/edit", params, true)
	if err != nil {
		return nil, err
	}
	var res OrderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "modifyOrder")
	}
	return &res, nil
}

// GetOrderBook fetches a book snapshot; depth <= 0 uses the exchange default.
// Public: only a connection is required.
func (s *Session) GetOrderBook(ctx context.Context, instrument string, depth int) (*OrderBook, error) {
	if instrument == "" {
		return nil, errors.New("getOrderBook: instrument is required")
	}
	params := map[string]interface{}{"instrument_name": instrument}
	if depth > 0 {
		params["depth"] = depth
	}
	raw, err := s.call(ctx, "getOrderBook", "public/get_order_book", params, false)
	if err != nil {
		return nil, err
	}
	var book OrderBook
	if err := json.Unmarshal(raw, &book); err != nil {
		return nil, errors.Wrap(err, "getOrderBook")
	}
	return &book, nil
}

// GetPositions lists open positions. Empty currency or kind are omitted.
func (s *Session) GetPositions(ctx context.Context, currency, kind string) ([]Position, error) {
	params := map[string]interface{}{}
	if currency != "" {
		params["currency"] = currency
	}
	if kind != "" {
		params["kind"] = kind
	}
	raw, err := s.call(ctx, "getPositions", "private/get_positions", params, true)
	if err != nil {
		return nil, err
	}
	var positions []Position
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, errors.Wrap(err, "getPositions")
	}
	return positions, nil
}
