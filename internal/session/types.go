package session

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// ParseSide accepts "buy"/"sell".
func ParseSide(v string) (Side, error) {
	s := Side(v)
	if !s.Valid() {
		return "", errors.Errorf("invalid side %q (want buy or sell)", v)
	}
	return s, nil
}

// AuthState holds the access token of the current connection.
type AuthState struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	TokenType    string
	ExpiresAt    time.Time
}

// Valid reports whether the token is present and not yet expired at now.
func (a *AuthState) Valid(now time.Time) bool {
	return a != nil && a.AccessToken != "" && now.Before(a.ExpiresAt)
}

type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// Order is an order as reported by the exchange. Unknown fields are kept in Raw.
type Order struct {
	OrderID             string          `json:"order_id"`
	InstrumentName      string          `json:"instrument_name"`
	Direction           string          `json:"direction"`
	OrderType           string          `json:"order_type"`
	State               string          `json:"order_state"`
	Price               decimal.Decimal `json:"price"`
	Amount              decimal.Decimal `json:"amount"`
	FilledAmount        decimal.Decimal `json:"filled_amount"`
	AveragePrice        decimal.Decimal `json:"average_price"`
	Label               string          `json:"label"`
	CreationTimestamp   int64           `json:"creation_timestamp"`
	LastUpdateTimestamp int64           `json:"last_update_timestamp"`
	Raw                 json.RawMessage `json:"-"`
}

// UnmarshalJSON accepts both order_state and state, and a non-numeric price
// such as "market_price".
func (o *Order) UnmarshalJSON(data []byte) error {
	type plain Order
	var aux struct {
		plain
		Price        json.RawMessage `json:"price"`
		AveragePrice json.RawMessage `json:"average_price"`
		StateAlias   string          `json:"state"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "decode order")
	}
	*o = Order(aux.plain)
	o.Price = optionalDecimal(aux.Price)
	o.AveragePrice = optionalDecimal(aux.AveragePrice)
	if o.State == "" {
		o.State = aux.StateAlias
	}
	o.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func optionalDecimal(raw json.RawMessage) decimal.Decimal {
	if len(raw) == 0 {
		return decimal.Zero
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return decimal.Zero
	}
	return d
}

// Trade is one fill produced by an order.
type Trade struct {
	TradeID        string          `json:"trade_id"`
	InstrumentName string          `json:"instrument_name"`
	Direction      string          `json:"direction"`
	Price          decimal.Decimal `json:"price"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Timestamp      int64           `json:"timestamp"`
}

// OrderResult is the outcome of buy/sell/edit. The exchange normally wraps the
// order as {"order":{...},"trades":[...]}; a bare order object is accepted too.
type OrderResult struct {
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
}

func (r *OrderResult) UnmarshalJSON(data []byte) error {
	var probe struct {
		Order  json.RawMessage `json:"order"`
		Trades []Trade         `json:"trades"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.Wrap(err, "decode order result")
	}
	body := probe.Order
	if len(body) == 0 || string(body) == "null" {
		body = data
	}
	if err := json.Unmarshal(body, &r.Order); err != nil {
		return err
	}
	r.Trades = probe.Trades
	return nil
}

// PriceLevel is one [price, amount] book entry.
type PriceLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func (p *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair []decimal.Decimal
	if err := json.Unmarshal(data, &pair); err != nil {
		return errors.Wrap(err, "decode price level")
	}
	if len(pair) < 2 {
		return errors.Errorf("price level needs 2 values, got %d", len(pair))
	}
	p.Price, p.Amount = pair[0], pair[1]
	return nil
}

func (p PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([]json.Number{json.Number(p.Price.String()), json.Number(p.Amount.String())})
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	InstrumentName string          `json:"instrument_name"`
	Timestamp      int64           `json:"timestamp"`
	ChangeID       int64           `json:"change_id"`
	State          string          `json:"state"`
	Bids           []PriceLevel    `json:"bids"`
	Asks           []PriceLevel    `json:"asks"`
	BestBidPrice   decimal.Decimal `json:"best_bid_price"`
	BestAskPrice   decimal.Decimal `json:"best_ask_price"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	IndexPrice     decimal.Decimal `json:"index_price"`
}

// Position is one open position.
type Position struct {
	InstrumentName     string          `json:"instrument_name"`
	Kind               string          `json:"kind"`
	Direction          string          `json:"direction"`
	Size               decimal.Decimal `json:"size"`
	SizeCurrency       decimal.Decimal `json:"size_currency"`
	AveragePrice       decimal.Decimal `json:"average_price"`
	MarkPrice          decimal.Decimal `json:"mark_price"`
	FloatingProfitLoss decimal.Decimal `json:"floating_profit_loss"`
	TotalProfitLoss    decimal.Decimal `json:"total_profit_loss"`
}

// wireDecimal 原样输出十进制字符串，不经过 float64
func wireDecimal(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
