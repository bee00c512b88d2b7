// Package instruments 通过 REST 拉取合约列表并按结算币种缓存
package instruments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	sdkhttp "github.com/betbot/deritrader/pkg/sdk/http"
)

var log = logrus.WithField("component", "instruments")

// Instrument 合约元数据
type Instrument struct {
	InstrumentName      string          `json:"instrument_name"`
	Kind                string          `json:"kind"`
	BaseCurrency        string          `json:"base_currency"`
	QuoteCurrency       string          `json:"quote_currency"`
	SettlementCurrency  string          `json:"settlement_currency"`
	TickSize            decimal.Decimal `json:"tick_size"`
	MinTradeAmount      decimal.Decimal `json:"min_trade_amount"`
	ContractSize        decimal.Decimal `json:"contract_size"`
	IsActive            bool            `json:"is_active"`
	ExpirationTimestamp int64           `json:"expiration_timestamp"`
}

// Fetcher 调用 REST 方法，sdkhttp.Client 满足该接口
type Fetcher interface {
	Call(ctx context.Context, method string, params map[string]any, out any) error
}

type entry struct {
	list      []Instrument
	fetchedAt time.Time
}

// Catalog 缓存每个币种的合约列表，过期后重新拉取
type Catalog struct {
	fetcher    Fetcher
	currencies []string
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]entry
	now   func() time.Time
}

// NewCatalog currencies 为 Lookup 时需要搜索的币种
func NewCatalog(fetcher Fetcher, currencies []string, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Catalog{
		fetcher:    fetcher,
		currencies: currencies,
		ttl:        ttl,
		cache:      make(map[string]entry),
		now:        time.Now,
	}
}

// NewRESTCatalog 直接用交易所 REST 地址构造
func NewRESTCatalog(baseURL string, currencies []string, ttl time.Duration) *Catalog {
	return NewCatalog(sdkhttp.NewClient(baseURL, sdkhttp.Options{}), currencies, ttl)
}

// List 返回某币种的活跃合约，按名称排序
func (c *Catalog) List(ctx context.Context, currency string) ([]Instrument, error) {
	c.mu.Lock()
	e, ok := c.cache[currency]
	c.mu.Unlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		return e.list, nil
	}

	var list []Instrument
	params := map[string]any{"currency": currency, "expired": false}
	if err := c.fetcher.Call(ctx, "public/get_instruments", params, &list); err != nil {
		return nil, errors.Wrapf(err, "list instruments %s", currency)
	}
	active := list[:0]
	for _, inst := range list {
		if inst.IsActive {
			active = append(active, inst)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].InstrumentName < active[j].InstrumentName })

	c.mu.Lock()
	c.cache[currency] = entry{list: active, fetchedAt: c.now()}
	c.mu.Unlock()
	log.Debugf("loaded %d %s instruments", len(active), currency)
	return active, nil
}

// Lookup 在所有配置的币种中查找合约
func (c *Catalog) Lookup(ctx context.Context, name string) (Instrument, bool, error) {
	for _, cur := range c.currencies {
		list, err := c.List(ctx, cur)
		if err != nil {
			return Instrument{}, false, err
		}
		i := sort.Search(len(list), func(i int) bool { return list[i].InstrumentName >= name })
		if i < len(list) && list[i].InstrumentName == name {
			return list[i], true, nil
		}
	}
	return Instrument{}, false, nil
}

// Invalidate 清空缓存
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[string]entry)
	c.mu.Unlock()
}

// CheckOrder 在发送前检查数量与价格是否符合合约规格；price 为零表示市价单
func (inst Instrument) CheckOrder(amount, price decimal.Decimal) error {
	if !inst.MinTradeAmount.IsZero() {
		if amount.LessThan(inst.MinTradeAmount) {
			return errors.Errorf("%s: amount %s below minimum %s", inst.InstrumentName, amount, inst.MinTradeAmount)
		}
		if !amount.Mod(inst.MinTradeAmount).IsZero() {
			return errors.Errorf("%s: amount %s is not a multiple of %s", inst.InstrumentName, amount, inst.MinTradeAmount)
		}
	}
	if !price.IsZero() && !inst.TickSize.IsZero() && !price.Mod(inst.TickSize).IsZero() {
		return errors.Errorf("%s: price %s is not a multiple of tick size %s", inst.InstrumentName, price, inst.TickSize)
	}
	return nil
}
