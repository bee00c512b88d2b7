package instruments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const btcInstruments = `{"jsonrpc":"2.0","result":[
 {"instrument_name":"BTC-PERPETUAL","kind":"future","base_currency":"BTC","quote_currency":"USD","settlement_currency":"BTC","tick_size":0.5,"min_trade_amount":10,"contract_size":10,"is_active":true},
 {"instrument_name":"BTC-27DEC24","kind":"future","base_currency":"BTC","quote_currency":"USD","settlement_currency":"BTC","tick_size":2.5,"min_trade_amount":10,"contract_size":10,"is_active":false},
 {"instrument_name":"BTC-26DEC25","kind":"future","base_currency":"BTC","quote_currency":"USD","settlement_currency":"BTC","tick_size":2.5,"min_trade_amount":10,"contract_size":10,"is_active":true}
]}`

func newServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("currency") {
		case "BTC":
			_, _ = w.Write([]byte(btcInstruments))
		default:
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCatalog_ListCachesActive(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits)
	cat := NewRESTCatalog(srv.URL+"/api/v2", []string{"BTC"}, time.Minute)

	list, err := cat.List(context.Background(), "BTC")
	require.NoError(t, err)
	require.Len(t, list, 2, "inactive instruments are skipped")
	assert.Equal(t, "BTC-26DEC25", list[0].InstrumentName)
	assert.Equal(t, "BTC-PERPETUAL", list[1].InstrumentName)

	_, err = cat.List(context.Background(), "BTC")
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load(), "second call served from cache")

	cat.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = cat.List(context.Background(), "BTC")
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load(), "expired entries are refetched")
}

func TestCatalog_Lookup(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits)
	cat := NewRESTCatalog(srv.URL, []string{"ETH", "BTC"}, time.Minute)

	inst, ok, err := cat.Lookup(context.Background(), "BTC-PERPETUAL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("0.5").Equal(inst.TickSize))

	_, ok, err = cat.Lookup(context.Background(), "BTC-27DEC24")
	require.NoError(t, err)
	assert.False(t, ok, "inactive instrument is unknown")

	cat.Invalidate()
	_, ok, err = cat.Lookup(context.Background(), "DOGE-PERPETUAL")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInstrument_CheckOrder(t *testing.T) {
	inst := Instrument{
		InstrumentName: "BTC-PERPETUAL",
		TickSize:       decimal.RequireFromString("0.5"),
		MinTradeAmount: decimal.NewFromInt(10),
	}
	assert.NoError(t, inst.CheckOrder(decimal.NewFromInt(20), decimal.RequireFromString("50000.5")))
	assert.NoError(t, inst.CheckOrder(decimal.NewFromInt(10), decimal.Zero))
	assert.Error(t, inst.CheckOrder(decimal.NewFromInt(5), decimal.NewFromInt(50000)))
	assert.Error(t, inst.CheckOrder(decimal.NewFromInt(15), decimal.NewFromInt(50000)))
	assert.Error(t, inst.CheckOrder(decimal.NewFromInt(10), decimal.RequireFromString("50000.25")))
}
