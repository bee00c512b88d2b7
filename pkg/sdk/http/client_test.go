package http

import (
	"context"
	stdhttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/deritrader/internal/rpcerr"
)

func TestClient_Call(t *testing.T) {
	srv := httptest.NewServer(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		assert.Equal(t, "/api/v2/public/get_instruments", r.URL.Path)
		assert.Equal(t, "BTC", r.URL.Query().Get("currency"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":[{"instrument_name":"BTC-PERPETUAL"}],"usIn":1,"usOut":2}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/v2/", Options{})
	var out []struct {
		InstrumentName string `json:"instrument_name"`
	}
	require.NoError(t, c.Call(context.Background(), "public/get_instruments", map[string]any{"currency": "BTC"}, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "BTC-PERPETUAL", out[0].InstrumentName)
}

func TestClient_RPCError(t *testing.T) {
	srv := httptest.NewServer(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.WriteHeader(stdhttp.StatusBadRequest)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"Invalid params"}}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, Options{RetryCount: 1}).Call(context.Background(), "public/get_instruments", nil, nil)
	var rpcErr *rpcerr.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32602, rpcErr.Code)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(stdhttp.StatusBadGateway)
			_, _ = w.Write([]byte("bad gateway"))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"ok"}`))
	}))
	defer srv.Close()

	var out string
	c := NewClient(srv.URL, Options{RetryCount: 2, Timeout: 2 * time.Second})
	require.NoError(t, c.Call(context.Background(), "public/test", nil, &out))
	assert.Equal(t, "ok", out)
	assert.EqualValues(t, 2, hits.Load())
}

func TestClient_NonJSONFailure(t *testing.T) {
	srv := httptest.NewServer(stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.WriteHeader(stdhttp.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, Options{RetryCount: 1}).Call(context.Background(), "public/nope", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 404")
}
