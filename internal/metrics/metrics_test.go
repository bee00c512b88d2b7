package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters_ReflectIncrements(t *testing.T) {
	before := Counters()["push_dropped"]
	PushDropped.Add(2)
	assert.Equal(t, before+2, Counters()["push_dropped"])
}

func TestMux_ServesExpvar(t *testing.T) {
	RPCCalls.Add(1)

	rec := httptest.NewRecorder()
	newMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var vars map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vars))
	assert.Contains(t, vars, "rpc_calls")
	assert.Contains(t, vars, "latency")
}
