package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Collect(t *testing.T) {
	m := NewMetrics()
	m.MatchesActive.Inc()
	m.MatchesActive.Inc()
	m.MatchesActive.Dec()
	m.RPCCalls.WithLabelValues("find_match", "ok").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MatchesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCCalls.WithLabelValues("find_match", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RPCCalls.WithLabelValues("find_match", "error")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.MatchDataRelays.Add(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "matchrelay_match_data_relayed_total 3")
	assert.Contains(t, string(body), "go_goroutines")
}
