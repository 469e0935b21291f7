// Wiring tests for the assembled control plane.
package orchestrator

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		DataDir: t.TempDir(),
		Token:   "T",
		Port:    0,
	})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	o := newTestOrchestrator(t)
	ts := httptest.NewServer(o.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDashboardMountedBehindAuth(t *testing.T) {
	o := newTestOrchestrator(t)
	ts := httptest.NewServer(o.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/moltagent/dashboard/overview")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/moltagent/dashboard/overview", nil)
	req.Header.Set("Authorization", "Bearer T")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
