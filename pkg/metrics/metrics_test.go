package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRegistry(t *testing.T) {
	reg := GetRegistry()
	require.NotNil(t, reg)

	// Should return same instance
	reg2 := GetRegistry()
	assert.Same(t, reg, reg2)
}

func TestNewCoreMetrics(t *testing.T) {
	ResetRegistry()
	m := NewCoreMetrics()
	require.NotNil(t, m)
	assert.NotNil(t, m.KeyOperations)
	assert.NotNil(t, m.KeysByState)
	assert.NotNil(t, m.AuditEvents)
	assert.NotNil(t, m.ChainSeals)
	assert.NotNil(t, m.AccessDecisions)
	assert.NotNil(t, m.DecisionLatency)
	assert.NotNil(t, m.FieldOperations)
	assert.NotNil(t, m.Classifications)
}

func TestCoreMetricsUsage(t *testing.T) {
	ResetRegistry()
	m := NewCoreMetrics()

	m.KeyOperations.WithLabelValues("generate", "success").Inc()
	m.KeysByState.WithLabelValues("ACTIVE").Set(3)
	m.AuditEvents.WithLabelValues("key_management", "LOW").Inc()
	m.AccessDecisions.WithLabelValues("true").Inc()
	m.DecisionLatency.Observe(0.002)
	// Should not panic
}

func TestHandler(t *testing.T) {
	ResetRegistry()
	m := NewCoreMetrics()
	m.ChainSeals.Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "castellan_audit_chain_seals_total")
}
