package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	t.Run("should expose recorded kestrel metrics", func(t *testing.T) {
		RecordRouteAttempt("primary", 10*time.Millisecond, "success")
		SetBackendHealthy("primary", false)
		RecordApproval("exec", "timeout")
		RecordTurn("completed", 2)
		SetSubagentsRunning(1)

		rec := httptest.NewRecorder()
		MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := rec.Body.String()
		assert.Contains(t, body, `kestrel_route_attempt_total{backend="primary",status="success"}`)
		assert.Contains(t, body, `kestrel_backend_healthy{backend="primary"} 0`)
		assert.Contains(t, body, `kestrel_approval_total{outcome="timeout",tool="exec"}`)
		assert.Contains(t, body, "kestrel_subagent_running 1")
	})
}
