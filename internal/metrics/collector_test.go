package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := NewCollector(func() int { return 3 })

	t.Run("counts login outcomes by reason", func(t *testing.T) {
		c.ObserveLogin(OutcomeSuccess, "")
		c.ObserveLogin(OutcomeFailed, "state_mismatch")
		c.ObserveLogin(OutcomeFailed, "state_mismatch")

		assert.Equal(t, float64(1), testutil.ToFloat64(c.loginOutcomes.WithLabelValues(OutcomeSuccess, "")))
		assert.Equal(t, float64(2), testutil.ToFloat64(c.loginOutcomes.WithLabelValues(OutcomeFailed, "state_mismatch")))
	})

	t.Run("counts created users", func(t *testing.T) {
		c.UserCreated()
		assert.Equal(t, float64(1), testutil.ToFloat64(c.usersCreated))
	})

	t.Run("records provider latency", func(t *testing.T) {
		c.ObserveProvider(OpExchangeCode, 120*time.Millisecond)
		c.ObserveProvider(OpFetchProfile, 80*time.Millisecond)

		count := testutil.CollectAndCount(c.providerDuration)
		assert.Equal(t, 2, count, "one series per operation")
	})

	t.Run("exposes the session gauge", func(t *testing.T) {
		families, err := c.Registry().Gather()
		require.NoError(t, err)

		found := false
		for _, mf := range families {
			if mf.GetName() == "loginbridge_active_sessions" {
				found = true
				assert.Equal(t, float64(3), mf.GetMetric()[0].GetGauge().GetValue())
			}
		}
		assert.True(t, found)
	})

	t.Run("serves the exposition format", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body := rec.Body.String()
		assert.Contains(t, body, "loginbridge_login_attempts_total")
		assert.Contains(t, body, "loginbridge_provider_request_duration_seconds")
	})
}

func TestNewCollectorWithoutSessionGauge(t *testing.T) {
	c := NewCollector(nil)

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.False(t, strings.HasSuffix(mf.GetName(), "active_sessions"))
	}
}

func TestCollectSystem(t *testing.T) {
	snap := CollectSystem(t.TempDir())

	assert.NotEmpty(t, snap.GoVersion)
	assert.Greater(t, snap.Goroutines, 0)
	assert.NotZero(t, snap.HeapAllocBytes)
	assert.NotZero(t, snap.Timestamp)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, int64(0))
}
