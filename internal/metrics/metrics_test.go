package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	c.Outcome("pass")
	c.Filter("route")
	c.Cookie("valid")
	c.RiskAPI("ok", 0.1)
	c.Relay("xhr", "ok")
	c.ActivitySend("ok")
	c.ActivityEvent("block")
	assert.Nil(t, c.Registry())
}

func TestCountersAndExposition(t *testing.T) {
	c := New()
	c.Outcome("block")
	c.Outcome("block")
	c.Filter("user_agent")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Outcomes.WithLabelValues("block")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Filtered.WithLabelValues("user_agent")))

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `enforcer_requests_total{outcome="block"} 2`))
}
