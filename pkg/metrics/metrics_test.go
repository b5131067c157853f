package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerExposesCollectors(t *testing.T) {
	TicksReceived.WithLabelValues("BTCUSDT", "trade").Inc()
	TickAge.WithLabelValues("BTCUSDT").Set(12)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "liqtrader_ticks_received_total"))
	assert.True(t, strings.Contains(body, `liqtrader_tick_age_seconds{symbol="BTCUSDT"} 12`))
}
