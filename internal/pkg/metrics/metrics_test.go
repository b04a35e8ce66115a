package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := New()

	c.WebhookReceived("invoice", "stored")
	c.WebhookReceived("invoice", "stored")
	c.EventProcessed("invoice", "ok", 20*time.Millisecond)
	c.EventExhausted("invoice", "permanent")
	c.SweepCompleted("customer", "ok", map[string]int{"invoice": 2})
	c.LedgerOperation("waive", nil)
	c.LedgerOperation("cancel", errors.New("nope"))
	c.SetQueueDepth("job_queue", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.WebhooksReceived.WithLabelValues("invoice", "stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventsExhausted.WithLabelValues("invoice", "permanent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.SweepMissingFound.WithLabelValues("invoice")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.LedgerOperations.WithLabelValues("cancel", "error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.QueueDepth.WithLabelValues("job_queue")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.WebhookReceived("invoice", "stored")
		c.EventProcessed("invoice", "ok", time.Second)
		c.EventExhausted("invoice", "permanent")
		c.SweepCompleted("airport", "ok", nil)
		c.LedgerOperation("pay", nil)
		c.SetQueueDepth("job_queue", 1)
	})
}

func TestHandlerExposesExhaustedCounter(t *testing.T) {
	c := New()
	c.EventExhausted("subscription", "transient")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "hangarledger_events_exhausted_total"))
}
