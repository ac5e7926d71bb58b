package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMiddlewareCountsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/scenarios/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/scenarios/:id", "2xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/scenarios/abc", nil))

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/scenarios/:id", "2xx"))
	if after-before != 1 {
		t.Errorf("expected counter to grow by 1, grew by %v", after-before)
	}
}

func TestObserveChainCall(t *testing.T) {
	ObserveChainCall("lockFunds", "send", time.Now().Add(-time.Second))
	if n := testutil.CollectAndCount(ChainCallDuration); n == 0 {
		t.Error("expected chain call histogram to have samples")
	}
}

func TestObserveChainCall_RecordsPhase(t *testing.T) {
	ChainCallDuration.Reset()

	ObserveChainCall("vote", "simulate", time.Now())

	ch := make(chan prometheus.Metric, 10)
	ChainCallDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram == nil || m.Histogram.GetSampleCount() != 1 {
			continue
		}
		for _, l := range m.GetLabel() {
			if l.GetName() == "phase" && l.GetValue() == "simulate" {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected one simulate sample")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	ActionsTotal.WithLabelValues("lock", "ok").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "bmb_actions_total") {
		t.Error("expected bmb_actions_total in metrics output")
	}
}
