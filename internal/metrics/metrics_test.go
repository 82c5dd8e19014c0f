package metrics

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{502, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMiddlewareAndEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())
	r.GET("/api/v1/reports/driver-risk", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/reports/driver-risk", "5xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/reports/driver-risk?days=7", nil))

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/reports/driver-risk", "5xx"))
	if after != before+1 {
		t.Errorf("request counter = %v, want %v", after, before+1)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"fleetrisk_high_risk_drivers", "fleetrisk_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestObserveAnalysis(t *testing.T) {
	kind := func(error) string { return "data_access" }
	before := testutil.ToFloat64(AnalysisErrorsTotal.WithLabelValues("risk", "data_access"))

	ObserveAnalysis("risk", time.Now(), nil, kind)
	ObserveAnalysis("risk", time.Now(), errors.New("locked"), kind)

	if got := testutil.ToFloat64(AnalysisErrorsTotal.WithLabelValues("risk", "data_access")); got != before+1 {
		t.Errorf("errors = %v, want %v", got, before+1)
	}
}

func TestStartDBStatsCollector(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	StartDBStatsCollector(ctx, db, 5*time.Millisecond)

	if got := testutil.ToFloat64(DBOpenConnections); got < 1 {
		t.Errorf("open connections gauge = %v, want >= 1", got)
	}
	if got := testutil.ToFloat64(GoroutineCount); got < 1 {
		t.Errorf("goroutine gauge = %v", got)
	}
}
