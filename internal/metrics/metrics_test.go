package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_counts(t *testing.T) {
	var r Recorder

	before := testutil.ToFloat64(ledgerAppendsTotal.WithLabelValues("TAX", "ok"))
	r.AppendObserved("TAX", "ok")
	if got := testutil.ToFloat64(ledgerAppendsTotal.WithLabelValues("TAX", "ok")); got != before+1 {
		t.Errorf("appends: got %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(ledgerArchivedTotal)
	r.ArchivedObserved(3)
	if got := testutil.ToFloat64(ledgerArchivedTotal); got != before+3 {
		t.Errorf("archived: got %v, want %v", got, before+3)
	}
}

func TestHandler_servesCollectors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/metrics", Handler())

	Recorder{}.DecryptObserved("granted")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ledger_decrypt_attempts_total") {
		t.Error("decrypt counter missing from exposition")
	}
}

func TestRecordChainStatus(t *testing.T) {
	RecordChainStatus("firm-1", false)
	if got := testutil.ToFloat64(ledgerChainIntact.WithLabelValues("firm-1")); got != 0 {
		t.Errorf("gauge = %v, want 0", got)
	}
	RecordChainStatus("firm-1", true)
	if got := testutil.ToFloat64(ledgerChainIntact.WithLabelValues("firm-1")); got != 1 {
		t.Errorf("gauge = %v, want 1", got)
	}
}
