package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Metrics = Noop{}
	m.ObserveUpload(OutcomeOK, 1, 1, 0.1)
	m.ObserveRetrieval(OutcomeOK, 1, 0.1)
	m.ObserveChannelOp("upload", OutcomeOK, 0.1)
	m.ObserveRequest("GET", "/health", "200", 0.1)
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("relaybox")
	m.ObserveUpload(OutcomeOK, 20<<20, 3, 1.5)
	m.ObserveUpload(OutcomeError, 0, 0, 0.2)
	m.ObserveRetrieval(OutcomeOK, 20<<20, 0.7)
	m.ObserveChannelOp("fetch", OutcomeError, 0.05)
	m.ObserveRequest("POST", "/upload", "200", 1.6)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	checks := []struct {
		name   string
		labels map[string]string
	}{
		{"relaybox_uploads_total", map[string]string{"outcome": "ok"}},
		{"relaybox_uploads_total", map[string]string{"outcome": "error"}},
		{"relaybox_upload_bytes_total", nil},
		{"relaybox_upload_parts", nil},
		{"relaybox_retrievals_total", map[string]string{"outcome": "ok"}},
		{"relaybox_channel_operations_total", map[string]string{"op": "fetch", "outcome": "error"}},
		{"relaybox_http_requests_total", map[string]string{"method": "POST", "route": "/upload", "status": "200"}},
		{"relaybox_http_request_duration_seconds", map[string]string{"method": "POST", "route": "/upload"}},
	}
	for _, check := range checks {
		if !hasMetric(families, check.name, check.labels) {
			t.Fatalf("expected %s %v", check.name, check.labels)
		}
	}
	if got := counterValue(families, "relaybox_upload_bytes_total"); got != float64(20<<20) {
		t.Fatalf("expected upload bytes %d, got %v", 20<<20, got)
	}
}

func TestOutcome(t *testing.T) {
	if Outcome(nil) != OutcomeOK {
		t.Fatal("nil error should be ok")
	}
	if Outcome(errors.New("boom")) != OutcomeError {
		t.Fatal("non-nil error should be error")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	NewProm("relaybox").ObserveChannelOp("upload", OutcomeOK, 0.1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "relaybox_channel_operations_total") {
		t.Fatalf("metrics output missing channel counter")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}

func counterValue(families []*dto.MetricFamily, name string) float64 {
	for _, fam := range families {
		if fam.GetName() == name && len(fam.GetMetric()) > 0 {
			return fam.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return -1
}
