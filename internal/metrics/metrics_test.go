package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveFetch(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch("static", "hit", 200, 250*time.Millisecond)

	families := gather(t, rec, "stagehand_fetch_requests_total", "stagehand_fetch_request_duration_seconds")

	counter := findMetric(t, families["stagehand_fetch_requests_total"], map[string]string{
		"lane":        "static",
		"outcome":     "hit",
		"status_code": "200",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for fetch requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["stagehand_fetch_request_duration_seconds"], map[string]string{
		"lane":    "static",
		"outcome": "hit",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for fetch latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveCache(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCache(CacheOperationLookup, CacheResultHit)
	rec.ObserveCache(CacheOperationStore, CacheResultStored)

	families := gather(t, rec, "stagehand_cache_operations_total")

	lookup := findMetric(t, families["stagehand_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationLookup),
		"result":    string(CacheResultHit),
	})
	if lookup.GetCounter().GetValue() != 1 {
		t.Fatalf("expected lookup counter 1, got %v", lookup.GetCounter().GetValue())
	}

	store := findMetric(t, families["stagehand_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationStore),
		"result":    string(CacheResultStored),
	})
	if store.GetCounter().GetValue() != 1 {
		t.Fatalf("expected store counter 1, got %v", store.GetCounter().GetValue())
	}
}

func TestRecorderObserveUpstream(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveUpstream("proxy-api", 502, false)
	rec.ObserveUpstream("proxy-media", 0, true)

	families := gather(t, rec, "stagehand_upstream_requests_total")

	ok := findMetric(t, families["stagehand_upstream_requests_total"], map[string]string{
		"lane":         "proxy-api",
		"status_class": "5xx",
	})
	if ok.GetCounter().GetValue() != 1 {
		t.Fatalf("expected 5xx counter 1, got %v", ok.GetCounter().GetValue())
	}

	failed := findMetric(t, families["stagehand_upstream_requests_total"], map[string]string{
		"lane":         "proxy-media",
		"status_class": "error",
	})
	if failed.GetCounter().GetValue() != 1 {
		t.Fatalf("expected error counter 1, got %v", failed.GetCounter().GetValue())
	}
}

func TestRecorderObserveTransition(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveTransition("installing", "waiting")

	families := gather(t, rec, "stagehand_lifecycle_transitions_total")
	metric := findMetric(t, families["stagehand_lifecycle_transitions_total"], map[string]string{
		"from": "installing",
		"to":   "waiting",
	})
	if metric.GetCounter().GetValue() != 1 {
		t.Fatalf("expected transition counter 1, got %v", metric.GetCounter().GetValue())
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveFetch("static", "hit", 200, time.Millisecond)
	rec.ObserveCache(CacheOperationLookup, CacheResultHit)
	rec.ObserveUpstream("proxy-api", 200, false)
	rec.ObserveTransition("waiting", "activating")

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
