package metrics

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/platform/logger"
	"github.com/flowforge/orchestrator/internal/resourcepool"
	"github.com/flowforge/orchestrator/internal/store"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

func TestObserveAPIAppearsInExposition(t *testing.T) {
	m := New(testLogger(t))
	m.ObserveAPI("GET", "/workflows/:id", "200", 25*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "orchestrator_api_requests_total") {
		t.Fatalf("expected api request counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(body, `method="GET"`) || !strings.Contains(body, `route="/workflows/:id"`) {
		t.Fatalf("expected method/route labels in exposition, got:\n%s", body)
	}
}

func TestApiInflightIncDec(t *testing.T) {
	m := New(testLogger(t))
	m.ApiInflightInc()
	m.ApiInflightInc()
	m.ApiInflightDec()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "orchestrator_api_inflight_requests 1") {
		t.Fatalf("expected inflight gauge at 1, got:\n%s", rec.Body.String())
	}
}

func TestCollectOnceReflectsStorePoolAndBus(t *testing.T) {
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), testLogger(t))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	pool := resourcepool.New(domain.ResourceRequirements{CPU: 4, Memory: 4, GPU: 4, Storage: 4})
	pool.Allocate("req-1", domain.ResourceRequirements{CPU: 2})

	bus := eventbus.New(2*time.Millisecond, 8, testLogger(t))
	bus.Close() // forces a publish-after-close drop below
	bus.Publish("topic", eventbus.Event{Subtype: "x"})

	m := New(testLogger(t))
	m.collectOnce(context.Background(), testLogger(t), st, pool, bus)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `dimension="cpu"} 0.5`) {
		t.Fatalf("expected cpu utilization of 0.5, got:\n%s", body)
	}
	if !strings.Contains(body, "orchestrator_eventbus_dropped_updates_total 1") {
		t.Fatalf("expected one dropped update counted, got:\n%s", body)
	}
	if !strings.Contains(body, "orchestrator_workflows_total 0") {
		t.Fatalf("expected zero workflows on a fresh store, got:\n%s", body)
	}
}
