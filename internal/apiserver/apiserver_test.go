package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/apiserver/handlers"
	"github.com/flowforge/orchestrator/internal/deployment"
	"github.com/flowforge/orchestrator/internal/domain"
	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/operators"
	"github.com/flowforge/orchestrator/internal/orchestrator"
	"github.com/flowforge/orchestrator/internal/pipeline"
	"github.com/flowforge/orchestrator/internal/platform/logger"
	"github.com/flowforge/orchestrator/internal/resourcepool"
	"github.com/flowforge/orchestrator/internal/store"
	"github.com/flowforge/orchestrator/internal/training"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

func newTestServer(t *testing.T) (*Server, *orchestrator.Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), testLogger(t))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	bus := eventbus.New(2*time.Millisecond, 32, testLogger(t))
	pool := resourcepool.New(domain.ResourceRequirements{CPU: 4, Memory: 4, GPU: 4, Storage: 4})
	pipelines := pipeline.New(operators.NewMemory(), bus, testLogger(t))
	trainer := training.New(bus, testLogger(t))
	srvOp := operators.NewInMemoryServer(func() float64 { return 0.5 })
	deployer := deployment.New(srvOp, bus, testLogger(t))

	eng := orchestrator.New(st, pool, bus, pipelines, trainer, deployer, orchestrator.Config{}, testLogger(t))

	cfg := RouterConfig{
		WorkflowHandler:  handlers.NewWorkflowHandler(eng, st),
		HumanTaskHandler: handlers.NewHumanTaskHandler(eng, st),
		MetricsHandler:   handlers.NewOrchestrationMetricsHandler(st, pool, bus),
		HealthHandler:    handlers.NewHealthHandler(),
	}
	return NewServer(cfg), eng, st
}

func TestHealthCheck(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	srv.Engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("expected body 'ok', got %q", rec.Body.String())
	}
}

func TestStartWorkflowWithInlineDefinition(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	eng.RegisterScript("noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	body := map[string]any{
		"definition": map[string]any{
			"name":    "http-started-workflow",
			"version": "1",
			"steps": []map[string]any{
				{
					"name": "noop-step",
					"type": "script",
					"script": map[string]any{
						"callback": "noop",
					},
				},
			},
		},
	}

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	srv.Engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Execution struct {
			ID uuid.UUID `json:"id"`
		} `json:"execution"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out.Execution.ID == uuid.Nil {
		t.Fatalf("expected an execution id in response, got %s", rec.Body.String())
	}
}

func TestStartWorkflowMissingDefinitionReturns400(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	srv.Engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetWorkflowNotFoundReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/workflows/"+uuid.New().String(), nil)
	srv.Engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOrchestrationMetricsSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/metrics/orchestration", nil)
	srv.Engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if _, ok := out["workflows"]; !ok {
		t.Fatalf("expected a workflows key in %v", out)
	}
}

func TestServerRunAndShutdown(t *testing.T) {
	srv, _, _ := newTestServer(t)

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run("127.0.0.1:0") }()

	// Give ListenAndServe a moment to start before asking it to stop.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error after Shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestServerShutdownBeforeRunIsNoop(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown before Run: %v", err)
	}
}
