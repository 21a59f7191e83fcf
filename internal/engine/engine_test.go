package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"portal-scrape-queue/internal/config"
	"portal-scrape-queue/internal/models"
)

func TestHTTPEngineSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req engineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.JobID != "job-1" || req.Payload["email"] != "a@b.com" {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(models.JobResult{
			Message:    "scraped 4 sections",
			EntityName: "Acme",
			EntityType: "Producer",
			Data:       map[string]any{"sales": []any{}},
		})
	}))
	defer srv.Close()

	e := NewHTTPEngine(config.Config{EngineURL: srv.URL, EngineTimeout: 2 * time.Second})
	res, err := e.Execute(context.Background(), models.Job{ID: "job-1", Type: "pwmr", Payload: map[string]any{"email": "a@b.com"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Message != "scraped 4 sections" || res.EntityName != "Acme" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPEngineReportsPortalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"login error"}`))
	}))
	defer srv.Close()

	e := NewHTTPEngine(config.Config{EngineURL: srv.URL, EngineTimeout: time.Second})
	for i := 0; i < 5; i++ {
		_, err := e.Execute(context.Background(), models.Job{ID: "job-1", Payload: map[string]any{"x": 1}})
		var execErr *ExecutionError
		if !errors.As(err, &execErr) {
			t.Fatalf("expected ExecutionError, got %v", err)
		}
		if execErr.Reason != "login error" || execErr.Transient {
			t.Fatalf("unexpected error %+v", execErr)
		}
	}
	if e.State() != "closed" {
		t.Fatalf("portal failures must not open the breaker, state=%s", e.State())
	}
}

func TestHTTPEngineBreakerOpensOnEngineErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewHTTPEngine(config.Config{EngineURL: srv.URL, EngineTimeout: time.Second})
	job := models.Job{ID: "job-1", Payload: map[string]any{"x": 1}}
	for i := 0; i < 3; i++ {
		if _, err := e.Execute(context.Background(), job); err == nil {
			t.Fatalf("expected error on call %d", i)
		}
	}

	_, err := e.Execute(context.Background(), job)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || !execErr.Transient {
		t.Fatalf("expected transient ExecutionError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("open breaker should short-circuit, engine saw %d calls", got)
	}
}

func TestSimulated(t *testing.T) {
	ctx := context.Background()

	_, err := Simulated{}.Execute(ctx, models.Job{ID: "j", Payload: map[string]any{"should_fail": true}})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}

	res, err := Simulated{}.Execute(ctx, models.Job{ID: "j", Type: "pwmr", Payload: map[string]any{"entity": "E1", "duration_ms": float64(5)}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.EntityName != "E1" || res.Message == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := (Simulated{}).Execute(cctx, models.Job{ID: "j", Payload: map[string]any{"duration_ms": 10000}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
