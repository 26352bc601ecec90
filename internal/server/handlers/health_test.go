package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(ctx context.Context) error {
	return s.err
}

func TestHealthHandlerReturnsHealthyStatus(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("aggregator", stubChecker{err: nil})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	manager.HealthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != StatusHealthy {
		t.Fatalf("expected healthy status, got %s", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Fatalf("expected version 1.2.3, got %s", resp.Version)
	}
	if resp.Checks["aggregator"] != StatusHealthy {
		t.Fatalf("expected aggregator check to be healthy, got %s", resp.Checks["aggregator"])
	}
}

func TestHealthHandlerReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("socket", stubChecker{err: errors.New("down")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	manager.HealthHandler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error.Code != "SERVICE_UNAVAILABLE" {
		t.Fatalf("expected SERVICE_UNAVAILABLE error code, got %s", resp.Error.Code)
	}

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks in error details, got %v", resp.Error.Details)
	}
	if status, _ := checks["socket"].(string); status != StatusUnhealthy {
		t.Fatalf("expected socket check to be unhealthy, got %v", checks["socket"])
	}
}

func TestHealthHandlerSlowCheckIsDegraded(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.checkTimeout = 10 * time.Millisecond
	manager.RegisterChecker("slow", CheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != StatusDegraded || resp.Checks["slow"] != StatusTimeout {
		t.Fatalf("expected degraded with timeout check, got %+v", resp)
	}
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("dev")

	tests := []struct {
		checks map[string]string
		want   string
	}{
		{nil, StatusHealthy},
		{map[string]string{"a": StatusHealthy}, StatusHealthy},
		{map[string]string{"a": StatusTimeout}, StatusDegraded},
		{map[string]string{"a": StatusTimeout, "b": StatusUnhealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		if got := manager.determineOverallStatus(tt.checks); got != tt.want {
			t.Fatalf("determineOverallStatus(%v) = %s, want %s", tt.checks, got, tt.want)
		}
	}
}

func TestLivenessIgnoresCheckers(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("socket", stubChecker{err: errors.New("down")})

	rec := httptest.NewRecorder()
	manager.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestInitHealthManager(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	globalHealthManager = nil
	m := InitHealthManager("test-version")

	if globalHealthManager == nil || GetHealthManager() != m {
		t.Fatal("expected global manager to be initialized")
	}
}
