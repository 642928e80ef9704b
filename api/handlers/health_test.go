package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthHandler_HandleHealth(t *testing.T) {
	h := NewHealthHandler("1.2.3", nil)
	// liveness never runs dependency checks
	h.RegisterCheck(NewPingCheck("store", func(ctx context.Context) error { return errors.New("down") }))

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHealthHandler_HandleReady(t *testing.T) {
	pass := func(ctx context.Context) error { return nil }

	tests := []struct {
		name           string
		checks         []HealthCheck
		expectedStatus int
		checkStatus    func(*testing.T, *HealthStatus)
	}{
		{
			name:           "no checks - ready",
			expectedStatus: http.StatusOK,
			checkStatus: func(t *testing.T, s *HealthStatus) {
				assert.Equal(t, "healthy", s.Status)
			},
		},
		{
			name:           "all checks pass",
			checks:         []HealthCheck{NewPingCheck("store", pass), NewPingCheck("redis", pass)},
			expectedStatus: http.StatusOK,
			checkStatus: func(t *testing.T, s *HealthStatus) {
				assert.Len(t, s.Checks, 2)
				assert.Equal(t, "pass", s.Checks["store"].Status)
				assert.Equal(t, "pass", s.Checks["redis"].Status)
			},
		},
		{
			name: "one check fails",
			checks: []HealthCheck{
				NewPingCheck("store", pass),
				NewPingCheck("database", func(ctx context.Context) error { return errors.New("connection refused") }),
			},
			expectedStatus: http.StatusServiceUnavailable,
			checkStatus: func(t *testing.T, s *HealthStatus) {
				assert.Equal(t, "unhealthy", s.Status)
				assert.Equal(t, "pass", s.Checks["store"].Status)
				assert.Equal(t, "fail", s.Checks["database"].Status)
				assert.Equal(t, "connection refused", s.Checks["database"].Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("test", zap.NewNop())
			for _, c := range tt.checks {
				h.RegisterCheck(c)
			}

			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			tt.checkStatus(t, &status)
		})
	}
}

func TestHealthHandler_ReadyCheckHonorsTimeout(t *testing.T) {
	h := NewHealthHandler("test", zap.NewNop())
	h.timeout = 20 * time.Millisecond
	h.RegisterCheck(NewPingCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler("1.0.0", zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleVersion("2026-01-01T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", data["version"])
	assert.Equal(t, "abc123", data["git_commit"])
}

func TestHealthHandler_ConcurrentChecks(t *testing.T) {
	h := NewHealthHandler("test", zap.NewNop())
	for i := 0; i < 10; i++ {
		h.RegisterCheck(NewPingCheck(string(rune('a'+i)), func(ctx context.Context) error { return nil }))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()
}
