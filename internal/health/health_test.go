package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func TestHandler_Healthy(t *testing.T) {
	h := NewHandler("v1.0.0")
	h.RegisterChecker("storage", NewPingChecker("storage", memory.NewStore()))

	w := serve(t, h, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, StatusHealthy, response.Status)
	assert.Equal(t, "v1.0.0", response.Version)
	assert.Equal(t, StatusHealthy, response.Checks["storage"].Status)
}

func TestHandler_WorstStatusWins(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]Checker
		want     Status
		wantCode int
	}{
		{
			name:     "no checkers",
			want:     StatusHealthy,
			wantCode: http.StatusOK,
		},
		{
			name: "optional failure degrades",
			checkers: map[string]Checker{
				"storage": NewFuncChecker("storage", func(context.Context) error { return nil }),
				"redis":   NewOptionalChecker("redis", failing("timeout")),
			},
			want:     StatusDegraded,
			wantCode: http.StatusOK,
		},
		{
			name: "required failure is unhealthy",
			checkers: map[string]Checker{
				"storage": NewFuncChecker("storage", failing("connection refused")),
				"kafka":   NewOptionalChecker("kafka", failing("no brokers")),
			},
			want:     StatusUnhealthy,
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("test")
			for name, c := range tt.checkers {
				h.RegisterChecker(name, c)
			}

			w := serve(t, h, "/healthz")
			require.Equal(t, tt.wantCode, w.Code)

			var response Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.want, response.Status)
			assert.Len(t, response.Checks, len(tt.checkers))
		})
	}
}

func TestHandler_OptionalFailureKeepsMessage(t *testing.T) {
	h := NewHandler("test")
	h.RegisterChecker("kafka", NewOptionalChecker("kafka", failing("no brokers")))

	check := h.Run(context.Background()).Checks["kafka"]
	assert.Equal(t, StatusDegraded, check.Status)
	assert.Equal(t, "no brokers", check.Message)
}

func TestHandler_CheckTimeout(t *testing.T) {
	h := NewHandler("test", WithCheckTimeout(10*time.Millisecond))
	h.RegisterChecker("slow", NewFuncChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	check := h.Run(context.Background()).Checks["slow"]
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Contains(t, check.Message, context.DeadlineExceeded.Error())
}

func TestHandler_CacheTTL(t *testing.T) {
	var calls atomic.Int32
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h := NewHandler("test", WithCacheTTL(time.Second))
	h.now = func() time.Time { return now }
	h.RegisterChecker("storage", NewFuncChecker("storage", func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	h.Run(context.Background())
	first := h.Run(context.Background())
	require.Equal(t, int32(1), calls.Load(), "second run inside ttl must be served from cache")

	first.Checks["storage"] = Check{Status: StatusUnhealthy}
	assert.Equal(t, StatusHealthy, h.Run(context.Background()).Checks["storage"].Status, "callers must not mutate the cache")

	now = now.Add(time.Second)
	h.Run(context.Background())
	assert.Equal(t, int32(2), calls.Load())

	h.RegisterChecker("redis", NewOptionalChecker("redis", failing("down")))
	assert.Equal(t, StatusDegraded, h.Run(context.Background()).Status, "registering a checker must drop the cache")
}

func TestLivenessHandler(t *testing.T) {
	w := serve(t, http.HandlerFunc(LivenessHandler), "/livez")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{name: "ready", wantCode: http.StatusOK, wantBody: "ready"},
		{name: "not ready", err: errors.New("down"), wantCode: http.StatusServiceUnavailable, wantBody: "not ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("test")
			h.RegisterChecker("storage", NewFuncChecker("storage", func(context.Context) error { return tt.err }))

			w := serve(t, http.HandlerFunc(h.ReadinessHandler), "/readyz")
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestFuncChecker_Duration(t *testing.T) {
	check := NewFuncChecker("test", func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}).Check(context.Background())

	assert.Equal(t, StatusHealthy, check.Status)
	assert.GreaterOrEqual(t, check.DurationMs, int64(10))
}

func TestWorse(t *testing.T) {
	assert.Equal(t, StatusHealthy, worse(StatusHealthy, StatusHealthy))
	assert.Equal(t, StatusDegraded, worse(StatusDegraded, StatusHealthy))
	assert.Equal(t, StatusUnhealthy, worse(StatusDegraded, StatusUnhealthy))
}
