package httpx

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }
	h := rl.Middleware()(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/public/slots", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{200, 200, 429}, codes)

	other := httptest.NewRequest(http.MethodGet, "/api/v1/public/slots", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRedisRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rl := NewRedisRateLimiter(rdb, 1, time.Hour, "test")
	h := rl.Middleware(slog.Default(), false)(okHandler())

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/v1/appointments", nil))
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/v1/appointments", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	require.Equal(t, "rate_limited", body.Code)
}

func TestRedisRateLimiterFailOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	rl := NewRedisRateLimiter(rdb, 1, time.Minute, "test")
	open := httptest.NewRecorder()
	rl.Middleware(slog.Default(), true)(okHandler()).ServeHTTP(open, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, open.Code)

	closed := httptest.NewRecorder()
	rl.Middleware(slog.Default(), false)(okHandler()).ServeHTTP(closed, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, closed.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := WithCORS(DefaultCORSPolicy("https://book.example.com"))(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/appointments", nil)
	req.Header.Set("Origin", "https://book.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://book.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Manage-Token")

	foreign := httptest.NewRequest(http.MethodGet, "/api/v1/public/slots", nil)
	foreign.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, foreign)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestChainRequestIDAndAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		WriteError(w, http.StatusNotFound, "not_found", "appointment not found")
	})
	h := Chain(inner, WithRequestID, WithAccessLog(logger))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/get", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, "req-123", seen)
	require.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	require.Contains(t, buf.String(), `"level":"WARN"`)
	require.Contains(t, buf.String(), `"request_id":"req-123"`)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		ServiceID string `json:"service_id"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"service_id":"s1","extra":1}`))
	require.Error(t, DecodeJSON(req, &dst))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	require.EqualError(t, DecodeJSON(req, &dst), "request body is empty")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"service_id":"s1"}`))
	require.NoError(t, DecodeJSON(req, &dst))
	require.Equal(t, "s1", dst.ServiceID)
}

func TestWithRecoverAndBodyLimit(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	Chain(panicky, WithRequestID, WithRecover(logger)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, logs.String(), "handler panic")

	var dst struct {
		Name string `json:"name"`
	}
	decode := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := DecodeJSON(r, &dst); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	body := `{"name":"` + strings.Repeat("a", 64) + `"}`
	rec = httptest.NewRecorder()
	Chain(decode, WithBodyLimit(16)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
