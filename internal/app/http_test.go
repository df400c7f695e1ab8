package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker/api/internal/metrics"
	"tracker/api/internal/ratelimit"
)

func newTestHandler(t *testing.T, fs *fakeStore) (http.Handler, *Service) {
	t.Helper()
	svc, _ := newTestService(fs)
	return NewHTTPServer(svc, nil, "*").Handler(), svc
}

func serve(handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	return payload
}

func TestMoveEndpoint(t *testing.T) {
	fs := newFakeStore("todo", "backlog")
	fs.seed("todo", map[string]float64{"a": 1, "b": 2})
	fs.seed("backlog", map[string]float64{"x": 1})
	handler, _ := newTestHandler(t, fs)

	rr := serve(handler, http.MethodPost, "/api/issues/x/move", `{"columnId":"todo","index":1}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	payload := decodeResponse(t, rr)
	assert.Equal(t, "x", payload["id"])
	assert.Equal(t, 1.5, payload["position"])
	assert.Equal(t, false, payload["rebalanced"])
}

func TestMoveEndpointErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{name: "missing index", method: http.MethodPost, path: "/api/issues/a/move", body: `{"columnId":"todo"}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "negative index", method: http.MethodPost, path: "/api/issues/a/move", body: `{"columnId":"todo","index":-2}`, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "invalid body", method: http.MethodPost, path: "/api/issues/a/move", body: `{"columnId":`, status: http.StatusBadRequest, code: "INVALID_BODY"},
		{name: "unknown issue", method: http.MethodPost, path: "/api/issues/nope/move", body: `{"columnId":"todo","index":0}`, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "unknown column", method: http.MethodPost, path: "/api/issues/a/move", body: `{"columnId":"nope","index":0}`, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "wrong method", method: http.MethodGet, path: "/api/issues/a/move", status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED"},
		{name: "unknown route", method: http.MethodGet, path: "/api/boards", status: http.StatusNotFound, code: "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore("todo")
			fs.seed("todo", map[string]float64{"a": 1})
			handler, _ := newTestHandler(t, fs)

			rr := serve(handler, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.code, decodeResponse(t, rr)["code"])
		})
	}
}

func TestMoveEndpointHonoursIdempotencyKey(t *testing.T) {
	fs := newFakeStore("todo")
	fs.seed("todo", map[string]float64{"a": 1, "b": 2, "c": 3})
	handler, _ := newTestHandler(t, fs)
	headers := map[string]string{"Idempotency-Key": "drag-42"}

	first := serve(handler, http.MethodPost, "/api/issues/c/move", `{"columnId":"todo","index":0}`, headers)
	require.Equal(t, http.StatusOK, first.Code)
	second := serve(handler, http.MethodPost, "/api/issues/c/move", `{"columnId":"todo","index":0}`, headers)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Nil(t, decodeResponse(t, first)["replayed"])
	replay := decodeResponse(t, second)
	assert.Equal(t, true, replay["replayed"])
	assert.Equal(t, 0.5, replay["position"])
}

func TestMoveEndpointRateLimitsPerCaller(t *testing.T) {
	fs := newFakeStore("todo")
	fs.seed("todo", map[string]float64{"a": 1, "b": 2})
	handler, svc := newTestHandler(t, fs)
	svc.limiter = ratelimit.NewLocalLimiter(1, time.Hour)
	body := `{"columnId":"todo","index":0}`

	rr := serve(handler, http.MethodPost, "/api/issues/b/move", body, map[string]string{"X-User-ID": "u1"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(handler, http.MethodPost, "/api/issues/b/move", body, map[string]string{"X-User-ID": "u1"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decodeResponse(t, rr)["code"])

	rr = serve(handler, http.MethodPost, "/api/issues/b/move", body, map[string]string{"X-User-ID": "u2"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestColumnEndpoints(t *testing.T) {
	fs := newFakeStore("todo")
	fs.seed("todo", map[string]float64{"a": 0.25, "b": 0.5})
	handler, _ := newTestHandler(t, fs)

	rr := serve(handler, http.MethodPost, "/api/columns/todo/issues", `{"title":"New card"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, 1.5, decodeResponse(t, rr)["position"])

	rr = serve(handler, http.MethodGet, "/api/columns/todo/issues", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decodeResponse(t, rr)
	assert.Len(t, listed["issues"], 3)
	assert.Equal(t, false, listed["needsRebalancing"])

	rr = serve(handler, http.MethodPost, "/api/columns/todo/rebalance", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1.0, fs.position("a"))
	assert.Equal(t, 2.0, fs.position("b"))

	rr = serve(handler, http.MethodDelete, "/api/columns/todo/issues", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = serve(handler, http.MethodPost, "/api/columns/todo/issues", `{"title":""}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = serve(handler, http.MethodGet, "/api/columns/nope/issues", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(handler, http.MethodGet, "/api/columns", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeResponse(t, rr)["columns"], 1)
}

func TestRequestIDIsEchoed(t *testing.T) {
	handler, _ := newTestHandler(t, newFakeStore())

	rr := serve(handler, http.MethodGet, "/api/health", "", map[string]string{"X-Request-ID": "req-abc"})
	assert.Equal(t, "req-abc", rr.Header().Get("X-Request-ID"))
}

func TestMetricsEndpointReportsMoves(t *testing.T) {
	fs := newFakeStore("todo")
	fs.seed("todo", map[string]float64{"a": 1, "b": 2})
	svc, _ := newTestService(fs)
	recorder := metrics.New()
	svc.metrics = recorder
	handler := NewHTTPServer(svc, recorder.Handler(), "*").Handler()

	rr := serve(handler, http.MethodPost, "/api/issues/b/move", `{"columnId":"todo","index":0}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(handler, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `tracker_issue_moves_total{result="ok"} 1`)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
}

func TestMetricsEndpointDisabledWithoutHandler(t *testing.T) {
	handler, _ := newTestHandler(t, newFakeStore())

	rr := serve(handler, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
