package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wardkeep.org/internal/obs"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitExceeded(t *testing.T) {
	handler := RequestID(RateLimit(okHandler(), 1, 1))

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After of one second, got %q", rr2.Header().Get("Retry-After"))
	}
	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] == "" || body["request_id"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("buckets must be per client, got %d", rr3.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	handler := RateLimit(okHandler(), 1, 0)
	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d limited with limiting disabled", i)
		}
	}
}

func TestIPLimiterForgetsIdleClients(t *testing.T) {
	l := newIPLimiter(1, 1)
	now := time.Now()
	l.reserve("10.0.0.1", now)
	l.reserve("10.0.0.2", now.Add(2*time.Minute))
	l.reserve("10.0.0.2", now.Add(10*time.Minute))
	if _, ok := l.buckets["10.0.0.1"]; ok {
		t.Fatalf("idle bucket not evicted")
	}
	if _, ok := l.buckets["10.0.0.2"]; !ok {
		t.Fatalf("active bucket evicted")
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	logger := obs.Logger()
	origWriter := logger.Writer()
	logger.SetFlags(0)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(origWriter)

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodPost, "/v1/ops/room.assign?debug=1", nil)
	req.Header.Set("User-Agent", "middleware-test")
	req.Header.Set(requestIDHeader, "req-abc")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v: %q", err, line)
	}
	for _, key := range []string{"ts", "level", "msg", "request_id", "method", "path", "status", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["msg"] != "request_complete" || entry["request_id"] != "req-abc" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["path"] != "/v1/ops/:name" {
		t.Fatalf("path should be canonical, got %v", entry["path"])
	}
	if entry["status"] != float64(http.StatusTeapot) || entry["bytes"] != float64(2) {
		t.Fatalf("unexpected status or size: %v", entry)
	}
	if rr.Header().Get(requestIDHeader) != "req-abc" {
		t.Fatalf("request id not echoed")
	}
}

func TestCORS(t *testing.T) {
	handler := CORS(okHandler(), []string{"https://desk.example"})

	pre := httptest.NewRequest(http.MethodOptions, "/v1/auth/login", nil)
	pre.Header.Set("Origin", "https://desk.example")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, pre)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://desk.example" {
		t.Fatalf("preflight not answered: %d %v", rr.Code, rr.Header())
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Fatalf("Authorization header must be allowed")
	}

	evil := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	evil.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, evil)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unknown origin allowed")
	}

	local := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	local.Header.Set("Origin", "http://localhost:5173")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, local)
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("loopback origin rejected")
	}
}

func TestMaxBodyBytesRejectsLargeLogin(t *testing.T) {
	env := newTestEnv(t)
	api := New(nil, env.authn, env.ops, Options{MaxBodyBytes: 64})
	body := `{"identifier":"a@b.com","secret":"` + strings.Repeat("x", 200) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
