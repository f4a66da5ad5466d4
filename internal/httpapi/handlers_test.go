package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/ops"
)

type testEnv struct {
	authn    *auth.Authenticator
	sessions *auth.Registry
	ops      *ops.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hash := func(secret string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		return string(h)
	}
	dir := auth.NewMemoryDirectory(
		auth.Account{ID: "mgr-1", Identifier: "a@b.com", PasswordHash: hash("correct horse"), Role: auth.RoleManager},
		auth.Account{ID: "sup-1", Identifier: "boss@b.com", PasswordHash: hash("battery staple"), Role: auth.RoleSupervisor},
	)
	sessions := auth.NewRegistry(nil)
	authn := auth.NewAuthenticator(dir, auth.NewThrottle(nil), sessions)
	registry := ops.NewRegistry(auth.NewGate(auth.BuiltinPolicy(), sessions))
	if err := ops.RegisterBuiltins(registry, sessions, "North Hall", "test"); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	if err := ops.Register(registry, auth.OpReportExport, func(context.Context, struct{}) (string, error) {
		return "report.csv", nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return &testEnv{authn: authn, sessions: sessions, ops: registry}
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T, ready readinessChecker) (*apiClient, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	api := New(ready, env.authn, env.ops, Options{Version: "test", RateLimit: 1000, RateBurst: 1000})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}, env
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string) *http.Response {
	c.t.Helper()
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) login(identifier, secret string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]string{"identifier": identifier, "secret": secret}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login status: %d", resp.StatusCode)
	}
	body := decode[loginResponse](c.t, resp)
	if body.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return body.Token
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestLoginAndGuardedOperationFlow(t *testing.T) {
	api, _ := newTestAPI(t, nil)

	mgr := api.login(" A@B.com ", "correct horse")

	resp := api.post("/v1/ops/auth.whoami", nil, bearerHeader(mgr))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("whoami status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	result := body["result"].(map[string]any)
	if result["subject_id"] != "mgr-1" || result["role"] != "manager" {
		t.Fatalf("unexpected whoami: %v", body)
	}

	resp = api.post("/v1/ops/report.export", nil, bearerHeader(mgr))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	errBody := decode[map[string]any](t, resp)
	if errBody["error"] != msgForbidden || errBody["request_id"] == "" {
		t.Fatalf("unexpected forbidden body: %v", errBody)
	}

	sup := api.login("boss@b.com", "battery staple")
	resp = api.post("/v1/ops/report.export", map[string]any{"token": sup}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("envelope token: expected 200, got %d", resp.StatusCode)
	}
	if got := decode[map[string]any](t, resp)["result"]; got != "report.csv" {
		t.Fatalf("unexpected result: %v", got)
	}

	resp = api.post("/v1/auth/logout", nil, bearerHeader(mgr))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status: %d", resp.StatusCode)
	}
	resp = api.post("/v1/ops/auth.whoami", nil, bearerHeader(mgr))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected 401 with challenge after logout, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/logout", map[string]string{"token": "never-issued"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout of unknown token should succeed, got %d", resp.StatusCode)
	}
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	api, _ := newTestAPI(t, nil)

	for _, creds := range []map[string]string{
		{"identifier": "a@b.com", "secret": "wrong"},
		{"identifier": "nobody@b.com", "secret": "correct horse"},
	} {
		resp := api.post("/v1/auth/login", creds, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		if body := decode[map[string]any](t, resp); body["error"] != msgInvalidCredentials {
			t.Fatalf("unexpected body: %v", body)
		}
	}

	resp := api.post("/v1/auth/login", map[string]any{"identifier": "a@b.com", "extra": true}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fields, got %d", resp.StatusCode)
	}
}

func TestLoginLockoutReturnsRetryAfter(t *testing.T) {
	api, _ := newTestAPI(t, nil)
	creds := map[string]string{"identifier": "a@b.com", "secret": "wrong"}
	for i := 0; i < auth.DefaultMaxAttempts; i++ {
		resp := api.post("/v1/auth/login", creds, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, resp.StatusCode)
		}
	}

	resp := api.post("/v1/auth/login", map[string]string{"identifier": "a@b.com", "secret": "correct horse"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	retry, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retry != 300 {
		t.Fatalf("unexpected Retry-After %q", resp.Header.Get("Retry-After"))
	}
	if body := decode[map[string]any](t, resp); body["retry_after_seconds"] != float64(300) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestOperationErrors(t *testing.T) {
	api, _ := newTestAPI(t, nil)

	resp := api.post("/v1/ops/facility.info", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("public op: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/ops/canteen.menu", nil, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unconfigured op: expected 500, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["error"] != msgUnavailable {
		t.Fatalf("unexpected body: %v", body)
	}

	sup := api.login("boss@b.com", "battery staple")
	resp = api.post("/v1/ops/room.assign", nil, bearerHeader(sup))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("configured but unbound op: expected 404, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/ops/facility.info")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

type checkFunc func(context.Context) error

func (f checkFunc) Check(ctx context.Context) error { return f(ctx) }

func TestHealthReadyInfo(t *testing.T) {
	api, _ := newTestAPI(t, ReadyChecker{Checks: []Check{{Name: "store", Fn: func(context.Context) error { return nil }}}})

	resp := api.get("/healthz")
	if body := decode[map[string]any](t, resp); body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected healthz: %v", body)
	}
	resp = api.get("/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = api.get("/v1/info")
	if body := decode[map[string]any](t, resp); body["name"] != serviceName {
		t.Fatalf("unexpected info: %v", body)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("middleware headers missing: %v", resp.Header)
	}

	down, _ := newTestAPI(t, checkFunc(func(context.Context) error { return errors.New("redis down") }))
	resp = down.get("/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["error"] != nil {
		t.Fatalf("readiness must not expose internals: %v", body)
	}
}

func TestReadyCheckerNamesFailingCheck(t *testing.T) {
	rp := ReadyChecker{Checks: []Check{
		{Name: "directory", Fn: func(context.Context) error { return nil }},
		{Name: "store", Fn: func(context.Context) error { return errors.New("timeout") }},
	}}
	err := rp.Check(context.Background())
	if err == nil || err.Error() != "store: timeout" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{&auth.RateLimitError{Remaining: 1}, http.StatusTooManyRequests},
		{auth.ErrUnauthorized, http.StatusUnauthorized},
		{&auth.ForbiddenError{Operation: "x", Required: []auth.Role{auth.RoleSupervisor}}, http.StatusForbidden},
		{&auth.UnconfiguredError{Operation: "x"}, http.StatusInternalServerError},
		{auth.ErrUnknownOperation, http.StatusNotFound},
		{auth.ErrInvalidInput, http.StatusBadRequest},
		{auth.ErrAlreadyExists, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got.status != tc.status {
			t.Fatalf("classify(%v) = %d, want %d", tc.err, got.status, tc.status)
		}
	}
	if f := classify(&auth.RateLimitError{Remaining: 1}); f.retryAfter != 1 {
		t.Fatalf("sub-second block should round up, got %d", f.retryAfter)
	}
}
