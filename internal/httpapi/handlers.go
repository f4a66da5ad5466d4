package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/obs"
	"wardkeep.org/internal/ops"
)

const serviceName = "wardkeep-api"

// Check is one named readiness dependency.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ReadyChecker runs every check; the first failure marks the service not ready.
type ReadyChecker struct {
	Checks  []Check
	Timeout time.Duration
}

func (rp ReadyChecker) Check(ctx context.Context) error {
	timeout := rp.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, c := range rp.Checks {
		if c.Fn == nil {
			continue
		}
		if err := c.Fn(ctx); err != nil {
			return errors.New(c.Name + ": " + err.Error())
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options tune the HTTP surface.
type Options struct {
	Version        string
	MaxBodyBytes   int64
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
}

// API is the HTTP front of the auth core.
type API struct {
	mux    *http.ServeMux
	ready  readinessChecker
	authn  *auth.Authenticator
	ops    *ops.Registry
	opts   Options
	nowUTC func() time.Time
}

func New(ready readinessChecker, authn *auth.Authenticator, registry *ops.Registry, opts Options) *API {
	if ready == nil {
		ready = ReadyChecker{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		mux:    http.NewServeMux(),
		ready:  ready,
		authn:  authn,
		ops:    registry,
		opts:   opts,
		nowUTC: func() time.Time { return time.Now().UTC() },
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/ops/{name}", a.handleInvoke)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return a
}

// Handler returns the mux wrapped in the middleware chain, outermost first:
// request id, access log, security headers, CORS, rate limit, body limit, metrics.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RateLimit)
	h = CORS(h, a.opts.AllowedOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Warn("readiness check failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.nowUTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}
