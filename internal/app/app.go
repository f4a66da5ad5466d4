// Package app assembles the auth core from a config.Config and runs its
// HTTP and gRPC fronts until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"wardkeep.org/internal/audit"
	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/config"
	"wardkeep.org/internal/events"
	"wardkeep.org/internal/httpapi"
	"wardkeep.org/internal/obs"
	"wardkeep.org/internal/ops"
	"wardkeep.org/internal/store"
	"wardkeep.org/internal/store/pg"
)

// Store namespaces.
const (
	sessionsNamespace = "sessions"
	attemptsNamespace = "attempts"
)

const healthInterval = 15 * time.Second

// Build identifies the running binary.
type Build struct {
	Version string
	Commit  string
}

// App owns every long-lived component and the handles they were built on.
type App struct {
	cfg   config.Config
	build Build

	bus      *events.Bus
	sessions *auth.Registry
	throttle *auth.Throttle
	authn    *auth.Authenticator
	gate     *auth.Gate
	ops      *ops.Registry
	api      *httpapi.API
	gateway  *httpapi.GRPCServer
	ready    httpapi.ReadyChecker

	closers []func(context.Context) error
}

// New validates cfg and builds the application. Callers must Close it.
func New(ctx context.Context, cfg config.Config, build Build) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a = &App{cfg: cfg, build: build}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	a.bus = events.New()
	if err := audit.Subscribe(a.bus); err != nil {
		return nil, fmt.Errorf("subscribe audit: %w", err)
	}

	deps, err := a.openStoreDeps(ctx)
	if err != nil {
		return nil, err
	}
	sessionStore, err := openStore[auth.Session](ctx, a, sessionsNamespace, cfg.Auth.SessionTimeout, deps)
	if err != nil {
		return nil, err
	}
	attemptStore, err := openStore[auth.AttemptRecord](ctx, a, attemptsNamespace, cfg.Auth.AttemptWindow+cfg.Auth.BlockDuration, deps)
	if err != nil {
		return nil, err
	}

	directory, err := a.openDirectory(ctx, deps.SQLiteDB)
	if err != nil {
		return nil, err
	}
	hasher := auth.NewPasswordHasher(cfg.Auth.BcryptCost, int64(cfg.Auth.HashConcurrency))
	if err := seedAccounts(ctx, directory, hasher, cfg.Directory.Seed); err != nil {
		return nil, err
	}

	policy, err := auth.BuiltinPolicy().WithOverrides(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	a.sessions = auth.NewRegistry(sessionStore,
		auth.WithSessionTimeout(cfg.Auth.SessionTimeout),
		auth.WithSessionEvents(a.bus),
	)
	a.throttle = auth.NewThrottle(attemptStore,
		auth.WithMaxAttempts(cfg.Auth.MaxAttempts),
		auth.WithAttemptWindow(cfg.Auth.AttemptWindow),
		auth.WithBlockDuration(cfg.Auth.BlockDuration),
	)
	a.authn = auth.NewAuthenticator(directory, a.throttle, a.sessions,
		auth.WithHasher(hasher),
		auth.WithEvents(a.bus),
	)
	a.gate = auth.NewGate(policy, a.sessions, auth.WithGateEvents(a.bus))

	a.ops = ops.NewRegistry(a.gate)
	if err := ops.RegisterBuiltins(a.ops, a.sessions, cfg.Facility, build.Version); err != nil {
		return nil, err
	}

	a.api = httpapi.New(&a.ready, a.authn, a.ops, httpapi.Options{
		Version:        build.Version,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateLimit:      cfg.HTTP.RateLimit,
		RateBurst:      cfg.HTTP.RateBurst,
	})
	a.gateway = httpapi.NewGRPCServer(&a.ready, a.authn, a.ops)
	return a, nil
}

// Operations exposes the registry so facility modules can bind their handlers.
func (a *App) Operations() *ops.Registry { return a.ops }

// Sessions exposes the session registry.
func (a *App) Sessions() *auth.Registry { return a.sessions }

// Handler is the HTTP front with its middleware chain.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Run listens on the configured addresses and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	var grpcLn net.Listener
	if a.cfg.GRPC.Addr != "" {
		if grpcLn, err = net.Listen("tcp", a.cfg.GRPC.Addr); err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listen grpc: %w", err)
		}
	}
	return a.Serve(ctx, httpLn, grpcLn)
}

// Serve runs the HTTP server on httpLn, the gRPC gateway on grpcLn when it is
// not nil, and the sweepers. It returns after a graceful shutdown.
func (a *App) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	if unbound := a.ops.Unbound(); len(unbound) > 0 {
		obs.Warn("operations without handlers", map[string]any{"count": len(unbound), "operations": unbound})
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadTimeout:       a.cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: a.cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      a.cfg.HTTP.WriteTimeout,
		IdleTimeout:       a.cfg.HTTP.IdleTimeout,
	}
	var gs *grpc.Server
	if grpcLn != nil {
		gs = grpc.NewServer(grpc.ChainUnaryInterceptor(httpapi.LoggingInterceptor))
		a.gateway.Register(gs)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obs.Info("http listening", map[string]any{"addr": httpLn.Addr().String(), "version": a.build.Version})
		if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	if gs != nil {
		g.Go(func() error {
			obs.Info("grpc listening", map[string]any{"addr": grpcLn.Addr().String()})
			if err := gs.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			a.refreshHealth(ctx)
			return nil
		})
	}
	g.Go(func() error {
		a.sessions.Run(ctx, a.cfg.Auth.SweepInterval)
		return nil
	})
	g.Go(func() error {
		a.throttle.Run(ctx, a.cfg.Auth.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		obs.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if gs != nil {
			a.gateway.Shutdown()
			gs.GracefulStop()
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) refreshHealth(ctx context.Context) {
	check := func() {
		if err := a.gateway.RefreshHealth(ctx); err != nil && ctx.Err() == nil {
			obs.Warn("readiness check failed", map[string]any{"error": err.Error()})
		}
	}
	check()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Close waits for pending audit deliveries and releases stores and databases
// in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	if a.bus != nil {
		a.bus.WaitAsync()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) { a.closers = append(a.closers, fn) }

func (a *App) addCheck(name string, fn func(context.Context) error) {
	a.ready.Checks = append(a.ready.Checks, httpapi.Check{Name: name, Fn: fn})
}

// openStoreDeps opens the shared Redis client or SQLite handle once so both
// namespaces reuse the same connection.
func (a *App) openStoreDeps(ctx context.Context) (store.Dependencies, error) {
	var deps store.Dependencies
	switch a.cfg.Store.Driver {
	case store.DriverRedis:
		client, err := store.OpenRedis(ctx, *a.cfg.Store.Redis)
		if err != nil {
			return deps, err
		}
		a.onClose(func(context.Context) error { return client.Close() })
		a.addCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
		deps.Redis = client
	case store.DriverSQLite:
		db, err := openGorm(a.cfg.Store.SQLite.DSN, a.onClose)
		if err != nil {
			return deps, err
		}
		deps.SQLiteDB = db
	}
	return deps, nil
}

func openStore[V any](ctx context.Context, a *App, namespace string, ttl time.Duration, deps store.Dependencies) (store.Store[V], error) {
	cfg := a.cfg.Store
	cfg.Namespace = namespace
	cfg.TTL = ttl
	s, err := store.New[V](ctx, cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", namespace, err)
	}
	a.onClose(s.Close)
	return s, nil
}

func (a *App) openDirectory(ctx context.Context, shared *gorm.DB) (auth.AccountStore, error) {
	dc := a.cfg.Directory
	switch dc.Driver {
	case config.DirectoryPostgres:
		db, err := pg.Open(ctx, dc.DSN, pg.Pool{})
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return db.Close() })
		dir := auth.NewPGDirectory(db)
		a.addCheck("postgres", dir.Ping)
		return dir, nil
	case config.DirectorySQLite:
		db := shared
		if db == nil || a.cfg.Store.SQLite == nil || a.cfg.Store.SQLite.DSN != dc.DSN {
			var err error
			if db, err = openGorm(dc.DSN, a.onClose); err != nil {
				return nil, err
			}
		}
		return auth.NewGormDirectory(db)
	default:
		return auth.NewMemoryDirectory(), nil
	}
}

func openGorm(dsn string, onClose func(func(context.Context) error)) (*gorm.DB, error) {
	db, err := store.OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	onClose(func(context.Context) error { return sqlDB.Close() })
	return db, nil
}

// seedAccounts provisions configured accounts, leaving existing identifiers
// alone. Hashes whose cost differs from the hasher's are seeded with a warning:
// their compare time no longer matches the unknown-identifier path.
func seedAccounts(ctx context.Context, dir auth.AccountWriter, hasher *auth.PasswordHasher, seeds []config.SeedAccount) error {
	for _, s := range seeds {
		account := auth.Account{
			Identifier:   s.Identifier,
			PasswordHash: s.PasswordHash,
			Role:         auth.Role(s.Role),
		}
		if !hasher.MatchesCost(s.PasswordHash) {
			obs.Warn("seed hash cost differs from auth.bcrypt_cost", map[string]any{
				"identifier": auth.NormalizeIdentifier(s.Identifier),
				"want_cost":  hasher.Cost(),
			})
		}
		err := dir.CreateAccount(ctx, &account)
		switch {
		case errors.Is(err, auth.ErrAlreadyExists):
			continue
		case err != nil:
			return fmt.Errorf("seed %s: %w", auth.NormalizeIdentifier(s.Identifier), err)
		}
		obs.Info("account seeded", map[string]any{"subject_id": account.ID, "role": string(account.Role)})
	}
	return nil
}
