// Package app wires all clonecall subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the background sweeper, and Shutdown
// tears everything down in order.
//
// For testing, inject implementations via functional options (WithStore,
// WithProvider, etc.). When an option is not provided, New creates real
// implementations from the config and the provider registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/clonecall/internal/adapter/push"
	"github.com/MrWong99/clonecall/internal/adapter/sip"
	"github.com/MrWong99/clonecall/internal/adapter/twilio"
	"github.com/MrWong99/clonecall/internal/api"
	"github.com/MrWong99/clonecall/internal/call"
	"github.com/MrWong99/clonecall/internal/clock"
	"github.com/MrWong99/clonecall/internal/clonecache"
	"github.com/MrWong99/clonecall/internal/config"
	"github.com/MrWong99/clonecall/internal/health"
	"github.com/MrWong99/clonecall/internal/observe"
	"github.com/MrWong99/clonecall/internal/orchestrator"
	"github.com/MrWong99/clonecall/internal/resilience"
	"github.com/MrWong99/clonecall/internal/sample"
	"github.com/MrWong99/clonecall/internal/store"
	"github.com/MrWong99/clonecall/internal/store/postgres"
	"github.com/MrWong99/clonecall/internal/voiceclient"
	"github.com/MrWong99/clonecall/pkg/provider/voice"
)

// sweepBatch bounds how many overdue calls one sweep times out.
const sweepBatch = 500

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	level    *slog.LevelVar
	clock    clock.Clock
	metrics  *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store    store.Store
	redis    redis.UniversalClient
	layer    *clonecache.RedisLayer
	cache    *clonecache.Cache
	backends []sample.Backend
	samples  *sample.Repository
	provider voice.Provider
	voice    *voiceclient.Client
	orch     *orchestrator.Orchestrator
	ctrl     *call.Controller
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a record store instead of creating one from config.
// The caller keeps ownership and closes it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRedis injects a Redis client for the clone cache layer instead of
// dialling cache.redis_url.
func WithRedis(c redis.UniversalClient) Option {
	return func(a *App) { a.redis = c }
}

// WithProvider injects a voice provider instead of creating one through the
// registry.
func WithProvider(p voice.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithBackends injects the sample backends instead of creating them through
// the registry.
func WithBackends(b ...sample.Backend) Option {
	return func(a *App) { a.backends = b }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics overrides the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets the app adjust the log level on config reloads.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg supplies the
// voice provider and sample backend factories; it may be nil when both are
// injected with options.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: reg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.clock == nil {
		a.clock = clock.System{}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(slogLevel(cfg.Server.LogLevel))
	}

	// ── 1. Record store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Clone cache ───────────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 3. Sample repository ─────────────────────────────────────────────
	if err := a.initSamples(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init samples: %w", err)
	}

	// ── 4. Voice provider ────────────────────────────────────────────────
	if err := a.initProvider(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init provider: %w", err)
	}

	// ── 5. Orchestrator + controller ─────────────────────────────────────
	a.orch = orchestrator.New(orchestrator.Config{
		Store:    a.store,
		Cache:    a.cache,
		Samples:  a.samples,
		Provider: a.voice,
		Policy:   cfg.Policy(),
		Clock:    a.clock,
		Metrics:  a.metrics,
	})

	ctrl, err := call.New(call.Config{
		Store:          a.store,
		Samples:        a.samples,
		Orchestrator:   a.orch,
		Provider:       a.voice,
		Greeting:       cfg.Call.Greeting,
		HoldAudioURL:   cfg.Call.HoldAudioURL,
		FailureMessage: cfg.Call.FailureMessage,
		Fallback: call.FallbackPolicy{
			OnFailure:      call.FallbackAction(cfg.Call.Fallback.OnFailure),
			OnTimeout:      call.FallbackAction(cfg.Call.Fallback.OnTimeout),
			DefaultVoiceID: cfg.Call.Fallback.DefaultVoiceID,
		},
		Clock: a.clock,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("app: init controller: %w", err)
	}
	a.ctrl = ctrl

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured record store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		s, err := postgres.Open(ctx, a.cfg.Store.PostgresDSN, postgres.Options{
			Migrate:  a.cfg.Store.Migrate,
			MaxConns: a.cfg.Store.MaxConns,
		})
		if err != nil {
			return err
		}
		a.store = s
		slog.Info("connected to postgres store", "migrate", a.cfg.Store.Migrate)
	default:
		a.store = store.NewMemStore()
		slog.Info("using in-memory store")
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

// initCache builds the clone cache with an optional Redis layer.
func (a *App) initCache(ctx context.Context) error {
	if a.redis == nil && a.cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.redis = client
		a.closers = append(a.closers, client.Close)
	}

	cacheOpts := []clonecache.Option{
		clonecache.WithClock(a.clock),
		clonecache.WithMetrics(a.metrics),
	}
	if a.redis != nil {
		a.layer = clonecache.NewRedisLayer(a.redis, a.cfg.Cache.KeyPrefix)
		if err := a.layer.Ping(ctx); err != nil {
			// The store stays authoritative, so a cold Redis only costs latency.
			slog.Warn("redis unreachable at startup, continuing", "err", err)
		}
		cacheOpts = append(cacheOpts, clonecache.WithLayer(a.layer))
	}
	a.cache = clonecache.New(a.store, cacheOpts...)
	return nil
}

// initSamples creates the sample backends through the registry unless they
// were injected, and builds the repository over them.
func (a *App) initSamples() error {
	if len(a.backends) == 0 {
		if a.registry == nil {
			return errors.New("no registry to create sample backends")
		}
		for _, bc := range a.cfg.Samples.Backends {
			bs, err := a.registry.CreateBackend(bc)
			if err != nil {
				return fmt.Errorf("create backend %q: %w", bc.Name, err)
			}
			if c, ok := bs.(interface{ Close() error }); ok {
				a.closers = append(a.closers, c.Close)
			}
			a.backends = append(a.backends, sample.Backend{Name: bc.Name, Store: bs})
			slog.Info("sample backend created", "name", bc.Name, "type", bc.Type)
		}
	}

	repo, err := sample.New(a.store, a.backends, sample.Options{
		MaxBytes: a.cfg.Samples.MaxBytes,
		MinBytes: a.cfg.Samples.MinBytes,
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  a.cfg.Provider.Breaker.MaxFailures,
			ResetTimeout: a.cfg.Provider.Breaker.ResetTimeout,
		},
	})
	if err != nil {
		return err
	}
	a.samples = repo
	return nil
}

// initProvider creates the voice provider and its retrying client.
func (a *App) initProvider() error {
	if a.provider == nil {
		if a.registry == nil {
			return errors.New("no registry to create the voice provider")
		}
		p, err := a.registry.CreateVoice(a.cfg.Provider)
		if err != nil {
			return fmt.Errorf("create provider %q: %w", a.cfg.Provider.Name, err)
		}
		a.provider = p
		slog.Info("provider created", "name", a.cfg.Provider.Name)
	}

	a.voice = voiceclient.New(a.provider, voiceclient.Config{
		ProviderName:   a.cfg.Provider.Name,
		Attempts:       a.cfg.Provider.Retry.Attempts,
		BaseDelay:      a.cfg.Provider.Retry.BaseDelay,
		MaxDelay:       a.cfg.Provider.Retry.MaxDelay,
		RequestTimeout: a.cfg.Call.RequestTimeout,
		Breaker: resilience.CircuitBreakerConfig{
			Name:         "voice/" + a.cfg.Provider.Name,
			MaxFailures:  a.cfg.Provider.Breaker.MaxFailures,
			ResetTimeout: a.cfg.Provider.Breaker.ResetTimeout,
		},
		Metrics: a.metrics,
	})
	return nil
}

// initHTTP mounts every handler on one mux behind the observability middleware.
func (a *App) initHTTP() {
	mux := http.NewServeMux()

	checkers := []health.Checker{
		{Name: "store", Check: a.store.Ping},
		{Name: "provider", Check: func(context.Context) error {
			if st := a.voice.BreakerState(); st == resilience.StateOpen {
				return fmt.Errorf("circuit %s", st)
			}
			return nil
		}},
	}
	if a.layer != nil {
		checkers = append(checkers, health.Checker{Name: "redis", Check: a.layer.Ping})
	}
	health.New(checkers...).Register(mux)

	twilio.New(a.ctrl, twilio.Config{
		PublicURL:      a.cfg.Server.PublicURL,
		Voice:          a.cfg.Twilio.Voice,
		Language:       a.cfg.Twilio.Language,
		FailureMessage: a.cfg.Call.FailureMessage,
	}).Register(mux)
	sip.New(a.ctrl).Register(mux)
	push.New(a.ctrl, push.Config{
		CheckInterval:  a.cfg.Push.CheckInterval,
		OriginPatterns: a.cfg.Push.OriginPatterns,
	}).Register(mux)
	api.New(a.ctrl, a.samples, api.Config{MaxSampleBytes: a.cfg.Samples.MaxBytes}).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the call controller.
func (a *App) Controller() *call.Controller { return a.ctrl }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and runs the sweeper. It blocks
// until ctx is cancelled or the listener fails. A cancelled ctx is not an
// error.
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		a.sweepLoop(gctx)
		return nil
	})

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "provider", a.cfg.Provider.Name)
	return g.Wait()
}

// sweepLoop runs [App.Sweep] every call.sweep_interval until ctx is done.
func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Call.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Sweep times out cloning calls past their deadline and purges expired clone
// records older than cache.clone_retention.
func (a *App) Sweep(ctx context.Context) {
	n, err := a.orch.SweepOverdue(ctx, sweepBatch)
	if err != nil {
		slog.Warn("sweep overdue calls failed", "err", err)
	} else if n > 0 {
		slog.Info("timed out overdue calls", "count", n)
	}

	purged, err := a.cache.Purge(ctx, a.clock.Now().Add(-a.cfg.Cache.CloneRetention))
	if err != nil {
		slog.Warn("purge expired clones failed", "err", err)
	} else if purged > 0 {
		slog.Info("purged expired clones", "count", purged)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig is the [config.Watcher] callback. Only the log level takes effect
// immediately; other changes are logged and wait for a restart.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown cancels in-flight clone workflows, waits for background work and
// closes the subsystems. It respects the context deadline: if ctx expires
// before everything drained, the remaining closers still run and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", len(a.orch.Active()), "closers", len(a.closers))

		if err := a.orch.Shutdown(ctx); err != nil {
			slog.Warn("orchestrator shutdown incomplete", "err", err)
			shutdownErr = err
		}
		if err := waitCtx(ctx, a.ctrl.Wait); err != nil {
			slog.Warn("fallback sessions still running", "err", err)
			shutdownErr = err
		}
		if err := waitCtx(ctx, a.voice.Wait); err != nil {
			slog.Warn("provider requests still running", "err", err)
			shutdownErr = err
		}
		a.cache.Flush()

		a.close()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close runs the closers in reverse order of creation.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// waitCtx runs wait in the background and returns when it finishes or ctx is
// done, whichever comes first.
func waitCtx(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// slogLevel converts a config log level to its slog equivalent.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
