package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/pew-pew-pew/pew/internal/auth"
	"github.com/pew-pew-pew/pew/internal/cache"
	"github.com/pew-pew-pew/pew/internal/config"
	"github.com/pew-pew-pew/pew/internal/controller"
	"github.com/pew-pew-pew/pew/internal/controllers"
	"github.com/pew-pew-pew/pew/internal/database"
	"github.com/pew-pew-pew/pew/internal/database/migrations"
	"github.com/pew-pew-pew/pew/internal/httputil"
	"github.com/pew-pew-pew/pew/internal/logging"
	"github.com/pew-pew-pew/pew/internal/metrics"
	"github.com/pew-pew-pew/pew/internal/middleware"
	"github.com/pew-pew-pew/pew/internal/model"
	"github.com/pew-pew-pew/pew/internal/router"
	"github.com/pew-pew-pew/pew/internal/session"
	"github.com/pew-pew-pew/pew/internal/thumbnail"
	"github.com/pew-pew-pew/pew/internal/view"
)

// Options supplies what configuration cannot: application controllers and
// models, and replacements for the configured backends. Nil fields fall back
// to what cfg describes.
type Options struct {
	Logger       *logging.Logger
	DB           *database.Database
	SessionStore session.Store
	Controllers  map[string]controller.Controller
	Models       []model.Definition
}

// Application ties the framework components together and manages the HTTP
// server lifecycle.
type Application struct {
	cfg *config.Config
	log *logging.Logger

	db          *database.Database
	ownsDB      bool
	models      *model.Registry
	sessions    *session.Manager
	auth        *auth.Auth
	tokens      *auth.TokenIssuer
	views       *view.Engine
	cache       *cache.Cache
	thumbs      *thumbnail.Maker
	metrics     *metrics.Metrics
	controllers *controller.Registry
	router      *router.Router
	limiter     *middleware.RateLimiter
	jobs        *cron.Cron

	handler    http.Handler
	httpServer *http.Server
	closeOnce  sync.Once
}

// New builds a fully wired application from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		l, err := logging.New(cfg.App.Name, cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("configure logging: %w", err)
		}
		log = l
	}

	a := &Application{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(cfg.App.Name),
	}

	if err := a.openDatabase(ctx, opts.DB); err != nil {
		return nil, err
	}
	if err := a.registerModels(opts.Models); err != nil {
		a.closeAll()
		return nil, err
	}

	prefix := cfg.Session.Prefix
	if prefix == "" {
		prefix = cfg.App.Name
	}
	a.sessions = session.NewManager(a.sessionStore(opts.SessionStore), session.Options{
		Prefix:     prefix,
		CookieName: cfg.Session.CookieName,
		TTL:        cfg.Session.TTL,
		Secure:     cfg.Session.Secure,
	}, log)

	a.auth = auth.New(a.db, auth.Config{
		Table:         cfg.Auth.Table,
		UsernameField: cfg.Auth.UsernameField,
		PasswordField: cfg.Auth.PasswordField,
	}, log)
	a.tokens = auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.App.Name, cfg.Auth.TokenTTL)
	if !a.tokens.Enabled() {
		log.Info("auth.jwt_secret not set; API tokens disabled")
	}

	views, err := view.New(view.Config{
		Dir:       cfg.Views.Dir,
		Layout:    cfg.Views.Layout,
		Extension: cfg.Views.Extension,
		Reload:    cfg.Views.Reload,
	}, log)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("configure views: %w", err)
	}
	a.views = views

	c, err := cache.Open(cfg.Cache.Driver, cfg.Cache.Dir, cfg.Cache.Path, a.metrics)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("configure cache: %w", err)
	}
	a.cache = c
	a.thumbs = thumbnail.NewMaker(cfg.Thumbs.Root, cfg.Thumbs.Dir, cfg.Thumbs.Quality)

	if err := a.registerControllers(opts.Controllers); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.buildRouter(); err != nil {
		a.closeAll()
		return nil, err
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		a.limiter = middleware.NewRateLimiter(float64(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst, log)
	}
	if err := a.scheduleJobs(); err != nil {
		a.closeAll()
		return nil, err
	}

	a.handler = a.buildHandler()
	a.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

func (a *Application) openDatabase(ctx context.Context, db *database.Database) error {
	if db != nil {
		a.db = db
		return nil
	}
	cfg := a.cfg.Database
	db, err := database.Open(ctx, database.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, database.WithLogger(a.log), database.WithObserver(a.metrics))
	if err != nil {
		return fmt.Errorf("configure database: %w", err)
	}
	a.db = db
	a.ownsDB = true

	if cfg.Migrate {
		applied, err := migrations.Apply(ctx, db)
		if err != nil {
			db.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			a.log.WithField("migrations", applied).Info("Applied migrations")
		}
	}
	return nil
}

func (a *Application) registerModels(defs []model.Definition) error {
	a.models = model.NewRegistry(a.db)
	for _, mc := range a.cfg.Models {
		defs = append(defs, modelFromConfig(mc))
	}
	for _, def := range defs {
		if err := a.models.Register(def); err != nil {
			return fmt.Errorf("register model: %w", err)
		}
	}
	if err := a.models.Validate(); err != nil {
		return fmt.Errorf("models: %w", err)
	}
	return nil
}

func modelFromConfig(mc config.ModelConfig) model.Definition {
	relations := func(in map[string]config.RelationConfig) map[string]model.Relation {
		if len(in) == 0 {
			return nil
		}
		out := make(map[string]model.Relation, len(in))
		for name, rc := range in {
			out[name] = model.Relation{Model: rc.Model, ForeignKey: rc.ForeignKey, OrderBy: rc.OrderBy}
		}
		return out
	}
	return model.Definition{
		Name:       mc.Name,
		Table:      mc.Table,
		PrimaryKey: mc.PrimaryKey,
		Timestamps: mc.Timestamps,
		HasMany:    relations(mc.HasMany),
		HasOne:     relations(mc.HasOne),
		BelongsTo:  relations(mc.BelongsTo),
	}
}

func (a *Application) sessionStore(store session.Store) session.Store {
	if store != nil {
		return store
	}
	if a.cfg.Session.Store == "redis" {
		return session.NewRedisStore(session.RedisOptions{
			Addr:     a.cfg.Session.RedisAddr,
			Password: a.cfg.Session.RedisPass,
			DB:       a.cfg.Session.RedisDB,
		})
	}
	return session.NewMemoryStore()
}

func (a *Application) registerControllers(extra map[string]controller.Controller) error {
	a.controllers = controller.NewRegistry()
	a.controllers.MustRegister("pages", controllers.Pages{})
	a.controllers.MustRegister("users", controllers.Users{AfterLogin: "/"})
	for name, c := range extra {
		if err := a.controllers.Register(name, c); err != nil {
			return fmt.Errorf("register controller: %w", err)
		}
	}
	return nil
}

func (a *Application) buildRouter() error {
	a.router = router.New(a.cfg.App.DefaultController, a.cfg.App.DefaultAction)
	for _, rc := range a.cfg.Routes {
		if err := a.router.Add(rc.Pattern, rc.Target, rc.Methods...); err != nil {
			return fmt.Errorf("configure routes: %w", err)
		}
	}
	return nil
}

// buildHandler assembles the top level mux and the middleware chain.
func (a *Application) buildHandler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)
	if prefix := a.cfg.Thumbs.Prefix; prefix != "" {
		r.PathPrefix(prefix).Handler(http.StripPrefix(prefix, http.HandlerFunc(a.serveThumb))).Methods(http.MethodGet, http.MethodHead)
	}
	if dir, prefix := a.cfg.App.StaticDir, a.cfg.App.StaticPrefix; dir != "" && prefix != "" {
		r.PathPrefix(prefix).Handler(http.StripPrefix(prefix, http.FileServer(http.Dir(dir))))
	}

	app := mux.NewRouter()
	app.Use(a.sessions.Middleware)
	app.Use(middleware.NewAuthMiddleware(a.tokens, a.log).Handler)
	app.Use(middleware.SessionUser(a.auth))
	if len(a.cfg.Auth.Protected) > 0 {
		app.Use(middleware.RequireLogin(a.cfg.Auth.LoginPath, a.router, a.cfg.Auth.Protected...))
	}
	if a.limiter != nil {
		app.Use(a.limiter.Handler)
	}
	app.PathPrefix("/").HandlerFunc(a.dispatch)
	r.PathPrefix("/").Handler(app)

	r.Use(middleware.NewTracingMiddleware(a.log).Handler)
	r.Use(middleware.Recovery(a.log))
	r.Use(middleware.MetricsMiddleware(a.metrics))
	if len(a.cfg.CORS.AllowedOrigins) > 0 {
		r.Use(middleware.NewCORSMiddleware(a.cfg.CORS.AllowedOrigins).Handler)
	}
	return r
}

func (a *Application) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "app": a.cfg.App.Name}
	if err := a.db.Ping(r.Context()); err != nil {
		a.log.WithContext(r.Context()).WithError(err).Warn("Health check failed")
		status["status"] = "degraded"
		status["database"] = err.Error()
		httputil.WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

// Handler returns the application's root handler.
func (a *Application) Handler() http.Handler { return a.handler }

// Config returns the configuration the application was built from.
func (a *Application) Config() *config.Config { return a.cfg }

// DB returns the database handle.
func (a *Application) DB() *database.Database { return a.db }

// Models returns the model registry.
func (a *Application) Models() *model.Registry { return a.models }

// Controllers returns the controller registry.
func (a *Application) Controllers() *controller.Registry { return a.controllers }

// Router returns the request router.
func (a *Application) Router() *router.Router { return a.router }

// Run starts the HTTP server and scheduled jobs and blocks until ctx is
// cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.httpServer.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)

	a.jobs.Start()
	go func() {
		a.log.Infof("HTTP server listening on %s", ln.Addr())
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server and jobs and releases resources.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-a.jobs.Stop().Done()
	a.closeAll()
	return nil
}

// closeAll releases whatever New managed to open. Later calls do nothing.
func (a *Application) closeAll() {
	a.closeOnce.Do(a.release)
}

func (a *Application) release() {
	if a.views != nil {
		if err := a.views.Close(); err != nil {
			a.log.WithError(err).Warn("error closing view watcher")
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.WithError(err).Warn("error closing cache")
		}
	}
	if a.sessions != nil {
		if closer, ok := a.sessions.Store().(io.Closer); ok {
			if err := closer.Close(); err != nil {
				a.log.WithError(err).Warn("error closing session store")
			}
		}
	}
	if a.db != nil && a.ownsDB {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
}
