package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/psantana5/taskgate/pkg/api"
	"github.com/psantana5/taskgate/pkg/auth"
	"github.com/psantana5/taskgate/pkg/cleanup"
	"github.com/psantana5/taskgate/pkg/config"
	"github.com/psantana5/taskgate/pkg/coordinator"
	"github.com/psantana5/taskgate/pkg/engine"
	"github.com/psantana5/taskgate/pkg/logging"
	"github.com/psantana5/taskgate/pkg/metrics"
	"github.com/psantana5/taskgate/pkg/ratelimit"
	"github.com/psantana5/taskgate/pkg/results"
	"github.com/psantana5/taskgate/pkg/services"
	"github.com/psantana5/taskgate/pkg/shutdown"
	"github.com/psantana5/taskgate/pkg/store"
	tlsutil "github.com/psantana5/taskgate/pkg/tls"
	"github.com/psantana5/taskgate/pkg/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Run the coordinator HTTP API, the expiry reclaimer and, with engine.mode
local, the in-process engine.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("addr", "", "listen address (server.addr)")
	f.String("store", "", "store backend: memory, sqlite, postgres, mysql or redis (store.type)")
	f.String("dsn", "", "store connection string (store.dsn)")
	f.String("engine", "", "engine mode: local or remote (engine.mode)")
	f.String("engine-url", "", "remote engine URL (engine.url)")
	f.String("log-level", "", "log level (logging.level)")
	f.Bool("tls", false, "serve TLS (server.tls.enabled)")

	for key, flag := range map[string]string{
		"server.addr":        "addr",
		"store.type":         "store",
		"store.dsn":          "dsn",
		"engine.mode":        "engine",
		"engine.url":         "engine-url",
		"logging.level":      "log-level",
		"server.tls.enabled": "tls",
	} {
		v.BindPFlag(key, f.Lookup(flag))
	}
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.Dir != "" {
		return logging.NewFileLogger(cfg.Logging.Dir, "taskgate", level, cfg.Logging.JSON)
	}
	return logging.NewLogger(level, cfg.Logging.JSON), nil
}

func secretSource(cfg *config.Config) auth.SecretSource {
	if cfg.Auth.Secret.Source == config.SecretFile {
		return auth.FileSource{Path: cfg.Auth.Secret.File, Key: cfg.Auth.Secret.Key}
	}
	return auth.EnvSource{Name: cfg.Auth.Secret.Env}
}

func newResumer(cfg *config.Config, registrar *coordinator.Registrar, logger *logging.Logger) (engine.Resumer, *engine.Local, error) {
	if cfg.Engine.Mode == config.EngineRemote {
		opts := []engine.ClientOption{engine.WithToken(cfg.Engine.Token)}
		if cfg.Engine.CA != "" {
			tc, err := tlsutil.ClientConfig("", "", cfg.Engine.CA)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, engine.WithHTTPClient(&http.Client{
				Timeout:   cfg.Engine.Timeout,
				Transport: &http.Transport{TLSClientConfig: tc},
			}))
		}
		logger.Info("Using remote engine", logging.Fields{"url": cfg.Engine.URL})
		return engine.NewClient(cfg.Engine.URL, cfg.Engine.Timeout, opts...), nil, nil
	}

	sink, err := results.NewFileSink(cfg.Results.Dir)
	if err != nil {
		return nil, nil, err
	}
	local := engine.NewLocal(registrar.EngineRegistry(), sink, logger, engine.LocalConfig{
		ExecutionTimeout: cfg.Engine.ExecutionTimeout,
	})
	logger.Info("Using local engine", logging.Fields{"results_dir": sink.Root()})
	return local, local, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sm := shutdown.New(30*time.Second, logger)
	sm.Register("logger", shutdown.CloseResource(logger))

	tp, err := tracing.InitTracer(ctx, cfg.TracingConfig(Version))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	sm.Register("tracer", tp.Shutdown)

	st, err := store.NewStore(cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	sm.Register("store", shutdown.CloseResource(st))
	logger.Info("Store opened", logging.Fields{"type": cfg.Store.Type})

	m := metrics.New()
	m.WatchStore(st)

	opts := coordinator.Options{Logger: logger.WithField("component", "coordinator"), Metrics: m, Tracer: tp}
	registrar := coordinator.NewRegistrar(st, cfg.CoordinatorConfig(), opts)
	resumer, local, err := newResumer(cfg, registrar, logger)
	if err != nil {
		return err
	}
	resolver := coordinator.NewResolver(st, resumer, cfg.CoordinatorConfig(), opts)

	handler := api.NewHandler(registrar, resolver, logger)
	if cfg.Services.Enabled {
		handler.SetServices(services.New(auth.NewSecretCache(secretSource(cfg)), cfg.ServicesConfig(), logger, m))
	}
	if cfg.RateLimit.RPS > 0 {
		limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		handler.SetRateLimiter(limiter)
		go pruneLimiters(sm.Done(), limiter)
	}

	verifier, err := auth.NewKeyVerifier(cfg.Server.APIKey, cfg.Server.APIKeyHash)
	if err != nil {
		return err
	}
	if !verifier.Enabled() {
		logger.Warn("No API key configured, coordinator routes are unauthenticated")
	}

	ropts := api.RouterOptions{Tracer: tp, APIKey: verifier, Engine: local}
	if cfg.Server.MetricsAddr == "" {
		ropts.Metrics = m.Handler()
	} else {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", m.Handler()).Methods("GET")
		metricsRouter.HandleFunc("/health", handler.Health).Methods("GET")
		metricsSrv := &http.Server{
			Addr:         cfg.Server.MetricsAddr,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		sm.Register("metrics-server", shutdown.StopHTTPServer(metricsSrv))
		go func() {
			logger.Info("Metrics server listening", logging.Fields{"addr": cfg.Server.MetricsAddr})
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", logging.Fields{"error": err})
			}
		}()
	}

	reclaimer := cleanup.NewReclaimer(cfg.ReclaimConfig(), st, logger, m)
	reclaimer.Start()
	sm.Register("reclaimer", reclaimer.Shutdown)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, ropts),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	tlsConfig, err := tlsutil.ServerConfig(cfg.TLSConfig())
	if err != nil {
		return fmt.Errorf("failed to load TLS config: %w", err)
	}
	srv.TLSConfig = tlsConfig
	if tlsConfig == nil {
		logger.Warn("TLS disabled, callbacks and handles travel in clear text")
	}
	sm.Register("http-server", shutdown.StopHTTPServer(srv))

	go func() {
		logger.Info("Coordinator listening", logging.Fields{
			"addr":   cfg.Server.Addr,
			"tls":    tlsConfig != nil,
			"engine": cfg.Engine.Mode,
		})
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start server", logging.Fields{"error": err})
			cancel()
		}
	}()

	sm.Wait(ctx)
	return nil
}

func pruneLimiters(done <-chan struct{}, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			limiter.CleanupOldLimiters(10 * time.Minute)
		}
	}
}
