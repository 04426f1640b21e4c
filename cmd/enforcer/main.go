package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"pxgate/internal/activity"
	"pxgate/internal/config"
	"pxgate/internal/enforcer"
	httpapi "pxgate/internal/http"
	"pxgate/internal/logging"
	"pxgate/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configFlag := flag.String("c", "", "path to enforcer config file (overrides ENFORCER_CONFIG_PATH)")
	flag.StringVar(configFlag, "config", "", "path to enforcer config file")
	flag.Parse()

	_ = godotenv.Load()

	cfgPath := strings.TrimSpace(*configFlag)
	if cfgPath == "" {
		cfgPath = strings.TrimSpace(os.Getenv("ENFORCER_CONFIG_PATH"))
	}
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	if err := run(cfgPath); err != nil {
		slog.Error("enforcer stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.UpstreamURL == "" {
		return &config.ConfigError{Field: "upstreamUrl", Msg: "is required"}
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	m := metrics.New()
	client := &http.Client{}
	build := buildFunc(logger, m, client)

	enf, buf, err := build(cfg)
	if err != nil {
		return err
	}

	ctrl := &httpapi.Controller{
		Cfg:        cfg,
		Enforcer:   enf,
		Buffer:     buf,
		ConfigPath: cfgPath,
		Build:      build,
		Logger:     logger,
	}

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return &config.ConfigError{Field: "upstreamUrl", Msg: err.Error()}
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      newRouter(ctrl, m, newProxy(upstream, logger), cfg.AdminToken, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("enforcer listening",
			"addr", cfg.ListenAddr,
			"upstream", cfg.UpstreamURL,
			"appId", cfg.Enforcer.AppID,
			"moduleMode", cfg.Enforcer.ModuleMode,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	if b := ctrl.ActivityBuffer(); b != nil {
		if err := b.Close(shutdownCtx); err != nil {
			logger.Warn("flush activities on shutdown", "error", err)
		}
	}
	logger.Info("enforcer stopped")
	return nil
}

// buildFunc assembles an enforcer and a started activity buffer per config
// generation. Metrics and the outbound client are shared across reloads.
func buildFunc(logger *slog.Logger, m *metrics.Collectors, client *http.Client) httpapi.BuildFunc {
	return func(cfg *config.RootConfig) (*enforcer.Enforcer, *activity.Buffer, error) {
		var sender activity.Sender
		if cfg.ActivitySink == config.SinkLog {
			sender = activity.NewLogSender(logger)
		} else {
			sender = activity.NewHTTPSender(cfg.Enforcer.CollectorURL, cfg.Enforcer.AuthToken, client)
		}

		buf := activity.NewBuffer(sender, activity.BufferOptions{
			BatchSize:     cfg.Enforcer.MaxActivityBatchSize,
			FlushInterval: cfg.Enforcer.ActivityFlushInterval,
			Logger:        logger,
			Metrics:       m,
		})

		enf, err := enforcer.New(&cfg.Enforcer, enforcer.Options{
			Logger:     logger,
			Metrics:    m,
			Activities: buf,
			HTTPClient: client,
		})
		if err != nil {
			_ = buf.Close(context.Background())
			return nil, nil, err
		}
		buf.Start()
		return enf, buf, nil
	}
}

func newRouter(ctrl *httpapi.Controller, m *metrics.Collectors, proxy http.Handler, adminToken string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/_enforcer/api/v0", func(api chi.Router) {
		api.Use(httpapi.AuthMiddleware(adminToken))

		api.Get("/status", ctrl.HandleStatus)
		api.Post("/admin/reload", ctrl.HandleAdminReload)
		api.Post("/debug/decision", ctrl.HandleDebugDecision)
	})

	r.Group(func(app chi.Router) {
		app.Use(httpapi.Middleware(ctrl, logger))
		app.Handle("/*", proxy)
	})
	return r
}

func newProxy(upstream *url.URL, logger *slog.Logger) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.WarnContext(r.Context(), "upstream request failed", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}
