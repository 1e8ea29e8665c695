package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/sage/internal/handlers"
	"github.com/Ramsey-B/sage/pkg/health"
	"github.com/Ramsey-B/sage/pkg/middleware"
	"github.com/Ramsey-B/sage/pkg/queue"
	"github.com/Ramsey-B/sage/pkg/scheduler"
	"github.com/Ramsey-B/sage/pkg/startup"
	"github.com/Ramsey-B/sage/pkg/tracing"
	"github.com/Ramsey-B/sage/pkg/tracing/exporters"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the job workers and the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, newApp(cfg, logger)); err != nil {
				logger.WithError(err).Error("sage exited with an error")
				return err
			}
			return nil
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger

	if cfg.OTLPEnabled {
		shutdown, err := tracing.Setup(ctx, cfg.AppName, exporters.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
		})
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	a.addDatabase()
	a.addRedis()
	if err := a.st.Start(ctx); err != nil {
		return err
	}
	defer a.stop()

	if err := a.wire(); err != nil {
		return err
	}

	checker := health.NewChecker(cfg.AppName)
	checker.AddCheck("database", func(ctx context.Context) error { return a.db.DBX().PingContext(ctx) })
	checker.AddCheck("redis", a.redis.Ping)

	e, err := a.newServer(ctx, checker)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	processorConfig := queue.DefaultProcessorConfig()
	processorConfig.Stream = cfg.RedisStreamsJobQueue
	processorConfig.ConsumerGroup = cfg.RedisStreamsConsumerGroup
	if cfg.RedisStreamsConsumerName != "" {
		processorConfig.ConsumerName = cfg.RedisStreamsConsumerName
	}
	processorConfig.WorkerCount = cfg.WorkerCount
	processor := queue.NewProcessor(a.streams, a.orchestrator, processorConfig, logger)
	a.st.AddDependency(&startup.Func{
		Name:      "processor",
		Parents:   []string{"migrations", "redis"},
		StartFunc: processor.Start,
		StopFunc:  processor.Stop,
	})

	if cfg.SchedulerEnabled {
		sched := scheduler.NewScheduler(a.credentials, a.orchestrator, a.locker, scheduler.Config{
			PollInterval:        cfg.SchedulerPollInterval,
			BatchSize:           cfg.SchedulerBatchSize,
			DefaultSyncInterval: time.Duration(cfg.SyncDefaultIntervalMinutes) * time.Minute,
		}, logger)
		a.st.AddDependency(&startup.Func{
			Name:      "scheduler",
			Parents:   []string{"processor"},
			StartFunc: sched.Start,
			StopFunc:  sched.Stop,
		})
	}

	if err := a.st.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	checker.SetReady(true)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	checker.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (a *app) newServer(ctx context.Context, checker *health.Checker) (*echo.Echo, error) {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context(!cfg.AuthEnabled))
	e.Use(middleware.Logger(logger))

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// the provider redirects the browser here without our bearer token
	public := e.Group("/api/v1")
	handlers.NewOAuthHandler(a.connector, cfg.OAuthReturnURL, logger).RegisterRoutes(public)

	var secured []echo.MiddlewareFunc
	if cfg.AuthEnabled {
		verifier, err := middleware.NewVerifier(ctx, cfg.AuthIssuerURL, cfg.AuthClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to create token verifier: %w", err)
		}
		secured = append(secured, middleware.Authentication(logger, verifier))
	}
	api := e.Group("/api/v1", secured...)

	defaultInterval := time.Duration(cfg.SyncDefaultIntervalMinutes) * time.Minute
	handlers.NewIntegrationHandler(a.orchestrator, a.connector, defaultInterval).RegisterRoutes(api)
	handlers.NewMetricHandler(a.metricStore()).RegisterRoutes(api)

	return e, nil
}
