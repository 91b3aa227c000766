package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/deliveryopt/internal/agent"
	"github.com/italolelis/deliveryopt/internal/cleanup"
	"github.com/italolelis/deliveryopt/internal/config"
	"github.com/italolelis/deliveryopt/internal/http/rest"
	"github.com/italolelis/deliveryopt/internal/logctx"
	"github.com/italolelis/deliveryopt/internal/notifier"
	"github.com/italolelis/deliveryopt/internal/storage/sqlite"
	"github.com/italolelis/deliveryopt/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("delivery optimization agent starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	instanceID := telemetry.InstanceID()
	logger := logctx.LoggerFromContext(ctx).With("instance_id", instanceID)
	ctx = logctx.WithLogger(ctx, logger)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		InstanceID:     instanceID,
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	journal := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Agent
	a, err := buildAgent(cfg, journal, tel)
	if err != nil {
		return fmt.Errorf("failed to build agent: %w", err)
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, a, journal, tel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		return cleanup.Run(gctx, journal, cfg.CleanupInterval, cfg.KeepHistoryFor)
	})

	// =========================================================================
	// Shutdown
	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests and transfers a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := a.Close(shutdownCtx); err != nil {
			return fmt.Errorf("could not park transfers: %w", err)
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"max_parallel", cfg.MaxParallel,
		"background_rate_limit", cfg.BackgroundRateLimit,
		"retention", cfg.KeepHistoryFor.String(),
	)

	return g.Wait()
}

func buildAgent(cfg *config.Config, journal *sqlite.InstrumentedDownloadRepository, tel *telemetry.Telemetry) (*agent.Agent, error) {
	rateLimit, err := cfg.BackgroundBytesPerSecond()
	if err != nil {
		return nil, err
	}

	unsupported, err := cfg.Unsupported()
	if err != nil {
		return nil, err
	}

	opts := []agent.Option{
		agent.WithJournal(journal),
		agent.WithTelemetry(tel),
	}

	if cfg.NotifyWebhookURL != "" {
		opts = append(opts, agent.WithNotifier(&notifier.WebhookNotifier{WebhookURL: cfg.NotifyWebhookURL}))
	}

	return agent.New(agent.Config{
		MaxParallel:           cfg.MaxParallel,
		BackgroundRateLimit:   rateLimit,
		NoProgressTimeout:     cfg.NoProgressTimeout,
		UnsupportedProperties: unsupported,
		HTTPClient:            &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}, opts...), nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, a *agent.Agent, journal *sqlite.InstrumentedDownloadRepository, tel *telemetry.Telemetry) *http.Server {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewDownloadsHandler(a, journal, cfg.APIToken).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "deliveryopt"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
