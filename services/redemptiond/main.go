package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	gatewaymw "repaircoin/gateway/middleware"
	"repaircoin/observability"
	"repaircoin/observability/logging"
	telemetry "repaircoin/observability/otel"
	"repaircoin/services/redemptiond/approval"
	"repaircoin/services/redemptiond/config"
	"repaircoin/services/redemptiond/middleware"
	"repaircoin/services/redemptiond/notify"
	"repaircoin/services/redemptiond/redemption"
	"repaircoin/services/redemptiond/report"
	"repaircoin/services/redemptiond/server"
	"repaircoin/services/redemptiond/storage"
)

const (
	serviceName = "redemptiond"
	Version     = "0.1.0"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runtimeDeps are the pieces every subcommand shares.
type runtimeDeps struct {
	cfg    config.Config
	logger *slog.Logger
	db     *gorm.DB
}

// setup loads configuration, logging and the database. The schema is applied
// when forceMigrate is set or the config enables auto migration.
func setup(configPath string, forceMigrate bool) (*runtimeDeps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	opts := storage.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration,
	}
	var db *gorm.DB
	if forceMigrate || cfg.Database.AutoMigrate {
		db, err = storage.OpenAndMigrate(cfg.Database.DSN, opts)
	} else {
		db, err = storage.Open(cfg.Database.DSN, opts)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("database ready", slog.String("driver", storage.Driver(cfg.Database.DSN)))
	return &runtimeDeps{cfg: cfg, logger: logger, db: db}, nil
}

func (d *runtimeDeps) close() {
	if err := storage.Close(d.db); err != nil {
		d.logger.Warn("close database", slog.Any("error", err))
	}
}

// newService builds the protocol service. The returned close function
// releases the NATS connection, if any.
func (d *runtimeDeps) newService(hub *notify.Hub) (*redemption.Service, func(), error) {
	verifier, err := approval.New(d.cfg.Approval.Mode, d.cfg.Approval.TokenSecret)
	if err != nil {
		return nil, nil, err
	}
	publishers := notify.Multi{}
	if hub != nil {
		publishers = append(publishers, hub)
	}
	closeNATS := func() {}
	if d.cfg.NATS.URL != "" {
		nc, err := notify.DialNATS(d.cfg.NATS.URL, serviceName, d.cfg.NATS.SubjectPrefix)
		if err != nil {
			return nil, nil, err
		}
		publishers = append(publishers, nc)
		closeNATS = nc.Close
		d.logger.Info("publishing session events to NATS", slog.String("subject_prefix", d.cfg.NATS.SubjectPrefix))
	}
	svc, err := redemption.New(redemption.Config{
		DB:         d.db,
		Verifier:   verifier,
		Publisher:  publishers,
		Metrics:    observability.Redemption(),
		Logger:     d.logger,
		TTL:        d.cfg.Session.TTL.Duration,
		AutoSettle: d.cfg.Session.AutoSettle,
	})
	if err != nil {
		closeNATS()
		return nil, nil, err
	}
	return svc, closeNATS, nil
}

func (d *runtimeDeps) newReconciler(dryRun bool) (*report.Reconciler, *time.Location, error) {
	loc, err := d.cfg.Report.Location()
	if err != nil {
		return nil, nil, fmt.Errorf("report timezone: %w", err)
	}
	logger := d.logger
	reconciler, err := report.NewReconciler(report.Config{
		DB:        d.db,
		TZ:        loc,
		OutputDir: d.cfg.Report.OutputDir,
		DryRun:    dryRun,
		Logger:    logger,
		Alert: func(ctx context.Context, anomaly report.Anomaly) error {
			logger.WarnContext(ctx, "redemption reconciliation anomaly",
				slog.String("type", anomaly.Type),
				slog.String("session_id", anomaly.SessionID.String()),
				slog.String("shop_id", anomaly.ShopID),
				slog.String("details", anomaly.Details))
			return nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return reconciler, loc, nil
}

func serve(configPath string) error {
	deps, err := setup(configPath, false)
	if err != nil {
		return err
	}
	defer deps.close()
	cfg, logger := deps.cfg, deps.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:         cfg.Telemetry.Traces,
		Metrics:        cfg.Telemetry.Metrics,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	hub := notify.NewHub()
	svc, closeNATS, err := deps.newService(hub)
	if err != nil {
		return err
	}
	defer closeNATS()

	go redemption.NewSweeper(svc, cfg.Session.SweepInterval.Duration).Start(ctx)
	go purgeIdempotencyKeys(ctx, deps, cfg.HTTP.IdempotencyTTL.Duration)
	if cfg.Report.Enabled {
		reconciler, loc, err := deps.newReconciler(false)
		if err != nil {
			return err
		}
		go report.NewScheduler(report.SchedulerConfig{
			Reconciler: reconciler,
			Window:     24 * time.Hour,
			RunHour:    cfg.Report.RunHour,
			RunMinute:  cfg.Report.RunMinute,
			Location:   loc,
			Logger:     logger,
		}).Start(ctx)
	}

	obs := gatewaymw.NewObservability(gatewaymw.ObservabilityConfig{
		ServiceName: serviceName,
		Enabled:     true,
		LogRequests: true,
	}, logger)
	srv, err := server.New(server.Config{
		Service: svc,
		Hub:     hub,
		DB:      deps.db,
		Auth: gatewaymw.NewAuthenticator(gatewaymw.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.Auth.JWTSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		RateLimiter: gatewaymw.NewRateLimiter(map[string]gatewaymw.RateLimit{
			"api": {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		}, logger),
		Observability: obs,
		CORS:          gatewaymw.CORSConfig{AllowedOrigins: cfg.HTTP.CORSOrigins},
		Metrics:       observability.Redemption(),
		Logger:        logger,
		Gatherers:     []prometheus.Gatherer{prometheus.DefaultGatherer},
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(srv.Handler(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout:      cfg.HTTP.WriteTimeout.Duration,
		IdleTimeout:       cfg.HTTP.IdleTimeout.Duration,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("redemptiond listening",
			slog.String("addr", cfg.Listen),
			slog.String("approval_mode", svc.VerifierMode()),
			slog.Bool("auto_settle", cfg.Session.AutoSettle))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func purgeIdempotencyKeys(ctx context.Context, deps *runtimeDeps, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := middleware.PurgeBefore(ctx, deps.db, time.Now().UTC().Add(-ttl))
			if err != nil {
				if ctx.Err() == nil {
					deps.logger.ErrorContext(ctx, "purge idempotency keys", slog.Any("error", err))
				}
				continue
			}
			if n > 0 {
				deps.logger.DebugContext(ctx, "purged idempotency keys", slog.Int64("count", n))
			}
		}
	}
}
