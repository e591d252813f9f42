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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"dumende-payments/card"
	"dumende-payments/challenge"
	"dumende-payments/checkout"
	"dumende-payments/config"
	"dumende-payments/events"
	"dumende-payments/handlers"
	"dumende-payments/ledger"
	"dumende-payments/logging"
	"dumende-payments/monitoring"
	"dumende-payments/poller"
	"dumende-payments/returns"
	"dumende-payments/service"
)

const sweepInterval = time.Minute

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "dumende-payments",
		Short:        "Checkout and 3-D Secure reconciliation service for dumende bookings",
		Version:      Version,
		SilenceUsage: true,
		RunE:         runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(decodeChallengeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the checkout HTTP service",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging
	if err := logging.InitLogger(cfg.LogLevel); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logging.Sync()
	defer func() {
		if err := logging.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down logger provider", zap.Error(err))
		}
	}()

	// Initialize OpenTelemetry
	tp, tracer, err := monitoring.InitTracer(cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		logging.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	mp, _, err := monitoring.InitMeter(cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		logging.Fatal("Failed to initialize meter", zap.Error(err))
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	store, err := ledger.Open(cfg.LedgerDriver, cfg.LedgerDSN)
	if err != nil {
		logging.Fatal("Failed to open payment ledger", zap.Error(err), zap.String("driver", cfg.LedgerDriver))
	}
	defer store.Close()
	logging.Info("Payment ledger ready", zap.String("driver", cfg.LedgerDriver))

	var publisher events.Publisher = events.Noop{}
	if brokers := cfg.GetKafkaBrokers(); len(brokers) > 0 {
		publisher = events.NewKafkaPublisher(brokers, cfg.KafkaOutcomeTopic, logging.Named("kafka"))
		logging.Info("Outcome publisher created", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaOutcomeTopic))
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error("Error closing outcome publisher", zap.Error(err))
		}
	}()

	// Initialize service layer
	backend := service.NewBackendClient(tracer, cfg.BackendURL, cfg.BackendTimeout)
	registry := checkout.NewRegistry(checkout.Deps{
		Backend:   backend,
		Ledger:    store,
		Returns:   returns.NewHandler(store, backend),
		Renderer:  challenge.NewRenderer(cfg.RelayPath),
		Publisher: publisher,
	}, checkout.Options{
		Poll:          pollConfig(cfg),
		RedirectURL:   cfg.CompleteRedirectURL,
		RedirectDelay: cfg.CompleteRedirectDelay,
	})

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(registry, card.NewEnricher(backend))

	// Setup Gin router
	r := gin.Default()

	// OpenTelemetry middleware
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(httpMetricsMiddleware())
	r.Use(handlers.SessionMiddleware(cfg.SessionCookieSecure), handlers.AuthorizationMiddleware())

	// Routes
	r.GET("/metrics", gin.WrapH(monitoring.MetricsHandler()))
	paymentHandler.Register(r, cfg.RelayPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runSweeper(ctx, registry, store, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}
	go func() {
		logging.Info("Payments service starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info("Shutting down payments service")

	// Closing the flows ends open event streams so Shutdown can drain.
	registry.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server forced to shutdown", zap.Error(err))
	}
	return nil
}

func pollConfig(cfg *config.Config) poller.Config {
	return poller.Config{
		MaxRetries:    cfg.PollMaxRetries,
		RetryInterval: cfg.PollRetryInterval,
		GraceDelay:    cfg.PollGraceDelay,
	}
}

// runSweeper drops idle flows and ledger entries past retention
func runSweeper(ctx context.Context, registry *checkout.Registry, store ledger.Ledger, cfg *config.Config) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.CleanupExpired(cfg.FlowTTL)
			removed, err := store.Sweep(ctx, time.Now().Add(-cfg.LedgerRetention))
			if err != nil {
				logging.Error("Ledger sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logging.Info("Ledger entries expired", zap.Int64("removed", removed))
			}
		}
	}
}

// httpMetricsMiddleware records HTTP request metrics
func httpMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Process request
		c.Next()

		// Record duration
		duration := float64(time.Since(start).Milliseconds())

		monitoring.HTTPServerDuration.Record(c.Request.Context(), duration,
			metric.WithAttributes(
				attribute.String("http_method", c.Request.Method),
				attribute.String("http_route", c.FullPath()),
				attribute.String("http_status_code", strconv.Itoa(c.Writer.Status())),
			),
		)
	}
}
