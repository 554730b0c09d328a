// Package fleet boots the egress fleet service: database, job runner,
// cluster routing, reconciliation and the admin HTTP API.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/egressfleet/egressfleet/internal/fleet/api"
	v0 "github.com/egressfleet/egressfleet/internal/fleet/api/handlers/v0"
	"github.com/egressfleet/egressfleet/internal/fleet/billing"
	"github.com/egressfleet/egressfleet/internal/fleet/client"
	"github.com/egressfleet/egressfleet/internal/fleet/cluster"
	"github.com/egressfleet/egressfleet/internal/fleet/config"
	"github.com/egressfleet/egressfleet/internal/fleet/database"
	"github.com/egressfleet/egressfleet/internal/fleet/jobs"
	"github.com/egressfleet/egressfleet/internal/fleet/models"
	"github.com/egressfleet/egressfleet/internal/fleet/netif"
	"github.com/egressfleet/egressfleet/internal/fleet/proxycfg"
	"github.com/egressfleet/egressfleet/internal/fleet/recon"
	"github.com/egressfleet/egressfleet/internal/fleet/service"
	"github.com/egressfleet/egressfleet/internal/fleet/telemetry"
	"github.com/egressfleet/egressfleet/internal/fleet/version"
)

// App runs the fleet service until it receives SIGINT or SIGTERM.
func App(_ context.Context) error {
	cfg := config.NewConfig()
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Create a context with timeout for PostgreSQL connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.NewPostgreSQL(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database connection: %v", err)
		} else {
			log.Println("Database connection closed successfully")
		}
	}()

	log.Printf("Starting egressfleet %s (commit: %s)", version.Version, version.GitCommit)

	versionInfo := &v0.VersionBody{
		Version:   version.Version,
		GitCommit: version.GitCommit,
		BuildTime: version.BuildDate,
	}

	shutdownTelemetry, metrics, err := telemetry.InitMetrics(cfg.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %v", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Printf("Failed to shutdown telemetry: %v", err)
		}
	}()

	runner := jobs.NewRunner(db, db, netif.NewExecutor(), proxycfg.NewFileWriter(cfg.ProxyConfigPath), jobs.RunnerOptions{
		Interface: cfg.BindInterface,
		Workers:   cfg.JobWorkers,
		QueueLen:  cfg.JobQueueLen,
		Observer: func(kind models.JobKind, status models.JobStatus) {
			metrics.JobsCompleted.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("kind", string(kind)),
				attribute.String("status", string(status)),
			))
		},
	})
	defer runner.Stop()

	clusterRouter := cluster.NewRouter(db, cfg.ExternalAddress)
	dispatcher := client.NewClient(cfg.AdminAPIToken)
	provisionService := service.NewProvisionService(db, clusterRouter, cluster.NewLocalBackend(runner), dispatcher)

	// Reconciliation runs only where billing is configured; other fleet
	// members handle provisioning alone.
	reconCtx, stopRecon := context.WithCancel(context.Background())
	defer stopRecon()
	var scheduler *recon.Scheduler
	if cfg.Recon.Enabled && cfg.BillingBaseURL != "" {
		gateway := billing.NewClient(cfg.BillingBaseURL, cfg.BillingAPIKey)
		scheduler = recon.NewScheduler(db, gateway, cfg.Recon, func(pass string, itemErrors int) {
			attrs := metric.WithAttributes(attribute.String("pass", pass))
			metrics.ReconRuns.Add(context.Background(), 1, attrs)
			if itemErrors > 0 {
				metrics.ReconItemErrors.Add(context.Background(), int64(itemErrors), attrs)
			}
		})
		scheduler.Start(reconCtx)
		log.Println("Reconciliation passes started")
	} else {
		log.Println("Reconciliation disabled")
	}

	server := api.NewServer(cfg, provisionService, metrics, versionInfo)

	// Start server in a goroutine so it doesn't block signal handling
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Failed to start server: %v", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

	if err := server.Shutdown(sctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	stopRecon()
	if scheduler != nil {
		scheduler.Wait()
	}

	log.Println("Server exiting")
	return nil
}
