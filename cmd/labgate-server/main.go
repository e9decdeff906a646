package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labgate/labgate/internal/api"
	"github.com/labgate/labgate/internal/config"
	"github.com/labgate/labgate/internal/dispatch"
	"github.com/labgate/labgate/internal/domain/audit"
	"github.com/labgate/labgate/internal/domain/results"
	"github.com/labgate/labgate/internal/maintenance"
	"github.com/labgate/labgate/internal/mapping"
	"github.com/labgate/labgate/internal/platform/db"
	"github.com/labgate/labgate/internal/platform/hl7"
	"github.com/labgate/labgate/internal/platform/middleware"
	"github.com/labgate/labgate/internal/transport"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "labgate-server",
		Short: "Lab results gateway: HL7 analyzers to lab ERP",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Refuse to serve against a stale schema.
	statuses, err := db.NewMigrator(pool, "./migrations").Status(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to check migration status")
	}
	for _, s := range statuses {
		if !s.Applied {
			logger.Fatal().Str("migration", s.Name).Msg("pending migration, run 'labgate-server migrate up' first")
		}
	}

	// Mapping table
	resolver, err := mapping.NewResolver(cfg.MappingFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.MappingFile).Msg("failed to load mapping table")
	}
	if err := resolver.Watch(); err != nil {
		logger.Warn().Err(err).Msg("mapping file watch unavailable, reload via API only")
	}
	defer resolver.Stop()

	// Domain services
	auditSvc := audit.NewService(audit.NewRepoPG(pool), logger)
	repo := results.NewRepoPG(pool)
	ingestor := results.NewIngestor(repo, auditSvc, logger)

	erp := dispatch.NewERPClient(cfg.ERPBaseURL, cfg.ERPAPIKey, cfg.ERPAPISecret, cfg.SendTimeout, logger)
	dispatcher := dispatch.New(repo, resolver, erp, auditSvc, dispatch.Options{
		Interval: cfg.PollInterval,
		Backoff: dispatch.Backoff{
			Base:        cfg.RetryBase,
			Max:         cfg.RetryMax,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
		CloseResponsible: cfg.CloseResponsible,
		CloseNotes:       cfg.CloseNotes,
	}, logger)
	go dispatcher.Run(ctx)

	// MLLP listener
	mllpServer := hl7.NewMLLPServer(cfg.MLLPAddr, transport.MLLPHandler(ingestor, logger), logger)
	if err := mllpServer.Start(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.MLLPAddr).Msg("MLLP server failed to start")
	}
	defer mllpServer.Stop()
	logger.Info().Str("addr", mllpServer.Addr()).Msg("MLLP server started")

	// Inbox watcher
	inbox := transport.NewInbox(cfg.InboxDir, ingestor, logger)
	if err := inbox.Start(ctx); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.InboxDir).Msg("inbox watcher failed to start")
	}
	defer inbox.Stop()
	logger.Info().Str("dir", cfg.InboxDir).Msg("inbox watcher started")

	// Maintenance schedule
	job := maintenance.NewJob(repo, auditSvc, cfg.RetentionDays, logger)
	if err := job.Start(cfg.MaintenanceCron); err != nil {
		logger.Fatal().Err(err).Str("cron", cfg.MaintenanceCron).Msg("maintenance schedule invalid")
	}
	defer job.Stop()

	// HTTP API
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	apiGroup := e.Group("/api/v1")
	if cfg.IsDev() && cfg.AuthSecret == "" {
		apiGroup.Use(middleware.DevAuth())
	} else {
		apiGroup.Use(middleware.JWT([]byte(cfg.AuthSecret)))
	}

	handler := api.NewHandler(repo, ingestor, auditSvc, resolver, dispatcher, logger)
	handler.RegisterRoutes(e, apiGroup)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
