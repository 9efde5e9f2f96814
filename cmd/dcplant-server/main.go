package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dcplant/dcplant/internal/config"
	"github.com/dcplant/dcplant/internal/domain/activity"
	"github.com/dcplant/dcplant/internal/domain/cases"
	"github.com/dcplant/dcplant/internal/domain/imaging"
	"github.com/dcplant/dcplant/internal/domain/organization"
	"github.com/dcplant/dcplant/internal/domain/patient"
	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/internal/platform/blobstore"
	"github.com/dcplant/dcplant/internal/platform/db"
	"github.com/dcplant/dcplant/internal/platform/dicomfile"
	"github.com/dcplant/dcplant/internal/platform/middleware"
	"github.com/dcplant/dcplant/internal/platform/notification"
	"github.com/dcplant/dcplant/internal/platform/scheduler"
	"github.com/dcplant/dcplant/internal/platform/tasks"
	"github.com/dcplant/dcplant/internal/platform/websocket"
)

const (
	taskProgressTTL = 24 * time.Hour
	taskBuffer      = 64
	defaultBodySize = "2M"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dcplant-server",
		Short: "DCPlant dental case management API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(activitiesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
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
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// withMigrator loads config, connects and hands a migrator to fn.
func withMigrator(dir string, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, dir))
}

func activitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activities",
		Short: "Manage the case activity trail",
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete activity records",
		RunE: func(cmd *cobra.Command, args []string) error {
			before, _ := cmd.Flags().GetString("before")
			all, _ := cmd.Flags().GetBool("all")
			cutoff, err := parseCutoff(before, all)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := activity.NewService(activity.NewRepoPG(pool), logger)
			var n int64
			if cutoff.IsZero() {
				n, err = svc.PurgeAll(ctx, auth.System())
			} else {
				n, err = svc.PurgeBefore(ctx, auth.System(), cutoff)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d activity record(s).\n", n)
			return nil
		},
	}
	purgeCmd.Flags().String("before", "", "Delete records created before this date (YYYY-MM-DD or RFC3339)")
	purgeCmd.Flags().Bool("all", false, "Delete every record")
	cmd.AddCommand(purgeCmd)
	return cmd
}

// parseCutoff returns the zero time for --all.
func parseCutoff(before string, all bool) (time.Time, error) {
	switch {
	case before != "" && all:
		return time.Time{}, errors.New("use either --before or --all")
	case all:
		return time.Time{}, nil
	case before == "":
		return time.Time{}, errors.New("--before or --all is required")
	}
	if t, err := time.Parse(time.RFC3339, before); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", before)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --before %q", before)
	}
	return t, nil
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.StorageBackend {
	case "memory":
		return blobstore.NewInMemoryBlobStore(), nil
	case "s3":
		s, err := blobstore.NewS3BlobStoreFromEnv(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3PresignTTL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := blobstore.NewLocalBlobStore(cfg.StorageDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// newProgressStore returns the task progress store and, for redis, a health check.
func newProgressStore(cfg *config.Config) (tasks.ProgressStore, *db.Check, error) {
	if cfg.ProgressBackend != "redis" {
		return tasks.NewMemoryProgressStore(taskProgressTTL), nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	check := &db.Check{Name: "redis", Probe: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
	return tasks.NewRedisProgressStore(client, taskProgressTTL), check, nil
}

func newEmailSender(cfg *config.Config, logger zerolog.Logger) notification.EmailSender {
	if cfg.SendGridAPIKey == "" {
		return notification.LogSender{Logger: logger}
	}
	return notification.NewSendGridSender(cfg.SendGridAPIKey, "DCPlant", cfg.MailFrom)
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.DevAuth() {
		return auth.DevAuthMiddleware()
	}
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jc.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jc)
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	store, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to open storage")
	}
	progress, redisCheck, err := newProgressStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open progress store")
	}
	queue := tasks.NewQueue(progress, cfg.WorkerCount, taskBuffer, logger)
	hub := websocket.NewHub(cfg.CORSOrigins, logger)
	tasks.NewStream(hub, queue)
	queue.Start(ctx)

	notifier := notification.NewNotifier(newEmailSender(cfg, logger), notification.NewTemplateEngine(), logger)
	tx := db.NewTxManager(pool)

	// Domain services
	orgSvc := organization.NewService(organization.NewOrganizationRepoPG(pool), organization.NewProfileRepoPG(pool),
		cfg.DefaultOrganization, logger)
	patientSvc := patient.NewService(patient.NewRepoPG(pool))
	activitySvc := activity.NewService(activity.NewRepoPG(pool), logger)
	caseSvc := cases.NewService(cases.NewCaseRepoPG(pool), cases.NewCommentRepoPG(pool), cases.NewOpinionRepoPG(pool),
		cases.NewCategoryRepoPG(pool), patientSvc, orgSvc, activitySvc, tx, notifier, logger)
	caseJobs := cases.NewJobs(caseSvc, queue, store)

	imageRepo := imaging.NewRepoPG(pool)
	ingestor := imaging.NewIngestor(imageRepo, store, dicomfile.HeaderParser{}, activitySvc, logger)
	imageSvc := imaging.NewService(imageRepo, store, ingestor, caseSvc, patientSvc, activitySvc, tx, logger)
	caseSvc.OnDelete(imageSvc.CaseDeleteHook)

	// Scheduled jobs
	sched := scheduler.New(scheduler.NewAdvisoryLocker(pool), logger)
	jobs := []scheduler.Job{{
		Name:    "review-reminders",
		Spec:    "0 8 * * *",
		Timeout: 10 * time.Minute,
		Run:     caseSvc.ReviewReminderJob(cfg.ReviewReminderDays),
	}}
	if cfg.ActivityRetentionDays > 0 {
		jobs = append(jobs, scheduler.Job{
			Name:    "activity-retention",
			Spec:    "30 3 * * *",
			Timeout: 30 * time.Minute,
			Run:     activitySvc.RetentionJob(cfg.ActivityRetentionDays),
		})
	}
	for _, j := range jobs {
		if err := sched.Register(j); err != nil {
			logger.Fatal().Err(err).Str("job", j.Name).Msg("failed to register job")
		}
	}
	sched.Start()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(defaultBodySize, cfg.MaxUploadSize, "/images", "/images/async", "/images/s3"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	checks := []db.Check{db.PoolCheck(pool)}
	if redisCheck != nil {
		checks = append(checks, *redisCheck)
	}
	e.GET("/health", db.HealthHandler(checks...))

	apiV1 := e.Group("/api/v1",
		authMiddleware(cfg),
		middleware.RateLimit(middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}),
		organization.PrincipalMiddleware(orgSvc),
		activity.CaptureClientIP(),
	)
	organization.NewHandler(orgSvc).RegisterRoutes(apiV1)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	cases.NewHandler(caseSvc, caseJobs).RegisterRoutes(apiV1)
	imaging.NewHandler(imageSvc, imaging.NewUploads(imageSvc, queue)).RegisterRoutes(apiV1)
	activity.NewHandler(activitySvc).RegisterRoutes(apiV1)
	tasks.NewHandler(queue, hub).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.StorageBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	sched.Stop()
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("background tasks still running at shutdown")
	}
	notifier.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
