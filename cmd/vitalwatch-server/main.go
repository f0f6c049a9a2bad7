package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/vitalwatch/internal/config"
	"github.com/ehr/vitalwatch/internal/domain/patient"
	"github.com/ehr/vitalwatch/internal/platform/auth"
	"github.com/ehr/vitalwatch/internal/platform/cronjob"
	"github.com/ehr/vitalwatch/internal/platform/db"
	"github.com/ehr/vitalwatch/internal/platform/hipaa"
	"github.com/ehr/vitalwatch/internal/platform/middleware"
	"github.com/ehr/vitalwatch/internal/platform/sqlite"
	"github.com/ehr/vitalwatch/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "vitalwatch-server",
		Short:        "Patient clinical-data API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(criticalCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
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

// migrationSource returns the embedded migrations unless dir is set.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run Postgres migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			pool, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaForTenant("default"), "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			pool, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.SchemaForTenant("default"), "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			pool, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaForTenant(name))
			n, err := db.CreateTenantSchema(ctx, pool, name, migrationSource(dir))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant created, %d migration(s) applied.\n", n)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	createCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")

	cmd.AddCommand(createCmd)
	return cmd
}

func criticalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "critical",
		Short: "Print patients in critical condition as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			// stdout carries the JSON lines.
			logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, release, err := st.tenantContext(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			defer release()

			patients, err := newService(cfg, st.repo, logger).ListCriticalPatients(ctx)
			if err != nil {
				return err
			}
			return writeJSONLines(cmd.OutOrStdout(), patients)
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to read (defaults to DEFAULT_TENANT; Postgres only)")
	return cmd
}

func writeJSONLines(w io.Writer, patients []*patient.Patient) error {
	enc := json.NewEncoder(w)
	for _, p := range patients {
		if err := enc.Encode(p); err != nil {
			return err
		}
	}
	return nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			tenant, _ := cmd.Flags().GetString("tenant")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(jwtConfig(cfg), subject, tenant, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "dev-clinician", "Token subject")
	cmd.Flags().String("tenant", "", "Tenant claim")
	cmd.Flags().StringSlice("roles", []string{auth.RoleClinician}, "Roles claim")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func connectPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return nil, fmt.Errorf("command requires STORE_DRIVER=%s, got %q", config.DriverPostgres, cfg.StoreDriver)
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

// store is the opened patient store for the configured driver.
type store struct {
	driver string
	repo   patient.PatientRepository
	pinger db.Pinger
	pool   *pgxpool.Pool
	close  func() error
}

// phiEncryptor builds the field encryptor from HIPAA_ENCRYPTION_KEY. It
// returns nil when encryption is disabled.
func phiEncryptor(cfg *config.Config, logger zerolog.Logger) (hipaa.FieldEncryptor, error) {
	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		logger.Warn().Msg("HIPAA_ENCRYPTION_KEY not set; PHI field-level encryption is disabled")
		return nil, nil
	}
	enc, err := hipaa.NewRotatingEncryptor(key, 1)
	if err != nil {
		return nil, fmt.Errorf("create PHI encryptor: %w", err)
	}
	logger.Info().Msg("PHI field-level encryption enabled")
	return enc, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	enc, err := phiEncryptor(cfg, logger)
	if err != nil {
		return nil, err
	}

	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return &store{
			driver: config.DriverSQLite,
			repo:   patient.NewPatientRepoSQLiteWithEncryption(s, enc),
			pinger: s,
			close:  s.Close,
		}, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Msg("connected to database")
		return &store{
			driver: config.DriverPostgres,
			repo:   patient.NewPatientRepoPGWithEncryption(pool, enc),
			pinger: pool,
			pool:   pool,
			close:  func() error { pool.Close(); return nil },
		}, nil
	}
}

func (s *store) Close() error {
	return s.close()
}

// tenantContext scopes ctx to a tenant schema outside of a request. SQLite
// has a single namespace, so the context is returned unchanged.
func (s *store) tenantContext(ctx context.Context, tenant string) (context.Context, func(), error) {
	if s.pool == nil {
		return ctx, func() {}, nil
	}
	return db.AcquireTenant(ctx, s.pool, tenant)
}

func newService(cfg *config.Config, repo patient.PatientRepository, logger zerolog.Logger) *patient.Service {
	svc := patient.NewService(repo, logger)
	if cfg.AppendMode == config.AppendOverwrite {
		svc.SetAppendMode(patient.AppendOverwrite)
	}
	if cfg.BPParseMode == config.BPParseLenient {
		svc.SetBPParseMode(patient.ParseLenient)
	}
	return svc
}

func newServer(cfg *config.Config, logger zerolog.Logger, st *store, svc *patient.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Health (unauthenticated)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(st.pinger, st.driver))

	// Auth middleware
	var authMW echo.MiddlewareFunc
	if cfg.ResolvedAuthMode() == "development" {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(jwtConfig(cfg))
	}

	// Audit wraps auth so rejected requests are recorded too.
	api := e.Group("", middleware.Audit(logger), authMW)
	if st.pool != nil {
		// Tenant middleware
		api.Use(db.TenantMiddleware(st.pool, cfg.DefaultTenant))
	}
	patient.NewHandler(svc).RegisterRoutes(api)

	return e
}

// scheduleCensus registers the critical census job. An empty schedule
// disables it.
func scheduleCensus(sched *cronjob.Scheduler, cfg *config.Config, st *store, svc *patient.Service) error {
	if cfg.CriticalCensusSchedule == "" {
		return nil
	}
	job := svc.CensusJob()
	return sched.Add("critical-census", cfg.CriticalCensusSchedule, func(ctx context.Context) error {
		ctx, release, err := st.tenantContext(ctx, cfg.DefaultTenant)
		if err != nil {
			return err
		}
		defer release()
		return job(ctx)
	})
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	// Store
	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open patient store")
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close patient store")
		}
	}()

	svc := newService(cfg, st.repo, logger)
	e := newServer(cfg, logger, st, svc)

	// Background jobs
	sched := cronjob.New(logger, time.Minute)
	if err := scheduleCensus(sched, cfg, st, svc); err != nil {
		logger.Error().Err(err).Msg("failed to schedule critical census")
		return err
	}
	sched.Start()

	logger.Info().
		Str("port", cfg.Port).
		Str("store", st.driver).
		Str("append_mode", cfg.AppendMode).
		Str("bp_parse_mode", cfg.BPParseMode).
		Str("auth_mode", cfg.ResolvedAuthMode()).
		Msg("starting server")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	return serveUntil(e, ":"+cfg.Port, sched, logger, quit)
}

// serveUntil runs e until quit fires or the listener fails. The scheduler is
// stopped on both paths.
func serveUntil(e *echo.Echo, addr string, sched *cronjob.Scheduler, logger zerolog.Logger, quit <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-quit:
		logger.Info().Msg("shutting down server")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("background jobs did not stop in time")
	}
	if serveErr != nil {
		return serveErr
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
