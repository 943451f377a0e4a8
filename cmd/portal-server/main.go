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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medportal/portal/internal/config"
	"github.com/medportal/portal/internal/domain/provider"
	"github.com/medportal/portal/internal/platform/db"
	"github.com/medportal/portal/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-server",
		Short: "Consent-gated provider portal server",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd(), tenantCmd(), providerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if cfg.UsesPostgres() {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("using in-memory storage, state is lost on restart")
	}

	a, err := buildApp(cfg, pool, newNotifier(cfg, logger), logger)
	if err != nil {
		return err
	}
	e := newServer(cfg, a, pool, logger)

	sweeper, err := newSweeper(ctx, cfg, a, pool, logger)
	if err != nil {
		return err
	}
	var sweepDone <-chan struct{}
	if sweeper != nil {
		sweepDone = sweeper.Start(ctx)
	}

	addr := ":" + cfg.Port
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Str("auth_mode", cfg.ResolvedAuthMode()).
			Str("storage", cfg.StorageDriver).Msg("starting portal server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if sweeper != nil {
		<-sweepDone
	}
	return nil
}

// openPool loads config and connects for the maintenance commands.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if !cfg.UsesPostgres() {
		return nil, nil, fmt.Errorf("STORAGE_DRIVER=%s has no database to manage", cfg.StorageDriver)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}

	var schema string

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool, migrations.Files).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) to %s\n", n, schema)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			fmt.Printf("%-8s %-30s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				state, at := "pending", ""
				if s.Applied {
					state = "applied"
					if s.AppliedAt != nil {
						at = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-8d %-30s %-10s %s\n", s.Version, s.Name, state, at)
			}
			return nil
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: down migrations are not supported; restore the schema from backup instead")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&schema, "schema", "tenant_default", "target tenant schema")
	cmd.AddCommand(upCmd, statusCmd, downCmd)
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant management commands",
	}

	var name string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.CreateTenantSchema(ctx, pool, name, migrations.Files); err != nil {
				return err
			}
			fmt.Printf("Created tenant %q\n", name)
			return nil
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "tenant id")
	createCmd.MarkFlagRequired("name")

	cmd.AddCommand(createCmd)
	return cmd
}

// providerCmd lets operators review onboarding outside the HTTP admin API.
func providerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Provider onboarding commands",
	}

	var tenant string

	withService := func(ctx context.Context, fn func(ctx context.Context, svc *provider.Service) error) error {
		cfg, pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		if tenant == "" {
			tenant = cfg.DefaultTenant
		}
		scoped, release, err := db.TenantScope(ctx, pool, tenant)
		if err != nil {
			return err
		}
		defer release()
		return fn(scoped, provider.NewService(provider.NewRepoPG(pool), newLogger(cfg)))
	}

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List providers, optionally by onboarding status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(context.Background(), func(ctx context.Context, svc *provider.Service) error {
				providers, total, err := svc.List(ctx, provider.Status(status), 100, 0)
				if err != nil {
					return err
				}
				fmt.Printf("%-36s %-9s %-10s %s\n", "ID", "ROLE", "STATUS", "NAME")
				for _, p := range providers {
					fmt.Printf("%-36s %-9s %-10s %s\n", p.ID, p.Role, p.Status, p.Name)
				}
				fmt.Printf("%d of %d provider(s)\n", len(providers), total)
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "filter by status (pending, verified, rejected)")

	var id, to, note string
	setStatusCmd := &cobra.Command{
		Use:   "set-status",
		Short: "Verify or reject a pending provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			providerID, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}
			return withService(context.Background(), func(ctx context.Context, svc *provider.Service) error {
				p, err := svc.SetStatus(ctx, providerID, provider.Status(to), "cli", note)
				if err != nil {
					return err
				}
				fmt.Printf("Provider %s is %s\n", p.ID, p.Status)
				return nil
			})
		},
	}
	setStatusCmd.Flags().StringVar(&id, "id", "", "provider id")
	setStatusCmd.Flags().StringVar(&to, "status", "", "verified or rejected")
	setStatusCmd.Flags().StringVar(&note, "note", "", "review note")
	setStatusCmd.MarkFlagRequired("id")
	setStatusCmd.MarkFlagRequired("status")

	cmd.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant id (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(listCmd, setStatusCmd)
	return cmd
}
