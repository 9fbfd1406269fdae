package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirbox/fhirbox/internal/bundle"
	"github.com/fhirbox/fhirbox/internal/config"
	"github.com/fhirbox/fhirbox/internal/platform/db"
	"github.com/fhirbox/fhirbox/internal/plugin"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/search"
	"github.com/fhirbox/fhirbox/internal/server"
	"github.com/fhirbox/fhirbox/internal/service"
	"github.com/fhirbox/fhirbox/internal/store"
	"github.com/fhirbox/fhirbox/internal/tenant"
)

var version = "0.1.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "fhirbox-server",
		Short: "Multi-version, multi-tenant FHIR server",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to fhirbox.yaml")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(tenantCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(*configPath)
		},
	}
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	resources, err := registry.LoadResourceRegistry(
		filepath.Join(cfg.ConfigTree.BasePath, "resources"), cfg.DefaultVersion(), logger)
	if err != nil {
		return err
	}
	params, err := registry.LoadSearchParameters(cfg.ConfigTree.BasePath, cfg.EnabledVersions(), logger)
	if err != nil {
		return err
	}
	guard := registry.NewGuard(resources)

	st := store.New(pool, logger)
	indexer := store.NewIndexer(params, logger)

	validationMode := service.ValidationOff
	if cfg.Validation.Enabled {
		validationMode = cfg.Validation.ProfileValidation
	}
	svc := service.New(st, indexer, guard, nil, validationMode, logger)

	engine := search.NewEngine(params, resources, st, search.Options{
		BaseURL:       server.FHIRBase(cfg.Server.BaseURL),
		DefaultCount:  cfg.Search.DefaultCount,
		MaxCount:      cfg.Search.MaxCount,
		FailOnUnknown: cfg.Validation.FailOnUnknownSearchParameters,
	}, logger)

	processor := bundle.NewProcessor(svc, engine, st, server.FHIRBase(cfg.Server.BaseURL), logger)

	resolver := tenant.NewResolver(tenant.NewRepoPG(pool), cfg.Tenant.Enabled,
		cfg.Tenant.DefaultTenantID, cfg.Tenant.CacheTTL, logger)

	var plugins []plugin.Plugin
	if cfg.Auth.Enabled {
		plugins = append(plugins, plugin.NewJWTClaims(cfg.Auth.JWTSecret))
		logger.Info().Msg("JWT claims plugin enabled")
	}

	app := server.New(server.Deps{
		Config:     cfg,
		Pool:       pool,
		Resolver:   resolver,
		Resources:  resources,
		Params:     params,
		Guard:      guard,
		Service:    svc,
		Searcher:   engine,
		Processor:  processor,
		Plugins:    plugin.NewOrchestrator(logger, plugins...),
		Operations: server.NewOperationRegistry(),
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- app.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

func migrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, cfg.Database.MigrationsDir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, cfg.Database.MigrationsDir).Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-8s %-40s %-8s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-8d %-40s %-8s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func tenantCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	withRepo := func(fn func(ctx context.Context, repo tenant.Repository) error) error {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		ctx := context.Background()
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, tenant.NewRepoPG(pool))
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			internalID, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			if internalID == "" {
				return fmt.Errorf("--id is required")
			}
			if name == "" {
				name = internalID
			}
			return withRepo(func(ctx context.Context, repo tenant.Repository) error {
				t := &tenant.Tenant{InternalID: internalID, Name: name, Enabled: true}
				if err := repo.Create(ctx, t); err != nil {
					return err
				}
				fmt.Printf("Created tenant %s (external id %s)\n", t.InternalID, t.ExternalID)
				return nil
			})
		},
	}
	createCmd.Flags().String("id", "", "Internal tenant identifier")
	createCmd.Flags().String("name", "", "Display name (defaults to the id)")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(ctx context.Context, repo tenant.Repository) error {
				tenants, err := repo.List(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%-36s %-20s %-8s %s\n", "EXTERNAL ID", "INTERNAL ID", "ENABLED", "NAME")
				for _, t := range tenants {
					fmt.Printf("%-36s %-20s %-8t %s\n", t.ExternalID, t.InternalID, t.Enabled, t.Name)
				}
				return nil
			})
		},
	})

	setEnabled := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <external-id>",
			Short: use + " a tenant",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				externalID, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("external id must be a UUID: %w", err)
				}
				return withRepo(func(ctx context.Context, repo tenant.Repository) error {
					if err := repo.SetEnabled(ctx, externalID, enabled); err != nil {
						return err
					}
					fmt.Printf("Tenant %s enabled=%t\n", externalID, enabled)
					return nil
				})
			},
		}
	}
	cmd.AddCommand(setEnabled("enable", true))
	cmd.AddCommand(setEnabled("disable", false))

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fhirbox-server", version)
		},
	}
}
