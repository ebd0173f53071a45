/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the hosting panel core: the EKO points program,
  the service lifecycle, the wallet and the renewal scheduler.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve    Run the HTTP API and the renewal scheduler (default)
  sweep    Run one renewal and expiry pass, then exit
  token    Mint a bearer token for local development

STARTUP SEQUENCE (serve):
  1. Load configuration (defaults, TOML file, .env, environment, flags)
  2. Initialize logging
  3. Open the SQLite store and run migrations
  4. Build wallet, EKO ledger, lifecycle and catalog
  5. Wire the Stripe gateway and webhook when an API key is configured
  6. Start HTTP server and scheduler under one errgroup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Stop the scheduler between services
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server serve --config=hosting.toml
  ./server serve --db=":memory:" --port=3000
  ./server sweep --renew-ahead=48h
  ./server token --account=acc-1 --role=admin

SEE ALSO:
  - config/config.go: Configuration keys and environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/warp/hosting-engine/api"
	"github.com/warp/hosting-engine/config"
	"github.com/warp/hosting-engine/eko"
	"github.com/warp/hosting-engine/generic"
	"github.com/warp/hosting-engine/hosting"
	"github.com/warp/hosting-engine/logging"
	"github.com/warp/hosting-engine/payment"
	"github.com/warp/hosting-engine/payment/stripe"
	"github.com/warp/hosting-engine/store/sqlite"
	"github.com/warp/hosting-engine/wallet"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	dbPath     string
	port       int
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "server",
		Short:         "Hosting panel core",
		Long:          `Hosting panel core: EKO points, service lifecycle, wallet and renewals.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", `SQLite database path (":memory:" for in-memory)`)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	serveCmd := newServeCommand()
	rootCmd.AddCommand(serveCmd, newSweepCommand(), newTokenCommand())
	rootCmd.RunE = serveCmd.RunE
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// =============================================================================
// CONFIGURATION
// =============================================================================

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("db") {
		cfg.Database.Path = dbPath
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logging.Init(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: "hosting"})
	return cfg, nil
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	store     *sqlite.Store
	wallet    *wallet.Wallet
	points    *eko.Ledger
	lifecycle *hosting.Lifecycle
	catalog   *hosting.Catalog
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	w := wallet.New(generic.NewLedger(store))

	settings, err := eko.NewSettingsProvider(ctx, store, cfg.Eko.Settings())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load EKO settings: %w", err)
	}
	metrics := api.MetricsObserver{}
	points := eko.NewLedger(store, settings, w, eko.WithObserver(metrics))
	lifecycle := hosting.NewLifecycle(store, points, w, hosting.WithObserver(metrics))

	return &app{
		store:     store,
		wallet:    w,
		points:    points,
		lifecycle: lifecycle,
		catalog:   hosting.NewCatalog(store, generic.SystemClock{}),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and renewal scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP server port")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (HOSTING_JWT_SECRET) is required to serve")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.points, a.lifecycle, a.catalog, a.wallet)
	handler.Currency = cfg.Stripe.Currency
	handler.PublicURL = cfg.Server.PublicURL

	routerCfg := api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth:           api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
	}

	if cfg.Stripe.APIKey != "" {
		handler.Gateway = stripe.NewGateway(stripe.Config{
			APIKey:     cfg.Stripe.APIKey,
			SuccessURL: cfg.Stripe.SuccessURL,
			CancelURL:  cfg.Stripe.CancelURL,
			Currency:   cfg.Stripe.Currency,
		})
		if cfg.Stripe.WebhookSecret != "" {
			routerCfg.Webhook = stripe.NewWebhookHandler(cfg.Stripe.WebhookSecret, payment.NewProcessor(a.lifecycle, a.wallet))
		} else {
			log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, gateway events will not be received")
		}
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set, checkout endpoints are disabled")
	}

	scheduler := api.NewRenewalScheduler(a.lifecycle)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.RenewAhead = cfg.Scheduler.RenewAhead
	handler.Scheduler = scheduler

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("db", cfg.Database.Path).
			Bool("gateway", handler.Gateway != nil).
			Bool("scheduler", cfg.Scheduler.Enabled).
			Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

// =============================================================================
// SWEEP
// =============================================================================

func newSweepCommand() *cobra.Command {
	var ahead time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one renewal and expiry pass",
		Long:  `Charge wallet-auto-renew services due within --renew-ahead and suspend expired services, then exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("renew-ahead") {
				cfg.Scheduler.RenewAhead = ahead
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			scheduler := api.NewRenewalScheduler(a.lifecycle)
			scheduler.RenewAhead = cfg.Scheduler.RenewAhead
			report, err := scheduler.RunNow(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renewed=%d suspended=%d failed=%d\n",
				len(report.Renewed), len(report.Suspended), len(report.Failed))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ahead, "renew-ahead", 24*time.Hour, "Charge services expiring within this window")
	return cmd
}

// =============================================================================
// TOKEN
// =============================================================================

func newTokenCommand() *cobra.Command {
	var (
		account string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret (HOSTING_JWT_SECRET) is required")
			}
			tok, err := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(account, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account ID (token subject)")
	cmd.Flags().StringVar(&role, "role", "", `Role claim ("admin" for admin routes)`)
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
