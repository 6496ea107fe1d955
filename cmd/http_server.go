package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/auth"
	authPostgres "github.com/frahmantamala/escrow-settlement/internal/auth/postgres"
	"github.com/frahmantamala/escrow-settlement/internal/core/events"
	"github.com/frahmantamala/escrow-settlement/internal/job"
	jobPostgres "github.com/frahmantamala/escrow-settlement/internal/job/postgres"
	"github.com/frahmantamala/escrow-settlement/internal/ledger"
	"github.com/frahmantamala/escrow-settlement/internal/metrics"
	"github.com/frahmantamala/escrow-settlement/internal/notification"
	"github.com/frahmantamala/escrow-settlement/internal/payment"
	paymentPostgres "github.com/frahmantamala/escrow-settlement/internal/payment/postgres"
	"github.com/frahmantamala/escrow-settlement/internal/settlement"
	"github.com/frahmantamala/escrow-settlement/internal/transport/middleware"
	"github.com/frahmantamala/escrow-settlement/internal/transport/rest"
	"github.com/frahmantamala/escrow-settlement/internal/user"
	userPostgres "github.com/frahmantamala/escrow-settlement/internal/user/postgres"
	"github.com/frahmantamala/escrow-settlement/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

// Dependencies is the wired application shared by the server and the
// reconcile worker.
type Dependencies struct {
	Config     *internal.Config
	DB         *sqlx.DB
	Gorm       *gorm.DB
	Logger     *slog.Logger
	Metrics    *metrics.BridgeMetrics
	Ledger     ledger.Client
	Bus        *events.EventBus
	Dispatcher *notification.Dispatcher

	Auth        *auth.Service
	Users       *user.Service
	Jobs        *job.Service
	PaymentRepo *paymentPostgres.PaymentRepository
	Mirror      *payment.Mirror
	Payments    *payment.Service
	Reconciler  *payment.Reconciler
	Bridge      *settlement.Bridge
}

func startHTTPServer() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	go connectLedger(ctx, deps.Ledger, deps.Metrics, deps.Logger)

	if deps.Config.Reconciler.Enabled {
		scheduler := payment.NewScheduler(connectedSweeper{deps.Ledger, deps.Reconciler}, deps.Config.Reconciler.Schedule, 0, deps.Logger)
		if err := scheduler.Start(ctx); err != nil {
			deps.Logger.Error("failed to start reconciliation scheduler", "error", err)
			os.Exit(1)
		}
		defer scheduler.Stop()
	}

	router := chi.NewRouter()
	setupRoutes(router, deps)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("Starting HTTP server", "address", addr, "ledger_mode", deps.Config.Ledger.Mode)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		deps.Logger.Info("Received signal, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			deps.Logger.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			deps.Logger.Error("Server failed to start", "error", err)
			return
		}
	}

	deps.Logger.Info("Server stopped")
}

func setupRoutes(router *chi.Mux, deps *Dependencies) {
	var metricsHandler http.Handler
	if deps.Config.Observability.Metrics.Enabled {
		metricsHandler = promhttp.Handler()
	}

	rest.RegisterAllRoutes(router, rest.Handlers{
		Auth:    auth.NewHandler(deps.Auth),
		User:    user.NewHandler(deps.Users),
		Job:     job.NewHandler(deps.Jobs),
		Payment: payment.NewHandler(deps.Payments, deps.Reconciler),
		Escrow:  settlement.NewHandler(deps.Bridge),
	}, rest.Options{
		DB:             deps.DB.DB,
		Ledger:         deps.Ledger,
		RBAC:           auth.NewRBACAuthorization(auth.NewPermissionChecker(), deps.Logger),
		AllowedOrigins: middleware.SplitOrigins(deps.Config.Server.AllowedOrigins),
		Metrics:        metricsHandler,
		MetricsPath:    deps.Config.Observability.Metrics.Path,
		Logger:         deps.Logger,
	})
}

func initializeDependencies(ctx context.Context) (*Dependencies, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogger(config)
	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	gormDB, err := initGorm(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	m := metrics.New(nil)
	if config.Observability.Metrics.Enabled {
		m = metrics.Default()
	}

	client, err := ledger.New(config.Ledger, lg, m)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to build ledger client: %w", err)
	}

	bus := events.NewEventBus(lg)
	dispatcher, err := initDispatcher(ctx, config.Notification, m, lg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dispatcher.Register(bus)

	inflight, err := settlement.NewInFlight(config.Settlement)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	paymentRepo := paymentPostgres.NewPaymentRepository(gormDB)
	users := user.NewService(userPostgres.NewUserRepository(db), lg)
	jobs := job.NewService(jobPostgres.NewJobRepository(gormDB), lg)
	mirror := payment.NewMirror(paymentRepo, jobs, bus, m, lg)

	tokens := auth.NewJWTTokenGenerator(
		config.Security.AccessTokenSecret,
		config.Security.RefreshTokenSecret,
		config.Security.AccessTokenDuration,
		config.Security.RefreshTokenDuration,
	)

	return &Dependencies{
		Config:      config,
		DB:          db,
		Gorm:        gormDB,
		Logger:      lg,
		Metrics:     m,
		Ledger:      client,
		Bus:         bus,
		Dispatcher:  dispatcher,
		Auth:        auth.NewService(authPostgres.NewRepository(gormDB), tokens, config.Security.BCryptCost, lg),
		Users:       users,
		Jobs:        jobs,
		PaymentRepo: paymentRepo,
		Mirror:      mirror,
		Payments:    payment.NewService(paymentRepo, jobs, bus, lg),
		Reconciler: payment.NewReconciler(client, mirror, paymentRepo, m, payment.ReconcilerConfig{
			Workers:   config.Reconciler.Workers,
			BatchSize: config.Reconciler.BatchSize,
		}, lg),
		Bridge: settlement.NewBridge(client, auth.NewGate(users, jobs), paymentRepo, mirror, inflight, m, lg),
	}, nil
}

// Close releases everything in reverse order of construction. Pending event
// handlers are drained before the producer goes away.
func (d *Dependencies) Close() {
	d.Bus.Wait()
	if err := d.Dispatcher.Close(); err != nil {
		d.Logger.Error("notification producer close error", "error", err)
	}
	d.Ledger.Close()
	if err := d.DB.Close(); err != nil {
		d.Logger.Error("Database close error", "error", err)
	}
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// verify connection; close underlying *sql.DB on failure
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm shares the sqlx pool with gorm.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Warn),
	})
}

func initDispatcher(ctx context.Context, cfg internal.NotificationConfig, m *metrics.BridgeMetrics, lg *slog.Logger) (*notification.Dispatcher, error) {
	if !cfg.Enabled {
		lg.Info("notifications disabled, events are only logged")
		return notification.NewDispatcher(nil, cfg.Topic, m, lg), nil
	}
	producer, err := notification.NewProducer(ctx, cfg, lg)
	if err != nil {
		return nil, err
	}
	return notification.NewDispatcher(producer, cfg.Topic, m, lg), nil
}

// connectLedger keeps dialing until the ledger answers. Until then every
// escrow operation reports the feature as unavailable. A node on the wrong
// chain is not retried.
func connectLedger(ctx context.Context, client ledger.Client, m *metrics.BridgeMetrics, lg *slog.Logger) {
	m.SetLedgerConnected(false)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := client.Connect(ctx)
		if ledger.IsProtocolMismatch(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		lg.Warn("ledger unreachable, escrow settlement disabled", "error", err, "retry_in", wait)
	})
	if err != nil {
		if ctx.Err() == nil {
			lg.Error("ledger connection abandoned, escrow settlement stays disabled", "error", err)
		}
		return
	}

	m.SetLedgerConnected(true)
	lg.Info("ledger connected, escrow settlement enabled", "operator", client.Operator().Hex())
}

// connectedSweeper skips scheduled sweeps while the ledger is down.
type connectedSweeper struct {
	client     ledger.Client
	reconciler *payment.Reconciler
}

func (s connectedSweeper) ReconcilePending(ctx context.Context) (*payment.Summary, error) {
	if !s.client.Connected() {
		return &payment.Summary{}, nil
	}
	return s.reconciler.ReconcilePending(ctx)
}
