/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the karma ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file, .env, KARMA_* env)
  2. Build the logger
  3. Open the store selected by storage.driver
  4. Pick the membership directory and notifier
  5. Build service, scheduler, router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --config       TOML config path (default: karma.toml, missing is fine)
  --port         HTTP port, overrides server.addr
  --db           SQLite database path, overrides storage.sqlite_path
                 Use ":memory:" for an in-memory database
  --issue-token  Print a signed token for the given user id and exit
  --admin        With --issue-token, add the admin claim

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, drain pending notifications
  4. Close the store

EXAMPLES:
  ./server --db=./data/karma.db
  ./server --config=prod.toml
  KARMA_STORAGE_DRIVER=memory ./server --port=3000
  ./server --issue-token=mom

SEE ALSO:
  - config/config.go: configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/warp/karma-ledger/api"
	"github.com/warp/karma-ledger/config"
	"github.com/warp/karma-ledger/karma"
	"github.com/warp/karma-ledger/ledger"
	"github.com/warp/karma-ledger/ledger/store"
	"github.com/warp/karma-ledger/metrics"
	"github.com/warp/karma-ledger/store/postgres"
	"github.com/warp/karma-ledger/store/sqlite"
)

func main() {
	// Flags
	configPath := pflag.String("config", "karma.toml", "TOML config file")
	port := pflag.Int("port", 0, "HTTP server port (overrides server.addr)")
	dbPath := pflag.String("db", "", "SQLite database path (overrides storage.sqlite_path)")
	issueFor := pflag.String("issue-token", "", "print a signed token for this user id and exit")
	issueAdmin := pflag.Bool("admin", false, "with --issue-token, grant the admin claim")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Addr = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.Storage.SQLitePath = *dbPath
	}

	log := newLogger(cfg.Log)
	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	if *issueFor != "" {
		tok, err := auth.IssueToken(*issueFor, *issueAdmin, 24*time.Hour)
		if err != nil {
			log.WithError(err).Fatal("failed to issue token")
		}
		fmt.Println(tok)
		return
	}
	if cfg.InsecureSecret() {
		log.Warn("auth.jwt_secret is the default value; tokens can be forged, use the memory driver only for local runs")
	}

	ctx := context.Background()
	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize storage")
	}
	defer backend.close()

	notifier, closeNotifier := newNotifier(cfg.Notify, log)
	defer closeNotifier()

	m := metrics.New()
	svc := karma.NewService(backend.store, backend.authz, log,
		karma.WithNotifier(notifier),
		karma.WithRecorder(m),
	)

	scheduler := api.NewReconciliationScheduler(ledger.NewReconciler(backend.audit, backend.store), log)
	scheduler.Schedule = cfg.Reconcile.Schedule
	scheduler.Enabled = cfg.Reconcile.Enabled
	scheduler.Recorder = m

	limiter := api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, log)
	if err := scheduler.Every("@every 5m", limiter.Cleanup); err != nil {
		log.WithError(err).Fatal("failed to schedule rate limiter cleanup")
	}
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("failed to start scheduler")
	}

	var rlOpt *api.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		rlOpt = limiter
	}
	handler := api.NewHandler(svc, scheduler, backend.pinger, log)
	router := api.NewRouter(handler, api.RouterOptions{
		Auth:           auth,
		RateLimiter:    rlOpt,
		Metrics:        m,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestLogging: true,
	})

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    cfg.Server.Addr,
			"storage": cfg.Storage.Driver,
			"notify":  cfg.Notify.Driver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	scheduler.Stop()
	svc.Wait()

	log.Info("server stopped")
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("level", cfg.Level).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// backend bundles the interfaces one storage driver provides.
type backend struct {
	store  ledger.Store
	audit  ledger.AuditStore
	authz  karma.Authorizer
	pinger api.Pinger
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*backend, error) {
	switch cfg.Storage.Driver {
	case "memory":
		s := store.NewTxMemory()
		dir := karma.NewDirectory()
		if err := seedMembers(ctx, dir, cfg.Families); err != nil {
			return nil, err
		}
		return &backend{store: s, audit: s, authz: dir, close: func() {}}, nil

	case "sqlite":
		s, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		// Config-declared families are written through so the table is
		// the single membership source.
		if err := seedMembers(ctx, s, cfg.Families); err != nil {
			s.Close()
			return nil, err
		}
		log.WithField("path", cfg.Storage.SQLitePath).Info("sqlite store ready")
		return &backend{store: s, audit: s, authz: s, pinger: s, close: func() { s.Close() }}, nil

	case "postgres":
		s, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		dir := karma.NewDirectory()
		if err := seedMembers(ctx, dir, cfg.Families); err != nil {
			s.Close()
			return nil, err
		}
		log.Info("postgres store ready")
		return &backend{store: s, audit: s, authz: dir, pinger: s, close: func() { s.Close() }}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func seedMembers(ctx context.Context, dir karma.MemberDirectory, families []config.FamilyConfig) error {
	for _, fam := range families {
		for _, m := range fam.Members {
			err := dir.SaveMember(ctx, karma.Membership{
				FamilyID:    ledger.FamilyID(fam.ID),
				UserID:      ledger.UserID(m.UserID),
				Role:        karma.Role(strings.ToLower(m.Role)),
				DisplayName: m.Name,
			})
			if err != nil {
				return fmt.Errorf("seed members: %w", err)
			}
		}
	}
	return nil
}

func newNotifier(cfg config.NotifyConfig, log logrus.FieldLogger) (karma.Notifier, func()) {
	switch cfg.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		n := karma.NewRedisNotifier(client, cfg.RedisChannel)
		return n, func() { n.Close() }
	case "none":
		return karma.NopNotifier{}, func() {}
	default:
		return karma.LogNotifier{Log: log}, func() {}
	}
}
