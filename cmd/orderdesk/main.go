package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/orderdesk/orderdesk/cmd/orderdesk/cli"
	"github.com/orderdesk/orderdesk/internal/app"
	"github.com/orderdesk/orderdesk/internal/auth"
	"github.com/orderdesk/orderdesk/internal/observability"
	"github.com/orderdesk/orderdesk/internal/orders"
	"github.com/orderdesk/orderdesk/internal/platform/cache"
	"github.com/orderdesk/orderdesk/internal/platform/db"
	"github.com/orderdesk/orderdesk/internal/rbac"
	"github.com/orderdesk/orderdesk/internal/shared"
	"github.com/orderdesk/orderdesk/internal/timeline"
	"github.com/orderdesk/orderdesk/internal/users"
	"github.com/orderdesk/orderdesk/jobs"
)

const usage = `usage: orderdesk <command> [flags]

commands:
  serve                         run the HTTP API (default)
  migrate                       apply database migrations
  backfill-timeline [-dry-run]  add creation events to orders that lack one
  jobs stats                    print default queue statistics
  jobs trigger <task>           enqueue timeline:audit or timeline:backfill
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = db.Migrate(cfg.PGDSN)
		if err == nil {
			logger.Info("migrations applied")
		}
	case "backfill-timeline":
		err = backfill(ctx, cfg, logger, args)
	case "jobs":
		err = jobsCommand(ctx, cfg, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(command, slog.Any("error", err))
		os.Exit(1)
	}
}

func backfill(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("backfill-timeline", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "count orders missing a creation event without writing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	backfiller := timeline.NewBackfiller(timeline.NewRepository(pool), cfg.SystemActorID, logger)
	result, err := backfiller.Run(ctx, *dryRun)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(result)
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("jobs: expected stats or trigger")
	}
	c := cli.NewJobsCLI(cfg.RedisAddr)
	defer func() {
		_ = c.Close()
	}()
	switch args[0] {
	case "stats":
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(stats)
	case "trigger":
		if len(args) < 2 {
			return errors.New("jobs trigger: task name required")
		}
		info, err := c.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Println(info.ID)
		return nil
	default:
		return fmt.Errorf("jobs: unknown subcommand %s", args[0])
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "orderdesk_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	metrics := observability.NewMetrics()

	usersRepo := users.NewRepository(pool)
	usersCache := users.NewCache(redisClient, cfg.DirectoryCacheTTL)
	usersService := users.NewService(usersRepo, usersCache, logger)
	rbacMiddleware := rbac.Middleware{Resolver: usersService, Logger: logger}

	hub := timeline.NewHub(cfg.SubscriberBuffer, metrics)
	relay := timeline.NewRedisRelay(redisClient, logger)
	go func() {
		if err := relay.Run(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("timeline relay stopped", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	ordersService := orders.NewService(orders.NewRepository(pool), usersService, orders.Options{
		Publisher: relay,
		Notifier:  jobsClient,
		Metrics:   metrics,
		Timeout:   cfg.StoreOpTimeout,
		Logger:    logger,
	})
	timelineService := timeline.NewService(timeline.NewRepository(pool), usersService, hub, cfg.StoreOpTimeout, logger)
	authService := auth.NewService(usersService)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		CSRFManager:     csrfManager,
		RBACMiddleware:  rbacMiddleware,
		AuthHandler:     auth.NewHandler(logger, authService, sessionManager, csrfManager, rbacMiddleware),
		UsersHandler:    users.NewHandler(logger, usersService, rbacMiddleware),
		OrdersHandler:   orders.NewHandler(logger, ordersService, rbacMiddleware),
		TimelineHandler: timeline.NewHandler(logger, timelineService, ordersService, rbacMiddleware),
		JobHandler:      jobs.NewHandler(inspector, jobsClient, rbacMiddleware, logger),
		Metrics:         metrics,
		Pool:            pool,
		Redis:           redisClient,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
