// Package main provides the replicator application entry point.
//
// The replicator consumes INFO messages from the configured queue, schedules
// per-entity tasks through the resource-locked scheduling core, and maintains
// the data mart of entity-resolution statistics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/datamart-replicator/internal/adapter/engine"
	"github.com/fairyhunter13/datamart-replicator/internal/adapter/queue/dbqueue"
	"github.com/fairyhunter13/datamart-replicator/internal/adapter/queue/rabbitmq"
	"github.com/fairyhunter13/datamart-replicator/internal/adapter/queue/sqs"
	pgrepo "github.com/fairyhunter13/datamart-replicator/internal/adapter/repo/postgres"
	sqliterepo "github.com/fairyhunter13/datamart-replicator/internal/adapter/repo/sqlite"
	"github.com/fairyhunter13/datamart-replicator/internal/app"
	"github.com/fairyhunter13/datamart-replicator/internal/config"
	"github.com/fairyhunter13/datamart-replicator/internal/datamart"
	"github.com/fairyhunter13/datamart-replicator/internal/domain"
	"github.com/fairyhunter13/datamart-replicator/internal/observability"
	"github.com/fairyhunter13/datamart-replicator/internal/scheduler"
	"github.com/fairyhunter13/datamart-replicator/internal/usecase"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	slog.Info("starting replicator", slog.String("env", cfg.AppEnv))

	// Data-mart database: one dialect backs the follow-up queue, the SQL INFO
	// queue, and the mart itself.
	var (
		followStore domain.FollowUpStore
		martStore   datamart.Store
		queueStore  dbqueue.Store
		closeDB     func()
	)
	if cfg.UseSQLite() {
		db, err := sqliterepo.Open(ctx, cfg.SQLiteDatabaseFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "database error: %v\n", err)
			return 1
		}
		closeDB = func() { _ = db.Close() }
		followStore = sqliterepo.NewFollowUpRepo(db)
		martStore = sqliterepo.NewDataMartRepo(db)
		queueStore = sqliterepo.NewMessageQueueRepo(db)
		slog.Info("data mart backed by sqlite", slog.String("file", cfg.SQLiteDatabaseFile))
	} else {
		pool, err := pgrepo.NewPool(ctx, cfg.PostgresURL())
		if err != nil {
			fmt.Fprintf(os.Stderr, "database error: %v\n", err)
			return 1
		}
		closeDB = pool.Close
		followStore = pgrepo.NewFollowUpRepo(pool)
		martStore = pgrepo.NewDataMartRepo(pool)
		queueStore = pgrepo.NewMessageQueueRepo(pool)
		slog.Info("data mart backed by postgresql",
			slog.String("host", cfg.PostgresHost),
			slog.String("database", cfg.PostgresDatabase))
	}
	defer closeDB()

	if err := martStore.EnsureSchema(ctx, false); err != nil {
		fmt.Fprintf(os.Stderr, "schema error: %v\n", err)
		return 1
	}

	engineClient := engine.New(engine.SettingsFromConfig(cfg))
	handler := datamart.NewHandler(martStore, engineClient)

	sched := scheduler.New(scheduler.Config{
		Concurrency:      cfg.Concurrency,
		StandardTimeout:  cfg.StandardTimeout,
		PostponedTimeout: cfg.PostponedTimeout,
		FollowUpDelay:    cfg.FollowUpDelay,
		FollowUpTimeout:  cfg.FollowUpTimeout,
		FollowUpFetch:    cfg.FollowUpFetch,
	}, handler, followStore)
	if err := sched.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scheduler error: %v\n", err)
		return 1
	}
	defer sched.Destroy()

	consumer, err := buildConsumer(ctx, cfg, queueStore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue error: %v\n", err)
		return 1
	}
	defer consumer.Destroy()

	// Operator HTTP surface: health, metrics, reports, follow-up dump.
	router := app.NewRouter(sched, datamart.NewReportService(martStore), followStore)
	adminSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("admin server listening", slog.Int("port", cfg.AdminPort))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", slog.Any("error", err))
		}
	}()

	replicator := usecase.NewReplicator(sched)
	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- consumer.Consume(ctx, replicator.HandleMessage)
	}()

	go logActivity(ctx, sched)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	case err := <-consumeErr:
		if err != nil {
			slog.Error("consumer aborted", slog.Any("error", err))
			exitCode = 1
		} else {
			slog.Info("consumer finished")
		}
	}

	consumer.Destroy()
	sched.Destroy()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin server shutdown", slog.Any("error", err))
	}

	slog.Info("replicator stopped")
	return exitCode
}

// buildConsumer selects the queue driver from the configuration.
func buildConsumer(ctx context.Context, cfg config.Config, queueStore dbqueue.Store) (domain.MessageConsumer, error) {
	switch {
	case cfg.SQSURL != "":
		return sqs.New(ctx, sqs.Options{
			URL:                      cfg.SQSURL,
			MaxRetries:               cfg.SQSMaxRetries,
			RetryWait:                cfg.SQSRetryWait,
			VisibilityTimeoutSeconds: cfg.SQSVisibilityTimeoutSeconds,
		})
	case cfg.RabbitHost != "":
		return rabbitmq.New(rabbitmq.Options{
			URL:   cfg.RabbitURL(),
			Queue: cfg.RabbitQueue,
		})
	default:
		return dbqueue.New(queueStore, cfg.DatabaseInfoQueueLease), nil
	}
}

// logActivity periodically summarizes pending counts and progress.
func logActivity(ctx context.Context, sched *scheduler.Service) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		state := sched.State()
		if state == scheduler.StateDestroying || state == scheduler.StateDestroyed {
			return
		}
		stats := sched.Statistics()
		attrs := []any{
			slog.String("state", string(state)),
			slog.Int("remaining_tasks", sched.GetRemainingTasksCount()),
			slog.Int64("tasks_complete", stats[domain.StatSchedulerTaskComplete]),
			slog.Int64("tasks_success", stats[domain.StatSchedulerTaskSuccess]),
		}
		if n, err := sched.GetRemainingFollowUpTasksCount(ctx); err == nil {
			attrs = append(attrs, slog.Int64("remaining_follow_ups", n))
		}
		slog.Info("replicator activity", attrs...)
	}
}
