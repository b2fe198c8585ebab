// Command worker drives DOIs through their registrar lifecycle. It runs one
// asynq server and one consumer loop per owned shard, so events for a given
// DOI are always handled in order by a single loop.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/doisync/internal/config"
	"github.com/dharsanguruparan/doisync/internal/database"
	"github.com/dharsanguruparan/doisync/internal/lease"
	"github.com/dharsanguruparan/doisync/internal/ledger"
	"github.com/dharsanguruparan/doisync/internal/lifecycle"
	"github.com/dharsanguruparan/doisync/internal/logging"
	"github.com/dharsanguruparan/doisync/internal/metrics"
	"github.com/dharsanguruparan/doisync/internal/queue"
	"github.com/dharsanguruparan/doisync/internal/registrar"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("DOI_CONFIG_FILE"))
	if err != nil {
		logging.New("info", "text").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	client, err := registrar.New(cfg.RegistrarURL, cfg.RegistrarUser, cfg.RegistrarPassword, cfg.RegistrarTimeout)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	worker := lifecycle.NewWorker(ledger.NewPostgres(pool), client,
		lifecycle.WithMaxAttempts(cfg.WorkerAttempts),
		lifecycle.WithRetryInterval(cfg.RetryInterval),
		lifecycle.WithCallTimeout(cfg.RegistrarTimeout),
		lifecycle.WithDescriptionLimit(cfg.DescriptionLimit),
		lifecycle.WithLocker(lease.NewRedis(rdb, "doisync:lease", cfg.LeaseTTL, logger)),
		lifecycle.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
		lifecycle.WithLogger(logger),
	)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range cfg.OwnedShards {
		name := queue.QueueName(shard)
		consumer := queue.NewConsumer()
		srv := asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: 1,
			Queues:      map[string]int{name: 1},
			// The worker already waits between attempts, so redelivery needs only a short pause.
			RetryDelayFunc: func(int, error, *asynq.Task) time.Duration { return time.Second },
		})
		if err := srv.Start(consumer.Handler()); err != nil {
			return err
		}
		logger.Info("consuming shard", "queue", name)
		g.Go(func() error {
			defer srv.Shutdown()
			err := worker.Run(gctx, consumer.Deliveries())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	metricsSrv := &http.Server{
		Addr:              cfg.Address,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
