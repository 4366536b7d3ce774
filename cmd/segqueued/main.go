package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pixelbrain/segqueue/internal/auth"
	"github.com/pixelbrain/segqueue/internal/fanout"
	"github.com/pixelbrain/segqueue/internal/httpapi"
	"github.com/pixelbrain/segqueue/internal/inference"
	"github.com/pixelbrain/segqueue/internal/queue"
	"github.com/pixelbrain/segqueue/pkg/config"
	"github.com/pixelbrain/segqueue/pkg/httpserver"
	"github.com/pixelbrain/segqueue/pkg/logger"
	"github.com/pixelbrain/segqueue/pkg/pg"
	"github.com/pixelbrain/segqueue/pkg/redis"
)

type appConfig struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	WorkerPollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"2s"`
	WorkerConcurrency  int           `env:"QUEUE_CONCURRENCY" envDefault:"2"`
	WorkerGlobalLimit  int           `env:"QUEUE_GLOBAL_LIMIT" envDefault:"4"`
	ItemTimeout        time.Duration `env:"QUEUE_ITEM_TIMEOUT" envDefault:"5m"`

	FanoutBufferSize int `env:"FANOUT_BUFFER_SIZE" envDefault:"64"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		appCfg   appConfig
		logCfg   logger.Config
		pgCfg    pg.Config
		redisCfg redis.Config
		infCfg   inference.Config
		authCfg  auth.Config
	)
	config.MustLoad(&appCfg)
	config.MustLoad(&logCfg)
	config.MustLoad(&pgCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&infCfg)
	config.MustLoad(&authCfg)

	log := logger.New(logCfg)
	logger.SetAsDefault(log)

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		log.Error("postgres connection failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		log.Error("migrations failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redisClient, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		log.Error("redis connection failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()

	hub := fanout.NewHub(appCfg.FanoutBufferSize, log)
	defer func() { _ = hub.Close() }()

	bridge := fanout.NewRedisBridge(hub, redisClient, log)
	bridge.Start(ctx)
	defer bridge.Stop()

	store := queue.NewPGStore(pool)
	images := queue.NewPGImageStore(pool)
	svc := queue.NewService(store, images, bridge, log)

	infClient := inference.NewHTTPClient(infCfg, &http.Client{})
	worker, err := queue.NewWorker(store, svc, infClient,
		queue.WithPollInterval(appCfg.WorkerPollInterval),
		queue.WithConcurrency(appCfg.WorkerConcurrency),
		queue.WithGlobalLimit(appCfg.WorkerGlobalLimit),
		queue.WithItemTimeout(appCfg.ItemTimeout),
		queue.WithWorkerLogger(log),
	)
	if err != nil {
		log.Error("worker construction failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	authClient := auth.NewClient(authCfg, &http.Client{Timeout: 10 * time.Second})

	router := chi.NewRouter()
	router.Get("/healthz", httpserver.HealthcheckHandler(map[string]httpserver.Probe{
		"postgres": pg.Healthcheck(pool),
		"redis":    redis.Healthcheck(redisClient),
	}))
	router.Mount("/", httpapi.Router(svc, hub, authClient, log))

	if err := worker.Start(ctx); err != nil {
		log.Error("worker start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = worker.Stop() }()

	srv := httpserver.New(
		httpserver.WithAddr(appCfg.HTTPAddr),
		httpserver.WithLogger(log),
		httpserver.WithShutdownTimeout(10*time.Second),
	)
	if err := srv.Run(ctx, router); err != nil {
		log.Error("http server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
