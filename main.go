package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/milanziuziakowski/video-creator-sub000/config"
	"github.com/milanziuziakowski/video-creator-sub000/logging"
	"github.com/milanziuziakowski/video-creator-sub000/metrics"
	"github.com/milanziuziakowski/video-creator-sub000/models"
	"github.com/milanziuziakowski/video-creator-sub000/providers"
	"github.com/milanziuziakowski/video-creator-sub000/routers"
	"github.com/milanziuziakowski/video-creator-sub000/routers/api"
	"github.com/milanziuziakowski/video-creator-sub000/service"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	config.InitConfig(*configPath)
	cfg := config.AppConfig
	logger := logging.New(cfg.Log)
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(cfg, logger)
	defer closeStore()

	assets, err := service.NewObjectStore(cfg.MinIO, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("minio init failed")
	}
	logger.Info().Str("bucket", cfg.MinIO.Bucket).Msg("MinIO initialized")

	locker := service.Locker(service.NewLocalLocker())
	if cfg.Locks.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		locker = service.NewRedisLocker(rdb, cfg.Locks.TTL)
	}

	minimax := providers.NewMiniMax(cfg.MiniMax, cfg.Video.Model, logger)
	planner, err := providers.NewPlanner(ctx, cfg.Planner, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("planner init failed")
	}
	ffmpeg := service.NewFFmpeg(cfg.FFmpeg, cfg.Storage.WorkDir, assets, logger)

	poller := service.NewPoller(cfg.Poller.Retention, logger)
	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}

	var (
		dispatcher service.Dispatcher
		inline     *service.InlineDispatcher
	)
	if cfg.Queue.Enabled {
		d := service.NewAsynqDispatcher(redisOpt, logger)
		defer d.Close()
		dispatcher = d
	} else {
		inline = service.NewInlineDispatcher(logger)
		dispatcher = inline
	}

	orch := service.NewOrchestrator(service.Deps{
		Store:      store,
		Locker:     locker,
		Poller:     poller,
		Policies:   service.PoliciesFromConfig(cfg),
		Jobs:       service.NewLocalJobs(logger),
		Video:      minimax,
		Planner:    planner,
		Voice:      minimax,
		Narration:  minimax,
		Frames:     ffmpeg,
		Media:      ffmpeg,
		Assets:     assets,
		Dispatcher: dispatcher,
		Resolution: cfg.Video.Resolution,
		Logger:     logger,
	})

	processor := service.NewProcessor(orch, logger)
	if inline != nil {
		inline.Bind(processor.Mux())
	} else {
		processor.Start(redisOpt, cfg.Queue.Concurrency)
	}
	logger.Info().Bool("asynq", cfg.Queue.Enabled).Msg("Queue initialized")

	go poller.Run(ctx, orch.HandleCompletion)
	if err := orch.Resume(ctx); err != nil {
		logger.Error().Err(err).Msg("resume outstanding jobs failed")
	}

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: routers.InitRouter(api.NewHandler(orch, logger), logger),
	}
	go func() {
		logger.Info().Str("addr", cfg.Server.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	poller.Stop()
	processor.Shutdown()
	if inline != nil {
		inline.Wait()
	}
}

// openStore 配置了 DSN 时使用 MySQL，否则退回内存存储
func openStore(cfg *config.Config, logger *zerolog.Logger) (models.Store, func()) {
	if cfg.MySQL.DSN == "" {
		logger.Warn().Msg("mysql.dsn not set, using in-memory store")
		return models.NewMemoryStore(), func() {}
	}
	db, err := models.OpenMySQL(cfg.MySQL.DSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database init failed")
	}
	logger.Info().Msg("Database initialized")
	return db, func() { _ = db.Close() }
}
