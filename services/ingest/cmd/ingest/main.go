package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"quillai/internal/backends"
	"quillai/internal/servicetoken"
	"quillai/internal/util"
	"quillai/pkg/ingest"
	"quillai/services/ingest/internal/app"
	"quillai/services/ingest/internal/config"
	"quillai/services/ingest/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, logCloser := util.InitLogger("ingest", cfg.Log)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := backends.OpenStore(cfg.Database)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	objects, objectsCloser, err := backends.OpenObjectStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}
	defer objectsCloser.Close()
	index, err := backends.OpenIndex(cfg.Vector, db)
	if err != nil {
		log.Fatalf("failed to init vector index: %v", err)
	}
	embedder, err := backends.NewEmbedder(cfg.Embedding)
	if err != nil {
		log.Fatalf("failed to init embedder: %v", err)
	}
	pipeline, err := ingest.NewPipeline(ingest.Config{
		Store:     db,
		Objects:   objects,
		Index:     index,
		Embedder:  embedder,
		Logger:    logger,
		BatchSize: cfg.BatchSize,
	})
	if err != nil {
		log.Fatalf("failed to init pipeline: %v", err)
	}

	hostname, _ := os.Hostname()
	q, err := backends.OpenQueue(cfg.Queue, hostname, logger)
	if err != nil {
		log.Fatalf("failed to init queue: %v", err)
	}
	defer q.Close()

	appCore, err := app.New(app.Config{
		Store:      db,
		Queue:      q,
		Runner:     pipeline,
		Logger:     logger,
		JobTimeout: time.Duration(cfg.JobTimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	if err := appCore.Start(ctx, cfg.Concurrency); err != nil {
		log.Fatalf("failed to start workers: %v", err)
	}

	var replay servicetoken.ReplayGuard
	if cfg.Queue.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr, Password: cfg.Queue.RedisPassword})
		defer rdb.Close()
		replay = servicetoken.NewRedisReplayGuard(rdb, "quill:ingest:jti")
	}
	keys, _ := cfg.VerifyPublicKeys()
	httpServer, err := server.New(server.Config{
		App:            appCore,
		PublicKeys:     keys,
		AllowedIssuers: cfg.AllowedIssuers,
		ReplayGuard:    replay,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("ingest server listening", "addr", addr, "queue", cfg.Queue.Driver, "concurrency", cfg.Concurrency)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
