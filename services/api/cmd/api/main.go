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
	"quillai/internal/security"
	"quillai/internal/servicetoken"
	"quillai/internal/usertoken"
	"quillai/internal/util"
	"quillai/pkg/ai"
	"quillai/pkg/billing"
	"quillai/pkg/ingest"
	"quillai/pkg/storage"
	"quillai/pkg/store"
	"quillai/pkg/vectorindex"
	"quillai/services/api/internal/app"
	"quillai/services/api/internal/config"
	"quillai/services/api/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, logCloser := util.InitLogger("api", cfg.Log)
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
	chat, err := backends.NewChatStreamer(cfg.Chat)
	if err != nil {
		log.Fatalf("failed to init chat model: %v", err)
	}

	billingCfg := billing.Config{
		Users:         db,
		ProPriceID:    cfg.Stripe.ProPriceID,
		AppBaseURL:    cfg.AppBaseURL,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Logger:        logger,
	}
	if cfg.Stripe.SecretKey != "" {
		provider, err := billing.NewStripeProvider(cfg.Stripe.SecretKey)
		if err != nil {
			log.Fatalf("failed to init stripe: %v", err)
		}
		billingCfg.Provider = provider
	} else {
		logger.Warn("stripe not configured; every user resolves to the Free plan")
	}
	gateway, err := billing.NewGateway(billingCfg)
	if err != nil {
		log.Fatalf("failed to init billing: %v", err)
	}

	dispatcher, shutdownDispatch, err := newDispatcher(cfg, db, objects, index, embedder, logger)
	if err != nil {
		log.Fatalf("failed to init ingestion: %v", err)
	}
	defer shutdownDispatch()

	appCore, err := app.New(app.Config{
		Store:      db,
		Objects:    objects,
		Index:      index,
		Embedder:   embedder,
		Chat:       chat,
		Billing:    gateway,
		Dispatcher: dispatcher,
		Logger:     logger,
		MaxTokens:  cfg.Chat.MaxTokens,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	leeway, _ := config.ParseJWTLeeway(cfg.JWTLeeway)
	verifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		Issuer:   cfg.AuthIssuer,
		JWKSURL:  cfg.AuthJWKSURL,
		Audience: cfg.AuthAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("invalid trustedProxyCidrs: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		TokenVerifier:            verifier,
		Redis:                    rdb,
		ChatRateLimitPerMinute:   cfg.ChatRateLimitPerMinute,
		UploadRateLimitPerMinute: cfg.UploadRateLimitPerMinute,
		TrustedProxies:           trusted,
		CORSAllowedOrigins:       cfg.CORSAllowedOrigins,
		Alerter:                  security.NewAuditAlerter(rdb, "quill:api:alerts", nil),
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 30 * time.Second,
		// chat answers stream for as long as the model generates
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api server listening", "addr", addr, "ingest_mode", cfg.Ingest.Mode)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

// newDispatcher builds the ingestion hand-off for the configured mode. The
// returned func releases its resources on shutdown.
func newDispatcher(cfg config.FileConfig, db store.Store, objects storage.ObjectStore, index vectorindex.Index,
	embedder ai.Embedder, logger *slog.Logger) (ingest.Dispatcher, func(), error) {
	switch cfg.Ingest.Mode {
	case config.IngestHTTP:
		signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
			PrivateKey: servicetoken.Key{Path: cfg.Ingest.InternalJWTPrivateKeyPath},
			KeyID:      cfg.Ingest.InternalJWTKeyID,
			Issuer:     "api",
		})
		if err != nil {
			return nil, nil, err
		}
		client, err := app.NewIngestClient(cfg.Ingest.ServiceURL, signer)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	case config.IngestQueue:
		q, err := backends.OpenQueue(cfg.Ingest.Queue, "api", logger)
		if err != nil {
			return nil, nil, err
		}
		return ingest.QueueDispatcher{Queue: q}, func() { _ = q.Close() }, nil
	default:
		pipeline, err := ingest.NewPipeline(ingest.Config{
			Store:     db,
			Objects:   objects,
			Index:     index,
			Embedder:  embedder,
			Logger:    logger,
			BatchSize: cfg.Ingest.BatchSize,
		})
		if err != nil {
			return nil, nil, err
		}
		d := ingest.NewInlineDispatcher(pipeline, db, int64(cfg.Ingest.Concurrency), cfg.Ingest.Timeout(), logger)
		return d, d.Wait, nil
	}
}
