package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/accordsai/creditlane/pkg/authn"
	"github.com/accordsai/creditlane/pkg/db"
	"github.com/accordsai/creditlane/pkg/idempotency"
	"github.com/accordsai/creditlane/pkg/objectstore"
	firmasotel "github.com/accordsai/creditlane/pkg/otel"
	"github.com/accordsai/creditlane/services/firmas/internal/api"
	"github.com/accordsai/creditlane/services/firmas/internal/audit"
	"github.com/accordsai/creditlane/services/firmas/internal/collab"
	"github.com/accordsai/creditlane/services/firmas/internal/config"
	"github.com/accordsai/creditlane/services/firmas/internal/engine"
	"github.com/accordsai/creditlane/services/firmas/internal/gate"
	"github.com/accordsai/creditlane/services/firmas/internal/store"
)

// repository is what the engine, the audit log and the gate need from a
// backend.
type repository interface {
	engine.Repository
	audit.Store
	gate.Reader
}

func main() {
	log.SetPrefix("firmas: ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	shutdownTracing, err := firmasotel.Setup(ctx, firmasotel.Options{
		ServiceName: "firmas",
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeRepo()

	objects, err := openObjects(ctx, cfg)
	if err != nil {
		log.Fatalf("object store: %v", err)
	}

	eng := engine.New(engine.Deps{
		Repo:      repo,
		Objects:   objects,
		Audit:     audit.New(repo),
		Contracts: contractService(cfg, objects),
		Renderer:  renderer(cfg),
		Notifier:  notifier(cfg),
	}, engine.Config{
		ExpiryWindow:     cfg.ExpiryWindow,
		RetryGrace:       cfg.RetryGrace,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		AllowAnyOperator: cfg.Auth.AllowAnyOperator,
	})

	h := &api.Handler{
		Engine: eng,
		Gate:   gate.New(repo),
		Auth:   authn.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience),
		Idem:   openIdempotency(ctx, cfg),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	h.Routes(r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Printf("listening on :%s (store=%s objects=%s)", cfg.Port, cfg.Store, cfg.ObjectStore)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}

func openRepository(ctx context.Context, cfg config.Config) (repository, func(), error) {
	if cfg.Store == "memory" {
		log.Printf("using in-memory store; data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool.Close, nil
}

func openObjects(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	if cfg.ObjectStore == "memory" {
		return objectstore.NewMemory(), nil
	}
	return objectstore.NewS3(ctx, objectstore.S3Config{
		Bucket:          cfg.S3.Bucket,
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	})
}

func openIdempotency(ctx context.Context, cfg config.Config) idempotency.Store {
	if cfg.RedisURL == "" {
		return idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	}
	client, err := idempotency.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Printf("redis unavailable, idempotency records kept in memory: %v", err)
		return idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	}
	return idempotency.NewRedisStore(client, cfg.IdempotencyTTL)
}

func contractService(cfg config.Config, objects objectstore.Store) collab.ContractService {
	if cfg.ContractsURL != "" {
		return collab.NewContractsClient(cfg.ContractsURL)
	}
	return &collab.LocalContracts{Objects: objects}
}

func renderer(cfg config.Config) collab.DocumentRenderer {
	if cfg.RendererURL != "" {
		return collab.NewRendererClient(cfg.RendererURL)
	}
	return collab.TrailerRenderer{}
}

func notifier(cfg config.Config) collab.NotificationService {
	if cfg.NotifierURL != "" {
		return collab.NewNotifierClient(cfg.NotifierURL, cfg.NotifierSecret)
	}
	return collab.LogNotifier{}
}
