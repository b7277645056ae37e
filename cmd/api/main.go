//	@title			ClassHub Media Gateway
//	@version		1.0
//	@description	Streams public and private classroom files from S3-compatible storage.
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT Bearer token. Format: **Bearer {token}**

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/classhub/media/internal/config"
	"github.com/classhub/media/internal/db"
	"github.com/classhub/media/internal/delivery"
	"github.com/classhub/media/internal/media"
	"github.com/classhub/media/internal/metacache"
	"github.com/classhub/media/internal/metrics"
	appMiddleware "github.com/classhub/media/internal/middleware"
	"github.com/classhub/media/internal/storage"
	"github.com/classhub/media/internal/tracing"

	_ "github.com/classhub/media/docs/swagger"
)

func main() {
	boot, _ := zap.NewProduction()
	cfg := config.Load(boot)

	log, err := newLogger(cfg)
	if err != nil {
		boot.Fatal("logger init failed", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
	log.Info("server stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, log, tracing.Options{
		Endpoint:    cfg.TracingEndpoint,
		SampleRatio: cfg.TracingSampleRatio,
	})
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, log, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(log, cfg.DatabaseURL); err != nil {
		return err
	}

	m := metrics.New()

	backend, err := newObjectStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	store := storage.NewInstrumented(backend, m)

	cache := metacache.New(log.Named("metacache"), metacache.Options{
		TTL:          cfg.MetadataCacheTTL,
		FetchTimeout: cfg.MetadataFetchTimeout,
		Observer:     m,
	})

	// Wire dependencies: repository → service → handler
	resolver := delivery.NewResolver(cfg.StoragePublicBucket, cfg.StoragePrivateBucket)
	gateway := delivery.NewGateway(log.Named("delivery"),
		delivery.GatewayConfig{PublicMaxAge: cfg.PublicMaxAge},
		resolver, delivery.NewPolicy(cfg.ElevatedRoles), cache, store, m)

	mediaRepo := media.NewRepository(pool)
	deliveryHandler := delivery.NewHandler(log.Named("delivery"), gateway, mediaRepo)

	mediaSvc := media.NewService(log.Named("media"), mediaRepo, store, resolver, cache,
		delivery.NewURLBuilder(cfg.StoragePublicBase), cfg.ElevatedRoles)
	mediaHandler := media.NewHandler(log.Named("media"), mediaSvc)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger(log.Named("http")))
	r.Use(chiMiddleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(tracing.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", m.Handler())

	// Swagger UI at http://localhost:8080/swagger/
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	// Object delivery
	r.Route(delivery.RoutePrefix, func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Range", "X-Request-ID"},
			ExposedHeaders: []string{"Accept-Ranges", "Content-Length", "Content-Range", "Content-Type"},
			MaxAge:         cfg.CORSMaxAge,
		}))

		// Anonymous public delivery never touches identity.
		r.Get("/public/*", withTier("public", deliveryHandler.ServeObject))
		r.Head("/public/*", withTier("public", deliveryHandler.ServeObject))

		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.OptionalAuth(cfg.JWTSecret, log.Named("auth")))
			r.Get("/{tier}/*", deliveryHandler.ServeObject)
			r.Head("/{tier}/*", deliveryHandler.ServeObject)
		})
	})

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         cfg.CORSMaxAge,
		}))
		r.Route("/media", func(r chi.Router) {
			r.Use(appMiddleware.RequireAuth(cfg.JWTSecret))
			r.Post("/", mediaHandler.Upload)
			r.Delete("/{tier}/*", mediaHandler.Delete)
		})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		// Downloads may be long; the streamer stops on client disconnect.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cache.Run(gctx, cfg.MetadataCacheSweep)
	})
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", srv.Addr), zap.String("env", cfg.AppEnv))
		log.Info("swagger UI available", zap.String("url", "http://localhost:"+cfg.Port+"/swagger/"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if terr := shutdownTracing(shutdownCtx); terr != nil {
			log.Warn("tracer shutdown failed", zap.Error(terr))
		}
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// withTier pins the tier URL parameter for routes that spell it out.
func withTier(tier string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chi.RouteContext(r.Context()).URLParams.Add("tier", tier)
		next(w, r)
	}
}

func newObjectStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.ObjectStore, error) {
	switch cfg.StorageDriver {
	case "memory":
		log.Warn("using in-memory object store, data is lost on restart")
		return storage.NewMemoryStorage(), nil
	case "minio", "":
		return storage.NewMinioStorage(ctx, log.Named("storage"),
			cfg.StorageEndpoint, cfg.StorageAccessKey, cfg.StorageSecretKey, cfg.StorageUseSSL,
			storage.BucketSpec{Name: cfg.StoragePublicBucket, PublicRead: true},
			storage.BucketSpec{Name: cfg.StoragePrivateBucket},
		)
	default:
		return nil, errors.New("unknown STORAGE_DRIVER " + cfg.StorageDriver)
	}
}
