package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"formflow/internal/api"
	"formflow/internal/attachment"
	"formflow/internal/auth"
	"formflow/internal/config"
	"formflow/internal/db"
	"formflow/internal/jobs"
	"formflow/internal/pubsub"
	"formflow/internal/schema"
	"formflow/internal/service"
	"formflow/internal/storage"
	"formflow/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const uploadQueueSize = 4096

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		if err := serve(cfg, logger); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	case "migrate":
		direction := ""
		if len(os.Args) > 2 {
			direction = os.Args[2]
		}
		if err := runGooseMigrations(cfg.DatabaseURL, direction, logger); err != nil {
			logger.Fatal("Migration failed", zap.Error(err))
		}
	case "token":
		if len(os.Args) < 3 {
			log.Fatalf("usage: formflow-api token <user-id> [role]")
		}
		var roles []string
		if len(os.Args) > 3 {
			roles = []string{os.Args[3]}
		}
		token, err := auth.NewJWTConfig(cfg.JWTSecret, false).Issue(os.Args[2], roles, 24*time.Hour)
		if err != nil {
			logger.Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
	default:
		log.Fatalf("Unknown command: %s (use 'serve', 'migrate' or 'token')", cmd)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database, or the in-memory store for local runs
	var store service.Store
	if cfg.DatabaseURL != "" {
		dbPool, err := db.NewPool(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer dbPool.Close()
		store = dbPool.Queries
	} else {
		logger.Warn("DATABASE_URL not set, using the in-memory store")
		store = db.NewMemory()
	}

	// Redis backs the event bus, replay streams and due-date jobs
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
	} else {
		logger.Warn("REDIS_ADDR not set, events stay in-process and due-date jobs are off")
	}
	bus := pubsub.New(rdb, logger)

	objects, local, err := newObjectStorage(cfg, logger)
	if err != nil {
		return err
	}

	compiler := schema.NewCompilerWithCache(cfg.FormCacheSize)
	forms := service.NewFormService(store, compiler, cfg.FormCacheSize, logger)
	queue := attachment.NewQueue(uploadQueueSize, cfg.UploadRetention)
	signatures := attachment.NewSignatureUploader(objects, cfg.SignaturesBucket, logger)
	submissions := service.NewSubmissionService(store, forms, compiler, signatures, queue, bus, logger)
	uploads := attachment.NewPipeline(queue, objects, submissions, store, bus, attachment.PipelineConfig{
		Bucket:       cfg.FilesBucket,
		DefaultMaxMB: cfg.MaxUploadMB,
	}, logger)
	reviews := service.NewReviewService(store, bus, logger)
	assignments := service.NewAssignmentService(store, forms, bus, logger)
	files := service.NewFileService(objects, []string{cfg.FilesBucket, cfg.SignaturesBucket}, cfg.DownloadURLTTL, logger)

	if rdb != nil {
		jobServer, jobClient := jobs.NewJobServer(cfg.RedisAddr, store, bus, logger)
		if err := jobServer.Start(); err != nil {
			return fmt.Errorf("failed to start job server: %w", err)
		}
		defer jobServer.Stop()
		assignments.SetJobClient(service.NewAsynqJobClient(jobClient))
	}

	hub := ws.NewHub(service.NewChannelPolicy(store, logger), logger)
	if streams := bus.Streams(); streams != nil {
		hub.SetStreamsProvider(streams)
	}
	go hub.Run(ctx)
	bus.SetWSHub(hub)

	authCfg := auth.NewJWTConfig(cfg.JWTSecret, cfg.Development())

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Uploads wait for storage and websockets stay open
			if req.Header.Get("Upgrade") == "websocket" || isUpload(req) {
				next.ServeHTTP(w, req)
				return
			}
			middleware.Timeout(60*time.Second)(next).ServeHTTP(w, req)
		})
	})
	r.Mount("/v1", api.Routes(api.Dependencies{
		Log:         logger,
		Auth:        authCfg,
		Forms:       forms,
		Submissions: submissions,
		Reviews:     reviews,
		Assignments: assignments,
		Files:       files,
		Uploads:     uploads,
		Signatures:  signatures,
		Local:       local,
		Hub:         hub,
		MaxUploadMB: cfg.MaxUploadMB,
	}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.Addr), zap.String("storage", cfg.StorageBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
	return nil
}

// newObjectStorage picks the configured backend. The local backend is also
// returned on its own so the API can serve its signed downloads.
func newObjectStorage(cfg *config.Config, logger *zap.Logger) (storage.Storage, *storage.LocalStorage, error) {
	switch cfg.StorageBackend {
	case "oss":
		s, err := storage.NewOSSStorage(cfg.OSSEndpoint, cfg.OSSAccessKeyID, cfg.OSSAccessKeySecret, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		s, err := storage.NewLocalStorage(cfg.StorageBaseDir, cfg.StorageBaseURL, cfg.JWTSecret)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

func isUpload(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}
