package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/curie-api/internal/bundle"
	"github.com/Brownie44l1/curie-api/internal/cache"
	"github.com/Brownie44l1/curie-api/internal/config"
	"github.com/Brownie44l1/curie-api/internal/handlers"
	"github.com/Brownie44l1/curie-api/internal/imaging"
	"github.com/Brownie44l1/curie-api/internal/logger"
	"github.com/Brownie44l1/curie-api/internal/middleware"
	"github.com/Brownie44l1/curie-api/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	configPath := os.Getenv("CURIE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Server.Mode)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync(log)
	zap.ReplaceGlobals(log)

	log.Info("starting Curie server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	if cfg.Bundle.WorkDir != "" {
		if err := os.MkdirAll(cfg.Bundle.WorkDir, 0o755); err != nil {
			log.Fatal("failed to create bundle work dir", zap.Error(err))
		}
	}

	log.Info("loading model", zap.String("path", cfg.Model.Path))

	modelServer, err := model.NewServer(cfg.Model, cfg.Inference.QueueTimeout, log)
	if err != nil {
		log.Fatal("failed to initialize model server", zap.Error(err))
	}
	defer modelServer.Close()

	log.Info("model loaded",
		zap.Strings("classes", modelServer.Metadata.Classes),
		zap.Int("image_size", modelServer.Metadata.ImageSize))

	opts := handlers.Options{
		MaxUploadSize: cfg.Upload.MaxSize,
		JPEGQuality:   cfg.Encoding.JPEGQuality,
	}
	if cfg.Cache.Enabled {
		resultCache := cache.NewRedisCache(cfg.Cache, log)
		defer resultCache.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := resultCache.Ping(pingCtx); err != nil {
			log.Warn("redis connection failed, cache disabled", zap.Error(err))
		} else {
			log.Info("redis connected successfully", zap.String("addr", cfg.Cache.Addr))
			opts.Cache = resultCache
		}
		cancel()
	}

	if cfg.Debug.SaveRequests {
		log.Warn("debug request dumps enabled", zap.String("dir", cfg.Debug.Dir))
	}

	handler := handlers.NewHandler(modelServer,
		imaging.NewDecoder(cfg.Upload.MaxPixels, cfg.Debug, log),
		bundle.NewPackager(cfg.Bundle.WorkDir, log),
		opts, log)

	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS(cfg.CORS))

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"git_commit": GitCommit,
		})
	})
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// serveErr carries a listener failure back to main so the deferred
	// cleanup (model session, cache client, logger sync) still runs.
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Server.Addr))
		log.Info("endpoints",
			zap.Strings("routes", []string{
				"GET  /health",
				"GET  /version",
				"POST /images/Curie_v1/   - JSON result",
				"POST /images/Curie_file/ - ZIP bundle",
				"GET  /images/openapi.json",
				"GET  /images/docs",
			}))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err, ok := <-serveErr:
		if ok {
			log.Error("server failed", zap.Error(err))
			return
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
