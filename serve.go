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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"campusbot/authorization"
	"campusbot/cache"
	"campusbot/chatbot"
	"campusbot/config"
	"campusbot/database"
	"campusbot/knowledge"
	"campusbot/logging"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chatbot HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	store, err := knowledge.NewGormStore(db, logger)
	if err != nil {
		return err
	}
	repo, err := chatbot.NewAnalyticsRepo(db)
	if err != nil {
		return err
	}
	if err := migrate(store, repo); err != nil {
		return err
	}

	if cfg.Knowledge.SeedPath != "" {
		stats, err := applySeed(ctx, cfg, store, cfg.Knowledge.SeedPath)
		if err != nil {
			return err
		}
		logger.Info().
			Str("seed", cfg.Knowledge.SeedPath).
			Int("categories_created", stats.CategoriesCreated).
			Int("categories_updated", stats.CategoriesUpdated).
			Int("entries_created", stats.EntriesCreated).
			Int("entries_updated", stats.EntriesUpdated).
			Msg("knowledge seed applied")
	}

	cacheOpts := []knowledge.CachedStoreOption{knowledge.WithRefreshInterval(cfg.Knowledge.RefreshInterval)}
	redisClient, err := cache.NewClient(ctx, cfg.Redis)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("redis unavailable, knowledge mirror disabled")
	case redisClient != nil:
		defer redisClient.Close()
		cacheOpts = append(cacheOpts, knowledge.WithMirror(knowledge.NewRedisMirror(redisClient, cfg.Knowledge.SnapshotTTL)))
	}
	cached := knowledge.NewCachedStore(store, logger, cacheOpts...)

	recorder := chatbot.NewRecorder(repo, cfg.Analytics.Buffer, logger)
	service := chatbot.NewService(
		knowledge.NewMatcher(cached, logger),
		chatbot.NewFallback(cfg.Fallback.Responses, cfg.Fallback.Apology),
		recorder,
		logger,
	)

	guard, err := authorization.NewGuardFromSecret(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("init auth guard: %w", err)
	}
	limiter := chatbot.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	router, err := newRouter(logger, cfg.CORSOrigins, chatbot.Options{
		Service:        service,
		Knowledge:      cached,
		Admin:          store,
		Invalidator:    cached,
		Analytics:      repo,
		Guard:          guard,
		Limiter:        limiter,
		Logger:         logger,
		AllowedOrigins: cfg.CORSOrigins,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("database", db.Dialector.Name()).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return cached.Run(gctx) })
	g.Go(func() error { return limiter.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
			_ = srv.Close()
		}
		if err := recorder.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("analytics queue not fully drained")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

// newRouter builds the gin engine with recovery, request logging, CORS and
// the chatbot routes.
func newRouter(logger zerolog.Logger, origins []string, opts chatbot.Options) (*gin.Engine, error) {
	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), logging.GinMiddleware(logger))

	corsConfig := cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", logging.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", logging.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", healthHandler(opts.Knowledge))

	if _, err := chatbot.RegisterRoutes(router, opts); err != nil {
		return nil, fmt.Errorf("register chatbot routes: %w", err)
	}
	return router, nil
}

type snapshotter interface {
	Snapshot(ctx context.Context) (*knowledge.Snapshot, error)
}

// healthHandler reports the knowledge snapshot size and age when the store
// is cached. A store that cannot load marks the service degraded.
func healthHandler(store knowledge.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		cached, ok := store.(snapshotter)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}

		snap, err := cached.Snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"knowledge": gin.H{
				"entries":     snap.Len(),
				"loaded_at":   snap.LoadedAt().UTC().Format(time.RFC3339),
				"age_seconds": int(time.Since(snap.LoadedAt()).Seconds()),
			},
		})
	}
}
