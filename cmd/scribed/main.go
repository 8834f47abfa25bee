package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scribesync/scribesync/config"
	"github.com/scribesync/scribesync/internal/handlers"
	"github.com/scribesync/scribesync/internal/logging"
	"github.com/scribesync/scribesync/internal/metrics"
	"github.com/scribesync/scribesync/internal/middleware"
	"github.com/scribesync/scribesync/internal/redisstore"
	"github.com/scribesync/scribesync/internal/room"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Environment, "scribed", cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := redisstore.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisClient.Close()
	log.Info().Str("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Msg("redis connected")

	m := metrics.New(prometheus.DefaultRegisterer)
	registry := room.NewRegistry(room.Options{
		MaxPeers:          cfg.Room.MaxPeers,
		HeartbeatInterval: cfg.Room.HeartbeatInterval,
		InactivityTimeout: cfg.Room.InactivityTimeout,
		DisposalDelay:     cfg.Room.DisposalDelay,
	}, log, m)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", handlers.Health)
	if cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	noteHandlers := handlers.NewNotes(redisstore.NewNoteStore(redisClient), log)
	apiGroup := router.Group("/api", middleware.JWTAuth(cfg.JWTSecret))
	{
		apiGroup.POST("/notes", noteHandlers.Create)
		apiGroup.GET("/notes", noteHandlers.ListMine)
		apiGroup.GET("/notes/:noteId", noteHandlers.Get)
		apiGroup.PUT("/notes/:noteId", noteHandlers.Update)
		apiGroup.DELETE("/notes/:noteId", noteHandlers.Delete)
	}

	signaling := handlers.NewSignaling(registry, log, m)
	wsGroup := router.Group("/ws")
	{
		// Room id via ?room=, path segment, or room.<id> subprotocol.
		wsGroup.GET("/signal", signaling.Handle)
		wsGroup.GET("/signal/:roomId", signaling.Handle)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("version", handlers.Version).Msg("signaling server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	registry.Shutdown()
	log.Info().Msg("stopped")
}
