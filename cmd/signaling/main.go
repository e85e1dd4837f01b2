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

	"github.com/mossy-p/watchparty/config"
	"github.com/mossy-p/watchparty/internal/bus"
	"github.com/mossy-p/watchparty/internal/handlers"
	"github.com/mossy-p/watchparty/internal/ice"
	"github.com/mossy-p/watchparty/internal/logging"
	"github.com/mossy-p/watchparty/internal/playback"
	"github.com/mossy-p/watchparty/internal/redis"
	"github.com/mossy-p/watchparty/internal/room"
	"github.com/mossy-p/watchparty/internal/users"
)

const keyPrefix = "watchparty"

func main() {
	// Load configuration
	cfg := config.Load()
	logger := logging.New(cfg.Log)
	log := logger.WithField("service", "signaling")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info("Redis connection established")

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	realtime := bus.NewRedis(rdb, keyPrefix, log)
	rooms := room.NewStore(rdb, keyPrefix)
	hub := handlers.NewHub(realtime, rooms, log)

	handlers.Register(router, handlers.Deps{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		Users:          users.NewStore(rdb, keyPrefix),
		Rooms: &handlers.Rooms{
			Store:    rooms,
			Bus:      realtime,
			Playback: playback.NewRedisStore(rdb, keyPrefix),
			Logger:   logging.Component(log, "rooms"),
		},
		Hub:    hub,
		ICE:    ice.FromSettings(cfg.ICE, log),
		Logger: logging.Component(log, "auth"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("Starting watch-party signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
