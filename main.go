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
	"github.com/rs/zerolog/log"

	"github.com/ssau-fiit/cloudocs-collab/collab"
	"github.com/ssau-fiit/cloudocs-collab/config"
	"github.com/ssau-fiit/cloudocs-collab/database"
	"github.com/ssau-fiit/cloudocs-collab/discovery"
	"github.com/ssau-fiit/cloudocs-collab/docstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("could not load config")
	}

	db, err := database.New(cfg.RedisAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("could not connect to redis")
	}
	store := docstore.New(db)

	registry := collab.NewRegistry()
	srv := collab.NewServer(registry)
	collabPort, err := srv.Start(cfg.CollabPort)
	if err != nil {
		log.Fatal().Err(err).Msg("could not start collab server")
	}

	var disc *discovery.Service
	if cfg.DiscoveryEnabled {
		disc = discovery.New(cfg.ServiceType)
		err := disc.StartBrowsing(
			func(rec discovery.Record) {
				log.Info().Str("session", rec.SessionID).Str("host", rec.HostName).Msg("session discovered")
			},
			func(rec discovery.Record) {
				log.Info().Str("session", rec.SessionID).Msg("session gone")
			},
		)
		if err != nil {
			// Discovery is best effort, collaboration works without it.
			log.Error().Err(err).Msg("discovery unavailable")
		}
	}

	app := &app{cfg: cfg, store: store, collab: srv, disc: disc}

	r := gin.Default()
	v1 := r.Group("/api/v1")
	v1.POST("/auth", app.handleAuth)
	v1.GET("/documents", app.handleGetDocuments)
	v1.POST("/documents/create", app.handleCreateDocument)
	v1.DELETE("/documents/:id", app.handleDeleteDocument)
	v1.POST("/sessions", app.handleShareDocument)
	v1.GET("/sessions", app.handleGetSessions)
	v1.GET("/sessions/:id", app.handleGetSession)
	v1.GET("/discovery", app.handleDiscovered)

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("could not start server")
		}
	}()
	log.Info().Str("addr", cfg.HTTPAddr).Int("collab_port", collabPort).Msg("cloudocs-collab up")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	if disc != nil {
		disc.Destroy()
	}
	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("error stopping collab server")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down http server")
	}
}
