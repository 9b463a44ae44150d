package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gamelink/backend/internal/config"
	"github.com/gamelink/backend/internal/game"
	"github.com/gamelink/backend/internal/game/tictactoe"
	"github.com/gamelink/backend/internal/gateway"
	"github.com/gamelink/backend/internal/httpapi"
	"github.com/gamelink/backend/internal/logging"
	"github.com/gamelink/backend/internal/matchmaking"
	"github.com/gamelink/backend/internal/registry"
	"github.com/gamelink/backend/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rl := relay.New(relay.Config{
		PollTimeout: cfg.PollTimeout,
		StaleAfter:  cfg.StaleAfter,
		SweepEvery:  cfg.SweepInterval,
	}, logger.Named("relay"))

	gw := gateway.New(rl, logger.Named("gateway"))

	engines := map[string]game.Engine{
		tictactoe.GameType: tictactoe.Engine{},
	}
	reg := registry.New(ctx, engines, gw, cfg.RoomIdleTimeout, logger.Named("registry"))
	queue := matchmaking.New(ctx, reg, gw, logger.Named("matchmaking"))
	d := gateway.NewDispatcher(queue, reg, gw, logger.Named("dispatch"))

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpapi.SetupRoutes(gw, d, rl, logger.Named("ws")),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Force-end every room with a server_restart broadcast, resolve
		// outstanding polls as disconnected, then drain HTTP.
		reg.Inbox() <- registry.Shutdown{}
		rl.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
