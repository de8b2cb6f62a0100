// Package main runs the partycast HTTP API and WebSocket gateway with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/partycast/backend/config"
	"github.com/partycast/backend/internal/app"
	"github.com/partycast/backend/internal/auth"
	"github.com/partycast/backend/internal/worker"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer a.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.TTL)
	router := app.NewRouter(a, jwtService)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening",
			zap.String("port", cfg.Server.Port),
			zap.String("store", cfg.Server.StoreDriver),
			zap.String("relay", cfg.Server.RelayDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Presence and signaling cleanup
	if cfg.Server.SweepInterval > 0 {
		sweeper := worker.NewSweeper(a.Presence, a.Signaling, cfg.Server.SweepInterval, cfg.Signaling.Retention, logger)
		g.Go(func() error {
			sweeper.Run(gCtx)
			return nil
		})
	}

	// Failed uploads are retried here too so a single process is enough.
	if a.Queue != nil {
		processor := worker.NewRecordingProcessor(a.Pipeline, a.Queue, logger)
		g.Go(func() error {
			processor.Run(gCtx)
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
