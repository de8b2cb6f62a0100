package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/partycast/backend/config"
	"github.com/partycast/backend/internal/app"
)

var (
	eventIDFlag string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "partycast",
	Short:         "Broadcast or watch a live event from the command line",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&eventIDFlag, "event", "", "event id (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	_ = rootCmd.MarkPersistentFlagRequired("event")
}

// setup loads config and wires the backends shared by both commands.
func setup(ctx context.Context) (*app.App, uuid.UUID, error) {
	eventID, err := uuid.Parse(eventIDFlag)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("invalid --event: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, uuid.Nil, err
	}
	a, err := app.New(ctx, cfg, newLogger())
	if err != nil {
		return nil, uuid.Nil, err
	}
	return a, eventID, nil
}

// waitForSignal blocks until SIGINT/SIGTERM or ctx is done.
func waitForSignal(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	select {
	case <-quit:
	case <-ctx.Done():
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, _ := config.Build()
	return logger
}
