// main package for the xtts-handler service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/AnasIftikhar/xttsv2-runpod/internal/config"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/core"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/engine"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/handler"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/objectstore"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/supervisor"
	"github.com/AnasIftikhar/xttsv2-runpod/internal/worker"
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "xtts-handler.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	return serve(ctx, cfg, log)
}

// serve starts the engine supervisor, blocks until the engine is ready,
// and only then registers the request handler with the transport. A
// failed startup is fatal: no request can ever succeed without a ready
// engine.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	engineClient := engine.New(cfg.Engine.GetServiceURL(), cfg.Engine.SynthesisTimeout())

	sup := supervisor.New(
		cfg.Engine.Command,
		engineClient.Health,
		supervisor.Policy{
			Interval:      time.Duration(cfg.Engine.ProbeIntervalSecs) * time.Second,
			Timeout:       time.Duration(cfg.Engine.ProbeTimeoutSecs) * time.Second,
			ProgressEvery: time.Duration(cfg.Engine.ProbeProgressSecs) * time.Second,
		},
		log,
	)
	defer sup.Stop()

	startErr := sup.Start(ctx)
	if startErr != nil {
		log.Error("Engine startup failed: %v", startErr)

		return fmt.Errorf("engine startup failed: %w", startErr)
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	audioStore, err := setupAudioStore(natsConnection, cfg.NATS.AudioStoreBucket, log)
	if err != nil {
		return err
	}

	jobHandler := handler.New(sup, engineClient, audioStore, handler.Options{
		InlineAudioLimit: cfg.Handler.InlineAudioLimitBytes,
		DefaultLanguage:  cfg.Handler.DefaultLanguage,
	}, log)

	jobWorker := worker.New(
		natsConnection,
		cfg.NATS.JobsSubject,
		jobHandler,
		cfg.Engine.SynthesisTimeout()+30*time.Second,
		log,
	)

	runErr := jobWorker.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("worker stopped with error: %w", runErr)
	}

	return nil
}

// setupAudioStore creates the large-payload audio store when a bucket is
// configured. Without a bucket, audio is always returned inline.
func setupAudioStore(
	natsConnection *nats.Conn,
	bucket string,
	log *logger.Logger,
) (core.AudioStore, error) {
	if bucket == "" {
		log.Info("No audio bucket configured, returning all audio inline")

		return nil, nil
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to set up audio store: %w", err)
	}

	return store, nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
