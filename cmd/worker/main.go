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

	"github.com/labstack/echo/v4"

	"github.com/vladm3105/tradegent/internal/app"
	"github.com/vladm3105/tradegent/internal/config"
	"github.com/vladm3105/tradegent/internal/metrics"
	"github.com/vladm3105/tradegent/internal/queue"
	"github.com/vladm3105/tradegent/internal/util"
	"github.com/vladm3105/tradegent/pkg/ai"
	"github.com/vladm3105/tradegent/pkg/logger"
	"github.com/vladm3105/tradegent/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  debug,
		Prefix: "worker",
	})
	logger.Init(consoleLogger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	m := metrics.New(metrics.DefaultNamespace)
	a, err := app.New(ctx, cfg, m)
	if err != nil {
		logger.Fatal("Failed to initialize engine", "err", err)
	}
	defer a.Close()
	if a.Archive == nil {
		logger.Warn("No S3 bucket configured, submissions must carry their body")
	}

	// Init rabbitmq
	conn, err := queue.Init(cfg.RabbitMQ)
	if err != nil {
		logger.Fatal("Failed to connect to queue", "err", err)
	}
	defer conn.Close()

	// Init rabbitmq queues if not exist
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, queue.Queues, queue.DefaultRetryDelay); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if cfg.Workers.MetricsPort != "" {
		go serveMetrics(ctx, cfg.Workers.MetricsPort, m)
	}

	sweeper := queue.NewSweeper(queue.NewSweeperParams{
		Gate:     a.Gate,
		Locker:   a.Locker,
		Interval: cfg.Workers.SweepInterval,
		Batch:    cfg.Workers.SweepBatch,
	})
	go sweeper.Run(ctx)

	consumer := queue.NewConsumer(queue.NewConsumerParams{
		Channel: consumerCh,
		Handler: queue.NewHandler(queue.NewHandlerParams{
			Embed:   a.EmbedPipeline,
			Extract: a.ExtractPipeline,
			Source:  a.Source,
		}),
		Observer:      m,
		Processors:    cfg.Workers.Prefetch,
		MaxRetries:    cfg.Workers.MaxRedelivery,
		PublishEvents: true,
	})
	if err := consumer.Run(ctx, queue.Queues); err != nil {
		logger.Error("Consumer stopped", "err", err)
	}

	logAIMetrics(a.Completer)
	logger.Info("Shutdown signal received, exiting...")
}

func serveMetrics(ctx context.Context, port string, m *metrics.Collector) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving worker metrics", "port", port)
	if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server failed", "err", err)
	}
}

func logAIMetrics(c ai.Completer) {
	if c == nil {
		return
	}
	usage := c.GetMetrics()
	aiDuration := time.Duration(usage.DurationMs) * time.Millisecond
	logger.Info(
		"AI Metrics",
		"requests", usage.Requests,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"total_tokens", usage.TotalTokens,
		"duration", fmt.Sprintf("%02d:%02d:%02d", int(aiDuration.Hours()), int(aiDuration.Minutes())%60, int(aiDuration.Seconds())%60),
	)
}
